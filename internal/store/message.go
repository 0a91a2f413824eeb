package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const messageColumns = `id, contact_id, direction, kind, body, attachment_ref, origin_msg_id,
	copy_id, delivered_copies, operator_id, flagged, flagged_terms, is_read, is_important, created_at`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	var copies, terms string
	err := row.Scan(&m.ID, &m.ContactID, &m.Direction, &m.Kind, &m.Body, &m.AttachmentRef, &m.OriginMsgID,
		&m.CopyID, &copies, &m.OperatorID, &m.Flagged, &terms, &m.Read, &m.Important, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(copies), &m.DeliveredCopies); err != nil {
		return nil, fmt.Errorf("decode delivered copies: %w", err)
	}
	if err := json.Unmarshal([]byte(terms), &m.FlaggedTerms); err != nil {
		return nil, fmt.Errorf("decode flagged terms: %w", err)
	}
	return &m, nil
}

// InsertMessage appends a message row. DeliveredCopies and FlaggedTerms are
// stored as JSON; the row id and creation time are filled in on the struct.
func (db *DB) InsertMessage(m *Message) error {
	if m.DeliveredCopies == nil {
		m.DeliveredCopies = map[string]string{}
	}
	if m.FlaggedTerms == nil {
		m.FlaggedTerms = []string{}
	}
	copies, err := json.Marshal(m.DeliveredCopies)
	if err != nil {
		return fmt.Errorf("encode delivered copies: %w", err)
	}
	terms, err := json.Marshal(m.FlaggedTerms)
	if err != nil {
		return fmt.Errorf("encode flagged terms: %w", err)
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = time.Now().UnixMilli()
	}
	res, err := db.Exec(`
		INSERT INTO messages (contact_id, direction, kind, body, attachment_ref, origin_msg_id,
			copy_id, delivered_copies, operator_id, flagged, flagged_terms, is_read, is_important, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ContactID, m.Direction, m.Kind, m.Body, m.AttachmentRef, m.OriginMsgID,
		m.CopyID, string(copies), m.OperatorID, m.Flagged, string(terms), m.Read, m.Important, m.CreatedAt)
	if err != nil {
		return err
	}
	m.ID, err = res.LastInsertId()
	return err
}

// GetMessage returns a message by id, or nil if not found.
func (db *DB) GetMessage(id int64) (*Message, error) {
	m, err := scanMessage(db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

// GetMessageByCopyID looks up a message by the legacy single-copy id column.
// Returns nil when no row matches.
func (db *DB) GetMessageByCopyID(copyID string) (*Message, error) {
	if copyID == "" {
		return nil, nil
	}
	m, err := scanMessage(db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE copy_id = ? LIMIT 1`, copyID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

// RecentInbound returns the most recent inbound messages, newest first.
func (db *DB) RecentInbound(limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+` FROM messages
		WHERE direction = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, DirectionIn, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// ListContactMessages returns a contact's messages after the given id,
// oldest first. Used by the web widget to poll for replies.
func (db *DB) ListContactMessages(contactID, afterID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+` FROM messages
		WHERE contact_id = ? AND id > ?
		ORDER BY id ASC
		LIMIT ?`, contactID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// MarkMessageRead flags an inbound message as read.
func (db *DB) MarkMessageRead(id int64) error {
	_, err := db.Exec(`UPDATE messages SET is_read = 1 WHERE id = ?`, id)
	return err
}

// MarkMessageImportant sets or clears the important flag.
func (db *DB) MarkMessageImportant(id int64, important bool) error {
	_, err := db.Exec(`UPDATE messages SET is_important = ? WHERE id = ?`, important, id)
	return err
}

// UnreadCount returns the number of unread inbound messages.
func (db *DB) UnreadCount() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE direction = ? AND is_read = 0`, DirectionIn).Scan(&n)
	return n, err
}

// PurgeMessagesBefore deletes messages created before the cutoff (unix ms)
// and returns the number of rows removed.
func (db *DB) PurgeMessagesBefore(cutoff int64) (int64, error) {
	res, err := db.Exec(`DELETE FROM messages WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
