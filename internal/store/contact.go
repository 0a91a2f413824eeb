package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const contactColumns = `id, origin, COALESCE(external_id, ''), COALESCE(email, ''), COALESCE(session_token, ''),
	display_name, is_verified, challenge_code, challenge_expires_at, challenge_fails,
	is_blocked, block_reason, is_trusted, temp_restricted_until, tags,
	message_count, created_at, updated_at, last_message_at`

func scanContact(row interface{ Scan(...any) error }) (*Contact, error) {
	var c Contact
	var tags string
	err := row.Scan(&c.ID, &c.Origin, &c.ExternalID, &c.Email, &c.SessionToken,
		&c.DisplayName, &c.Verified, &c.ChallengeCode, &c.ChallengeExpiresAt, &c.ChallengeFails,
		&c.Blocked, &c.BlockReason, &c.Trusted, &c.TempRestrictedUntil, &tags,
		&c.MessageCount, &c.CreatedAt, &c.UpdatedAt, &c.LastMessageAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &c.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	return &c, nil
}

// GetContact returns a contact by internal id, or nil if not found.
func (db *DB) GetContact(id int64) (*Contact, error) {
	row := db.QueryRow(`SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id)
	return scanContact(row)
}

// GetContactByExternalID returns a platform contact by its channel user id.
func (db *DB) GetContactByExternalID(externalID string) (*Contact, error) {
	row := db.QueryRow(`SELECT `+contactColumns+` FROM contacts WHERE external_id = ?`, externalID)
	return scanContact(row)
}

// GetContactByEmail returns a web contact by email.
func (db *DB) GetContactByEmail(email string) (*Contact, error) {
	row := db.QueryRow(`SELECT `+contactColumns+` FROM contacts WHERE email = ?`, email)
	return scanContact(row)
}

// GetContactByToken returns a web contact by its session token.
func (db *DB) GetContactByToken(token string) (*Contact, error) {
	row := db.QueryRow(`SELECT `+contactColumns+` FROM contacts WHERE session_token = ?`, token)
	return scanContact(row)
}

// UpsertPlatformContact creates a platform contact on first inbound contact,
// or refreshes its display name. Returns the contact and whether it was newly
// created.
func (db *DB) UpsertPlatformContact(externalID, displayName string) (*Contact, bool, error) {
	existing, err := db.GetContactByExternalID(externalID)
	if err != nil {
		return nil, false, err
	}
	now := time.Now().UnixMilli()
	if existing != nil {
		if displayName != "" && displayName != existing.DisplayName {
			if _, err := db.Exec(`UPDATE contacts SET display_name = ?, updated_at = ? WHERE id = ?`,
				displayName, now, existing.ID); err != nil {
				return nil, false, err
			}
			existing.DisplayName = displayName
		}
		return existing, false, nil
	}

	res, err := db.Exec(`
		INSERT INTO contacts (origin, external_id, display_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		OriginPlatform, externalID, displayName, now, now)
	if err != nil {
		return nil, false, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, false, err
	}
	c, err := db.GetContact(id)
	return c, true, err
}

// CreateWebContact creates a web contact identified by email, with the given
// session token. Fails if the email is already registered.
func (db *DB) CreateWebContact(email, token string) (*Contact, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		INSERT INTO contacts (origin, email, session_token, display_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		OriginWeb, email, token, email, now, now)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return db.GetContact(id)
}

// UpdateSessionToken rotates a web contact's session token.
func (db *DB) UpdateSessionToken(id int64, token string) error {
	_, err := db.Exec(`UPDATE contacts SET session_token = ?, updated_at = ? WHERE id = ?`,
		token, time.Now().UnixMilli(), id)
	return err
}

// SetChallenge stores a pending challenge on the contact.
func (db *DB) SetChallenge(id int64, code string, expiresAt int64) error {
	_, err := db.Exec(`UPDATE contacts SET challenge_code = ?, challenge_expires_at = ?, updated_at = ? WHERE id = ?`,
		code, expiresAt, time.Now().UnixMilli(), id)
	return err
}

// MarkVerified marks the contact verified and clears all challenge state.
func (db *DB) MarkVerified(id int64) error {
	_, err := db.Exec(`
		UPDATE contacts SET is_verified = 1, challenge_code = '', challenge_expires_at = 0,
			challenge_fails = 0, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), id)
	return err
}

// SetChallengeFails records the current consecutive failure count.
func (db *DB) SetChallengeFails(id int64, fails int) error {
	_, err := db.Exec(`UPDATE contacts SET challenge_fails = ?, updated_at = ? WHERE id = ?`,
		fails, time.Now().UnixMilli(), id)
	return err
}

// SetTempRestriction restricts the contact until the given time and clears
// the pending challenge so a stale answer cannot be replayed.
func (db *DB) SetTempRestriction(id int64, until int64) error {
	_, err := db.Exec(`
		UPDATE contacts SET temp_restricted_until = ?, challenge_code = '', challenge_expires_at = 0,
			updated_at = ? WHERE id = ?`,
		until, time.Now().UnixMilli(), id)
	return err
}

// SetBlocked sets or clears the block flag. The reason is kept only while
// blocked.
func (db *DB) SetBlocked(id int64, blocked bool, reason string) error {
	if !blocked {
		reason = ""
	}
	_, err := db.Exec(`UPDATE contacts SET is_blocked = ?, block_reason = ?, updated_at = ? WHERE id = ?`,
		blocked, reason, time.Now().UnixMilli(), id)
	return err
}

// SetTrusted sets or clears the trusted flag. Trusting a contact also marks
// it verified so it never re-enters the challenge flow.
func (db *DB) SetTrusted(id int64, trusted bool) error {
	if trusted {
		_, err := db.Exec(`UPDATE contacts SET is_trusted = 1, is_verified = 1, updated_at = ? WHERE id = ?`,
			time.Now().UnixMilli(), id)
		return err
	}
	_, err := db.Exec(`UPDATE contacts SET is_trusted = 0, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), id)
	return err
}

// SetTags replaces the contact's tag list, preserving the given order.
func (db *DB) SetTags(id int64, tags []string) error {
	if tags == nil {
		tags = []string{}
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return err
	}
	_, err = db.Exec(`UPDATE contacts SET tags = ?, updated_at = ? WHERE id = ?`,
		string(data), time.Now().UnixMilli(), id)
	return err
}

// BumpContactActivity increments the message counter and stamps last activity.
func (db *DB) BumpContactActivity(id int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE contacts SET message_count = message_count + 1, last_message_at = ?, updated_at = ?
		WHERE id = ?`, now, now, id)
	return err
}

// ListContacts returns contacts ordered by creation time, newest first.
func (db *DB) ListContacts(limit, offset int) ([]Contact, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`SELECT `+contactColumns+` FROM contacts ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var contacts []Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, *c)
	}
	return contacts, rows.Err()
}

// ListBroadcastTargets returns every contact that is not blocked.
func (db *DB) ListBroadcastTargets() ([]Contact, error) {
	rows, err := db.Query(`SELECT ` + contactColumns + ` FROM contacts WHERE is_blocked = 0 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var contacts []Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, *c)
	}
	return contacts, rows.Err()
}

// ContactCounts returns total, verified and blocked contact counts.
func (db *DB) ContactCounts() (total, verified, blocked int, err error) {
	err = db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(is_verified), 0),
			COALESCE(SUM(is_blocked), 0)
		FROM contacts`).Scan(&total, &verified, &blocked)
	return total, verified, blocked, err
}
