package store

import (
	"encoding/json"
	"fmt"
)

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}

// SearchMessages performs a full-text search on message bodies. A non-zero
// contactID narrows the search to one contact's history.
func (db *DB) SearchMessages(query string, contactID int64, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT m.id, m.contact_id, m.direction, m.kind, m.body, m.attachment_ref, m.origin_msg_id,
		       m.copy_id, m.delivered_copies, m.operator_id, m.flagged, m.flagged_terms,
		       m.is_read, m.is_important, m.created_at,
		       snippet(messages_fts, '<<', '>>', '...', -1, 32)
		FROM messages_fts f
		JOIN messages m ON m.id = f.docid
		WHERE messages_fts MATCH ?`

	args := []any{query}
	if contactID != 0 {
		q += " AND m.contact_id = ?"
		args = append(args, contactID)
	}
	q += " ORDER BY m.created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var copies, terms string
		if err := rows.Scan(
			&r.Message.ID, &r.Message.ContactID, &r.Message.Direction, &r.Message.Kind,
			&r.Message.Body, &r.Message.AttachmentRef, &r.Message.OriginMsgID,
			&r.Message.CopyID, &copies, &r.Message.OperatorID,
			&r.Message.Flagged, &terms, &r.Message.Read, &r.Message.Important,
			&r.Message.CreatedAt, &r.Snippet,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(copies), &r.Message.DeliveredCopies); err != nil {
			return nil, fmt.Errorf("decode delivered copies: %w", err)
		}
		if err := json.Unmarshal([]byte(terms), &r.Message.FlaggedTerms); err != nil {
			return nil, fmt.Errorf("decode flagged terms: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
