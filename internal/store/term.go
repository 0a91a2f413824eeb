package store

import "time"

// ListTerms returns all sensitive words in insertion order.
func (db *DB) ListTerms() ([]Term, error) {
	rows, err := db.Query(`SELECT id, word, action, created_at FROM sensitive_words ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var terms []Term
	for rows.Next() {
		var t Term
		if err := rows.Scan(&t.ID, &t.Word, &t.Action, &t.CreatedAt); err != nil {
			return nil, err
		}
		terms = append(terms, t)
	}
	return terms, rows.Err()
}

// UpsertTerm adds a sensitive word or updates its action if it exists.
func (db *DB) UpsertTerm(word, action string) error {
	_, err := db.Exec(`
		INSERT INTO sensitive_words (word, action, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(word) DO UPDATE SET action = excluded.action`,
		word, action, time.Now().UnixMilli())
	return err
}

// DeleteTerm removes a sensitive word. Returns whether a row was deleted.
func (db *DB) DeleteTerm(word string) (bool, error) {
	res, err := db.Exec(`DELETE FROM sensitive_words WHERE word = ?`, word)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
