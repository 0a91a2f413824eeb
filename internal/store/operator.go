package store

import (
	"database/sql"
	"errors"
	"time"
)

const operatorColumns = `id, external_id, name, receives_messages, active, is_primary, created_at`

func scanOperator(row interface{ Scan(...any) error }) (*Operator, error) {
	var o Operator
	err := row.Scan(&o.ID, &o.ExternalID, &o.Name, &o.ReceivesMessages, &o.Active, &o.Primary, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// GetOperatorByExternalID returns an operator by channel address, or nil.
func (db *DB) GetOperatorByExternalID(externalID string) (*Operator, error) {
	o, err := scanOperator(db.QueryRow(`SELECT `+operatorColumns+` FROM operators WHERE external_id = ?`, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return o, err
}

// UpsertOperator inserts or updates an operator keyed by external id.
func (db *DB) UpsertOperator(o *Operator) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO operators (external_id, name, receives_messages, active, is_primary, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_id) DO UPDATE SET
			name = excluded.name,
			receives_messages = excluded.receives_messages,
			active = excluded.active`,
		o.ExternalID, o.Name, o.ReceivesMessages, o.Active, o.Primary, now)
	return err
}

// EnsurePrimaryOperator bootstraps the primary operator row if no primary
// exists yet. Called once at startup with the first configured admin id.
func (db *DB) EnsurePrimaryOperator(externalID, name string) error {
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM operators WHERE is_primary = 1`).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err := db.Exec(`
		INSERT INTO operators (external_id, name, receives_messages, active, is_primary, created_at)
		VALUES (?, ?, 1, 1, 1, ?)
		ON CONFLICT(external_id) DO UPDATE SET is_primary = 1`,
		externalID, name, time.Now().UnixMilli())
	return err
}

// ListEligibleOperators returns active operators that receive messages,
// primary first, then by id.
func (db *DB) ListEligibleOperators() ([]Operator, error) {
	rows, err := db.Query(`
		SELECT ` + operatorColumns + ` FROM operators
		WHERE active = 1 AND receives_messages = 1
		ORDER BY is_primary DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ops []Operator
	for rows.Next() {
		o, err := scanOperator(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, *o)
	}
	return ops, rows.Err()
}

// IsOperator reports whether the external id belongs to an active operator.
func (db *DB) IsOperator(externalID string) (bool, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM operators WHERE external_id = ? AND active = 1`, externalID).Scan(&n)
	return n > 0, err
}

// DeactivateOperator marks an operator inactive without deleting history.
func (db *DB) DeactivateOperator(externalID string) error {
	_, err := db.Exec(`UPDATE operators SET active = 0 WHERE external_id = ?`, externalID)
	return err
}
