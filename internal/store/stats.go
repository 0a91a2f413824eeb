package store

import (
	"database/sql"
	"errors"
	"time"
)

// Daily stat counter columns. Kept as constants so callers can't typo a
// column name into the SQL below.
const (
	StatNewContacts          = "new_contacts"
	StatTotalMessages        = "total_messages"
	StatIncomingMessages     = "incoming_messages"
	StatOutgoingMessages     = "outgoing_messages"
	StatVerificationAttempts = "verification_attempts"
	StatVerificationSuccess  = "verification_success"
	StatBlockedMessages      = "blocked_messages"
)

var statColumns = map[string]bool{
	StatNewContacts:          true,
	StatTotalMessages:        true,
	StatIncomingMessages:     true,
	StatOutgoingMessages:     true,
	StatVerificationAttempts: true,
	StatVerificationSuccess:  true,
	StatBlockedMessages:      true,
}

func today() string {
	return time.Now().UTC().Format("2006-01-02")
}

// BumpDailyStat increments one counter on today's stats row, creating the
// row on first use.
func (db *DB) BumpDailyStat(column string) error {
	if !statColumns[column] {
		return nil
	}
	date := today()
	_, err := db.Exec(`
		INSERT INTO daily_stats (date, `+column+`) VALUES (?, 1)
		ON CONFLICT(date) DO UPDATE SET `+column+` = `+column+` + 1`, date)
	return err
}

// TodayStats returns today's counters; a zero row if nothing was recorded.
func (db *DB) TodayStats() (*DailyStats, error) {
	return db.statsForDate(today())
}

func (db *DB) statsForDate(date string) (*DailyStats, error) {
	s := &DailyStats{Date: date}
	err := db.QueryRow(`
		SELECT new_contacts, total_messages, incoming_messages, outgoing_messages,
			verification_attempts, verification_success, blocked_messages
		FROM daily_stats WHERE date = ?`, date).
		Scan(&s.NewContacts, &s.TotalMessages, &s.IncomingMessages, &s.OutgoingMessages,
			&s.VerificationAttempts, &s.VerificationSuccess, &s.BlockedMessages)
	if errors.Is(err, sql.ErrNoRows) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// StatsRange returns daily rows for the last N days, oldest first.
func (db *DB) StatsRange(days int) ([]DailyStats, error) {
	if days <= 0 {
		days = 30
	}
	start := time.Now().UTC().AddDate(0, 0, -days).Format("2006-01-02")
	rows, err := db.Query(`
		SELECT date, new_contacts, total_messages, incoming_messages, outgoing_messages,
			verification_attempts, verification_success, blocked_messages
		FROM daily_stats WHERE date >= ? ORDER BY date`, start)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []DailyStats
	for rows.Next() {
		var s DailyStats
		if err := rows.Scan(&s.Date, &s.NewContacts, &s.TotalMessages, &s.IncomingMessages,
			&s.OutgoingMessages, &s.VerificationAttempts, &s.VerificationSuccess, &s.BlockedMessages); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
