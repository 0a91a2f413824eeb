package notify

import (
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/relaybot/relayd/internal/store"
)

// Settings-table keys that override the file config at runtime.
const (
	SettingQuietEnabled  = "quiet_hours_enabled"
	SettingQuietStart    = "quiet_hours_start"
	SettingQuietEnd      = "quiet_hours_end"
	SettingAutoReply     = "auto_reply_enabled"
	SettingAutoReplyText = "auto_reply_message"
)

// Config carries the file defaults for the notification policy.
type Config struct {
	QuietEnabled   bool
	QuietStartHour int
	QuietEndHour   int

	AutoReplyEnabled bool
	AutoReplyMessage string
}

// Policy answers delivery-timing questions: whether operators should be
// disturbed right now, and what to auto-reply with. Settings-table values win
// over the file config so admins can toggle these without a restart.
type Policy struct {
	db     *store.DB
	logger *zap.Logger
	cfg    Config
}

// NewPolicy builds the notification policy.
func NewPolicy(db *store.DB, logger *zap.Logger, cfg Config) *Policy {
	return &Policy{db: db, logger: logger.Named("notify"), cfg: cfg}
}

// IsQuiet reports whether now falls inside the quiet-hours window. A window
// whose start is after its end wraps past midnight, so (23, 7) covers late
// evening and early morning.
func (p *Policy) IsQuiet(now time.Time) bool {
	enabled := p.boolSetting(SettingQuietEnabled, p.cfg.QuietEnabled)
	if !enabled {
		return false
	}
	start := p.hourSetting(SettingQuietStart, p.cfg.QuietStartHour)
	end := p.hourSetting(SettingQuietEnd, p.cfg.QuietEndHour)
	return InWindow(now.Hour(), start, end)
}

// InWindow reports whether hour h lies in [start, end), wrapping past
// midnight when start > end. An empty window (start == end) matches nothing.
func InWindow(h, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return h >= start && h < end
	}
	return h >= start || h < end
}

// AutoReply returns the acknowledgement text to send back to a contact, or
// empty if auto-replies are off.
func (p *Policy) AutoReply() string {
	if !p.boolSetting(SettingAutoReply, p.cfg.AutoReplyEnabled) {
		return ""
	}
	if v, ok, err := p.db.GetSetting(SettingAutoReplyText); err == nil && ok && v != "" {
		return v
	}
	return p.cfg.AutoReplyMessage
}

func (p *Policy) boolSetting(key string, fallback bool) bool {
	v, ok, err := p.db.GetSetting(key)
	if err != nil {
		p.logger.Warn("read setting failed", zap.String("key", key), zap.Error(err))
		return fallback
	}
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func (p *Policy) hourSetting(key string, fallback int) int {
	v, ok, err := p.db.GetSetting(key)
	if err != nil || !ok {
		return fallback
	}
	h, err := strconv.Atoi(v)
	if err != nil || h < 0 || h > 23 {
		return fallback
	}
	return h
}
