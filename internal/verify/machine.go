package verify

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/relaybot/relayd/internal/bus"
	"github.com/relaybot/relayd/internal/lock"
	"github.com/relaybot/relayd/internal/store"
)

// Contact states, in precedence order. Earlier states win: a contact that is
// both blocked and trusted is blocked.
type State string

const (
	StateBlocked          State = "blocked"
	StateTempRestricted   State = "temp_restricted"
	StateTrusted          State = "trusted"
	StateVerified         State = "verified"
	StateChallengePending State = "challenge_pending"
	StateUnverified       State = "unverified"
)

// SettingMode is the settings-table key that overrides the configured
// challenge mode at runtime.
const SettingMode = "verification_mode"

// Config carries the policy knobs for the state machine.
type Config struct {
	Mode        string
	Timeout     time.Duration
	MaxFails    int
	BanDuration time.Duration
}

// Answer outcomes.
type OutcomeKind string

const (
	OutcomeSuccess     OutcomeKind = "success"
	OutcomeWrongAnswer OutcomeKind = "wrong_answer"
	OutcomeExpired     OutcomeKind = "expired"
	OutcomeBanned      OutcomeKind = "banned"
)

// Outcome is the result of one challenge answer.
type Outcome struct {
	Kind        OutcomeKind
	Remaining   int
	BannedUntil time.Time
}

// GateResult tells the caller how to treat an inbound message from the
// contact. Challenge is set only when a fresh challenge was issued this call.
type GateResult struct {
	State      State
	RetryAfter time.Duration
	Challenge  *Challenge
}

// Machine decides whether a contact may relay messages and runs the challenge
// flow. All mutations for one contact run under a per-contact lock so
// concurrent gate and answer calls cannot double-issue or double-count.
type Machine struct {
	db     *store.DB
	bus    *bus.Bus
	locks  *lock.Keyed
	logger *zap.Logger
	cfg    Config
}

// NewMachine builds the verification state machine.
func NewMachine(db *store.DB, b *bus.Bus, logger *zap.Logger, cfg Config) *Machine {
	if cfg.Mode == "" {
		cfg.Mode = ModeMath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxFails <= 0 {
		cfg.MaxFails = 3
	}
	if cfg.BanDuration <= 0 {
		cfg.BanDuration = time.Hour
	}
	return &Machine{
		db:     db,
		bus:    b,
		locks:  lock.NewKeyed(32),
		logger: logger.Named("verify"),
		cfg:    cfg,
	}
}

// StateOf classifies a contact at the given instant. Expired restrictions and
// expired challenges are not considered pending.
func StateOf(c *store.Contact, now time.Time) State {
	switch {
	case c.Blocked:
		return StateBlocked
	case c.TempRestrictedUntil > now.UnixMilli():
		return StateTempRestricted
	case c.Trusted:
		return StateTrusted
	case c.Verified:
		return StateVerified
	case c.ChallengeCode != "" && c.ChallengeExpiresAt > now.UnixMilli():
		return StateChallengePending
	default:
		return StateUnverified
	}
}

// Gate evaluates a contact before relaying an inbound message. Unverified
// contacts get a fresh challenge; contacts with an unexpired pending challenge
// are told to answer it. The returned state is authoritative for this call.
func (m *Machine) Gate(contactID int64) (GateResult, error) {
	key := lockKey(contactID)
	m.locks.Lock(key)
	defer m.locks.Unlock(key)

	c, err := m.db.GetContact(contactID)
	if err != nil {
		return GateResult{}, err
	}
	if c == nil {
		return GateResult{}, fmt.Errorf("contact %d not found", contactID)
	}

	now := time.Now()
	state := StateOf(c, now)
	res := GateResult{State: state}

	switch state {
	case StateTempRestricted:
		res.RetryAfter = time.UnixMilli(c.TempRestrictedUntil).Sub(now)
	case StateUnverified:
		ch, err := m.issue(c)
		if err != nil {
			return GateResult{}, err
		}
		res.Challenge = ch
	}
	return res, nil
}

// Answer checks a submitted challenge answer. A missing or expired challenge
// yields Expired; the final wrong answer trips a temporary restriction.
func (m *Machine) Answer(contactID int64, submitted string) (Outcome, error) {
	key := lockKey(contactID)
	m.locks.Lock(key)
	defer m.locks.Unlock(key)

	c, err := m.db.GetContact(contactID)
	if err != nil {
		return Outcome{}, err
	}
	if c == nil {
		return Outcome{}, fmt.Errorf("contact %d not found", contactID)
	}

	now := time.Now()
	if StateOf(c, now) != StateChallengePending {
		return Outcome{Kind: OutcomeExpired}, nil
	}

	m.bus.Emit("verify.attempt", map[string]any{"contact_id": c.ID})

	if submitted == c.ChallengeCode {
		if err := m.db.MarkVerified(c.ID); err != nil {
			return Outcome{}, err
		}
		m.logger.Info("contact verified", zap.Int64("contact_id", c.ID))
		m.bus.Emit("verify.passed", map[string]any{"contact_id": c.ID})
		return Outcome{Kind: OutcomeSuccess}, nil
	}

	fails := c.ChallengeFails + 1
	if fails >= m.cfg.MaxFails {
		until := now.Add(m.cfg.BanDuration)
		if err := m.db.SetChallengeFails(c.ID, fails); err != nil {
			return Outcome{}, err
		}
		if err := m.db.SetTempRestriction(c.ID, until.UnixMilli()); err != nil {
			return Outcome{}, err
		}
		m.logger.Warn("contact restricted after failed verification",
			zap.Int64("contact_id", c.ID),
			zap.Int("fails", fails),
			zap.Time("until", until))
		m.bus.Emit("verify.banned", map[string]any{"contact_id": c.ID, "until": until.UnixMilli()})
		return Outcome{Kind: OutcomeBanned, BannedUntil: until}, nil
	}

	if err := m.db.SetChallengeFails(c.ID, fails); err != nil {
		return Outcome{}, err
	}
	return Outcome{Kind: OutcomeWrongAnswer, Remaining: m.cfg.MaxFails - fails}, nil
}

// Reissue replaces any pending challenge with a fresh one, resetting nothing
// else. Used when an operator manually restarts verification for a contact.
func (m *Machine) Reissue(contactID int64) (*Challenge, error) {
	key := lockKey(contactID)
	m.locks.Lock(key)
	defer m.locks.Unlock(key)

	c, err := m.db.GetContact(contactID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("contact %d not found", contactID)
	}
	return m.issue(c)
}

// issue generates and persists a new challenge. Caller holds the contact lock.
func (m *Machine) issue(c *store.Contact) (*Challenge, error) {
	ch := NewChallenge(m.mode(), m.cfg.Timeout)
	if err := m.db.SetChallenge(c.ID, ch.Code, ch.ExpiresAt.UnixMilli()); err != nil {
		return nil, err
	}
	m.logger.Info("challenge issued",
		zap.Int64("contact_id", c.ID),
		zap.String("mode", ch.Kind))
	m.bus.Emit("verify.challenge", map[string]any{"contact_id": c.ID, "mode": ch.Kind})
	return &ch, nil
}

// mode resolves the active challenge mode, preferring the settings override.
func (m *Machine) mode() string {
	if v, ok, err := m.db.GetSetting(SettingMode); err == nil && ok {
		if v == ModeMath || v == ModeButton {
			return v
		}
	}
	return m.cfg.Mode
}

func lockKey(contactID int64) string {
	return fmt.Sprintf("contact:%d", contactID)
}
