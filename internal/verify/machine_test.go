package verify

import (
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/relaybot/relayd/internal/bus"
	"github.com/relaybot/relayd/internal/store"
)

func testMachine(t *testing.T, cfg Config) (*Machine, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewMachine(db, bus.New(), zap.NewNop(), cfg), db
}

func newContact(t *testing.T, db *store.DB, externalID string) *store.Contact {
	t.Helper()
	c, _, err := db.UpsertPlatformContact(externalID, "Test")
	if err != nil {
		t.Fatalf("upsert contact: %v", err)
	}
	return c
}

func TestStatePrecedence(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour).UnixMilli()

	cases := []struct {
		name string
		c    store.Contact
		want State
	}{
		{"blocked wins over trusted", store.Contact{Blocked: true, Trusted: true, Verified: true}, StateBlocked},
		{"restriction wins over trusted", store.Contact{TempRestrictedUntil: future, Trusted: true}, StateTempRestricted},
		{"expired restriction ignored", store.Contact{TempRestrictedUntil: now.Add(-time.Minute).UnixMilli()}, StateUnverified},
		{"trusted before verified", store.Contact{Trusted: true}, StateTrusted},
		{"verified", store.Contact{Verified: true}, StateVerified},
		{"pending challenge", store.Contact{ChallengeCode: "7", ChallengeExpiresAt: future}, StateChallengePending},
		{"expired challenge is unverified", store.Contact{ChallengeCode: "7", ChallengeExpiresAt: now.Add(-time.Minute).UnixMilli()}, StateUnverified},
		{"fresh contact", store.Contact{}, StateUnverified},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := StateOf(&tc.c, now); got != tc.want {
				t.Fatalf("StateOf = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestGateIssuesChallengeForNewContact(t *testing.T) {
	m, db := testMachine(t, Config{})
	c := newContact(t, db, "user-1")

	res, err := m.Gate(c.ID)
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	if res.State != StateUnverified {
		t.Fatalf("state = %s, want %s", res.State, StateUnverified)
	}
	if res.Challenge == nil {
		t.Fatal("expected a challenge to be issued")
	}

	// The challenge must now be persisted and pending.
	reloaded, err := db.GetContact(c.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.ChallengeCode != res.Challenge.Code {
		t.Fatalf("stored code %q != issued code %q", reloaded.ChallengeCode, res.Challenge.Code)
	}

	res2, err := m.Gate(c.ID)
	if err != nil {
		t.Fatalf("second gate: %v", err)
	}
	if res2.State != StateChallengePending {
		t.Fatalf("second gate state = %s, want %s", res2.State, StateChallengePending)
	}
	if res2.Challenge != nil {
		t.Fatal("pending gate must not issue a second challenge")
	}
}

func TestGateSkipsChallengeForVerified(t *testing.T) {
	m, db := testMachine(t, Config{})
	c := newContact(t, db, "user-2")
	if err := db.MarkVerified(c.ID); err != nil {
		t.Fatalf("mark verified: %v", err)
	}

	res, err := m.Gate(c.ID)
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	if res.State != StateVerified || res.Challenge != nil {
		t.Fatalf("got state %s challenge %v, want verified with no challenge", res.State, res.Challenge)
	}
}

func TestAnswerSuccess(t *testing.T) {
	m, db := testMachine(t, Config{})
	c := newContact(t, db, "user-3")

	res, err := m.Gate(c.ID)
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	out, err := m.Answer(c.ID, res.Challenge.Code)
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if out.Kind != OutcomeSuccess {
		t.Fatalf("outcome = %s, want %s", out.Kind, OutcomeSuccess)
	}

	reloaded, err := db.GetContact(c.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !reloaded.Verified {
		t.Fatal("contact not marked verified")
	}
	if reloaded.ChallengeCode != "" || reloaded.ChallengeFails != 0 {
		t.Fatal("challenge state not cleared after success")
	}
}

func TestAnswerWrongThenBanned(t *testing.T) {
	m, db := testMachine(t, Config{MaxFails: 3, BanDuration: time.Hour})
	c := newContact(t, db, "user-4")

	res, err := m.Gate(c.ID)
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	wrong := res.Challenge.Code + "0"

	out, err := m.Answer(c.ID, wrong)
	if err != nil {
		t.Fatalf("answer 1: %v", err)
	}
	if out.Kind != OutcomeWrongAnswer || out.Remaining != 2 {
		t.Fatalf("attempt 1 = %s remaining %d, want wrong_answer remaining 2", out.Kind, out.Remaining)
	}

	out, err = m.Answer(c.ID, wrong)
	if err != nil {
		t.Fatalf("answer 2: %v", err)
	}
	if out.Kind != OutcomeWrongAnswer || out.Remaining != 1 {
		t.Fatalf("attempt 2 = %s remaining %d, want wrong_answer remaining 1", out.Kind, out.Remaining)
	}

	out, err = m.Answer(c.ID, wrong)
	if err != nil {
		t.Fatalf("answer 3: %v", err)
	}
	if out.Kind != OutcomeBanned {
		t.Fatalf("attempt 3 = %s, want %s", out.Kind, OutcomeBanned)
	}
	if !out.BannedUntil.After(time.Now()) {
		t.Fatal("ban must end in the future")
	}

	// The ban clears the pending challenge, so a late answer finds nothing
	// to evaluate.
	out, err = m.Answer(c.ID, res.Challenge.Code)
	if err != nil {
		t.Fatalf("answer after ban: %v", err)
	}
	if out.Kind != OutcomeExpired {
		t.Fatalf("post-ban answer = %s, want %s", out.Kind, OutcomeExpired)
	}

	gate, err := m.Gate(c.ID)
	if err != nil {
		t.Fatalf("gate after ban: %v", err)
	}
	if gate.State != StateTempRestricted {
		t.Fatalf("gate state after ban = %s, want %s", gate.State, StateTempRestricted)
	}
	if gate.RetryAfter <= 0 {
		t.Fatal("retry-after must be positive while restricted")
	}
}

func TestAnswerExpiredChallenge(t *testing.T) {
	m, db := testMachine(t, Config{})
	c := newContact(t, db, "user-5")

	if err := db.SetChallenge(c.ID, "42", time.Now().Add(-time.Minute).UnixMilli()); err != nil {
		t.Fatalf("set challenge: %v", err)
	}
	out, err := m.Answer(c.ID, "42")
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if out.Kind != OutcomeExpired {
		t.Fatalf("outcome = %s, want %s", out.Kind, OutcomeExpired)
	}
}

func TestModeSettingOverride(t *testing.T) {
	m, db := testMachine(t, Config{Mode: ModeMath})
	c := newContact(t, db, "user-6")

	if err := db.SetSetting(SettingMode, ModeButton); err != nil {
		t.Fatalf("set setting: %v", err)
	}
	res, err := m.Gate(c.ID)
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	if res.Challenge == nil || res.Challenge.Kind != ModeButton {
		t.Fatalf("challenge = %+v, want button mode", res.Challenge)
	}
	if res.Challenge.Code != ButtonCode {
		t.Fatalf("button code = %q, want %q", res.Challenge.Code, ButtonCode)
	}

	// An unknown setting value falls back to the configured mode.
	if err := db.SetSetting(SettingMode, "riddle"); err != nil {
		t.Fatalf("set setting: %v", err)
	}
	ch, err := m.Reissue(c.ID)
	if err != nil {
		t.Fatalf("reissue: %v", err)
	}
	if ch.Kind != ModeMath {
		t.Fatalf("challenge kind = %q, want %q", ch.Kind, ModeMath)
	}
}

func TestMathChallengeOptions(t *testing.T) {
	for i := 0; i < 200; i++ {
		ch := NewChallenge(ModeMath, time.Minute)
		if len(ch.Options) != 4 {
			t.Fatalf("got %d options, want 4", len(ch.Options))
		}
		correct := 0
		seen := map[string]bool{}
		for _, opt := range ch.Options {
			if seen[opt] {
				t.Fatalf("duplicate option %q in %v", opt, ch.Options)
			}
			seen[opt] = true
			n, err := strconv.Atoi(opt)
			if err != nil {
				t.Fatalf("non-numeric option %q", opt)
			}
			if n < 0 {
				t.Fatalf("negative option %d in %v", n, ch.Options)
			}
			if opt == ch.Code {
				correct++
			}
		}
		if correct != 1 {
			t.Fatalf("found %d correct options in %v (code %s)", correct, ch.Options, ch.Code)
		}
	}
}

func TestMathAnswerNeverNegative(t *testing.T) {
	for i := 0; i < 500; i++ {
		_, answer := mathQuestion()
		if answer < 0 {
			t.Fatalf("negative answer %d", answer)
		}
	}
}
