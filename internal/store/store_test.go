package store

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate; a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	// 2 = init + search index.
	if result.Version != 2 {
		t.Errorf("version = %d, want 2", result.Version)
	}
}

func TestUpsertPlatformContact(t *testing.T) {
	db := testDB(t)

	c, created, err := db.UpsertPlatformContact("10001", "Alice")
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("first upsert should create")
	}
	if c.Origin != OriginPlatform || c.ExternalID != "10001" {
		t.Errorf("contact = %+v, want platform/10001", c)
	}

	// Second upsert updates the name, does not create.
	c2, created, err := db.UpsertPlatformContact("10001", "Alice B")
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("second upsert should not create")
	}
	if c2.ID != c.ID {
		t.Errorf("id changed on upsert: %d != %d", c2.ID, c.ID)
	}
	if c2.DisplayName != "Alice B" {
		t.Errorf("display_name = %q, want Alice B", c2.DisplayName)
	}
}

func TestWebContactLookup(t *testing.T) {
	db := testDB(t)

	c, err := db.CreateWebContact("a@example.com", "tok-1")
	if err != nil {
		t.Fatal(err)
	}
	if c.Origin != OriginWeb || c.Email != "a@example.com" {
		t.Errorf("contact = %+v, want web/a@example.com", c)
	}

	byTok, err := db.GetContactByToken("tok-1")
	if err != nil {
		t.Fatal(err)
	}
	if byTok == nil || byTok.ID != c.ID {
		t.Errorf("token lookup = %v, want id %d", byTok, c.ID)
	}

	// Duplicate email must fail (unique index).
	if _, err := db.CreateWebContact("a@example.com", "tok-2"); err == nil {
		t.Error("duplicate web contact should fail")
	}
}

func TestChallengeLifecycle(t *testing.T) {
	db := testDB(t)
	c, _, err := db.UpsertPlatformContact("1", "")
	if err != nil {
		t.Fatal(err)
	}

	expires := time.Now().Add(time.Minute).UnixMilli()
	if err := db.SetChallenge(c.ID, "12", expires); err != nil {
		t.Fatal(err)
	}
	if err := db.SetChallengeFails(c.ID, 2); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetContact(c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ChallengeCode != "12" || got.ChallengeExpiresAt != expires || got.ChallengeFails != 2 {
		t.Errorf("challenge state = %+v", got)
	}

	if err := db.MarkVerified(c.ID); err != nil {
		t.Fatal(err)
	}
	got, _ = db.GetContact(c.ID)
	if !got.Verified || got.ChallengeCode != "" || got.ChallengeExpiresAt != 0 || got.ChallengeFails != 0 {
		t.Errorf("MarkVerified did not clear challenge state: %+v", got)
	}
}

func TestTempRestrictionClearsChallenge(t *testing.T) {
	db := testDB(t)
	c, _, _ := db.UpsertPlatformContact("1", "")
	_ = db.SetChallenge(c.ID, "7", time.Now().Add(time.Minute).UnixMilli())

	until := time.Now().Add(time.Hour).UnixMilli()
	if err := db.SetTempRestriction(c.ID, until); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetContact(c.ID)
	if got.TempRestrictedUntil != until {
		t.Errorf("temp_restricted_until = %d, want %d", got.TempRestrictedUntil, until)
	}
	if got.ChallengeCode != "" {
		t.Error("restriction must clear the pending challenge")
	}
}

func TestTrustedImpliesVerified(t *testing.T) {
	db := testDB(t)
	c, _, _ := db.UpsertPlatformContact("1", "")

	if err := db.SetTrusted(c.ID, true); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetContact(c.ID)
	if !got.Trusted || !got.Verified {
		t.Errorf("trusted=%v verified=%v, want both true", got.Trusted, got.Verified)
	}
}

func TestBlockReasonClearedOnUnblock(t *testing.T) {
	db := testDB(t)
	c, _, _ := db.UpsertPlatformContact("1", "")

	_ = db.SetBlocked(c.ID, true, "spam")
	got, _ := db.GetContact(c.ID)
	if !got.Blocked || got.BlockReason != "spam" {
		t.Errorf("blocked=%v reason=%q", got.Blocked, got.BlockReason)
	}

	_ = db.SetBlocked(c.ID, false, "ignored")
	got, _ = db.GetContact(c.ID)
	if got.Blocked || got.BlockReason != "" {
		t.Errorf("unblock left blocked=%v reason=%q", got.Blocked, got.BlockReason)
	}
}

func TestTagsPreserveOrder(t *testing.T) {
	db := testDB(t)
	c, _, _ := db.UpsertPlatformContact("1", "")

	tags := []string{"vip", "2nd", "a"}
	if err := db.SetTags(c.ID, tags); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetContact(c.ID)
	if len(got.Tags) != 3 || got.Tags[0] != "vip" || got.Tags[1] != "2nd" || got.Tags[2] != "a" {
		t.Errorf("tags = %v, want %v", got.Tags, tags)
	}
}

func TestMessageDeliveredCopiesRoundTrip(t *testing.T) {
	db := testDB(t)
	c, _, _ := db.UpsertPlatformContact("1", "")

	m := &Message{
		ContactID: c.ID,
		Direction: DirectionIn,
		Kind:      "text",
		Body:      "hello",
		DeliveredCopies: map[string]string{
			"op-a": "copy-1",
			"op-b": "copy-2",
		},
		Flagged:      true,
		FlaggedTerms: []string{"hello"},
	}
	if err := db.InsertMessage(m); err != nil {
		t.Fatal(err)
	}
	if m.ID == 0 {
		t.Fatal("InsertMessage did not set id")
	}

	got, err := db.GetMessage(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.DeliveredCopies["op-a"] != "copy-1" || got.DeliveredCopies["op-b"] != "copy-2" {
		t.Errorf("delivered_copies = %v", got.DeliveredCopies)
	}
	if !got.Flagged || len(got.FlaggedTerms) != 1 || got.FlaggedTerms[0] != "hello" {
		t.Errorf("flagged state = %v %v", got.Flagged, got.FlaggedTerms)
	}
}

func TestGetMessageByCopyID(t *testing.T) {
	db := testDB(t)
	c, _, _ := db.UpsertPlatformContact("1", "")

	m := &Message{ContactID: c.ID, Direction: DirectionIn, Kind: "text", Body: "x", CopyID: "legacy-9"}
	if err := db.InsertMessage(m); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetMessageByCopyID("legacy-9")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != m.ID {
		t.Errorf("lookup = %v, want id %d", got, m.ID)
	}

	got, err = db.GetMessageByCopyID("missing")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("expected nil for unknown copy id")
	}

	// Empty copy id must not match rows whose column defaulted to ''.
	got, err = db.GetMessageByCopyID("")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("empty copy id must resolve to nothing")
	}
}

func TestRecentInboundOrder(t *testing.T) {
	db := testDB(t)
	c, _, _ := db.UpsertPlatformContact("1", "")

	for i, body := range []string{"first", "second", "third"} {
		m := &Message{ContactID: c.ID, Direction: DirectionIn, Kind: "text", Body: body,
			CreatedAt: int64(1000 + i)}
		if err := db.InsertMessage(m); err != nil {
			t.Fatal(err)
		}
	}
	// Outbound rows must not appear.
	_ = db.InsertMessage(&Message{ContactID: c.ID, Direction: DirectionOut, Kind: "text", Body: "reply", CreatedAt: 2000})

	msgs, err := db.RecentInbound(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Body != "third" || msgs[1].Body != "second" {
		t.Errorf("order = %q, %q; want third, second", msgs[0].Body, msgs[1].Body)
	}
}

func TestOperatorsEligibleOrder(t *testing.T) {
	db := testDB(t)

	_ = db.UpsertOperator(&Operator{ExternalID: "b", Name: "B", ReceivesMessages: true, Active: true})
	_ = db.UpsertOperator(&Operator{ExternalID: "muted", ReceivesMessages: false, Active: true})
	_ = db.UpsertOperator(&Operator{ExternalID: "gone", ReceivesMessages: true, Active: false})
	if err := db.EnsurePrimaryOperator("a", "A"); err != nil {
		t.Fatal(err)
	}

	ops, err := db.ListEligibleOperators()
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 2 {
		t.Fatalf("got %d eligible operators, want 2", len(ops))
	}
	if ops[0].ExternalID != "a" || !ops[0].Primary {
		t.Errorf("primary first: got %+v", ops[0])
	}
	if ops[1].ExternalID != "b" {
		t.Errorf("second = %q, want b", ops[1].ExternalID)
	}
}

func TestEnsurePrimaryOperatorOnce(t *testing.T) {
	db := testDB(t)

	if err := db.EnsurePrimaryOperator("a", "A"); err != nil {
		t.Fatal(err)
	}
	// A second bootstrap with a different id must not create another primary.
	if err := db.EnsurePrimaryOperator("z", "Z"); err != nil {
		t.Fatal(err)
	}
	ops, _ := db.ListEligibleOperators()
	primaries := 0
	for _, o := range ops {
		if o.Primary {
			primaries++
		}
	}
	if primaries != 1 {
		t.Errorf("got %d primary operators, want 1", primaries)
	}
}

func TestTermsUpsertAndDelete(t *testing.T) {
	db := testDB(t)

	_ = db.UpsertTerm("spam", ActionWarn)
	_ = db.UpsertTerm("scam", ActionBlock)
	// Upsert updates the action in place.
	_ = db.UpsertTerm("spam", ActionBlock)

	terms, err := db.ListTerms()
	if err != nil {
		t.Fatal(err)
	}
	if len(terms) != 2 {
		t.Fatalf("got %d terms, want 2", len(terms))
	}
	if terms[0].Word != "spam" || terms[0].Action != ActionBlock {
		t.Errorf("term[0] = %+v", terms[0])
	}

	deleted, err := db.DeleteTerm("spam")
	if err != nil {
		t.Fatal(err)
	}
	if !deleted {
		t.Error("DeleteTerm returned false for existing word")
	}
	deleted, _ = db.DeleteTerm("spam")
	if deleted {
		t.Error("DeleteTerm returned true for missing word")
	}
}

func TestSettings(t *testing.T) {
	db := testDB(t)

	if _, ok, _ := db.GetSetting("quiet_hours_enabled"); ok {
		t.Error("unset key reported as present")
	}
	_ = db.SetSetting("quiet_hours_enabled", "true")
	v, ok, err := db.GetSetting("quiet_hours_enabled")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || v != "true" {
		t.Errorf("got %q/%v, want true/present", v, ok)
	}
	_ = db.DeleteSetting("quiet_hours_enabled")
	if _, ok, _ := db.GetSetting("quiet_hours_enabled"); ok {
		t.Error("deleted key reported as present")
	}
}

func TestDailyStatsBump(t *testing.T) {
	db := testDB(t)

	for i := 0; i < 3; i++ {
		if err := db.BumpDailyStat(StatIncomingMessages); err != nil {
			t.Fatal(err)
		}
	}
	_ = db.BumpDailyStat(StatBlockedMessages)

	s, err := db.TodayStats()
	if err != nil {
		t.Fatal(err)
	}
	if s.IncomingMessages != 3 {
		t.Errorf("incoming = %d, want 3", s.IncomingMessages)
	}
	if s.BlockedMessages != 1 {
		t.Errorf("blocked = %d, want 1", s.BlockedMessages)
	}
}

func TestPurgeMessagesBefore(t *testing.T) {
	db := testDB(t)
	c, _, _ := db.UpsertPlatformContact("1", "")

	_ = db.InsertMessage(&Message{ContactID: c.ID, Direction: DirectionIn, Kind: "text", Body: "old", CreatedAt: 1000})
	_ = db.InsertMessage(&Message{ContactID: c.ID, Direction: DirectionIn, Kind: "text", Body: "new", CreatedAt: 5000})

	n, err := db.PurgeMessagesBefore(2000)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("purged %d rows, want 1", n)
	}
	msgs, _ := db.RecentInbound(10)
	if len(msgs) != 1 || msgs[0].Body != "new" {
		t.Errorf("remaining = %v", msgs)
	}
}

func TestSearchMessages(t *testing.T) {
	db := testDB(t)
	a, _, _ := db.UpsertPlatformContact("1", "")
	b, _, _ := db.UpsertPlatformContact("2", "")

	rows := []*Message{
		{ContactID: a.ID, Direction: DirectionIn, Kind: "text", Body: "my invoice is missing"},
		{ContactID: a.ID, Direction: DirectionIn, Kind: "text", Body: "never mind, found it"},
		{ContactID: b.ID, Direction: DirectionIn, Kind: "text", Body: "invoice question here too"},
	}
	for _, m := range rows {
		if err := db.InsertMessage(m); err != nil {
			t.Fatal(err)
		}
	}

	results, err := db.SearchMessages("invoice", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	for _, r := range results {
		if !strings.Contains(r.Snippet, "<<invoice>>") {
			t.Errorf("snippet %q does not highlight the match", r.Snippet)
		}
	}

	results, err = db.SearchMessages("invoice", b.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Message.ContactID != b.ID {
		t.Fatalf("contact filter results = %+v", results)
	}

	results, err = db.SearchMessages("refund", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no matches, got %d", len(results))
	}
}

func TestSearchIndexFollowsPurge(t *testing.T) {
	db := testDB(t)
	c, _, _ := db.UpsertPlatformContact("1", "")

	old := &Message{ContactID: c.ID, Direction: DirectionIn, Kind: "text", Body: "stale invoice",
		CreatedAt: time.Now().AddDate(0, 0, -40).UnixMilli()}
	if err := db.InsertMessage(old); err != nil {
		t.Fatal(err)
	}
	if _, err := db.PurgeMessagesBefore(time.Now().AddDate(0, 0, -30).UnixMilli()); err != nil {
		t.Fatal(err)
	}

	results, err := db.SearchMessages("invoice", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Fatalf("purged message still indexed: %+v", results)
	}
}
