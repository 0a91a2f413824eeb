package retention

import (
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/relaybot/relayd/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestNewJobRejectsBadCron(t *testing.T) {
	if _, err := NewJob(testDB(t), zap.NewNop(), Config{Cron: "not a cron"}); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestNewJobDefaultCron(t *testing.T) {
	j, err := NewJob(testDB(t), zap.NewNop(), Config{})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	if j.cfg.Cron != "0 2 * * *" {
		t.Fatalf("cron = %q, want default", j.cfg.Cron)
	}
}

func TestRunOncePurgesOnlyOldRows(t *testing.T) {
	db := testDB(t)
	j, err := NewJob(db, zap.NewNop(), Config{MaxDays: 30})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}

	c, _, err := db.UpsertPlatformContact("user@s", "U")
	if err != nil {
		t.Fatalf("contact: %v", err)
	}
	old := &store.Message{
		ContactID: c.ID, Direction: store.DirectionIn, Kind: "text", Body: "old",
		CreatedAt: time.Now().AddDate(0, 0, -31).UnixMilli(),
	}
	fresh := &store.Message{
		ContactID: c.ID, Direction: store.DirectionIn, Kind: "text", Body: "fresh",
	}
	if err := db.InsertMessage(old); err != nil {
		t.Fatalf("insert old: %v", err)
	}
	if err := db.InsertMessage(fresh); err != nil {
		t.Fatalf("insert fresh: %v", err)
	}

	n, err := j.RunOnce()
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d rows, want 1", n)
	}
	if m, _ := db.GetMessage(fresh.ID); m == nil {
		t.Fatal("fresh message was purged")
	}
	if m, _ := db.GetMessage(old.ID); m != nil {
		t.Fatal("old message survived")
	}
}
