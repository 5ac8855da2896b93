package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/octoreflex/corridor/internal/bootproof"
)

func openTestDB(t *testing.T, sealed bool) *DB {
	t.Helper()
	dir := t.TempDir()

	var sealer *Sealer
	if sealed {
		bk, err := bootproof.NewBootKey()
		if err != nil {
			t.Fatalf("NewBootKey: %v", err)
		}
		sealer, err = NewSealer(bk)
		if err != nil {
			t.Fatalf("NewSealer: %v", err)
		}
	}

	db, err := Open(filepath.Join(dir, "corridor.db"), DefaultRetentionDays, sealer)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPostureHistoryRoundTripsPlaintext(t *testing.T) {
	db := openTestDB(t, false)

	rec := PostureHistoryRecord{From: "NORMAL", To: "DEFENSIVE", Reason: "canary failed", Automatic: true}
	if err := db.PutPostureHistory(rec); err != nil {
		t.Fatalf("PutPostureHistory: %v", err)
	}

	got, err := db.ReadPostureHistory()
	if err != nil {
		t.Fatalf("ReadPostureHistory: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
	if got[0].From != "NORMAL" || got[0].To != "DEFENSIVE" {
		t.Fatalf("unexpected record: %+v", got[0])
	}
}

func TestPostureHistoryRoundTripsSealed(t *testing.T) {
	db := openTestDB(t, true)

	for i := 0; i < 3; i++ {
		rec := PostureHistoryRecord{From: "NORMAL", To: "FAIL_CLOSED", Reason: "integrity failure", Automatic: true}
		if err := db.PutPostureHistory(rec); err != nil {
			t.Fatalf("PutPostureHistory[%d]: %v", i, err)
		}
	}

	got, err := db.ReadPostureHistory()
	if err != nil {
		t.Fatalf("ReadPostureHistory: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
}

func TestSealedRecordsUnreadableWithWrongKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corridor.db")

	bk1, err := bootproof.NewBootKey()
	if err != nil {
		t.Fatalf("NewBootKey: %v", err)
	}
	sealer1, err := NewSealer(bk1)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	db, err := Open(path, DefaultRetentionDays, sealer1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.PutCanaryResult(CanaryResultRecord{Name: "module-hash", Passed: true}); err != nil {
		t.Fatalf("PutCanaryResult: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	bk2, err := bootproof.NewBootKey()
	if err != nil {
		t.Fatalf("NewBootKey: %v", err)
	}
	sealer2, err := NewSealer(bk2)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	db2, err := Open(path, DefaultRetentionDays, sealer2)
	if err != nil {
		t.Fatalf("Open with different boot key: %v", err)
	}
	defer db2.Close()

	if _, err := db2.ReadCanaryResults(); err == nil {
		t.Fatalf("expected read with mismatched seal key to fail")
	}
}

func TestCanaryResultRoundTrip(t *testing.T) {
	db := openTestDB(t, false)

	if err := db.PutCanaryResult(CanaryResultRecord{Name: "config-hash", Passed: false, Error: "mismatch"}); err != nil {
		t.Fatalf("PutCanaryResult: %v", err)
	}

	got, err := db.ReadCanaryResults()
	if err != nil {
		t.Fatalf("ReadCanaryResults: %v", err)
	}
	if len(got) != 1 || got[0].Name != "config-hash" || got[0].Passed {
		t.Fatalf("unexpected canary results: %+v", got)
	}
}

func TestPruneOldRecordsRemovesExpiredEntries(t *testing.T) {
	db := openTestDB(t, false)
	db.retentionDays = 1

	old := PostureHistoryRecord{From: "NORMAL", To: "DEFENSIVE", Reason: "old", Timestamp: time.Now().UTC().AddDate(0, 0, -10)}
	fresh := PostureHistoryRecord{From: "DEFENSIVE", To: "NORMAL", Reason: "recent", Timestamp: time.Now().UTC()}

	if err := db.PutPostureHistory(old); err != nil {
		t.Fatalf("PutPostureHistory(old): %v", err)
	}
	if err := db.PutPostureHistory(fresh); err != nil {
		t.Fatalf("PutPostureHistory(fresh): %v", err)
	}

	deleted, err := db.PruneOldRecords()
	if err != nil {
		t.Fatalf("PruneOldRecords: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deletion, got %d", deleted)
	}

	got, err := db.ReadPostureHistory()
	if err != nil {
		t.Fatalf("ReadPostureHistory: %v", err)
	}
	if len(got) != 1 || got[0].Reason != "recent" {
		t.Fatalf("expected only the recent record to survive, got %+v", got)
	}
}

func TestReopenPreservesRecordsAndSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corridor.db")

	db, err := Open(path, DefaultRetentionDays, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.PutCanaryResult(CanaryResultRecord{Name: "module-hash", Passed: true}); err != nil {
		t.Fatalf("PutCanaryResult: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := Open(path, DefaultRetentionDays, nil)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	defer db2.Close()

	got, err := db2.ReadCanaryResults()
	if err != nil {
		t.Fatalf("ReadCanaryResults after reopen: %v", err)
	}
	if len(got) != 1 || got[0].Name != "module-hash" {
		t.Fatalf("expected record to survive reopen, got %+v", got)
	}
}
