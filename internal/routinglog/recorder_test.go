package routinglog

import (
	"errors"
	"testing"
	"time"

	"github.com/Resinat/clusterdrv/internal/address"
	"github.com/Resinat/clusterdrv/internal/composition"
)

func mustAddr(t *testing.T, s string) address.ServerAddress {
	t.Helper()
	a, err := address.Parse(s)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestRecordAttemptPersistsRow(t *testing.T) {
	r := NewRecorder(t.TempDir(), 0, 0)
	if err := r.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	r.RecordAttempt("attempt-1", mustAddr(t, "r1:7687"), OutcomeAccepted, nil)
	r.RecordAttempt("attempt-2", mustAddr(t, "r2:7687"), OutcomeError, errors.New("refused"))

	var count int
	if err := r.activeDB.QueryRow(`SELECT COUNT(*) FROM routing_attempts`).Scan(&count); err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}

	var outcome, errText string
	if err := r.activeDB.QueryRow(`SELECT outcome, error FROM routing_attempts WHERE id = ?`, "attempt-2").
		Scan(&outcome, &errText); err != nil {
		t.Fatalf("query attempt-2: %v", err)
	}
	if outcome != string(OutcomeError) || errText != "refused" {
		t.Errorf("attempt-2 = (%q, %q), want (error, refused)", outcome, errText)
	}
}

func TestRecordAttemptAssignsIDWhenEmpty(t *testing.T) {
	r := NewRecorder(t.TempDir(), 0, 0)
	if err := r.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	r.RecordAttempt("", mustAddr(t, "r1:7687"), OutcomeAccepted, nil)

	var count int
	if err := r.activeDB.QueryRow(`SELECT COUNT(*) FROM routing_attempts WHERE id != ''`).Scan(&count); err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

func TestRecordCompositionUpdatePersistsRow(t *testing.T) {
	r := NewRecorder(t.TempDir(), 0, 0)
	if err := r.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	comp := composition.New(time.Now(), time.Minute,
		[]address.ServerAddress{mustAddr(t, "r1:7687")},
		[]address.ServerAddress{mustAddr(t, "r1:7687")},
		[]address.ServerAddress{mustAddr(t, "r1:7687")})
	r.RecordCompositionUpdate(comp, []address.ServerAddress{mustAddr(t, "old:7687")})

	var removedJSON string
	if err := r.activeDB.QueryRow(`SELECT removed_json FROM composition_updates ORDER BY id DESC LIMIT 1`).
		Scan(&removedJSON); err != nil {
		t.Fatalf("query: %v", err)
	}
	if removedJSON != `["old:7687"]` {
		t.Errorf("removed_json = %q, want [\"old:7687\"]", removedJSON)
	}
}

func TestOpenReusesExistingActiveFile(t *testing.T) {
	dir := t.TempDir()
	r1 := NewRecorder(dir, 0, 0)
	if err := r1.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	r1.RecordAttempt("a1", mustAddr(t, "r1:7687"), OutcomeAccepted, nil)
	path := r1.activePath
	r1.Close()

	r2 := NewRecorder(dir, 0, 0)
	if err := r2.Open(); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer r2.Close()
	if r2.activePath != path {
		t.Errorf("activePath = %q, want reused %q", r2.activePath, path)
	}

	var count int
	if err := r2.activeDB.QueryRow(`SELECT COUNT(*) FROM routing_attempts`).Scan(&count); err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != 1 {
		t.Errorf("count after reopen = %d, want 1 (prior row must survive)", count)
	}
}
