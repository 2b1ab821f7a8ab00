// Package routinglog is an audit trail of rediscovery attempts and
// routing-table transitions, persisted to a rolling SQLite database.
// It is strictly a diagnostic record of what the routing core did — the
// live routing table stays in-memory only; nothing here is ever read
// back into a routing decision.
//
// Uses rolling file naming, size-based rotation, and retain-count pruning
// over modernc.org/sqlite, with golang-migrate applying versioned schema
// migrations on open rather than a single embedded DDL string, since a
// log schema that outlives a single release benefits from versioned
// migration discipline.
package routinglog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/Resinat/clusterdrv/internal/address"
	"github.com/Resinat/clusterdrv/internal/composition"
)

// AttemptOutcome classifies a single rediscovery candidate attempt.
type AttemptOutcome string

const (
	OutcomeAccepted AttemptOutcome = "accepted"
	OutcomeRejected AttemptOutcome = "rejected"
	OutcomeError    AttemptOutcome = "error"
)

// Recorder manages rolling SQLite databases of routing activity. Each DB
// is named routing_log-<unix_ms>.db and lives in logDir.
type Recorder struct {
	logDir      string
	maxBytes    int64
	retainCount int

	mu         sync.Mutex
	activeDB   *sql.DB
	activePath string
}

// NewRecorder creates a Recorder. maxBytes controls when the active DB is
// rotated; retainCount sets how many historical DB files are kept.
func NewRecorder(logDir string, maxBytes int64, retainCount int) *Recorder {
	if maxBytes <= 0 {
		maxBytes = 64 * 1024 * 1024 // 64 MB default, far smaller than request logs
	}
	if retainCount <= 0 {
		retainCount = 5
	}
	return &Recorder{logDir: logDir, maxBytes: maxBytes, retainCount: retainCount}
}

// Open opens (or creates) the active routing log database, reusing the
// latest existing file if one is present.
func (r *Recorder) Open() error {
	if err := os.MkdirAll(r.logDir, 0o755); err != nil {
		return fmt.Errorf("routinglog recorder mkdir %s: %w", r.logDir, err)
	}

	files, err := r.listDBFiles()
	if err != nil {
		return fmt.Errorf("routinglog recorder open: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(files) > 0 {
		if err := r.openDB(files[len(files)-1]); err != nil {
			return err
		}
		return r.cleanup()
	}
	return r.rotateDB()
}

// Close closes the active DB.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeDB == nil {
		return nil
	}
	err := r.activeDB.Close()
	r.activeDB = nil
	r.activePath = ""
	return err
}

// RecordAttempt appends one rediscovery candidate attempt. attemptID
// correlates every attempt within a single lookup() call; an empty
// attemptID is assigned a fresh uuid so callers that don't track
// correlation IDs still get a usable row. Failures to write are logged,
// never propagated: an audit trail must never block routing.
func (r *Recorder) RecordAttempt(attemptID string, addr address.ServerAddress, outcome AttemptOutcome, cause error) {
	if attemptID == "" {
		attemptID = uuid.NewString()
	}
	errText := ""
	if cause != nil {
		errText = cause.Error()
	}

	if err := r.exec(`INSERT OR IGNORE INTO routing_attempts (id, ts_ns, address, outcome, error) VALUES (?,?,?,?,?)`,
		attemptID, time.Now().UnixNano(), addr.String(), string(outcome), errText); err != nil {
		log.Printf("[routinglog] warning: record attempt id=%q failed: %v", attemptID, err)
	}
}

// RecordCompositionUpdate appends one accepted routing table transition:
// the newly accepted composition plus the addresses it caused to be
// purged from the connection pool.
func (r *Recorder) RecordCompositionUpdate(comp composition.ClusterComposition, removed []address.ServerAddress) {
	readersJSON, _ := json.Marshal(addressStrings(comp.Readers))
	writersJSON, _ := json.Marshal(addressStrings(comp.Writers))
	routersJSON, _ := json.Marshal(addressStrings(comp.Routers))
	removedJSON, _ := json.Marshal(addressStrings(removed))

	if err := r.exec(`INSERT INTO composition_updates
		(ts_ns, expires_at_ns, readers_json, writers_json, routers_json, removed_json)
		VALUES (?,?,?,?,?,?)`,
		time.Now().UnixNano(), comp.ExpiresAt.UnixNano(),
		string(readersJSON), string(writersJSON), string(routersJSON), string(removedJSON)); err != nil {
		log.Printf("[routinglog] warning: record composition update failed: %v", err)
	}
}

func addressStrings(addrs []address.ServerAddress) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}

func (r *Recorder) exec(query string, args ...any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.activeDB == nil {
		if r.activePath == "" {
			return fmt.Errorf("routinglog recorder: not open")
		}
		if err := r.rotateDB(); err != nil {
			return fmt.Errorf("routinglog recorder recover: %w", err)
		}
	}
	if err := r.maybeRotate(); err != nil {
		return fmt.Errorf("routinglog recorder rotate: %w", err)
	}

	_, err := r.activeDB.Exec(query, args...)
	return err
}

func (r *Recorder) openDB(path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("routinglog recorder open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return fmt.Errorf("routinglog recorder pragma %q on %s: %w", pragma, path, err)
		}
	}
	if err := migrateDB(db); err != nil {
		db.Close()
		return err
	}
	r.activeDB = db
	r.activePath = path
	return nil
}

func (r *Recorder) rotateDB() error {
	if r.activeDB != nil {
		r.activeDB.Close()
		r.activeDB = nil
	}
	name := fmt.Sprintf("routing_log-%d.db", time.Now().UnixMilli())
	if err := r.openDB(filepath.Join(r.logDir, name)); err != nil {
		return fmt.Errorf("routinglog recorder rotate: %w", err)
	}
	return r.cleanup()
}

func (r *Recorder) maybeRotate() error {
	if r.activePath == "" {
		return r.rotateDB()
	}
	size, err := sqliteFilesSize(r.activePath)
	if err != nil {
		log.Printf("[routinglog] warning: stat active db failed path=%q: %v", r.activePath, err)
		return nil
	}
	if size >= r.maxBytes {
		return r.rotateDB()
	}
	return nil
}

func (r *Recorder) cleanup() error {
	files, err := r.listDBFiles()
	if err != nil {
		return err
	}
	if len(files) <= r.retainCount {
		return nil
	}
	for _, f := range files[:len(files)-r.retainCount] {
		os.Remove(f)
		os.Remove(f + "-wal")
		os.Remove(f + "-shm")
	}
	return nil
}

func (r *Recorder) listDBFiles() ([]string, error) {
	entries, err := os.ReadDir(r.logDir)
	if err != nil {
		return nil, fmt.Errorf("routinglog recorder list dir %s: %w", r.logDir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "routing_log-") && strings.HasSuffix(name, ".db") {
			files = append(files, filepath.Join(r.logDir, name))
		}
	}
	sort.Strings(files)
	return files, nil
}

func sqliteFilesSize(basePath string) (int64, error) {
	var total int64
	for _, p := range []string{basePath, basePath + "-wal", basePath + "-shm"} {
		info, err := os.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}
