// Package gctrace records shared-heap collection events in SQLite.
package gctrace

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/sharedheap/heap"
)

var log = commonlog.GetLogger("sharedheap.gctrace")

// ErrClosed is returned when recording into a closed Recorder.
var ErrClosed = errors.New("gc trace recorder closed")

// Event is one recorded collection as read back from the database.
type Event struct {
	Seq               uint64
	Type              string
	Reason            string
	Concurrent        bool
	Start             time.Time
	Duration          time.Duration
	Pause             time.Duration
	HeapBefore        uint64
	HeapAfter         uint64
	Committed         uint64
	NativeBindingSize uint64
	MarkedObjects     int64
	AllocLimit        uint64
}

// Recorder is a heap.EventSink backed by a SQLite database.
type Recorder struct {
	db     *sql.DB
	dbPath string
	run    string
	mu     sync.Mutex
	closed bool
}

var _ heap.EventSink = (*Recorder)(nil)

// Open opens (or creates) the trace database at dbPath. Events recorded
// through the returned Recorder are tagged with run.
func Open(dbPath, run string) (*Recorder, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating trace directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS gc_events (
		run TEXT NOT NULL,
		seq INTEGER NOT NULL,
		gc_type TEXT NOT NULL,
		reason TEXT NOT NULL,
		concurrent INTEGER NOT NULL,
		start_ns INTEGER NOT NULL,
		duration_ns INTEGER NOT NULL,
		pause_ns INTEGER NOT NULL,
		heap_before INTEGER NOT NULL,
		heap_after INTEGER NOT NULL,
		committed INTEGER NOT NULL,
		native_size INTEGER NOT NULL,
		marked_objects INTEGER NOT NULL,
		alloc_limit INTEGER NOT NULL,
		PRIMARY KEY (run, seq)
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	log.Debug("gc trace opened", "path", dbPath, "run", run)
	return &Recorder{db: db, dbPath: dbPath, run: run}, nil
}

// Path returns the database path.
func (r *Recorder) Path() string { return r.dbPath }

// Run returns the run tag.
func (r *Recorder) Run() string { return r.run }

// Close closes the database connection.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.db.Close()
}

// RecordGC stores one collection event.
func (r *Recorder) RecordGC(ev heap.GCEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	_, err := r.db.Exec(`INSERT OR REPLACE INTO gc_events
		(run, seq, gc_type, reason, concurrent, start_ns, duration_ns, pause_ns,
		 heap_before, heap_after, committed, native_size, marked_objects, alloc_limit)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.run, int64(ev.Seq), ev.Type.String(), ev.Reason.String(), ev.Concurrent,
		ev.Start.UnixNano(), int64(ev.Duration), int64(ev.Pause),
		int64(ev.HeapBefore), int64(ev.HeapAfter), int64(ev.Committed),
		int64(ev.NativeBindingSize), ev.MarkedObjects, int64(ev.AllocLimit))
	if err != nil {
		return fmt.Errorf("recording gc %d: %w", ev.Seq, err)
	}
	return nil
}

// Count returns the number of events recorded for run.
func (r *Recorder) Count(run string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrClosed
	}
	var n int
	err := r.db.QueryRow("SELECT COUNT(*) FROM gc_events WHERE run = ?", run).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting events: %w", err)
	}
	return n, nil
}

// Events returns the events recorded for run in sequence order.
func (r *Recorder) Events(run string) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}

	rows, err := r.db.Query(`SELECT seq, gc_type, reason, concurrent, start_ns,
		duration_ns, pause_ns, heap_before, heap_after, committed, native_size,
		marked_objects, alloc_limit
		FROM gc_events WHERE run = ? ORDER BY seq`, run)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e                                     Event
			seq, startNs, durNs, pauseNs          int64
			before, after, committed, native, lim int64
		)
		if err := rows.Scan(&seq, &e.Type, &e.Reason, &e.Concurrent, &startNs,
			&durNs, &pauseNs, &before, &after, &committed, &native,
			&e.MarkedObjects, &lim); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		e.Seq = uint64(seq)
		e.Start = time.Unix(0, startNs)
		e.Duration = time.Duration(durNs)
		e.Pause = time.Duration(pauseNs)
		e.HeapBefore = uint64(before)
		e.HeapAfter = uint64(after)
		e.Committed = uint64(committed)
		e.NativeBindingSize = uint64(native)
		e.AllocLimit = uint64(lim)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Summary aggregates the events of one run.
type Summary struct {
	Collections int
	TotalPause  time.Duration
	MaxPause    time.Duration
	FreedBytes  uint64
}

// Summarize aggregates the events recorded for run.
func (r *Recorder) Summarize(run string) (Summary, error) {
	events, err := r.Events(run)
	if err != nil {
		return Summary{}, err
	}
	var s Summary
	for _, e := range events {
		s.Collections++
		s.TotalPause += e.Pause
		if e.Pause > s.MaxPause {
			s.MaxPause = e.Pause
		}
		if e.HeapBefore > e.HeapAfter {
			s.FreedBytes += e.HeapBefore - e.HeapAfter
		}
	}
	return s, nil
}
