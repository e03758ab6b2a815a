// Package journal records top-level VM invocations in a SQLite database:
// the entry method, its arguments, how the run ended and how long it took.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chazu/litevm/vm"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"
)

var log = commonlog.GetLogger("litevm.journal")

// ErrRunNotFound indicates the requested run isn't in the journal.
var ErrRunNotFound = errors.New("run not found")

// Outcome classifies how a run ended.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeFault     Outcome = "fault"     // a fault escaped the entry frame
	OutcomeFatal     Outcome = "fatal"     // underflow, heap exhaustion, malformed code
	OutcomeCancelled Outcome = "cancelled" // context cancelled or deadline hit
)

// OutcomeOf classifies the error returned by vm.Run.
func OutcomeOf(err error) Outcome {
	var uf *vm.UnhandledFault
	switch {
	case err == nil:
		return OutcomeOK
	case errors.As(err, &uf):
		return OutcomeFault
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCancelled
	default:
		return OutcomeFatal
	}
}

// Run is one journaled invocation.
type Run struct {
	ID       uuid.UUID
	Entry    string
	Args     []string
	Outcome  Outcome
	Result   string // rendered return value, empty unless Outcome is ok
	Error    string // error text, empty when Outcome is ok
	Started  time.Time
	Duration time.Duration
}

// NewRun describes an invocation of entry with args that finished with
// (result, err) after starting at started.
func NewRun(entry vm.MethodRef, args []vm.Value, started time.Time, result vm.Value, err error) Run {
	r := Run{
		ID:       uuid.New(),
		Entry:    entry.String(),
		Outcome:  OutcomeOf(err),
		Started:  started,
		Duration: time.Since(started),
	}
	for _, a := range args {
		r.Args = append(r.Args, a.String())
	}
	if err != nil {
		r.Error = err.Error()
	} else if !result.IsVoid() {
		r.Result = result.String()
	}
	return r
}

// Journal is a SQLite-backed run log. It is safe for concurrent use.
type Journal struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

const schema = `CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	entry       TEXT NOT NULL,
	args        TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	result      TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	started_ns  INTEGER NOT NULL,
	duration_ns INTEGER NOT NULL
)`

// Open opens or creates the journal at path. ":memory:" gives a private
// in-memory journal.
func Open(path string) (*Journal, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating journal dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	// one connection keeps an in-memory database alive and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}
	log.Debugf("journal open at %s", path)
	return &Journal{db: db, path: path}, nil
}

// Path returns the database path the journal was opened with.
func (j *Journal) Path() string { return j.path }

// Close closes the database connection.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// Record stores r.
func (j *Journal) Record(ctx context.Context, r Run) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	args, err := json.Marshal(r.Args)
	if err != nil {
		return fmt.Errorf("encoding args: %w", err)
	}
	_, err = j.db.ExecContext(ctx,
		`INSERT INTO runs (id, entry, args, outcome, result, error, started_ns, duration_ns)
		 VALUES (?, ?, json(?), ?, ?, ?, ?, ?)`,
		r.ID.String(), r.Entry, string(args), string(r.Outcome), r.Result, r.Error,
		r.Started.UnixNano(), int64(r.Duration),
	)
	if err != nil {
		return fmt.Errorf("saving run: %w", err)
	}
	log.Debugf("recorded run %s: %s %s", r.ID, r.Entry, r.Outcome)
	return nil
}

const selectRun = `SELECT id, entry, args, outcome, result, error, started_ns, duration_ns FROM runs`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var (
		r                   Run
		id, args, outcome   string
		startedNs, duration int64
	)
	if err := s.Scan(&id, &r.Entry, &args, &outcome, &r.Result, &r.Error, &startedNs, &duration); err != nil {
		return Run{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return Run{}, fmt.Errorf("run id %q: %w", id, err)
	}
	if err := json.Unmarshal([]byte(args), &r.Args); err != nil {
		return Run{}, fmt.Errorf("parsing args of run %s: %w", id, err)
	}
	r.ID = parsed
	r.Outcome = Outcome(outcome)
	r.Started = time.Unix(0, startedNs)
	r.Duration = time.Duration(duration)
	return r, nil
}

// Get retrieves one run.
func (j *Journal) Get(ctx context.Context, id uuid.UUID) (Run, error) {
	r, err := scanRun(j.db.QueryRowContext(ctx, selectRun+" WHERE id = ?", id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, ErrRunNotFound
		}
		return Run{}, fmt.Errorf("querying run: %w", err)
	}
	return r, nil
}

// Recent returns up to limit runs, newest first. A limit of zero or less
// returns every run.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.db.QueryContext(ctx, selectRun+" ORDER BY started_ns DESC, rowid DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Counts returns the number of runs per outcome.
func (j *Journal) Counts(ctx context.Context) (map[Outcome]int, error) {
	rows, err := j.db.QueryContext(ctx, "SELECT outcome, COUNT(*) FROM runs GROUP BY outcome")
	if err != nil {
		return nil, fmt.Errorf("counting runs: %w", err)
	}
	defer rows.Close()

	counts := make(map[Outcome]int)
	for rows.Next() {
		var (
			outcome string
			n       int
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		counts[Outcome(outcome)] = n
	}
	return counts, rows.Err()
}
