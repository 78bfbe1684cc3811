package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lprior-repo/isolate-sub002/internal/model"
)

// SQLite is the production Store. Mutations run in BEGIN IMMEDIATE
// transactions: the row is read, validated against the state machine and
// written back with a status-conditional UPDATE, so two processors can never
// both claim the same entry.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

const entryColumns = `id, workspace, bead_id, priority, status, added_at, started_at, completed_at,
	error_message, agent_id, dedupe_key, workspace_state, previous_state, state_changed_at,
	head_sha, tested_against_sha, attempt_count, max_attempts, rebase_count, last_rebase_at,
	parent_workspace`

// OpenSQLite opens (creating if needed) the queue database at path.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*SQLite, error) {
	if path == "" {
		path = "queue.db"
	}
	o := buildOptions(opts)
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate queue database %s: %w", path, err)
	}
	return &SQLite{db: db, now: o.now}, nil
}

func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (model.QueueEntry, error) {
	var (
		e                                                    model.QueueEntry
		status, wsState                                      string
		beadID, errMsg, agentID, dedupe, prevState           sql.NullString
		headSHA, tested, parent                              sql.NullString
		startedAt, completedAt, stateChangedAt, lastRebaseAt sql.NullTime
	)
	err := row.Scan(&e.ID, &e.Workspace, &beadID, &e.Priority, &status, &e.AddedAt, &startedAt, &completedAt,
		&errMsg, &agentID, &dedupe, &wsState, &prevState, &stateChangedAt,
		&headSHA, &tested, &e.AttemptCount, &e.MaxAttempts, &e.RebaseCount, &lastRebaseAt,
		&parent)
	if err != nil {
		return model.QueueEntry{}, err
	}

	if e.Status, err = model.ParseQueueStatus(status); err != nil {
		return model.QueueEntry{}, fmt.Errorf("entry %d: %w", e.ID, err)
	}
	if e.WorkspaceState, err = model.ParseWorkspaceQueueState(wsState); err != nil {
		return model.QueueEntry{}, fmt.Errorf("entry %d: %w", e.ID, err)
	}
	if prevState.Valid {
		ps, err := model.ParseWorkspaceQueueState(prevState.String)
		if err != nil {
			return model.QueueEntry{}, fmt.Errorf("entry %d: %w", e.ID, err)
		}
		e.PreviousState = &ps
	}
	e.BeadID = fromNullString(beadID)
	e.ErrorMessage = fromNullString(errMsg)
	e.AgentID = fromNullString(agentID)
	e.DedupeKey = fromNullString(dedupe)
	e.HeadSHA = fromNullString(headSHA)
	e.TestedAgainstSHA = fromNullString(tested)
	e.ParentWorkspace = fromNullString(parent)
	e.StartedAt = fromNullTime(startedAt)
	e.CompletedAt = fromNullTime(completedAt)
	e.StateChangedAt = fromNullTime(stateChangedAt)
	e.LastRebaseAt = fromNullTime(lastRebaseAt)
	return e, nil
}

func fromNullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

func fromNullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

func nullString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullTime(p *time.Time) any {
	if p == nil {
		return nil
	}
	return p.UTC()
}

func (s *SQLite) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func latestEntry(ctx context.Context, q querier, workspace string) (*model.QueueEntry, error) {
	row := q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM merge_queue WHERE workspace = ? ORDER BY id DESC LIMIT 1`, workspace)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load entry %s: %w", workspace, err)
	}
	return &e, nil
}

func queryEntries(ctx context.Context, q querier, query string, args ...any) ([]model.QueueEntry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const pendingQuery = `SELECT ` + entryColumns + ` FROM merge_queue WHERE status = 'pending' ORDER BY priority, added_at, id`

// writeEntry stores e, provided the row is still in status from.
func writeEntry(ctx context.Context, tx *sql.Tx, e model.QueueEntry, from model.QueueStatus) error {
	res, err := tx.ExecContext(ctx, `UPDATE merge_queue SET
		bead_id = ?, priority = ?, status = ?, started_at = ?, completed_at = ?, error_message = ?,
		agent_id = ?, dedupe_key = ?, head_sha = ?, tested_against_sha = ?, attempt_count = ?,
		max_attempts = ?, rebase_count = ?, last_rebase_at = ?
		WHERE id = ? AND status = ?`,
		nullString(e.BeadID), e.Priority, string(e.Status), nullTime(e.StartedAt), nullTime(e.CompletedAt), nullString(e.ErrorMessage),
		nullString(e.AgentID), nullString(e.DedupeKey), nullString(e.HeadSHA), nullString(e.TestedAgainstSHA), e.AttemptCount,
		e.MaxAttempts, e.RebaseCount, nullTime(e.LastRebaseAt),
		e.ID, string(from))
	if err != nil {
		return fmt.Errorf("update entry %s: %w", e.Workspace, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update entry %s: %w", e.Workspace, err)
	}
	if n == 0 {
		var current string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM merge_queue WHERE id = ?`, e.ID).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return model.ErrEntryNotFound
			}
			return fmt.Errorf("reload entry %s: %w", e.Workspace, err)
		}
		return &model.TransitionError{From: model.QueueStatus(current), To: e.Status}
	}
	return nil
}

func appendEvent(ctx context.Context, tx *sql.Tx, queueID int64, ch change, now time.Time) error {
	details, err := ch.detailsJSON()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO queue_events (queue_id, event_type, details_json, created_at) VALUES (?, ?, ?, ?)`,
		queueID, string(ch.event), nullString(details), now.UTC()); err != nil {
		return fmt.Errorf("append %s event: %w", ch.event, err)
	}
	return nil
}

func (s *SQLite) mutate(ctx context.Context, workspace string, fn mutation) (model.QueueEntry, error) {
	var out model.QueueEntry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		e, err := latestEntry(ctx, tx, workspace)
		if err != nil {
			return err
		}
		if e == nil {
			return model.ErrEntryNotFound
		}
		from := e.Status
		now := s.now()
		ch, err := fn(e, now)
		if err != nil {
			return err
		}
		if err := writeEntry(ctx, tx, *e, from); err != nil {
			return err
		}
		if err := appendEvent(ctx, tx, e.ID, ch, now); err != nil {
			return err
		}
		out = *e
		return nil
	})
	return out, err
}

func (s *SQLite) List(ctx context.Context, status *model.QueueStatus) ([]model.QueueEntry, error) {
	var (
		entries []model.QueueEntry
		err     error
	)
	if status == nil {
		entries, err = queryEntries(ctx, s.db, `SELECT `+entryColumns+` FROM merge_queue ORDER BY priority, added_at, id`)
	} else {
		entries, err = queryEntries(ctx, s.db, `SELECT `+entryColumns+` FROM merge_queue WHERE status = ? ORDER BY priority, added_at, id`, string(*status))
	}
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	return entries, nil
}

func (s *SQLite) TransitionTo(ctx context.Context, workspace string, to model.QueueStatus) error {
	_, err := s.mutate(ctx, workspace, transitionTo(to))
	return err
}

func (s *SQLite) IsFresh(ctx context.Context, workspace, mainRef string) (bool, error) {
	e, err := s.Get(ctx, workspace)
	if err != nil {
		return false, err
	}
	return e.IsFresh(mainRef), nil
}

func (s *SQLite) ReturnToRebasing(ctx context.Context, workspace, mainRef string) error {
	_, err := s.mutate(ctx, workspace, returnToRebasing(mainRef))
	return err
}

func (s *SQLite) UpdateRebaseMetadata(ctx context.Context, workspace, headRef, testedAgainst string) error {
	_, err := s.mutate(ctx, workspace, updateRebaseMetadata(headRef, testedAgainst))
	return err
}

func (s *SQLite) BeginMerge(ctx context.Context, workspace string) error {
	return s.TransitionTo(ctx, workspace, model.StatusMerging)
}

func (s *SQLite) CompleteMerge(ctx context.Context, workspace, mergedRef string) error {
	_, err := s.mutate(ctx, workspace, completeMerge(mergedRef))
	return err
}

func (s *SQLite) FailMerge(ctx context.Context, workspace, message string, retryable bool) error {
	_, err := s.mutate(ctx, workspace, failMerge(message, retryable))
	return err
}

func (s *SQLite) Add(ctx context.Context, req AddRequest) (AddResult, error) {
	if err := validateAdd(req); err != nil {
		return AddResult{}, err
	}
	var res AddResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		latest, err := latestEntry(ctx, tx, req.Workspace)
		if err != nil {
			return err
		}

		switch decideAdd(latest, req) {
		case addExisting:
			res.Entry = *latest
		case addRefresh:
			e := *latest
			ch, err := refresh(req, DedupeKey(req.Workspace, req.HeadSHA))(&e, now)
			if err != nil {
				return err
			}
			if err := writeEntry(ctx, tx, e, latest.Status); err != nil {
				return err
			}
			if err := appendEvent(ctx, tx, e.ID, ch, now); err != nil {
				return err
			}
			res.Entry = e
			res.Refreshed = true
		default:
			e := newEntry(req, now)
			r, err := tx.ExecContext(ctx, `INSERT INTO merge_queue
				(workspace, bead_id, priority, status, added_at, agent_id, dedupe_key, workspace_state,
				 head_sha, tested_against_sha, attempt_count, max_attempts, rebase_count, parent_workspace)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, 0, ?)`,
				e.Workspace, nullString(e.BeadID), e.Priority, string(e.Status), e.AddedAt.UTC(), nullString(e.AgentID),
				nullString(e.DedupeKey), string(e.WorkspaceState), nullString(e.HeadSHA), nullString(e.TestedAgainstSHA),
				e.MaxAttempts, nullString(e.ParentWorkspace))
			if err != nil {
				return fmt.Errorf("insert entry %s: %w", e.Workspace, err)
			}
			if e.ID, err = r.LastInsertId(); err != nil {
				return fmt.Errorf("insert entry %s: %w", e.Workspace, err)
			}
			if err := appendEvent(ctx, tx, e.ID, created(e), now); err != nil {
				return err
			}
			res.Entry = e
			res.Created = true
		}

		pending, err := queryEntries(ctx, tx, pendingQuery)
		if err != nil {
			return fmt.Errorf("list pending entries: %w", err)
		}
		res.Position = positionOf(pending, req.Workspace)
		res.PendingCount = len(pending)
		return nil
	})
	if err != nil {
		return AddResult{}, err
	}
	return res, nil
}

func (s *SQLite) Get(ctx context.Context, workspace string) (model.QueueEntry, error) {
	e, err := latestEntry(ctx, s.db, workspace)
	if err != nil {
		return model.QueueEntry{}, err
	}
	if e == nil {
		return model.QueueEntry{}, model.ErrEntryNotFound
	}
	return *e, nil
}

func (s *SQLite) GetByID(ctx context.Context, id int64) (model.QueueEntry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM merge_queue WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.QueueEntry{}, model.ErrEntryNotFound
	}
	if err != nil {
		return model.QueueEntry{}, fmt.Errorf("load entry %d: %w", id, err)
	}
	return e, nil
}

func (s *SQLite) Remove(ctx context.Context, workspace string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		e, err := latestEntry(ctx, tx, workspace)
		if err != nil {
			return err
		}
		if e == nil {
			return model.ErrEntryNotFound
		}
		if e.Status != model.StatusPending && !e.Status.IsTerminal() {
			return ErrEntryBusy
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM merge_queue WHERE id = ?`, e.ID); err != nil {
			return fmt.Errorf("remove entry %s: %w", workspace, err)
		}
		return nil
	})
}

func (s *SQLite) Position(ctx context.Context, workspace string) (int, error) {
	pending, err := queryEntries(ctx, s.db, pendingQuery)
	if err != nil {
		return 0, fmt.Errorf("list pending entries: %w", err)
	}
	return positionOf(pending, workspace), nil
}

func (s *SQLite) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM merge_queue WHERE status = 'pending'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending entries: %w", err)
	}
	return n, nil
}

func (s *SQLite) Stats(ctx context.Context) (model.QueueStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM merge_queue GROUP BY status`)
	if err != nil {
		return model.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	var st model.QueueStats
	for rows.Next() {
		var (
			raw string
			n   int
		)
		if err := rows.Scan(&raw, &n); err != nil {
			return model.QueueStats{}, fmt.Errorf("queue stats: %w", err)
		}
		status, err := model.ParseQueueStatus(raw)
		if err != nil {
			return model.QueueStats{}, fmt.Errorf("queue stats: %w", err)
		}
		for i := 0; i < n; i++ {
			st.Count(status)
		}
	}
	return st, rows.Err()
}

func (s *SQLite) Retry(ctx context.Context, workspace string) (model.QueueEntry, error) {
	return s.mutate(ctx, workspace, retry())
}

func (s *SQLite) Cancel(ctx context.Context, workspace string) (model.QueueEntry, error) {
	return s.mutate(ctx, workspace, cancel())
}

func (s *SQLite) ReleaseClaim(ctx context.Context, workspace string) error {
	_, err := s.mutate(ctx, workspace, requireClaimed(releaseClaim("released")))
	return err
}

func (s *SQLite) Events(ctx context.Context, workspace string) ([]model.QueueEvent, error) {
	e, err := s.Get(ctx, workspace)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, queue_id, event_type, details_json, created_at
		FROM queue_events WHERE queue_id = ? ORDER BY id`, e.ID)
	if err != nil {
		return nil, fmt.Errorf("load events for %s: %w", workspace, err)
	}
	defer rows.Close()

	var out []model.QueueEvent
	for rows.Next() {
		var (
			ev      model.QueueEvent
			typ     string
			details sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.QueueID, &typ, &details, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("load events for %s: %w", workspace, err)
		}
		if ev.EventType, err = model.ParseQueueEventType(typ); err != nil {
			return nil, fmt.Errorf("load events for %s: %w", workspace, err)
		}
		ev.DetailsJSON = fromNullString(details)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func loadLock(ctx context.Context, q querier) (*ProcessingLock, error) {
	var l ProcessingLock
	err := q.QueryRowContext(ctx, `SELECT agent_id, acquired_at, expires_at FROM queue_processing_lock WHERE id = 1`).
		Scan(&l.Holder, &l.AcquiredAt, &l.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load processing lock: %w", err)
	}
	return &l, nil
}

func (s *SQLite) AcquireProcessingLock(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	acquired := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		cur, err := loadLock(ctx, tx)
		if err != nil {
			return err
		}
		if cur != nil && cur.Holder != holder && cur.ExpiresAt.After(now) {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO queue_processing_lock (id, agent_id, acquired_at, expires_at) VALUES (1, ?, ?, ?)`,
			holder, now.UTC(), now.Add(ttl).UTC()); err != nil {
			return fmt.Errorf("acquire processing lock: %w", err)
		}
		acquired = true
		return nil
	})
	return acquired, err
}

func (s *SQLite) ReleaseProcessingLock(ctx context.Context, holder string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_processing_lock WHERE id = 1 AND agent_id = ?`, holder)
	if err != nil {
		return false, fmt.Errorf("release processing lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("release processing lock: %w", err)
	}
	return n > 0, nil
}

func (s *SQLite) ExtendProcessingLock(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	extended := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		cur, err := loadLock(ctx, tx)
		if err != nil {
			return err
		}
		if cur == nil || cur.Holder != holder || !cur.ExpiresAt.After(now) {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE queue_processing_lock SET expires_at = ? WHERE id = 1`, now.Add(ttl).UTC()); err != nil {
			return fmt.Errorf("extend processing lock: %w", err)
		}
		extended = true
		return nil
	})
	return extended, err
}

func (s *SQLite) ProcessingLock(ctx context.Context) (*ProcessingLock, error) {
	l, err := loadLock(ctx, s.db)
	if err != nil || l == nil {
		return nil, err
	}
	if !l.ExpiresAt.After(s.now()) {
		return nil, nil
	}
	return l, nil
}

func (s *SQLite) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	n := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		terminal, err := queryEntries(ctx, tx, `SELECT `+entryColumns+` FROM merge_queue WHERE status IN ('merged', 'failed_terminal', 'cancelled')`)
		if err != nil {
			return fmt.Errorf("list terminal entries: %w", err)
		}
		cutoff := s.now().Add(-maxAge)
		for _, e := range terminal {
			if !olderThan(e.CompletedAt, cutoff) {
				continue
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM merge_queue WHERE id = ?`, e.ID); err != nil {
				return fmt.Errorf("remove entry %d: %w", e.ID, err)
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *SQLite) ReclaimStale(ctx context.Context, threshold time.Duration) (int, error) {
	n := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		claimed, err := queryEntries(ctx, tx, `SELECT `+entryColumns+` FROM merge_queue WHERE status = 'claimed'`)
		if err != nil {
			return fmt.Errorf("list claimed entries: %w", err)
		}
		now := s.now()
		cutoff := now.Add(-threshold)
		for _, e := range claimed {
			if !olderThan(e.StartedAt, cutoff) {
				continue
			}
			ch, err := releaseClaim("stale claim")(&e, now)
			if err != nil {
				return err
			}
			if err := writeEntry(ctx, tx, e, model.StatusClaimed); err != nil {
				return err
			}
			if err := appendEvent(ctx, tx, e.ID, ch, now); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}
