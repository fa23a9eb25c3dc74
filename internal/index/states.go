package index

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"vfscore/internal/clock"
	"vfscore/internal/contextutil"
	"vfscore/internal/ids"
	"vfscore/internal/storage"
	"vfscore/internal/vfserr"
)

// IndexState is the durable indexing state of one (resource, modality).
type IndexState struct {
	ResourceID     string           `json:"resource_id"`
	Modality       Modality         `json:"modality"`
	ResourceType   ids.ResourceKind `json:"resource_type"`
	State          State            `json:"state"`
	RetryCount     int              `json:"retry_count"`
	LastAttemptAt  *time.Time       `json:"last_attempt_at,omitempty"`
	NextRetryAt    *time.Time       `json:"next_retry_at,omitempty"`
	WorkerID       string           `json:"worker_id,omitempty"`
	Error          string           `json:"error,omitempty"`
	DisabledReason string           `json:"disabled_reason,omitempty"`
	SegmentCount   int              `json:"segment_count"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// RetryPolicy bounds indexing retries.
type RetryPolicy struct {
	MaxRetries int
	Base       time.Duration
	Max        time.Duration
}

// DefaultRetryPolicy allows 3 retries starting at 100ms, capped at 5s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, Base: 100 * time.Millisecond, Max: 5 * time.Second}
}

// Backoff returns the delay before retry number attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// StatusSummary counts states per modality.
type StatusSummary map[Modality]map[State]int

// StateRepo drives the index_states state machine.
type StateRepo struct {
	db         *storage.DB
	clock      clock.Clock
	policy     RetryPolicy
	modalities []Modality
}

// NewStateRepo creates a StateRepo. modalities are the embedding spaces new
// content is scheduled for.
func NewStateRepo(db *storage.DB, c clock.Clock, policy RetryPolicy, modalities []Modality) *StateRepo {
	if len(modalities) == 0 {
		modalities = []Modality{ModalityText}
	}
	return &StateRepo{db: db, clock: c, policy: policy, modalities: modalities}
}

// Policy returns the retry policy.
func (r *StateRepo) Policy() RetryPolicy {
	return r.policy
}

// Modalities returns the scheduled modalities.
func (r *StateRepo) Modalities() []Modality {
	return r.modalities
}

// MarkPendingTx schedules the resource for indexing in every configured
// modality. Disabled rows stay disabled.
func (r *StateRepo) MarkPendingTx(ctx context.Context, q storage.Querier, kind ids.ResourceKind, resourceID string) error {
	for _, m := range r.modalities {
		if err := r.EnsurePendingTx(ctx, q, kind, resourceID, m); err != nil {
			return err
		}
	}
	return nil
}

// EnsurePendingTx inserts a pending row or moves an existing non-disabled row
// back to pending with a fresh retry budget.
func (r *StateRepo) EnsurePendingTx(ctx context.Context, q storage.Querier, kind ids.ResourceKind, resourceID string, modality Modality) error {
	now := storage.FormatTime(r.clock.Now())
	_, err := q.ExecContext(ctx,
		`INSERT INTO index_states (resource_id, modality, resource_type, state, retry_count, updated_at)
		 VALUES (?, ?, ?, 'pending', 0, ?)
		 ON CONFLICT (resource_id, modality) DO UPDATE SET
			state = 'pending', retry_count = 0, next_retry_at = NULL, worker_id = NULL, error = NULL, updated_at = excluded.updated_at
		 WHERE index_states.state != 'disabled'`,
		resourceID, string(modality), string(kind), now)
	if err != nil {
		return vfserr.Database("index_state.ensure_pending", err)
	}
	return nil
}

// ClaimNext atomically moves the oldest pending row of modality to indexing
// for workerID. Failed rows whose retry time has come are promoted to pending
// first. It returns nil when nothing is claimable.
func (r *StateRepo) ClaimNext(ctx context.Context, modality Modality, workerID string) (*IndexState, error) {
	var claimed *IndexState
	err := r.db.InTx(ctx, func(tx *sql.Tx) error {
		now := r.clock.Now()
		if _, err := tx.ExecContext(ctx,
			`UPDATE index_states SET state = 'pending', next_retry_at = NULL, updated_at = ?
			 WHERE modality = ? AND state = 'failed' AND next_retry_at IS NOT NULL AND next_retry_at <= ?`,
			storage.FormatTime(now), string(modality), storage.FormatTime(now)); err != nil {
			return vfserr.Database("index_state.claim", err)
		}

		var resourceID string
		err := tx.QueryRowContext(ctx,
			`SELECT resource_id FROM index_states WHERE modality = ? AND state = 'pending'
			 ORDER BY updated_at, resource_id LIMIT 1`, string(modality)).Scan(&resourceID)
		if isNoRows(err) {
			return nil
		}
		if err != nil {
			return vfserr.Database("index_state.claim", err)
		}

		ok, err := r.claimTx(ctx, tx, resourceID, modality, workerID, now)
		if err != nil || !ok {
			return err
		}
		claimed, err = getState(ctx, tx, resourceID, modality)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Claim moves a specific pending row to indexing. It reports false when the
// row is not pending.
func (r *StateRepo) Claim(ctx context.Context, resourceID string, modality Modality, workerID string) (*IndexState, error) {
	var claimed *IndexState
	err := r.db.InTx(ctx, func(tx *sql.Tx) error {
		ok, err := r.claimTx(ctx, tx, resourceID, modality, workerID, r.clock.Now())
		if err != nil || !ok {
			return err
		}
		claimed, err = getState(ctx, tx, resourceID, modality)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *StateRepo) claimTx(ctx context.Context, q storage.Querier, resourceID string, modality Modality, workerID string, now time.Time) (bool, error) {
	ts := storage.FormatTime(now)
	res, err := q.ExecContext(ctx,
		`UPDATE index_states SET state = 'indexing', worker_id = ?, last_attempt_at = ?, updated_at = ?
		 WHERE resource_id = ? AND modality = ? AND state = 'pending'`,
		workerID, ts, ts, resourceID, string(modality))
	if err != nil {
		return false, vfserr.Database("index_state.claim", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, vfserr.Database("index_state.claim", err)
	}
	return n == 1, nil
}

// MarkIndexed completes a claim held by workerID.
func (r *StateRepo) MarkIndexed(ctx context.Context, resourceID string, modality Modality, workerID string, segmentCount int) error {
	w, err := r.db.Writer()
	if err != nil {
		return err
	}
	return r.MarkIndexedTx(ctx, w, resourceID, modality, workerID, segmentCount)
}

// MarkIndexedTx is MarkIndexed inside the caller's transaction.
func (r *StateRepo) MarkIndexedTx(ctx context.Context, q storage.Querier, resourceID string, modality Modality, workerID string, segmentCount int) error {
	res, err := q.ExecContext(ctx,
		`UPDATE index_states SET state = 'indexed', error = NULL, next_retry_at = NULL,
			worker_id = NULL, segment_count = ?, updated_at = ?
		 WHERE resource_id = ? AND modality = ? AND state = 'indexing' AND worker_id = ?`,
		segmentCount, storage.FormatTime(r.clock.Now()), resourceID, string(modality), workerID)
	if err != nil {
		return vfserr.Database("index_state.mark_indexed", err)
	}
	return requireTransition(res, "index_state.mark_indexed", resourceID, modality, StateIndexed)
}

// MarkFailed records a failed attempt. Retryable failures schedule a retry
// after backoff until the retry budget is spent, at which point the row is
// disabled. Non-retryable failures stay failed until Reset.
func (r *StateRepo) MarkFailed(ctx context.Context, resourceID string, modality Modality, workerID string, cause error, retryable bool) (*IndexState, error) {
	var out *IndexState
	err := r.db.InTx(ctx, func(tx *sql.Tx) error {
		current, err := getState(ctx, tx, resourceID, modality)
		if err != nil {
			return err
		}
		if current.State != StateIndexing || current.WorkerID != workerID {
			return invalidTransition("index_state.mark_failed", resourceID, modality, current.State, StateFailed)
		}

		now := r.clock.Now()
		retries := current.RetryCount + 1
		state := StateFailed
		var next sql.NullString
		var disabledReason sql.NullString
		switch {
		case !retryable:
		case retries >= r.policy.MaxRetries:
			state = StateDisabled
			disabledReason = sql.NullString{String: fmt.Sprintf("max retries (%d) exceeded", r.policy.MaxRetries), Valid: true}
		default:
			next = sql.NullString{String: storage.FormatTime(now.Add(r.policy.Backoff(retries))), Valid: true}
		}

		msg := ""
		if cause != nil {
			msg = cause.Error()
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE index_states SET state = ?, retry_count = ?, error = ?, next_retry_at = ?, disabled_reason = ?,
				worker_id = NULL, updated_at = ?
			 WHERE resource_id = ? AND modality = ?`,
			string(state), retries, msg, next, disabledReason, storage.FormatTime(now), resourceID, string(modality)); err != nil {
			return vfserr.Database("index_state.mark_failed", err)
		}
		out, err = getState(ctx, tx, resourceID, modality)
		return err
	})
	if err != nil {
		return nil, err
	}

	contextutil.LoggerFromContext(ctx).WarnContext(ctx, "indexing failed",
		"resource_id", resourceID, "modality", modality, "state", out.State, "retry_count", out.RetryCount, "error", out.Error)
	return out, nil
}

// Release returns a claim to pending without consuming a retry.
func (r *StateRepo) Release(ctx context.Context, resourceID string, modality Modality, workerID string) error {
	w, err := r.db.Writer()
	if err != nil {
		return err
	}
	res, err := w.ExecContext(ctx,
		`UPDATE index_states SET state = 'pending', worker_id = NULL, updated_at = ?
		 WHERE resource_id = ? AND modality = ? AND state = 'indexing' AND worker_id = ?`,
		storage.FormatTime(r.clock.Now()), resourceID, string(modality), workerID)
	if err != nil {
		return vfserr.Database("index_state.release", err)
	}
	return requireTransition(res, "index_state.release", resourceID, modality, StatePending)
}

// Disable moves a row to disabled with reason, creating it if needed.
func (r *StateRepo) Disable(ctx context.Context, kind ids.ResourceKind, resourceID string, modality Modality, reason string) error {
	w, err := r.db.Writer()
	if err != nil {
		return err
	}
	now := storage.FormatTime(r.clock.Now())
	_, err = w.ExecContext(ctx,
		`INSERT INTO index_states (resource_id, modality, resource_type, state, disabled_reason, updated_at)
		 VALUES (?, ?, ?, 'disabled', ?, ?)
		 ON CONFLICT (resource_id, modality) DO UPDATE SET
			state = 'disabled', disabled_reason = excluded.disabled_reason, worker_id = NULL, next_retry_at = NULL,
			updated_at = excluded.updated_at`,
		resourceID, string(modality), string(kind), reason, now)
	if err != nil {
		return vfserr.Database("index_state.disable", err)
	}
	return nil
}

// Reset returns a row in any state to pending with a fresh retry budget.
func (r *StateRepo) Reset(ctx context.Context, resourceID string, modality Modality) error {
	w, err := r.db.Writer()
	if err != nil {
		return err
	}
	return r.ResetTx(ctx, w, resourceID, modality)
}

// ResetTx is Reset inside the caller's transaction. An empty modality resets
// every modality of the resource.
func (r *StateRepo) ResetTx(ctx context.Context, q storage.Querier, resourceID string, modality Modality) error {
	query := `UPDATE index_states SET state = 'pending', retry_count = 0, error = NULL, next_retry_at = NULL,
			disabled_reason = NULL, worker_id = NULL, updated_at = ?
		 WHERE resource_id = ?`
	args := []any{storage.FormatTime(r.clock.Now()), resourceID}
	if modality != "" {
		query += " AND modality = ?"
		args = append(args, string(modality))
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return vfserr.Database("index_state.reset", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return vfserr.NotFound("index_state.reset", resourceID)
	}
	return nil
}

// RecoverStale returns rows left in indexing by a previous process to pending.
func (r *StateRepo) RecoverStale(ctx context.Context) (int, error) {
	w, err := r.db.Writer()
	if err != nil {
		return 0, err
	}
	res, err := w.ExecContext(ctx,
		"UPDATE index_states SET state = 'pending', worker_id = NULL, updated_at = ? WHERE state = 'indexing'",
		storage.FormatTime(r.clock.Now()))
	if err != nil {
		return 0, vfserr.Database("index_state.recover", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteTx removes every state row of a resource.
func (r *StateRepo) DeleteTx(ctx context.Context, q storage.Querier, resourceID string) error {
	if _, err := q.ExecContext(ctx, "DELETE FROM index_states WHERE resource_id = ?", resourceID); err != nil {
		return vfserr.Database("index_state.delete", err)
	}
	return nil
}

// Get returns the state row for (resourceID, modality).
func (r *StateRepo) Get(ctx context.Context, resourceID string, modality Modality) (*IndexState, error) {
	return getState(ctx, r.db.Reader(), resourceID, modality)
}

// ListByResource returns every state row of a resource.
func (r *StateRepo) ListByResource(ctx context.Context, resourceID string) ([]IndexState, error) {
	return listStates(ctx, r.db.Reader(), "WHERE resource_id = ? ORDER BY modality", resourceID)
}

// ListByState returns rows of modality in state, oldest first.
func (r *StateRepo) ListByState(ctx context.Context, modality Modality, state State, limit int) ([]IndexState, error) {
	if limit <= 0 {
		limit = 100
	}
	return listStates(ctx, r.db.Reader(),
		"WHERE modality = ? AND state = ? ORDER BY updated_at, resource_id LIMIT ?", string(modality), string(state), limit)
}

// ResourcesInState returns the set of resource ids whose modality row is in
// state.
func (r *StateRepo) ResourcesInState(ctx context.Context, modality Modality, state State) (map[string]bool, error) {
	rows, err := r.db.Reader().QueryContext(ctx,
		"SELECT resource_id FROM index_states WHERE modality = ? AND state = ?", string(modality), string(state))
	if err != nil {
		return nil, vfserr.Database("index_state.resources", err)
	}
	list, err := scanStrings(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(list))
	for _, id := range list {
		out[id] = true
	}
	return out, nil
}

// NextRetryAt returns the earliest scheduled retry for modality, or nil.
func (r *StateRepo) NextRetryAt(ctx context.Context, modality Modality) (*time.Time, error) {
	var next sql.NullString
	err := r.db.Reader().QueryRowContext(ctx,
		"SELECT MIN(next_retry_at) FROM index_states WHERE modality = ? AND state = 'failed'", string(modality)).Scan(&next)
	if err != nil {
		return nil, vfserr.Database("index_state.next_retry", err)
	}
	t, err := storage.NullTime(next)
	if err != nil {
		return nil, vfserr.Serialization("index_state.next_retry", err)
	}
	return t, nil
}

// Summary counts rows per modality and state.
func (r *StateRepo) Summary(ctx context.Context) (StatusSummary, error) {
	rows, err := r.db.Reader().QueryContext(ctx, "SELECT modality, state, COUNT(*) FROM index_states GROUP BY modality, state")
	if err != nil {
		return nil, vfserr.Database("index_state.summary", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	out := make(StatusSummary)
	for _, m := range r.modalities {
		out[m] = make(map[State]int)
	}
	for rows.Next() {
		var modality, state string
		var n int
		if err := rows.Scan(&modality, &state, &n); err != nil {
			return nil, vfserr.Database("index_state.summary", err)
		}
		m := Modality(modality)
		if out[m] == nil {
			out[m] = make(map[State]int)
		}
		out[m][State(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, vfserr.Database("index_state.summary", err)
	}
	return out, nil
}

func getState(ctx context.Context, q storage.Querier, resourceID string, modality Modality) (*IndexState, error) {
	states, err := listStates(ctx, q, "WHERE resource_id = ? AND modality = ?", resourceID, string(modality))
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, vfserr.NotFound("index_state.get", resourceID+"/"+string(modality))
	}
	return &states[0], nil
}

func listStates(ctx context.Context, q storage.Querier, where string, args ...any) ([]IndexState, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT resource_id, modality, resource_type, state, retry_count, last_attempt_at, next_retry_at, worker_id,
			error, disabled_reason, segment_count, updated_at
		 FROM index_states `+where, args...)
	if err != nil {
		return nil, vfserr.Database("index_state.list", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []IndexState
	for rows.Next() {
		var s IndexState
		var modality, kind, state, updatedAt string
		var lastAttempt, nextRetry, worker, errMsg, reason sql.NullString
		if err := rows.Scan(&s.ResourceID, &modality, &kind, &state, &s.RetryCount, &lastAttempt, &nextRetry, &worker,
			&errMsg, &reason, &s.SegmentCount, &updatedAt); err != nil {
			return nil, vfserr.Database("index_state.list", err)
		}
		s.Modality, s.ResourceType, s.State = Modality(modality), ids.ResourceKind(kind), State(state)
		s.WorkerID, s.Error, s.DisabledReason = worker.String, errMsg.String, reason.String
		if s.LastAttemptAt, err = storage.NullTime(lastAttempt); err != nil {
			return nil, vfserr.Serialization("index_state.list", err)
		}
		if s.NextRetryAt, err = storage.NullTime(nextRetry); err != nil {
			return nil, vfserr.Serialization("index_state.list", err)
		}
		if s.UpdatedAt, err = storage.ParseTime(updatedAt); err != nil {
			return nil, vfserr.Serialization("index_state.list", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, vfserr.Database("index_state.list", err)
	}
	return out, nil
}

func requireTransition(res sql.Result, op, resourceID string, modality Modality, to State) error {
	n, err := res.RowsAffected()
	if err != nil {
		return vfserr.Database(op, err)
	}
	if n == 0 {
		return vfserr.New(vfserr.KindInvalidState, vfserr.CodeInvalidTransition, op,
			fmt.Sprintf("%s/%s is not held in indexing by this worker; cannot move to %s", resourceID, modality, to))
	}
	return nil
}

func invalidTransition(op, resourceID string, modality Modality, from, to State) error {
	return vfserr.New(vfserr.KindInvalidState, vfserr.CodeInvalidTransition, op,
		fmt.Sprintf("%s/%s cannot move from %s to %s", resourceID, modality, from, to))
}
