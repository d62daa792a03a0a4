package storage

import (
	"context"
	"fmt"
	"sort"
	"time"
)

const (
	upsertGapSQL = `INSERT INTO data_gaps (
        symbol, data_type, status, attempt_count, unavailable_count, first_detected_at
    ) VALUES ($1,$2,'pending',0,0,$3)
    ON CONFLICT (symbol, data_type) DO NOTHING;`

	reopenGapSQL = `UPDATE data_gaps
    SET status = 'pending'
    WHERE symbol = $1 AND data_type = $2 AND status = 'resolved';`

	listOpenGapsSQL = `SELECT symbol, data_type, status, attempt_count, unavailable_count, first_detected_at, last_attempt_at
    FROM data_gaps
    WHERE status IN ('pending','retry_scheduled')
    ORDER BY attempt_count ASC, first_detected_at ASC
    LIMIT $1;`

	markGapAttemptSQL = `UPDATE data_gaps
    SET status = $3, attempt_count = attempt_count + $4,
        unavailable_count = unavailable_count + $5, last_attempt_at = $6
    WHERE symbol = $1 AND data_type = $2;`

	resolveGapSQL = `UPDATE data_gaps
    SET status = 'resolved', last_attempt_at = $3
    WHERE symbol = $1 AND data_type = $2;`

	getGapSQL = `SELECT symbol, data_type, status, attempt_count, unavailable_count, first_detected_at, last_attempt_at
    FROM data_gaps WHERE symbol = $1 AND data_type = $2;`

	countGapsSQL = `SELECT COUNT(*) FROM data_gaps WHERE status IN ('pending','retry_scheduled');`

	enqueueRecalcSQL = `INSERT INTO recalc_queue (
        symbol, trigger_source, status, attempt_count, enqueued_at
    ) VALUES ($1,$2,'pending',0,$3)
    ON CONFLICT (symbol) DO UPDATE
    SET trigger_source = EXCLUDED.trigger_source,
        enqueued_at    = EXCLUDED.enqueued_at,
        status         = CASE WHEN recalc_queue.status = 'processing'
                              THEN 'processing' ELSE 'pending' END,
        attempt_count  = CASE WHEN recalc_queue.status IN ('completed','failed')
                              THEN 0 ELSE recalc_queue.attempt_count END;`

	claimPendingSQL = `UPDATE recalc_queue
    SET status = 'processing'
    WHERE symbol IN (
        SELECT symbol FROM recalc_queue
        WHERE status = 'pending'
        ORDER BY enqueued_at ASC
        LIMIT $1
        FOR UPDATE SKIP LOCKED
    )
    RETURNING symbol, trigger_source, status, attempt_count, enqueued_at, last_error;`

	completeEntrySQL = `DELETE FROM recalc_queue
    WHERE symbol = $1 AND status = 'processing' AND enqueued_at = $2;`

	requeueEntrySQL = `UPDATE recalc_queue
    SET status = 'pending', attempt_count = 0, last_error = NULL
    WHERE symbol = $1 AND status = 'processing';`

	failEntrySQL = `UPDATE recalc_queue
    SET status = CASE WHEN attempt_count + 1 >= $3 THEN 'failed' ELSE 'pending' END,
        attempt_count = attempt_count + 1,
        last_error = $2
    WHERE symbol = $1 AND status = 'processing'
    RETURNING status;`

	queueDepthSQL = `SELECT COUNT(*) FROM recalc_queue WHERE status IN ('pending','processing');`

	listFailedEntriesSQL = `SELECT symbol, trigger_source, status, attempt_count, enqueued_at, last_error
    FROM recalc_queue WHERE status = 'failed' ORDER BY enqueued_at;`
)

// GapStore persists DataGap lifecycle state.
type GapStore interface {
	RecordGap(ctx context.Context, symbol string, dataType DataType, detectedAt time.Time) error
	GetGap(ctx context.Context, symbol string, dataType DataType) (DataGap, bool, error)
	ListOpenGaps(ctx context.Context, limit int) ([]DataGap, error)
	MarkGapAttempt(ctx context.Context, symbol string, dataType DataType, status GapStatus, countAttempt, countUnavailable bool, at time.Time) error
	ResolveGap(ctx context.Context, symbol string, dataType DataType, at time.Time) error
	CountOpenGaps(ctx context.Context) (int, error)
}

// QueueStore persists the recalculation queue.
type QueueStore interface {
	EnqueueRecalc(ctx context.Context, symbol, triggerSource string, at time.Time) error
	ClaimPending(ctx context.Context, batchSize int) ([]QueueEntry, error)
	CompleteEntry(ctx context.Context, symbol string, claimedAt time.Time) error
	FailEntry(ctx context.Context, symbol, errMsg string, maxAttempts int) (QueueStatus, error)
	QueueDepth(ctx context.Context) (int, error)
	ListFailedEntries(ctx context.Context) ([]QueueEntry, error)
}

// RecordGap creates a gap row on first miss, or reopens a resolved one.
// An already-open gap is left untouched so its attempt budget survives.
func (s *Store) RecordGap(ctx context.Context, symbol string, dataType DataType, detectedAt time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, upsertGapSQL, symbol, dataType, detectedAt); execErr != nil {
		return fmt.Errorf("record gap: %w", execErr)
	}
	if _, execErr := pool.Exec(ctx, reopenGapSQL, symbol, dataType); execErr != nil {
		return fmt.Errorf("reopen gap: %w", execErr)
	}
	return nil
}

// GetGap fetches one gap row.
func (s *Store) GetGap(ctx context.Context, symbol string, dataType DataType) (DataGap, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return DataGap{}, false, err
	}

	var gap DataGap
	row := pool.QueryRow(ctx, getGapSQL, symbol, dataType)
	scanErr := row.Scan(&gap.Symbol, &gap.DataType, &gap.Status, &gap.AttemptCount, &gap.UnavailableCount, &gap.FirstDetectedAt, &gap.LastAttemptAt)
	if scanErr != nil {
		if isNoRows(scanErr) {
			return DataGap{}, false, nil
		}
		return DataGap{}, false, fmt.Errorf("get gap: %w", scanErr)
	}
	return gap, true, nil
}

// ListOpenGaps returns open gaps ranked attempt_count asc, first_detected asc,
// so chronic failures sink behind fresh gaps.
func (s *Store) ListOpenGaps(ctx context.Context, limit int) ([]DataGap, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listOpenGapsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list open gaps: %w", queryErr)
	}
	defer rows.Close()

	gaps := make([]DataGap, 0)
	for rows.Next() {
		var gap DataGap
		if err := rows.Scan(&gap.Symbol, &gap.DataType, &gap.Status, &gap.AttemptCount, &gap.UnavailableCount, &gap.FirstDetectedAt, &gap.LastAttemptAt); err != nil {
			return nil, err
		}
		gaps = append(gaps, gap)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return gaps, nil
}

// MarkGapAttempt transitions a gap after a collection attempt. countAttempt
// feeds the backlog ranking; countUnavailable additionally consumes the
// unavailable-retry budget. Transient attempts count the former only.
func (s *Store) MarkGapAttempt(ctx context.Context, symbol string, dataType DataType, status GapStatus, countAttempt, countUnavailable bool, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	increment := 0
	if countAttempt {
		increment = 1
	}
	unavailableIncrement := 0
	if countUnavailable {
		unavailableIncrement = 1
	}
	if _, execErr := pool.Exec(ctx, markGapAttemptSQL, symbol, dataType, status, increment, unavailableIncrement, at); execErr != nil {
		return fmt.Errorf("mark gap attempt: %w", execErr)
	}
	return nil
}

// ResolveGap marks a gap resolved after successful collection.
func (s *Store) ResolveGap(ctx context.Context, symbol string, dataType DataType, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, resolveGapSQL, symbol, dataType, at); execErr != nil {
		return fmt.Errorf("resolve gap: %w", execErr)
	}
	return nil
}

// CountOpenGaps counts pending and retry-scheduled gaps.
func (s *Store) CountOpenGaps(ctx context.Context) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int
	if scanErr := pool.QueryRow(ctx, countGapsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count open gaps: %w", scanErr)
	}
	return count, nil
}

// EnqueueRecalc upserts a pending recalculation for a symbol. Repeated calls
// coalesce into the existing row, refreshing trigger metadata. A row being
// processed keeps its status but still gets a fresh enqueued_at, so the
// processor knows newer raw data arrived mid-scoring.
func (s *Store) EnqueueRecalc(ctx context.Context, symbol, triggerSource string, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, enqueueRecalcSQL, symbol, triggerSource, at); execErr != nil {
		return fmt.Errorf("enqueue recalc: %w", execErr)
	}
	return nil
}

// ClaimPending atomically transitions up to batchSize pending entries to
// processing and returns them oldest-first. SKIP LOCKED keeps two processor
// instances from double-claiming a symbol.
func (s *Store) ClaimPending(ctx context.Context, batchSize int) ([]QueueEntry, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, claimPendingSQL, batchSize)
	if queryErr != nil {
		return nil, fmt.Errorf("claim pending: %w", queryErr)
	}
	defer rows.Close()

	entries := make([]QueueEntry, 0, batchSize)
	for rows.Next() {
		var entry QueueEntry
		if err := rows.Scan(&entry.Symbol, &entry.TriggerSource, &entry.Status, &entry.AttemptCount, &entry.EnqueuedAt, &entry.LastError); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	// UPDATE ... RETURNING does not preserve the subquery's order.
	sortEntriesByAge(entries)
	return entries, nil
}

func sortEntriesByAge(entries []QueueEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].EnqueuedAt.Before(entries[j].EnqueuedAt)
	})
}

// CompleteEntry removes a processed entry, but only when its enqueued_at
// still matches the claimed value. A concurrent enqueue during scoring moved
// the timestamp forward, in which case the entry reverts to pending so the
// newer raw data gets rescored. A no-op when the entry is no longer in
// processing state, which makes repeated completion idempotent.
func (s *Store) CompleteEntry(ctx context.Context, symbol string, claimedAt time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, completeEntrySQL, symbol, claimedAt)
	if execErr != nil {
		return fmt.Errorf("complete entry: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		if _, execErr := pool.Exec(ctx, requeueEntrySQL, symbol); execErr != nil {
			return fmt.Errorf("requeue entry: %w", execErr)
		}
	}
	return nil
}

// FailEntry reverts a processing entry to pending, or marks it failed once
// the attempt ceiling is reached. Returns the resulting status.
func (s *Store) FailEntry(ctx context.Context, symbol, errMsg string, maxAttempts int) (QueueStatus, error) {
	pool, err := s.getPool()
	if err != nil {
		return "", err
	}

	var status QueueStatus
	scanErr := pool.QueryRow(ctx, failEntrySQL, symbol, errMsg, maxAttempts).Scan(&status)
	if scanErr != nil {
		if isNoRows(scanErr) {
			return "", nil
		}
		return "", fmt.Errorf("fail entry: %w", scanErr)
	}
	return status, nil
}

// QueueDepth counts non-terminal queue entries.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int
	if scanErr := pool.QueryRow(ctx, queueDepthSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("queue depth: %w", scanErr)
	}
	return count, nil
}

// ListFailedEntries surfaces entries that exhausted their attempts.
func (s *Store) ListFailedEntries(ctx context.Context) ([]QueueEntry, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listFailedEntriesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list failed entries: %w", queryErr)
	}
	defer rows.Close()

	entries := make([]QueueEntry, 0)
	for rows.Next() {
		var entry QueueEntry
		if err := rows.Scan(&entry.Symbol, &entry.TriggerSource, &entry.Status, &entry.AttemptCount, &entry.EnqueuedAt, &entry.LastError); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return entries, nil
}
