package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	_ JobRepo = (*SQLiteStore)(nil)
	_ JobRepo = (*PostgresStore)(nil)
)

func (r sqlRepo) InsertJob(job Job) error {
	_, err := r.exec(
		`INSERT INTO jobs (id, owner_id, destination, kind, status, payload_json, created_at, updated_at, expires_at)
		 VALUES (?, ?, ?, ?, 'pending', ?, ?, ?, ?)`,
		job.ID, job.OwnerID, job.Destination, job.Kind, nilIfEmpty(job.PayloadJSON), job.CreatedAt, job.UpdatedAt, job.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	slog.Debug("sqlRepo.InsertJob: inserted", "driver", r.driver, "id", job.ID, "kind", job.Kind, "owner", job.OwnerID)
	return nil
}

func (r sqlRepo) ListPending(limit int) ([]Job, error) {
	rows, err := r.query(`SELECT `+jobColumns+` FROM jobs WHERE status = 'pending' ORDER BY created_at, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	return collectJobs(rows)
}

// ClaimJob is a conditional update, so only one processor wins a job.
func (r sqlRepo) ClaimJob(id string, now time.Time) (bool, error) {
	res, err := r.exec(
		`UPDATE jobs SET status = 'processing', claimed_at = ?, updated_at = ? WHERE id = ? AND status = 'pending'`,
		now, now, id,
	)
	if err != nil {
		return false, fmt.Errorf("claim job %s: %w", id, err)
	}
	return affected(res) == 1, nil
}

func (r sqlRepo) UpdateJobStatus(id string, status JobStatus, result, errMsg string) error {
	prev, ok := status.predecessor()
	if !ok {
		return fmt.Errorf("%w: cannot move to %q", ErrInvalidTransition, status)
	}
	if status != JobStatusCompleted {
		result = ""
	}
	if status != JobStatusFailed {
		errMsg = ""
	}
	res, err := r.exec(
		`UPDATE jobs SET status = ?, result_json = ?, error = ?, updated_at = ? WHERE id = ? AND status = ?`,
		status, nilIfEmpty(result), nilIfEmpty(errMsg), time.Now(), id, prev,
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	if affected(res) == 1 {
		return nil
	}
	current, err := r.GetJob(id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, status)
}

func (r sqlRepo) GetJob(id string) (*Job, error) {
	j, err := scanJob(r.queryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return &j, nil
}

func (r sqlRepo) DeletePast(now time.Time) (int, error) {
	res, err := r.exec(`DELETE FROM jobs WHERE expires_at < ?`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired jobs: %w", err)
	}
	n := affected(res)
	if n > 0 {
		slog.Info("sqlRepo.DeletePast: expired jobs removed", "driver", r.driver, "count", n)
	}
	return n, nil
}

// ReclaimStale refreshes claimed_at on processing jobs whose claim is older
// than staleBefore and returns them for another run.
func (r sqlRepo) ReclaimStale(staleBefore, now time.Time, limit int) ([]Job, error) {
	const stale = `status = 'processing' AND claimed_at < ?`
	var reclaimed []Job
	if r.postgres() {
		rows, err := r.query(
			`UPDATE jobs SET claimed_at = ?, updated_at = ?
			 WHERE id IN (SELECT id FROM jobs WHERE `+stale+` ORDER BY created_at, id LIMIT ? FOR UPDATE SKIP LOCKED)
			 RETURNING `+jobColumns,
			now, now, staleBefore, limit,
		)
		if err != nil {
			return nil, fmt.Errorf("reclaim stale jobs: %w", err)
		}
		if reclaimed, err = collectJobs(rows); err != nil {
			return nil, err
		}
	} else {
		rows, err := r.query(`SELECT `+jobColumns+` FROM jobs WHERE `+stale+` ORDER BY created_at, id LIMIT ?`, staleBefore, limit)
		if err != nil {
			return nil, fmt.Errorf("select stale jobs: %w", err)
		}
		candidates, err := collectJobs(rows)
		if err != nil {
			return nil, err
		}
		for _, j := range candidates {
			res, err := r.exec(`UPDATE jobs SET claimed_at = ?, updated_at = ? WHERE id = ? AND `+stale, now, now, j.ID, staleBefore)
			if err != nil {
				return nil, fmt.Errorf("reclaim job %s: %w", j.ID, err)
			}
			if affected(res) == 1 {
				claimedAt := now
				j.ClaimedAt, j.UpdatedAt = &claimedAt, now
				reclaimed = append(reclaimed, j)
			}
		}
	}
	if len(reclaimed) > 0 {
		slog.Info("sqlRepo.ReclaimStale: reclaimed", "driver", r.driver, "count", len(reclaimed))
	}
	return reclaimed, nil
}

func (r sqlRepo) ListUnnotified(limit int) ([]Job, error) {
	rows, err := r.query(
		`SELECT `+jobColumns+` FROM jobs WHERE status IN ('completed', 'failed') AND notified_at IS NULL ORDER BY updated_at, id LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list unnotified jobs: %w", err)
	}
	return collectJobs(rows)
}

func (r sqlRepo) MarkNotified(id string, now time.Time) error {
	if _, err := r.exec(`UPDATE jobs SET notified_at = ? WHERE id = ?`, now, id); err != nil {
		return fmt.Errorf("mark job %s notified: %w", id, err)
	}
	return nil
}
