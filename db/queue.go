package db

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressfed/pressfed/domain"
)

// Activity log queries

const (
	sqlInsertActivity = `INSERT INTO activities(id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, local, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectActivity = `SELECT id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, local, created_at FROM activities`

	sqlSelectActivityByURI       = sqlSelectActivity + ` WHERE activity_uri = ?`
	sqlSelectActivityByObjectURI = sqlSelectActivity + ` WHERE object_uri = ?`
	sqlUpdateActivity            = `UPDATE activities SET processed = ?, object_uri = ?, raw_json = ? WHERE id = ?`
	sqlDeleteActivity            = `DELETE FROM activities WHERE id = ?`
	sqlDeleteActivitiesByActor   = `DELETE FROM activities WHERE actor_uri = ?`

	sqlSelectFederatedActivities = sqlSelectActivity + ` WHERE activity_type = 'Create' AND local = 0
        ORDER BY created_at DESC LIMIT ?`
	sqlSelectOutboxActivities = sqlSelectActivity + ` WHERE activity_type = 'Create' AND local = 1 AND actor_uri = ?
        ORDER BY created_at DESC LIMIT ? OFFSET ?`
	sqlCountOutboxActivities = `SELECT COUNT(*) FROM activities WHERE activity_type = 'Create' AND local = 1 AND actor_uri = ?`
)

func (db *DB) CreateActivity(activity *domain.Activity) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertActivity,
			activity.Id.String(), activity.ActivityURI, activity.ActivityType,
			activity.ActorURI, activity.ObjectURI, activity.RawJSON,
			activity.Processed, activity.Local, activity.CreatedAt)
		return err
	})
}

func (db *DB) ActivityByURI(uri string) (*domain.Activity, error) {
	return scanActivity(db.db.QueryRow(sqlSelectActivityByURI, uri))
}

func (db *DB) ActivityByObjectURI(uri string) (*domain.Activity, error) {
	return scanActivity(db.db.QueryRow(sqlSelectActivityByObjectURI, uri))
}

func (db *DB) UpdateActivity(activity *domain.Activity) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateActivity,
			activity.Processed, activity.ObjectURI, activity.RawJSON, activity.Id.String())
		return err
	})
}

func (db *DB) DeleteActivity(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteActivity, id.String())
		return err
	})
}

func (db *DB) DeleteActivitiesByActorURI(actorURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteActivitiesByActor, actorURI)
		return err
	})
}

// FederatedActivities returns recent Create activities from remote actors.
func (db *DB) FederatedActivities(limit int) ([]domain.Activity, error) {
	rows, err := db.db.Query(sqlSelectFederatedActivities, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanActivities(rows)
}

func (db *DB) OutboxActivities(actorURI string, limit, offset int) ([]domain.Activity, error) {
	rows, err := db.db.Query(sqlSelectOutboxActivities, actorURI, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanActivities(rows)
}

func (db *DB) CountOutboxActivities(actorURI string) (int, error) {
	var n int
	err := db.db.QueryRow(sqlCountOutboxActivities, actorURI).Scan(&n)
	return n, err
}

func scanActivity(row rowScanner) (*domain.Activity, error) {
	var activity domain.Activity
	var idStr string
	err := row.Scan(&idStr, &activity.ActivityURI, &activity.ActivityType,
		&activity.ActorURI, &activity.ObjectURI, &activity.RawJSON,
		&activity.Processed, &activity.Local, &activity.CreatedAt)
	if err != nil {
		return nil, err
	}
	activity.Id, _ = uuid.Parse(idStr)
	return &activity, nil
}

func scanActivities(rows *sql.Rows) ([]domain.Activity, error) {
	var activities []domain.Activity
	for rows.Next() {
		activity, err := scanActivity(rows)
		if err != nil {
			return activities, err
		}
		activities = append(activities, *activity)
	}
	return activities, rows.Err()
}

// Delivery job queries

const (
	sqlInsertJob = `INSERT INTO delivery_jobs(id, activity_uri, inbox_uri, activity_json, attempts, next_attempt_at, state, last_error, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectJob = `SELECT id, activity_uri, inbox_uri, activity_json, attempts, next_attempt_at, state, last_error, created_at FROM delivery_jobs`

	sqlSelectJobById = sqlSelectJob + ` WHERE id = ?`
	sqlSelectDueJobs = sqlSelectJob + ` WHERE state = 'queued' AND next_attempt_at <= ?
        ORDER BY created_at ASC LIMIT ?`

	// Mark, requeue and cancel only touch live states. A cancelled or
	// otherwise terminal job can never be flipped back by the late result
	// of an in-flight attempt.
	sqlMarkJobs   = `UPDATE delivery_jobs SET state = ?, last_error = ? WHERE id = ? AND state IN ('queued', 'delivering')`
	sqlClaimJob   = `UPDATE delivery_jobs SET state = 'delivering' WHERE id = ? AND state = 'queued'`
	sqlRequeueJob = `UPDATE delivery_jobs SET state = 'queued', attempts = ?, next_attempt_at = ?, last_error = ? WHERE id = ? AND state IN ('queued', 'delivering')`
	sqlCancelJob  = `UPDATE delivery_jobs SET state = 'cancelled' WHERE id = ? AND state IN ('queued', 'delivering')`
)

func (db *DB) EnqueueJob(job *domain.DeliveryJob) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertJob,
			job.Id.String(), job.ActivityURI, job.InboxURI, job.ActivityJSON,
			job.Attempts, job.NextAttemptAt, job.State, job.LastError, job.CreatedAt)
		return err
	})
}

// ClaimDueJobs atomically flips due queued jobs to delivering and returns
// them. A job claimed here has exactly one in-flight attempt until it is
// requeued or terminated.
func (db *DB) ClaimDueJobs(now time.Time, limit int) ([]domain.DeliveryJob, error) {
	var jobs []domain.DeliveryJob
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		jobs = jobs[:0]
		rows, err := tx.Query(sqlSelectDueJobs, now, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			job, err := scanJob(rows)
			if err != nil {
				return err
			}
			jobs = append(jobs, *job)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		for _, job := range jobs {
			if _, err := tx.Exec(sqlClaimJob, job.Id.String()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (db *DB) JobByID(id uuid.UUID) (*domain.DeliveryJob, error) {
	return scanJob(db.db.QueryRow(sqlSelectJobById, id.String()))
}

// MarkJob sets a terminal state (succeeded, failed, exhausted) on a
// live job. Marking an already terminal job is a no-op.
func (db *DB) MarkJob(id uuid.UUID, state string, lastError string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlMarkJobs, state, lastError, id.String())
		return err
	})
}

// RequeueJob schedules the next attempt after a transient failure. A
// job cancelled while the attempt was in flight stays cancelled.
func (db *DB) RequeueJob(id uuid.UUID, attempts int, nextAttemptAt time.Time, lastError string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlRequeueJob, attempts, nextAttemptAt, lastError, id.String())
		return err
	})
}

// CancelJob cancels a queued or claimed job. A claimed job finishes its
// in-flight attempt, but the result cannot reschedule or overwrite the
// cancelled state, so cancellation is observed before the next attempt.
func (db *DB) CancelJob(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlCancelJob, id.String())
		return err
	})
}

func scanJob(row rowScanner) (*domain.DeliveryJob, error) {
	var job domain.DeliveryJob
	var idStr string
	err := row.Scan(&idStr, &job.ActivityURI, &job.InboxURI, &job.ActivityJSON,
		&job.Attempts, &job.NextAttemptAt, &job.State, &job.LastError, &job.CreatedAt)
	if err != nil {
		return nil, err
	}
	job.Id, _ = uuid.Parse(idStr)
	return &job, nil
}

// Delivery outcome queries

const (
	sqlInsertOutcome = `INSERT INTO delivery_outcomes(id, job_id, activity_uri, inbox_uri, result, status_code, detail, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectOutcomesByActivity = `SELECT id, job_id, activity_uri, inbox_uri, result, status_code, detail, created_at
        FROM delivery_outcomes WHERE activity_uri = ? ORDER BY created_at ASC`
)

func (db *DB) RecordOutcome(outcome *domain.DeliveryOutcome) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertOutcome,
			outcome.Id.String(), outcome.JobId.String(), outcome.ActivityURI,
			outcome.InboxURI, outcome.Result, outcome.StatusCode,
			outcome.Detail, outcome.CreatedAt)
		return err
	})
}

// OutcomesByActivityURI is the audit surface: terminal per-recipient
// results for one activity.
func (db *DB) OutcomesByActivityURI(uri string) ([]domain.DeliveryOutcome, error) {
	rows, err := db.db.Query(sqlSelectOutcomesByActivity, uri)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []domain.DeliveryOutcome
	for rows.Next() {
		var o domain.DeliveryOutcome
		var idStr, jobStr string
		if err := rows.Scan(&idStr, &jobStr, &o.ActivityURI, &o.InboxURI,
			&o.Result, &o.StatusCode, &o.Detail, &o.CreatedAt); err != nil {
			return outcomes, err
		}
		o.Id, _ = uuid.Parse(idStr)
		o.JobId, _ = uuid.Parse(jobStr)
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}
