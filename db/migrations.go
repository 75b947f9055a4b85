package db

import (
	"database/sql"

	"github.com/charmbracelet/log"
)

const (
	sqlCreateAccountsTable = `CREATE TABLE IF NOT EXISTS accounts(
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		display_name TEXT DEFAULT '',
		summary TEXT DEFAULT '',
		web_public_key TEXT NOT NULL,
		web_private_key TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreatePostsTable = `CREATE TABLE IF NOT EXISTS posts(
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		edited_at TIMESTAMP
	)`

	sqlCreatePostsIndices = `
		CREATE INDEX IF NOT EXISTS idx_posts_account_id ON posts(account_id);
		CREATE INDEX IF NOT EXISTS idx_posts_created_at ON posts(created_at DESC);
	`

	sqlCreateRemoteAccountsTable = `CREATE TABLE IF NOT EXISTS remote_accounts(
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT NOT NULL,
		domain TEXT NOT NULL,
		actor_uri TEXT UNIQUE NOT NULL,
		display_name TEXT DEFAULT '',
		summary TEXT DEFAULT '',
		inbox_uri TEXT NOT NULL,
		shared_inbox_uri TEXT DEFAULT '',
		outbox_uri TEXT DEFAULT '',
		public_key_pem TEXT NOT NULL,
		avatar_url TEXT DEFAULT '',
		delivery_failures INTEGER DEFAULT 0,
		last_fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateRemoteAccountsIndices = `
		CREATE INDEX IF NOT EXISTS idx_remote_accounts_domain ON remote_accounts(domain);
		CREATE INDEX IF NOT EXISTS idx_remote_accounts_inbox ON remote_accounts(inbox_uri);
	`

	// The unique pair constraint is what makes follower upserts
	// idempotent under concurrent adds.
	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows(
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		target_account_id TEXT NOT NULL,
		uri TEXT NOT NULL,
		accepted INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(account_id, target_account_id)
	)`

	sqlCreateFollowsIndices = `
		CREATE INDEX IF NOT EXISTS idx_follows_target_account_id ON follows(target_account_id);
		CREATE INDEX IF NOT EXISTS idx_follows_uri ON follows(uri);
	`

	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities(
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT UNIQUE NOT NULL,
		activity_type TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		object_uri TEXT DEFAULT '',
		raw_json TEXT NOT NULL,
		processed INTEGER DEFAULT 0,
		local INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_activities_actor_uri ON activities(actor_uri);
		CREATE INDEX IF NOT EXISTS idx_activities_object_uri ON activities(object_uri);
		CREATE INDEX IF NOT EXISTS idx_activities_created_at ON activities(created_at DESC);
	`

	sqlCreateDeliveryJobsTable = `CREATE TABLE IF NOT EXISTS delivery_jobs(
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT NOT NULL,
		inbox_uri TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		next_attempt_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		state TEXT DEFAULT 'queued',
		last_error TEXT DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateDeliveryJobsIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_jobs_due ON delivery_jobs(state, next_attempt_at);
		CREATE INDEX IF NOT EXISTS idx_delivery_jobs_activity ON delivery_jobs(activity_uri);
	`

	sqlCreateDeliveryOutcomesTable = `CREATE TABLE IF NOT EXISTS delivery_outcomes(
		id TEXT NOT NULL PRIMARY KEY,
		job_id TEXT NOT NULL,
		activity_uri TEXT NOT NULL,
		inbox_uri TEXT NOT NULL,
		result TEXT NOT NULL,
		status_code INTEGER DEFAULT 0,
		detail TEXT DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateDeliveryOutcomesIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_outcomes_activity ON delivery_outcomes(activity_uri);
	`
)

// RunMigrations creates the schema. All statements are idempotent.
func (db *DB) RunMigrations() error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		tables := []struct {
			name    string
			create  string
			indices string
		}{
			{"accounts", sqlCreateAccountsTable, ""},
			{"posts", sqlCreatePostsTable, sqlCreatePostsIndices},
			{"remote_accounts", sqlCreateRemoteAccountsTable, sqlCreateRemoteAccountsIndices},
			{"follows", sqlCreateFollowsTable, sqlCreateFollowsIndices},
			{"activities", sqlCreateActivitiesTable, sqlCreateActivitiesIndices},
			{"delivery_jobs", sqlCreateDeliveryJobsTable, sqlCreateDeliveryJobsIndices},
			{"delivery_outcomes", sqlCreateDeliveryOutcomesTable, sqlCreateDeliveryOutcomesIndices},
		}

		for _, t := range tables {
			if _, err := tx.Exec(t.create); err != nil {
				log.Error("Error creating table", "table", t.name, "err", err)
				return err
			}
			if t.indices == "" {
				continue
			}
			if _, err := tx.Exec(t.indices); err != nil {
				log.Warn("Failed to create indices", "table", t.name, "err", err)
			}
		}

		// Jobs left claimed by a previous process go back to the queue so
		// a restart does not strand in-flight retries.
		if _, err := tx.Exec(`UPDATE delivery_jobs SET state = 'queued' WHERE state = 'delivering'`); err != nil {
			log.Warn("Failed to requeue stranded jobs", "err", err)
		}

		return nil
	})
}
