package db

import (
	"database/sql"

	"github.com/google/uuid"
	"github.com/pressfed/pressfed/domain"
)

// Remote account queries

const (
	sqlUpsertRemoteAccount = `INSERT INTO remote_accounts(id, username, domain, actor_uri, display_name, summary, inbox_uri, shared_inbox_uri, outbox_uri, public_key_pem, avatar_url, delivery_failures, last_fetched_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
        ON CONFLICT(actor_uri) DO UPDATE SET
            username = excluded.username,
            domain = excluded.domain,
            display_name = excluded.display_name,
            summary = excluded.summary,
            inbox_uri = excluded.inbox_uri,
            shared_inbox_uri = excluded.shared_inbox_uri,
            outbox_uri = excluded.outbox_uri,
            public_key_pem = excluded.public_key_pem,
            avatar_url = excluded.avatar_url,
            last_fetched_at = excluded.last_fetched_at`

	sqlSelectRemoteAccount = `SELECT id, username, domain, actor_uri, display_name, summary, inbox_uri, shared_inbox_uri, outbox_uri, public_key_pem, avatar_url, delivery_failures, last_fetched_at
        FROM remote_accounts`
	sqlSelectRemoteAccountByURI   = sqlSelectRemoteAccount + ` WHERE actor_uri = ?`
	sqlSelectRemoteAccountById    = sqlSelectRemoteAccount + ` WHERE id = ?`
	sqlSelectRemoteAccountByInbox = sqlSelectRemoteAccount + ` WHERE inbox_uri = ? OR shared_inbox_uri = ?`

	sqlBumpDeliveryFailures  = `UPDATE remote_accounts SET delivery_failures = delivery_failures + 1 WHERE id = ?`
	sqlResetDeliveryFailures = `UPDATE remote_accounts SET delivery_failures = 0 WHERE id = ?`
	sqlDeleteRemoteAccount   = `DELETE FROM remote_accounts WHERE id = ?`
)

// UpsertRemoteAccount stores or refreshes a cached actor document, keyed
// by actor URI. The stored id survives refreshes.
func (db *DB) UpsertRemoteAccount(acc *domain.RemoteAccount) error {
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertRemoteAccount,
			acc.Id.String(), acc.Username, acc.Domain, acc.ActorURI,
			acc.DisplayName, acc.Summary, acc.InboxURI, acc.SharedInboxURI,
			acc.OutboxURI, acc.PublicKeyPem, acc.AvatarURL, acc.LastFetchedAt)
		return err
	})
	if err != nil {
		return err
	}
	// The caller needs the persisted id when the row already existed.
	stored, err := db.RemoteAccountByURI(acc.ActorURI)
	if err != nil {
		return err
	}
	*acc = *stored
	return nil
}

func (db *DB) RemoteAccountByURI(uri string) (*domain.RemoteAccount, error) {
	return scanRemoteAccount(db.db.QueryRow(sqlSelectRemoteAccountByURI, uri))
}

func (db *DB) RemoteAccountByID(id uuid.UUID) (*domain.RemoteAccount, error) {
	return scanRemoteAccount(db.db.QueryRow(sqlSelectRemoteAccountById, id.String()))
}

// RemoteAccountByInbox matches either the personal or the shared inbox.
func (db *DB) RemoteAccountByInbox(inboxURI string) (*domain.RemoteAccount, error) {
	return scanRemoteAccount(db.db.QueryRow(sqlSelectRemoteAccountByInbox, inboxURI, inboxURI))
}

func (db *DB) BumpDeliveryFailures(id uuid.UUID) (int, error) {
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlBumpDeliveryFailures, id.String())
		return err
	})
	if err != nil {
		return 0, err
	}
	var failures int
	err = db.db.QueryRow(`SELECT delivery_failures FROM remote_accounts WHERE id = ?`, id.String()).Scan(&failures)
	return failures, err
}

func (db *DB) ResetDeliveryFailures(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlResetDeliveryFailures, id.String())
		return err
	})
}

func (db *DB) DeleteRemoteAccount(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteRemoteAccount, id.String())
		return err
	})
}

func scanRemoteAccount(row rowScanner) (*domain.RemoteAccount, error) {
	var acc domain.RemoteAccount
	var idStr string
	err := row.Scan(&idStr, &acc.Username, &acc.Domain, &acc.ActorURI,
		&acc.DisplayName, &acc.Summary, &acc.InboxURI, &acc.SharedInboxURI,
		&acc.OutboxURI, &acc.PublicKeyPem, &acc.AvatarURL,
		&acc.DeliveryFailures, &acc.LastFetchedAt)
	if err != nil {
		return nil, err
	}
	acc.Id, _ = uuid.Parse(idStr)
	return &acc, nil
}

// Follow queries

const (
	sqlInsertFollow = `INSERT INTO follows(id, account_id, target_account_id, uri, accepted, created_at)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(account_id, target_account_id) DO NOTHING`
	sqlSelectFollow = `SELECT id, account_id, target_account_id, uri, accepted, created_at FROM follows`

	sqlSelectFollowByPair = sqlSelectFollow + ` WHERE account_id = ? AND target_account_id = ?`
	sqlSelectFollowByURI  = sqlSelectFollow + ` WHERE uri = ?`
	sqlDeleteFollowByPair = `DELETE FROM follows WHERE account_id = ? AND target_account_id = ?`
	sqlDeleteFollowByURI  = `DELETE FROM follows WHERE uri = ?`
	sqlAcceptFollowByURI  = `UPDATE follows SET accepted = 1 WHERE uri = ?`

	// Followers of an account: rows whose target is that account.
	// Insertion order keeps collection pages stable.
	sqlSelectFollowers = sqlSelectFollow + ` WHERE target_account_id = ? AND accepted = 1
        ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?`
	sqlCountFollowers = `SELECT COUNT(*) FROM follows WHERE target_account_id = ? AND accepted = 1`

	// Only accepted outbound follows are listed, matching the count; a
	// pending follow is invisible until the remote Accept arrives.
	sqlSelectFollowing = sqlSelectFollow + ` WHERE account_id = ? AND accepted = 1
        ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?`
	sqlCountFollowing = `SELECT COUNT(*) FROM follows WHERE account_id = ? AND accepted = 1`

	sqlSelectFollowerAccounts = `SELECT remote_accounts.id, remote_accounts.username, remote_accounts.domain, remote_accounts.actor_uri,
        remote_accounts.display_name, remote_accounts.summary, remote_accounts.inbox_uri, remote_accounts.shared_inbox_uri,
        remote_accounts.outbox_uri, remote_accounts.public_key_pem, remote_accounts.avatar_url,
        remote_accounts.delivery_failures, remote_accounts.last_fetched_at
        FROM follows INNER JOIN remote_accounts ON remote_accounts.id = follows.account_id
        WHERE follows.target_account_id = ? AND follows.accepted = 1
        ORDER BY follows.created_at ASC, follows.id ASC`

	sqlSelectFollowerURIs = `SELECT remote_accounts.actor_uri
        FROM follows INNER JOIN remote_accounts ON remote_accounts.id = follows.account_id
        WHERE follows.target_account_id = ? AND follows.accepted = 1
        ORDER BY follows.created_at ASC, follows.id ASC LIMIT ? OFFSET ?`

	sqlSelectFollowingURIs = `SELECT remote_accounts.actor_uri
        FROM follows INNER JOIN remote_accounts ON remote_accounts.id = follows.target_account_id
        WHERE follows.account_id = ? AND follows.accepted = 1
        ORDER BY follows.created_at ASC, follows.id ASC LIMIT ? OFFSET ?`

	sqlDeleteFollowsByRemote = `DELETE FROM follows WHERE account_id = ? OR target_account_id = ?`
)

// UpsertFollow inserts a follow relation; adding an existing
// (account, target) pair is a no-op that returns the stored relation.
func (db *DB) UpsertFollow(follow *domain.Follow) (*domain.Follow, error) {
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertFollow,
			follow.Id.String(), follow.AccountId.String(), follow.TargetAccountId.String(),
			follow.URI, follow.Accepted, follow.CreatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return db.FollowByPair(follow.AccountId, follow.TargetAccountId)
}

func (db *DB) FollowByPair(accountId, targetId uuid.UUID) (*domain.Follow, error) {
	return scanFollow(db.db.QueryRow(sqlSelectFollowByPair, accountId.String(), targetId.String()))
}

func (db *DB) FollowByURI(uri string) (*domain.Follow, error) {
	return scanFollow(db.db.QueryRow(sqlSelectFollowByURI, uri))
}

func (db *DB) DeleteFollowByPair(accountId, targetId uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollowByPair, accountId.String(), targetId.String())
		return err
	})
}

func (db *DB) DeleteFollowByURI(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollowByURI, uri)
		return err
	})
}

func (db *DB) AcceptFollowByURI(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlAcceptFollowByURI, uri)
		return err
	})
}

func (db *DB) Followers(targetId uuid.UUID, limit, offset int) ([]domain.Follow, error) {
	rows, err := db.db.Query(sqlSelectFollowers, targetId.String(), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFollows(rows)
}

func (db *DB) CountFollowers(targetId uuid.UUID) (int, error) {
	var n int
	err := db.db.QueryRow(sqlCountFollowers, targetId.String()).Scan(&n)
	return n, err
}

func (db *DB) Following(accountId uuid.UUID, limit, offset int) ([]domain.Follow, error) {
	rows, err := db.db.Query(sqlSelectFollowing, accountId.String(), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFollows(rows)
}

func (db *DB) CountFollowing(accountId uuid.UUID) (int, error) {
	var n int
	err := db.db.QueryRow(sqlCountFollowing, accountId.String()).Scan(&n)
	return n, err
}

// FollowerAccounts returns the remote accounts following the given local
// account, with their inbox endpoints, for fan-out.
func (db *DB) FollowerAccounts(targetId uuid.UUID) ([]domain.RemoteAccount, error) {
	rows, err := db.db.Query(sqlSelectFollowerAccounts, targetId.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.RemoteAccount
	for rows.Next() {
		acc, err := scanRemoteAccount(rows)
		if err != nil {
			return accounts, err
		}
		accounts = append(accounts, *acc)
	}
	return accounts, rows.Err()
}

func (db *DB) FollowerURIs(targetId uuid.UUID, limit, offset int) ([]string, error) {
	return db.queryURIs(sqlSelectFollowerURIs, targetId, limit, offset)
}

func (db *DB) FollowingURIs(accountId uuid.UUID, limit, offset int) ([]string, error) {
	return db.queryURIs(sqlSelectFollowingURIs, accountId, limit, offset)
}

func (db *DB) queryURIs(query string, id uuid.UUID, limit, offset int) ([]string, error) {
	rows, err := db.db.Query(query, id.String(), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var uris []string
	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			return uris, err
		}
		uris = append(uris, uri)
	}
	return uris, rows.Err()
}

func (db *DB) DeleteFollowsByRemoteAccount(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollowsByRemote, id.String(), id.String())
		return err
	})
}

func scanFollow(row rowScanner) (*domain.Follow, error) {
	var follow domain.Follow
	var idStr, accountIdStr, targetIdStr string
	err := row.Scan(&idStr, &accountIdStr, &targetIdStr, &follow.URI, &follow.Accepted, &follow.CreatedAt)
	if err != nil {
		return nil, err
	}
	follow.Id, _ = uuid.Parse(idStr)
	follow.AccountId, _ = uuid.Parse(accountIdStr)
	follow.TargetAccountId, _ = uuid.Parse(targetIdStr)
	return &follow, nil
}

func scanFollows(rows *sql.Rows) ([]domain.Follow, error) {
	var follows []domain.Follow
	for rows.Next() {
		follow, err := scanFollow(rows)
		if err != nil {
			return follows, err
		}
		follows = append(follows, *follow)
	}
	return follows, rows.Err()
}
