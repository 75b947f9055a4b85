package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/pressfed/pressfed/domain"
	"github.com/pressfed/pressfed/util"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// DB is the sqlite-backed store. The protocol layer consumes it through
// the small repository interfaces declared next to each component, so it
// stays substitutable in tests.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and runs migrations.
// ":memory:" is accepted for tests.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if path == ":memory:" {
		// Every pool connection would otherwise get its own empty
		// in-memory database.
		sqlDB.SetMaxOpenConns(1)
	} else {
		// Connection pool sizing for the concurrent delivery/inbound workload
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	var journalMode string
	if err := sqlDB.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		log.Warn("Failed to enable WAL mode", "err", err)
	} else {
		log.Info("Database journal mode", "mode", journalMode)
	}

	sqlDB.Exec("PRAGMA synchronous = NORMAL")
	sqlDB.Exec("PRAGMA temp_store = MEMORY")
	sqlDB.Exec("PRAGMA busy_timeout = 5000")
	sqlDB.Exec("PRAGMA foreign_keys = ON")

	db := &DB{db: sqlDB}
	if err := db.RunMigrations(); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// wrapTransaction runs the given function within a transaction, retrying
// while sqlite reports the database busy.
func (db *DB) wrapTransaction(f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		log.Error("error starting transaction", "err", err)
		return err
	}
	for {
		err = f(tx)
		if err != nil {
			serr, ok := err.(*sqlite.Error)
			if ok && serr.Code() == sqlitelib.SQLITE_BUSY {
				continue
			}
			tx.Rollback()
			return err
		}
		err = tx.Commit()
		if err != nil {
			log.Error("error committing transaction", "err", err)
			return err
		}
		break
	}
	return nil
}

// Accounts

const (
	sqlInsertAccount = `INSERT INTO accounts(id, username, display_name, summary, web_public_key, web_private_key, created_at)
                        VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlSelectAccountByUsername = `SELECT id, username, display_name, summary, web_public_key, web_private_key, created_at
                        FROM accounts WHERE username = ?`
	sqlSelectAccountById = `SELECT id, username, display_name, summary, web_public_key, web_private_key, created_at
                        FROM accounts WHERE id = ?`
)

// CreateAccount registers a local actor, generating its signing keypair.
func (db *DB) CreateAccount(username string, displayName string) (*domain.Account, error) {
	keypair := util.GeneratePemKeypair()
	acc := &domain.Account{
		Id:            uuid.New(),
		Username:      username,
		DisplayName:   displayName,
		WebPublicKey:  keypair.Public,
		WebPrivateKey: keypair.Private,
		CreatedAt:     time.Now(),
	}
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertAccount,
			acc.Id.String(), acc.Username, acc.DisplayName, acc.Summary,
			acc.WebPublicKey, acc.WebPrivateKey, acc.CreatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

func (db *DB) AccountByUsername(username string) (*domain.Account, error) {
	return db.scanAccount(db.db.QueryRow(sqlSelectAccountByUsername, username))
}

func (db *DB) AccountByID(id uuid.UUID) (*domain.Account, error) {
	return db.scanAccount(db.db.QueryRow(sqlSelectAccountById, id.String()))
}

func (db *DB) scanAccount(row *sql.Row) (*domain.Account, error) {
	var acc domain.Account
	var idStr string
	err := row.Scan(&idStr, &acc.Username, &acc.DisplayName, &acc.Summary,
		&acc.WebPublicKey, &acc.WebPrivateKey, &acc.CreatedAt)
	if err != nil {
		return nil, err
	}
	acc.Id, _ = uuid.Parse(idStr)
	return &acc, nil
}

// Posts

const (
	sqlInsertPost = `INSERT INTO posts(id, account_id, content, created_at) VALUES (?, ?, ?, ?)`
	sqlSelectPost = `SELECT posts.id, posts.account_id, accounts.username, posts.content, posts.created_at, posts.edited_at
                     FROM posts INNER JOIN accounts ON accounts.id = posts.account_id`
	sqlSelectPostById         = sqlSelectPost + ` WHERE posts.id = ?`
	sqlSelectPostsByUsername  = sqlSelectPost + ` WHERE accounts.username = ? ORDER BY posts.created_at DESC`
	sqlSelectAllPosts         = sqlSelectPost + ` ORDER BY posts.created_at DESC LIMIT ?`
	sqlUpdatePostContent      = `UPDATE posts SET content = ?, edited_at = ? WHERE id = ?`
	sqlDeletePost             = `DELETE FROM posts WHERE id = ?`
)

func (db *DB) CreatePost(accountId uuid.UUID, content string) (*domain.Post, error) {
	post := &domain.Post{
		Id:        uuid.New(),
		AccountId: accountId,
		Content:   content,
		CreatedAt: time.Now(),
	}
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertPost, post.Id.String(), accountId.String(), content, post.CreatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return post, nil
}

func (db *DB) PostByID(id uuid.UUID) (*domain.Post, error) {
	row := db.db.QueryRow(sqlSelectPostById, id.String())
	return scanPost(row)
}

func (db *DB) PostsByUsername(username string) ([]domain.Post, error) {
	rows, err := db.db.Query(sqlSelectPostsByUsername, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPosts(rows)
}

func (db *DB) AllPosts(limit int) ([]domain.Post, error) {
	rows, err := db.db.Query(sqlSelectAllPosts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPosts(rows)
}

func (db *DB) UpdatePostContent(id uuid.UUID, content string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdatePostContent, content, time.Now(), id.String())
		return err
	})
}

func (db *DB) DeletePost(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeletePost, id.String())
		return err
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (*domain.Post, error) {
	var post domain.Post
	var idStr, accStr string
	err := row.Scan(&idStr, &accStr, &post.CreatedBy, &post.Content, &post.CreatedAt, &post.EditedAt)
	if err != nil {
		return nil, err
	}
	post.Id, _ = uuid.Parse(idStr)
	post.AccountId, _ = uuid.Parse(accStr)
	return &post, nil
}

func scanPosts(rows *sql.Rows) ([]domain.Post, error) {
	var posts []domain.Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return posts, err
		}
		posts = append(posts, *post)
	}
	return posts, rows.Err()
}
