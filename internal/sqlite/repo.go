// Package sqlite is the relational store behind every service of the
// synchronization core.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"

	"github.com/jdholdren/chapterhouse/internal/catalog"
	"github.com/jdholdren/chapterhouse/internal/queue"
	"github.com/jdholdren/chapterhouse/internal/ratelimit"
)

var (
	_ ratelimit.Store   = Repo{}
	_ queue.Queue       = Repo{}
	_ queue.DeadLetters = Repo{}
)

// SQLite result codes, see https://www.sqlite.org/rescode.html.
const (
	codeBusy                = 5
	codeLocked              = 6
	codeConstraintForeign   = 787
	codeConstraintPrimary   = 1555
	codeConstraintUnique    = 2067
	codeConstraintCheck     = 275
	primaryResultCodeMask   = 0xff
	dsnFormat               = "file:%s?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	seriesNamespace         = "-sr"
	seriesSourceNamespace   = "-ss"
	logicalChapterNamespace = "-lc"
	chapterSourceNamespace  = "-cs"
	feedEntryNamespace      = "-fe"
	activityNamespace       = "-act"
	jobNamespace            = "-job"
	deadLetterNamespace     = "-dl"
)

type Repo struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) Repo {
	return Repo{db: db}
}

// Open connects to the database file at path. Transactions take the write
// lock up front so concurrent writers queue on the busy timeout instead of
// failing on upgrade.
func Open(path string) (*sqlx.DB, error) {
	dbx, err := sqlx.Open("sqlite", fmt.Sprintf(dsnFormat, path))
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	if err := dbx.Ping(); err != nil {
		return nil, fmt.Errorf("error pinging database: %w", err)
	}

	return dbx, nil
}

func sqliteCode(err error) int {
	if sqliteErr := (&sqlite.Error{}); errors.As(err, &sqliteErr) {
		return sqliteErr.Code()
	}
	return 0
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func isConflict(err error) bool {
	code := sqliteCode(err)
	return code == codeConstraintUnique || code == codeConstraintPrimary
}

// wrap annotates err and classifies it: a busy database is worth retrying,
// a broken constraint never is.
func wrap(msg string, err error) error {
	if err == nil {
		return nil
	}

	code := sqliteCode(err)
	switch {
	case code&primaryResultCodeMask == codeBusy, code&primaryResultCodeMask == codeLocked:
		return catalog.Transient(msg, err)
	case code == codeConstraintForeign, code == codeConstraintCheck:
		return catalog.Permanent(msg, err)
	}

	return fmt.Errorf("%s: %w", msg, err)
}

// inTx runs fn in a transaction, committing if it returns nil.
func (r Repo) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrap("error starting transaction", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrap("error committing transaction", err)
	}

	return nil
}

func newID(namespace string) string {
	return fmt.Sprintf("%s%s", uuid.NewString(), namespace)
}
