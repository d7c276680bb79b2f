// internal/storage/store.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	apperrors "github.com/Corphon/SceneWeaver/internal/errors"
	"github.com/Corphon/SceneWeaver/internal/models"
	"github.com/Corphon/SceneWeaver/internal/storage/migrations"
)

// MemoryPath 打开进程内数据库，测试和临时模拟使用
const MemoryPath = ":memory:"

// queryer 由 *sql.DB 和 *sql.Tx 共同实现
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries 所有读写语句，既可直接在数据库上执行，也可在事务内执行
type Queries struct {
	q queryer
}

// Store 基于 SQLite 的模拟存储
type Store struct {
	*Queries
	db *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open 打开数据库并执行嵌入的迁移。
// 使用单连接：同一模拟的写入本就串行，且内存库每个连接是独立的数据库。
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if path != MemoryPath {
		path = filepath.Clean(path)
	}
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path != MemoryPath {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(context.Background(), db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{Queries: &Queries{q: db}, db: db}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx 在单个事务中执行 fn；fn 返回错误时整体回滚。
// fn 内只能使用传入的 Queries，否则会与事务争用唯一的连接。
func (s *Store) WithTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.NewPersistenceError("begin transaction", err)
	}
	if err := fn(&Queries{q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, apperrors.NewPersistenceError("rollback transaction", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperrors.NewPersistenceError("commit transaction", err)
	}
	return nil
}

// persistErr 把驱动错误归入持久化或冲突错误
func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperrors.NewCanceledError(op, err)
	}
	if isUniqueViolation(err) {
		return apperrors.NewConflictError(op+": already exists", err)
	}
	return apperrors.NewPersistenceError(op, err)
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
		return true
	default:
		return false
	}
}

func notFound(kind, id string) error {
	return apperrors.NewNotFoundError(fmt.Sprintf("%s %s not found", kind, id), sql.ErrNoRows)
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func intPtr(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

// preferenceValue 偏好存为 NULL / 1 / 0
func preferenceValue(p models.Preference) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(boolInt(*p)), Valid: true}
}

func preferenceFrom(ni sql.NullInt64) models.Preference {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64 == 1
	return &v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
