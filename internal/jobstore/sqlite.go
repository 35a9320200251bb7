// Package jobstore はジョブとユーザーの永続化を実装します。
// SQLite（既定）と Redis の2種類があり、どちらも jobs.Store を満たします。
package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/Eterpy/jm-web/internal/account"
	"github.com/Eterpy/jm-web/internal/jobs"
)

// SQLite は SQLite ファイルにジョブとユーザーを保存します。
type SQLite struct {
	db *sql.DB
}

var _ jobs.Store = (*SQLite)(nil)

// OpenSQLite はデータベースファイルを開き、スキーマを作成します。
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// 書き込みは1接続に直列化する
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLite{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close はデータベース接続を閉じます。
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		fetch_username TEXT NOT NULL DEFAULT '',
		fetch_password_encrypted TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS download_jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		job_type TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		status TEXT NOT NULL,
		result_file_path TEXT NOT NULL DEFAULT '',
		result_file_name TEXT NOT NULL DEFAULT '',
		source_dir TEXT NOT NULL DEFAULT '',
		download_token TEXT,
		error_message TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		merged_at INTEGER,
		expires_at INTEGER
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_download_token ON download_jobs(download_token);
	CREATE INDEX IF NOT EXISTS idx_jobs_user_status ON download_jobs(user_id, status);
	CREATE INDEX IF NOT EXISTS idx_jobs_status_expires ON download_jobs(status, expires_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON download_jobs(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

const jobColumns = `id, user_id, job_type, payload_json, status, result_file_path, result_file_name,
	source_dir, download_token, error_message, created_at, updated_at, merged_at, expires_at`

// Create はジョブを保存し、採番した ID を設定します。
func (s *SQLite) Create(ctx context.Context, job *jobs.Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO download_jobs (user_id, job_type, payload_json, status, result_file_path, result_file_name,
			source_dir, download_token, error_message, created_at, updated_at, merged_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.UserID, string(job.Kind), string(payload), string(job.Status), job.ArtifactPath, job.ArtifactName,
		job.SourceDir, nullString(job.DownloadToken), job.ErrorMessage,
		job.CreatedAt.UnixNano(), job.UpdatedAt.UnixNano(), nullTime(job.MergedAt), nullTime(job.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read job id: %w", err)
	}
	job.ID = id
	return nil
}

// Get は ID でジョブを取得します。
func (s *SQLite) Get(ctx context.Context, id int64) (*jobs.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM download_jobs WHERE id = ?`, id)
	return scanOptionalJob(row)
}

// GetByToken はダウンロードトークンでジョブを取得します。
func (s *SQLite) GetByToken(ctx context.Context, token string) (*jobs.Job, error) {
	if token == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM download_jobs WHERE download_token = ?`, token)
	return scanOptionalJob(row)
}

// List は条件に一致するジョブを ID の降順で返します。
func (s *SQLite) List(ctx context.Context, filter jobs.Filter) ([]*jobs.Job, error) {
	var (
		where []string
		args  []any
	)
	if filter.UserID != 0 {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, status := range filter.Statuses {
			args = append(args, string(status))
		}
	}
	if filter.CreatedAfter != nil {
		where = append(where, "created_at >= ?")
		args = append(args, filter.CreatedAfter.UnixNano())
	}
	if filter.ExpiresBefore != nil {
		where = append(where, "expires_at IS NOT NULL AND expires_at <= ?")
		args = append(args, filter.ExpiresBefore.UnixNano())
	}

	query := `SELECT ` + jobColumns + ` FROM download_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var out []*jobs.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return out, nil
}

// Update はジョブの可変項目を保存します。expect を指定した場合は状態が一致する行だけを更新します。
func (s *SQLite) Update(ctx context.Context, job *jobs.Job, expect ...jobs.Status) error {
	query := `
		UPDATE download_jobs SET status = ?, result_file_path = ?, result_file_name = ?, source_dir = ?,
			download_token = ?, error_message = ?, updated_at = ?, merged_at = ?, expires_at = ?
		WHERE id = ?`
	args := []any{
		string(job.Status), job.ArtifactPath, job.ArtifactName, job.SourceDir,
		nullString(job.DownloadToken), job.ErrorMessage, updatedAt(job).UnixNano(),
		nullTime(job.MergedAt), nullTime(job.ExpiresAt), job.ID,
	}
	if len(expect) > 0 {
		query += " AND status IN (" + placeholders(len(expect)) + ")"
		for _, status := range expect {
			args = append(args, string(status))
		}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job %d: %w", job.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update job %d: %w", job.ID, err)
	}
	if affected > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM download_jobs WHERE id = ?`, job.ID).Scan(&exists)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("job %d not found", job.ID)
	case err != nil:
		return fmt.Errorf("failed to check job %d: %w", job.ID, err)
	default:
		return jobs.ErrStatusChanged
	}
}

// Delete はジョブを削除します。
func (s *SQLite) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM download_jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete job %d: %w", id, err)
	}
	return nil
}

const userColumns = `id, username, password_hash, role, is_active, fetch_username, fetch_password_encrypted, created_at`

// CreateUser はユーザーを保存し、採番した ID を設定します。
func (s *SQLite) CreateUser(ctx context.Context, user *account.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, role, is_active, fetch_username, fetch_password_encrypted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		user.Username, user.PasswordHash, string(user.Role), user.Active,
		user.FetchUsername, user.FetchPasswordEncrypted, user.CreatedAt.UnixNano(),
	)
	if err != nil {
		if isConstraintError(err) {
			return account.ErrUsernameTaken
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read user id: %w", err)
	}
	user.ID = id
	return nil
}

// GetUser は ID でユーザーを取得します。
func (s *SQLite) GetUser(ctx context.Context, id int64) (*account.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanOptionalUser(row)
}

// GetUserByUsername はユーザー名でユーザーを取得します。
func (s *SQLite) GetUserByUsername(ctx context.Context, username string) (*account.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	return scanOptionalUser(row)
}

// UpdateUser はユーザーの可変項目を保存します。
func (s *SQLite) UpdateUser(ctx context.Context, user *account.User) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash = ?, role = ?, is_active = ?, fetch_username = ?, fetch_password_encrypted = ?
		WHERE id = ?`,
		user.PasswordHash, string(user.Role), user.Active, user.FetchUsername, user.FetchPasswordEncrypted, user.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update user %d: %w", user.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("user %d not found", user.ID)
	}
	return nil
}

// HasAdmin は管理者ユーザーが存在するかを返します。
func (s *SQLite) HasAdmin(ctx context.Context) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE role = ?`, string(account.RoleAdmin)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to count admins: %w", err)
	}
	return count > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOptionalJob(row *sql.Row) (*jobs.Job, error) {
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

func scanJob(row rowScanner) (*jobs.Job, error) {
	var (
		job                   jobs.Job
		kind, payload, status string
		token                 sql.NullString
		createdAt, updatedAt  int64
		mergedAt, expiresAt   sql.NullInt64
	)
	err := row.Scan(&job.ID, &job.UserID, &kind, &payload, &status, &job.ArtifactPath, &job.ArtifactName,
		&job.SourceDir, &token, &job.ErrorMessage, &createdAt, &updatedAt, &mergedAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &job.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload of job %d: %w", job.ID, err)
	}
	job.Kind = jobs.Kind(kind)
	job.Status = jobs.Status(status)
	job.DownloadToken = token.String
	job.CreatedAt = time.Unix(0, createdAt)
	job.UpdatedAt = time.Unix(0, updatedAt)
	job.MergedAt = fromNullTime(mergedAt)
	job.ExpiresAt = fromNullTime(expiresAt)
	return &job, nil
}

func scanOptionalUser(row *sql.Row) (*account.User, error) {
	var (
		user      account.User
		role      string
		createdAt int64
	)
	err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &role, &user.Active,
		&user.FetchUsername, &user.FetchPasswordEncrypted, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	user.Role = account.Role(role)
	user.CreatedAt = time.Unix(0, createdAt)
	return &user, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64)
	return &t
}

func updatedAt(job *jobs.Job) time.Time {
	if job.UpdatedAt.IsZero() {
		return time.Now()
	}
	return job.UpdatedAt
}

func isConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
