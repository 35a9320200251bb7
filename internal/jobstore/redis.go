package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Eterpy/jm-web/internal/account"
	"github.com/Eterpy/jm-web/internal/jobs"
)

const (
	jobKeyPrefix       = "job:"
	jobTokenKeyPrefix  = "job:token:"
	jobSeqKey          = "jobs:seq"
	jobAllKey          = "jobs:all"
	jobStatusKeyPrefix = "jobs:status:"
	jobUserKeyPrefix   = "jobs:user:"

	userKeyPrefix     = "user:"
	userNameKeyPrefix = "user:name:"
	userSeqKey        = "users:seq"
	userAdminsKey     = "users:admins"

	maxTxRetries = 16
)

// Redis はジョブとユーザーを Redis に JSON で保存します。
// 状態・ユーザーごとの索引を集合で持ち、一覧は索引から候補を絞ってから条件を適用します。
type Redis struct {
	rdb *redis.Client
}

var _ jobs.Store = (*Redis)(nil)

// NewRedis は Redis ストアを作成します。
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

// OpenRedis は URL から接続し、疎通を確認します。
func OpenRedis(ctx context.Context, url string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedis(rdb), nil
}

// Close は接続を閉じます。
func (s *Redis) Close() error {
	return s.rdb.Close()
}

// jobRecord は Redis に保存するジョブの表現です。
type jobRecord struct {
	ID            int64        `json:"id"`
	UserID        int64        `json:"user_id"`
	Kind          jobs.Kind    `json:"job_type"`
	Payload       jobs.Payload `json:"payload"`
	Status        jobs.Status  `json:"status"`
	ArtifactPath  string       `json:"result_file_path,omitempty"`
	ArtifactName  string       `json:"result_file_name,omitempty"`
	SourceDir     string       `json:"source_dir,omitempty"`
	DownloadToken string       `json:"download_token,omitempty"`
	ErrorMessage  string       `json:"error_message,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	MergedAt      *time.Time   `json:"merged_at,omitempty"`
	ExpiresAt     *time.Time   `json:"expires_at,omitempty"`
}

func toRecord(job *jobs.Job) jobRecord {
	return jobRecord{
		ID: job.ID, UserID: job.UserID, Kind: job.Kind, Payload: job.Payload, Status: job.Status,
		ArtifactPath: job.ArtifactPath, ArtifactName: job.ArtifactName, SourceDir: job.SourceDir,
		DownloadToken: job.DownloadToken, ErrorMessage: job.ErrorMessage,
		CreatedAt: job.CreatedAt, UpdatedAt: job.UpdatedAt, MergedAt: job.MergedAt, ExpiresAt: job.ExpiresAt,
	}
}

func (r jobRecord) job() *jobs.Job {
	return &jobs.Job{
		ID: r.ID, UserID: r.UserID, Kind: r.Kind, Payload: r.Payload, Status: r.Status,
		ArtifactPath: r.ArtifactPath, ArtifactName: r.ArtifactName, SourceDir: r.SourceDir,
		DownloadToken: r.DownloadToken, ErrorMessage: r.ErrorMessage,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt, MergedAt: r.MergedAt, ExpiresAt: r.ExpiresAt,
	}
}

// Create はジョブを保存し、採番した ID を設定します。
func (s *Redis) Create(ctx context.Context, job *jobs.Job) error {
	id, err := s.rdb.Incr(ctx, jobSeqKey).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate job id: %w", err)
	}
	job.ID = id
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}

	data, err := json.Marshal(toRecord(job))
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, jobKey(id), data, 0)
		pipe.ZAdd(ctx, jobAllKey, redis.Z{Score: float64(id), Member: id})
		pipe.SAdd(ctx, jobStatusKey(job.Status), id)
		pipe.SAdd(ctx, jobUserKey(job.UserID), id)
		if job.DownloadToken != "" {
			pipe.Set(ctx, jobTokenKeyPrefix+job.DownloadToken, id, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save job %d: %w", id, err)
	}
	return nil
}

// Get は ID でジョブを取得します。
func (s *Redis) Get(ctx context.Context, id int64) (*jobs.Job, error) {
	record, err := s.getRecord(ctx, s.rdb, id)
	if err != nil || record == nil {
		return nil, err
	}
	return record.job(), nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *Redis) getRecord(ctx context.Context, c getter, id int64) (*jobRecord, error) {
	data, err := c.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var record jobRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode job %d: %w", id, err)
	}
	return &record, nil
}

// GetByToken はダウンロードトークンでジョブを取得します。
func (s *Redis) GetByToken(ctx context.Context, token string) (*jobs.Job, error) {
	if token == "" {
		return nil, nil
	}
	id, err := s.rdb.Get(ctx, jobTokenKeyPrefix+token).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	job, err := s.Get(ctx, id)
	if err != nil || job == nil || job.DownloadToken != token {
		return nil, err
	}
	return job, nil
}

// List は条件に一致するジョブを ID の降順で返します。
func (s *Redis) List(ctx context.Context, filter jobs.Filter) ([]*jobs.Job, error) {
	ids, err := s.candidateIDs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to read job index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}

	var out []*jobs.Job
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var record jobRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return nil, fmt.Errorf("failed to decode job: %w", err)
		}
		job := record.job()
		if filter.Match(job) {
			out = append(out, job)
		}
	}
	slices.SortFunc(out, func(a, b *jobs.Job) int {
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		default:
			return 0
		}
	})
	return out, nil
}

func (s *Redis) candidateIDs(ctx context.Context, filter jobs.Filter) ([]int64, error) {
	var (
		members []string
		err     error
	)
	switch {
	case len(filter.Statuses) > 0:
		keys := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			keys[i] = jobStatusKey(status)
		}
		members, err = s.rdb.SUnion(ctx, keys...).Result()
	case filter.UserID != 0:
		members, err = s.rdb.SMembers(ctx, jobUserKey(filter.UserID)).Result()
	default:
		members, err = s.rdb.ZRange(ctx, jobAllKey, 0, -1).Result()
	}
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Update はジョブを保存します。expect を指定した場合、WATCH 中に状態を確認し、
// 一致しなければ jobs.ErrStatusChanged を返します。
func (s *Redis) Update(ctx context.Context, job *jobs.Job, expect ...jobs.Status) error {
	key := jobKey(job.ID)
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(toRecord(job))
	if err != nil {
		return err
	}

	txf := func(tx *redis.Tx) error {
		current, err := s.getRecord(ctx, tx, job.ID)
		if err != nil {
			return err
		}
		if current == nil {
			return fmt.Errorf("job %d not found", job.ID)
		}
		if len(expect) > 0 && !slices.Contains(expect, current.Status) {
			return jobs.ErrStatusChanged
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if current.Status != job.Status {
				pipe.SRem(ctx, jobStatusKey(current.Status), job.ID)
				pipe.SAdd(ctx, jobStatusKey(job.Status), job.ID)
			}
			if current.DownloadToken != job.DownloadToken {
				if current.DownloadToken != "" {
					pipe.Del(ctx, jobTokenKeyPrefix+current.DownloadToken)
				}
				if job.DownloadToken != "" {
					pipe.Set(ctx, jobTokenKeyPrefix+job.DownloadToken, job.ID, 0)
				}
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("failed to update job %d: too much contention", job.ID)
}

// Delete はジョブと索引を削除します。
func (s *Redis) Delete(ctx context.Context, id int64) error {
	record, err := s.getRecord(ctx, s.rdb, id)
	if err != nil {
		return err
	}
	if record == nil {
		return nil
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, jobKey(id))
		pipe.ZRem(ctx, jobAllKey, id)
		pipe.SRem(ctx, jobStatusKey(record.Status), id)
		pipe.SRem(ctx, jobUserKey(record.UserID), id)
		if record.DownloadToken != "" {
			pipe.Del(ctx, jobTokenKeyPrefix+record.DownloadToken)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete job %d: %w", id, err)
	}
	return nil
}

// userRecord は Redis に保存するユーザーの表現です。
type userRecord struct {
	ID                     int64        `json:"id"`
	Username               string       `json:"username"`
	PasswordHash           string       `json:"password_hash"`
	Role                   account.Role `json:"role"`
	Active                 bool         `json:"is_active"`
	CreatedAt              time.Time    `json:"created_at"`
	FetchUsername          string       `json:"fetch_username,omitempty"`
	FetchPasswordEncrypted string       `json:"fetch_password_encrypted,omitempty"`
}

// CreateUser はユーザーを保存し、採番した ID を設定します。
func (s *Redis) CreateUser(ctx context.Context, user *account.User) error {
	id, err := s.rdb.Incr(ctx, userSeqKey).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate user id: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, userNameKeyPrefix+user.Username, id, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to reserve username: %w", err)
	}
	if !ok {
		return account.ErrUsernameTaken
	}

	user.ID = id
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	return s.saveUser(ctx, user)
}

func (s *Redis) saveUser(ctx context.Context, user *account.User) error {
	data, err := json.Marshal(userRecord{
		ID: user.ID, Username: user.Username, PasswordHash: user.PasswordHash, Role: user.Role,
		Active: user.Active, CreatedAt: user.CreatedAt,
		FetchUsername: user.FetchUsername, FetchPasswordEncrypted: user.FetchPasswordEncrypted,
	})
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, userKey(user.ID), data, 0)
		if user.IsAdmin() {
			pipe.SAdd(ctx, userAdminsKey, user.ID)
		} else {
			pipe.SRem(ctx, userAdminsKey, user.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save user %d: %w", user.ID, err)
	}
	return nil
}

// GetUser は ID でユーザーを取得します。
func (s *Redis) GetUser(ctx context.Context, id int64) (*account.User, error) {
	data, err := s.rdb.Get(ctx, userKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var record userRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode user %d: %w", id, err)
	}
	return &account.User{
		ID: record.ID, Username: record.Username, PasswordHash: record.PasswordHash, Role: record.Role,
		Active: record.Active, CreatedAt: record.CreatedAt,
		FetchUsername: record.FetchUsername, FetchPasswordEncrypted: record.FetchPasswordEncrypted,
	}, nil
}

// GetUserByUsername はユーザー名でユーザーを取得します。
func (s *Redis) GetUserByUsername(ctx context.Context, username string) (*account.User, error) {
	id, err := s.rdb.Get(ctx, userNameKeyPrefix+username).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return s.GetUser(ctx, id)
}

// UpdateUser はユーザーを保存します。ユーザー名は変更できません。
func (s *Redis) UpdateUser(ctx context.Context, user *account.User) error {
	current, err := s.GetUser(ctx, user.ID)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("user %d not found", user.ID)
	}
	updated := *user
	updated.Username = current.Username
	updated.CreatedAt = current.CreatedAt
	return s.saveUser(ctx, &updated)
}

// HasAdmin は管理者ユーザーが存在するかを返します。
func (s *Redis) HasAdmin(ctx context.Context) (bool, error) {
	n, err := s.rdb.SCard(ctx, userAdminsKey).Result()
	if err != nil {
		return false, fmt.Errorf("failed to count admins: %w", err)
	}
	return n > 0, nil
}

func jobKey(id int64) string {
	return jobKeyPrefix + strconv.FormatInt(id, 10)
}

func jobStatusKey(status jobs.Status) string {
	return jobStatusKeyPrefix + string(status)
}

func jobUserKey(userID int64) string {
	return jobUserKeyPrefix + strconv.FormatInt(userID, 10)
}

func userKey(id int64) string {
	return userKeyPrefix + strconv.FormatInt(id, 10)
}
