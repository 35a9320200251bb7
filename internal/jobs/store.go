package jobs

import (
	"context"
	"time"

	"github.com/Eterpy/jm-web/internal/account"
)

// Filter はジョブ一覧の絞り込み条件です。ゼロ値の項目は条件に含めません。
type Filter struct {
	UserID        int64 // 0 の場合は全ユーザー
	Statuses      []Status
	CreatedAfter  *time.Time // この時刻以降に作成されたもの
	ExpiresBefore *time.Time // 期限がこの時刻以前のもの
}

// Match は job が条件に一致するかを返します。
func (f Filter) Match(job *Job) bool {
	if f.UserID != 0 && job.UserID != f.UserID {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, job.Status) {
		return false
	}
	if f.CreatedAfter != nil && job.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.ExpiresBefore != nil && (job.ExpiresAt == nil || job.ExpiresAt.After(*f.ExpiresBefore)) {
		return false
	}
	return true
}

func containsStatus(statuses []Status, status Status) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

// Store はジョブとユーザーの永続化を担います。
// 見つからない場合、Get 系は (nil, nil) を返します。
type Store interface {
	account.Store

	// Create は job を保存し、採番した ID と作成時刻を job に設定します。
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id int64) (*Job, error)
	GetByToken(ctx context.Context, token string) (*Job, error)
	// List は条件に一致するジョブを ID の降順で返します。
	List(ctx context.Context, filter Filter) ([]*Job, error)
	// Update は job を1行単位で保存します。expect を指定した場合、保存済みの状態が
	// そのいずれかでなければ ErrStatusChanged を返し、何も変更しません。
	Update(ctx context.Context, job *Job, expect ...Status) error
	Delete(ctx context.Context, id int64) error
}
