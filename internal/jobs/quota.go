package jobs

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var albumPathPattern = regexp.MustCompile(`(?i)/album/(\d+)`)

// NormalizeAlbumID は本のIDを正規化します。URL からは /album/<数字> を取り出し、
// 先頭の "jm" は大文字小文字を問わず取り除きます。
func NormalizeAlbumID(value string) string {
	text := strings.TrimSpace(value)
	if m := albumPathPattern.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	if len(text) >= 2 && strings.EqualFold(text[:2], "jm") {
		return text[2:]
	}
	return text
}

// NormalizePhotoID は章のIDから先頭の "p" を取り除きます。
func NormalizePhotoID(value string) string {
	text := strings.TrimSpace(value)
	if len(text) >= 1 && (text[0] == 'p' || text[0] == 'P') {
		return text[1:]
	}
	return text
}

// NormalizeAlbumIDs は本のIDを正規化し、最初に現れた順を保ったまま重複を除きます。
func NormalizeAlbumIDs(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		id := NormalizeAlbumID(value)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// UnitCost はジョブが消費する本数を返します。章のジョブは数えません。
func UnitCost(kind Kind, payload Payload) int {
	switch kind {
	case KindAlbum:
		if strings.TrimSpace(payload.IDValue) != "" {
			return 1
		}
		return 0
	case KindMultiAlbum:
		return len(NormalizeAlbumIDs(payload.AlbumIDs))
	default:
		return 0
	}
}

// CountUnits は jobs の本数の合計を返します。
func CountUnits(jobs []*Job) int {
	total := 0
	for _, job := range jobs {
		total += UnitCost(job.Kind, job.Payload)
	}
	return total
}

// Limits は本数制限の設定です。0以下の値はその制限を無効にします。
type Limits struct {
	PerJob        int
	InFlight      int
	WindowCount   int
	WindowMinutes int
}

// QuotaEnforcer はジョブ受付前に本数制限を確認します。
// 確認は一覧取得時点のスナップショットに対して行うため、同一ユーザーの同時受付は上限を超えることがあります。
type QuotaEnforcer struct {
	store  Store
	limits Limits
	now    func() time.Time
}

// NewQuotaEnforcer は QuotaEnforcer を生成します。
func NewQuotaEnforcer(store Store, limits Limits) *QuotaEnforcer {
	return &QuotaEnforcer{store: store, limits: limits, now: time.Now}
}

// Check は userID のユーザーが kind/payload のジョブを追加できるかを確認します。
func (q *QuotaEnforcer) Check(ctx context.Context, userID int64, kind Kind, payload Payload) error {
	request := UnitCost(kind, payload)

	if limit := q.limits.PerJob; limit > 0 && request > limit {
		return newError(CodeQuotaExceeded,
			fmt.Sprintf("1回のジョブで取得できる本は最大 %d 件です（今回のリクエスト: %d 件）。", limit, request), nil)
	}

	if limit := q.limits.InFlight; limit > 0 {
		current, err := q.count(ctx, Filter{UserID: userID, Statuses: ActiveStatuses})
		if err != nil {
			return err
		}
		if current+request > limit {
			return newError(CodeQuotaExceeded,
				fmt.Sprintf("進行中の本の数が上限を超えます（上限 %d、現在 %d、今回 %d）。", limit, current, request), nil)
		}
	}

	if limit, minutes := q.limits.WindowCount, q.limits.WindowMinutes; limit > 0 && minutes > 0 {
		cutoff := q.now().Add(-time.Duration(minutes) * time.Minute)
		current, err := q.count(ctx, Filter{UserID: userID, Statuses: WindowStatuses, CreatedAfter: &cutoff})
		if err != nil {
			return err
		}
		if current+request > limit {
			return newError(CodeQuotaExceeded,
				fmt.Sprintf("直近 %d 分間に取得できる本の数を超えます（上限 %d、現在 %d、今回 %d）。", minutes, limit, current, request), nil)
		}
	}

	return nil
}

func (q *QuotaEnforcer) count(ctx context.Context, filter Filter) (int, error) {
	jobs, err := q.store.List(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to list jobs for quota: %w", err)
	}
	return CountUnits(jobs), nil
}
