// Package jobs はダウンロードジョブの受付・実行・取消・復旧・期限切れ掃除を担います。
package jobs

import (
	"strings"
	"time"
)

// Kind はジョブの対象種別です。
type Kind string

const (
	KindAlbum      Kind = "album"       // 1つの本
	KindPhoto      Kind = "photo"       // 1つの章
	KindMultiAlbum Kind = "multi_album" // 複数の本
)

// ParseKind はリクエストの target_type を Kind に変換します。
func ParseKind(value string) (Kind, error) {
	switch k := Kind(strings.TrimSpace(value)); k {
	case KindAlbum, KindPhoto, KindMultiAlbum:
		return k, nil
	default:
		return "", newError(CodeInvalidInput, "target_type が不正です。", nil)
	}
}

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusMerging Status = "merging"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
	StatusExpired Status = "expired"
	StatusCleaned Status = "cleaned"
)

// Payload はジョブ作成時に受け付けた対象です。作成後は変更しません。
type Payload struct {
	IDValue  string   `json:"id_value,omitempty"`
	AlbumIDs []string `json:"album_ids,omitempty"`
}

// Job はダウンロードジョブの現在状態を表します。
type Job struct {
	ID      int64   `json:"id"`
	UserID  int64   `json:"user_id"`
	Kind    Kind    `json:"job_type"`
	Payload Payload `json:"payload"`
	Status  Status  `json:"status"`

	ArtifactPath  string `json:"-"`
	ArtifactName  string `json:"result_file_name,omitempty"`
	SourceDir     string `json:"-"`
	DownloadToken string `json:"-"`
	ErrorMessage  string `json:"error_message,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	MergedAt  *time.Time `json:"merged_at,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// clearResult は成果物とダウンロードリンクに関する項目を消去します。
func (j *Job) clearResult() {
	j.ArtifactPath = ""
	j.ArtifactName = ""
	j.DownloadToken = ""
	j.MergedAt = nil
	j.ExpiresAt = nil
}

// expiredAt は期限が now 以前かどうかを返します。
func (j *Job) expiredAt(now time.Time) bool {
	return j.ExpiresAt != nil && !j.ExpiresAt.After(now)
}
