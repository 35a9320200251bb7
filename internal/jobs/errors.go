package jobs

import (
	"errors"
	"fmt"
)

// エラーコード。HTTP 層はこのコードでステータスを決めます。
const (
	CodeQuotaExceeded = "QUOTA_EXCEEDED"
	CodeInvalidInput  = "INVALID_INPUT"
	CodeNotFound      = "NOT_FOUND"
	CodeConflict      = "CONFLICT"
	CodeExpired       = "LINK_EXPIRED"
	CodeFetchFailed   = "FETCH_FAILED"
	CodePipeline      = "PIPELINE_FAILED"
)

// 固定のエラーメッセージ。
const (
	CancelledMessage    = "ユーザーによりジョブが中止されました"
	RestartMessage      = "サービスの再起動によりジョブが中断されたため失敗として扱いました。再度ジョブを作成してください。"
	OwnerMissingMessage = "ジョブの所有ユーザーが存在しません"
)

var (
	// ErrCancelled は取消要求によってジョブのコンテキストが打ち切られたことを表します。
	ErrCancelled = errors.New("job cancelled")
	// ErrShutdown はスケジューラ停止によってジョブのコンテキストが打ち切られたことを表します。
	ErrShutdown = errors.New("scheduler shutting down")
	// ErrStatusChanged は条件付き更新の時点でジョブの状態が想定と異なっていたことを表します。
	ErrStatusChanged = errors.New("job status changed concurrently")
)

// Error は利用者に返すジョブ操作のエラーです。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// ErrorCode は err に含まれる *Error のコードを返します。含まれない場合は空文字です。
func ErrorCode(err error) string {
	var jobErr *Error
	if errors.As(err, &jobErr) {
		return jobErr.Code
	}
	return ""
}
