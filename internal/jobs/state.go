package jobs

import "fmt"

// transitions はジョブが取りうる状態遷移です。queued に戻る遷移はありません。
var transitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusFailed},
	StatusRunning: {StatusMerging, StatusFailed},
	StatusMerging: {StatusDone, StatusFailed},
	StatusDone:    {StatusExpired},
	StatusFailed:  {StatusCleaned},
	StatusExpired: {StatusCleaned},
}

var (
	// ActiveStatuses はワーカーが所有しうる状態です。取消はこの状態でのみ受け付けます。
	ActiveStatuses = []Status{StatusQueued, StatusRunning, StatusMerging}
	// WindowStatuses は時間窓の本数制限で数える状態です。失敗・期限切れは数えません。
	WindowStatuses = []Status{StatusQueued, StatusRunning, StatusMerging, StatusDone}
	// FinishedStatuses は一括削除の対象になる状態です。
	FinishedStatuses = []Status{StatusFailed, StatusExpired, StatusCleaned}
)

// CanTransition は from から to への遷移が許可されているかを返します。
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Cancellable は取消可能な状態かどうかを返します。
func (s Status) Cancellable() bool {
	return s == StatusQueued || s == StatusRunning || s == StatusMerging
}

// IsTerminal は終端状態かどうかを返します。
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusExpired, StatusCleaned:
		return true
	default:
		return false
	}
}

func transition(job *Job, to Status) error {
	if !CanTransition(job.Status, to) {
		return newError(CodeConflict, fmt.Sprintf("ジョブ %d は %s から %s に遷移できません。", job.ID, job.Status, to), nil)
	}
	job.Status = to
	return nil
}
