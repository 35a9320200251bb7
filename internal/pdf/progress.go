package pdf

// 進捗通知のステージ名です。
const (
	StageNormalize = "normalize"
	StagePackage   = "package"
	StageCompleted = "completed"
)

// ProgressReporter は成果物生成の進捗を受け取るコールバックです。percent は 0 から 100 に丸めて渡します。
type ProgressReporter func(stage string, percent int)

func reportProgress(cb ProgressReporter, stage string, percent int) {
	if cb != nil {
		cb(stage, min(max(percent, 0), 100))
	}
}

// ratio は done/total を百分率にします。total が 0 の場合は 100 です。
func ratio(done, total, scale int) int {
	if total <= 0 {
		return scale
	}
	return done * scale / total
}
