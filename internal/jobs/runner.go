package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Eterpy/jm-web/internal/account"
	"github.com/Eterpy/jm-web/internal/pdf"
	"github.com/Eterpy/jm-web/internal/storage"
)

// Runner は1件のジョブを取得から成果物生成まで実行します。
type Runner struct {
	store   Store
	fetcher Fetcher
	cipher  Cipher
	files   *storage.Local
	linkTTL time.Duration
	logger  *logrus.Logger
	now     func() time.Time
}

// RunnerOptions は Runner の依存関係です。
type RunnerOptions struct {
	Store   Store
	Fetcher Fetcher
	Cipher  Cipher
	Files   *storage.Local
	LinkTTL time.Duration
	Logger  *logrus.Logger
}

// NewRunner は Runner を生成します。
func NewRunner(opts RunnerOptions) *Runner {
	ttl := opts.LinkTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Runner{
		store:   opts.Store,
		fetcher: opts.Fetcher,
		cipher:  opts.Cipher,
		files:   opts.Files,
		linkTTL: ttl,
		logger:  opts.Logger,
		now:     time.Now,
	}
}

// Run はスケジューラから呼ばれるジョブ本体です。
// 実行中の失敗はジョブの error_message に記録し、戻り値はストアへの書き込み失敗のみです。
func (r *Runner) Run(ctx context.Context, jobID int64) error {
	// 取消後も状態は書き込めるようにする
	storeCtx := context.WithoutCancel(ctx)
	log := r.logger.WithFields(logrus.Fields{"component": "runner", "job_id": jobID})

	job, err := r.store.Get(storeCtx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load job %d: %w", jobID, err)
	}
	if job == nil {
		log.Debug("job no longer exists")
		return nil
	}
	if job.Status != StatusQueued {
		log.WithField("status", job.Status).Debug("job is not queued, skipping")
		return nil
	}

	user, err := r.store.GetUser(storeCtx, job.UserID)
	if err != nil {
		log.WithError(err).Warn("failed to load job owner")
		job.Status = StatusFailed
		job.ErrorMessage = fmt.Sprintf("ユーザー情報の取得に失敗しました: %v", err)
		return r.save(storeCtx, job, StatusQueued)
	}
	if user == nil {
		job.Status = StatusFailed
		job.ErrorMessage = OwnerMissingMessage
		return r.save(storeCtx, job, StatusQueued)
	}

	dirs := r.files.Dirs(job.ID)
	job.Status = StatusRunning
	job.ErrorMessage = ""
	job.SourceDir = dirs.Source
	if err := r.save(storeCtx, job, StatusQueued); err != nil {
		return err
	}
	log.WithField("user_id", job.UserID).Info("job started")

	err = r.guard(func() error { return r.execute(ctx, job, user) })
	switch {
	case err == nil:
		log.WithField("artifact", job.ArtifactName).Info("job completed")
		return nil
	case errors.Is(context.Cause(ctx), ErrShutdown):
		// 状態はそのまま残し、次回起動時の復旧で失敗として扱う
		log.Info("job interrupted by shutdown")
		return nil
	case errors.Is(err, ErrCancelled) || errors.Is(context.Cause(ctx), ErrCancelled):
		log.Info("job cancelled")
		return r.markCancelled(storeCtx, job.ID)
	case errors.Is(err, ErrStatusChanged):
		log.Debug("job status changed by another actor")
		return nil
	default:
		log.WithError(err).Warn("job failed")
		return r.markFailed(storeCtx, job.ID, err)
	}
}

func (r *Runner) guard(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("予期しないエラーが発生しました: %v", p)
		}
	}()
	return fn()
}

func (r *Runner) execute(ctx context.Context, job *Job, user *account.User) error {
	storeCtx := context.WithoutCancel(ctx)
	if err := checkpoint(ctx); err != nil {
		return err
	}

	cred, err := r.credential(user)
	if err != nil {
		return err
	}
	dirs, err := r.files.Prepare(job.ID)
	if err != nil {
		return err
	}
	if err := checkpoint(ctx); err != nil {
		return err
	}

	err = r.fetcher.Fetch(ctx, FetchRequest{Kind: job.Kind, Payload: job.Payload, Dest: dirs.Source, Credential: cred})
	if err := checkpoint(ctx); err != nil {
		return err
	}
	if err != nil {
		return newError(CodeFetchFailed, "コンテンツの取得に失敗しました", err)
	}

	if err := transition(job, StatusMerging); err != nil {
		return err
	}
	if err := r.save(storeCtx, job, StatusRunning); err != nil {
		return err
	}
	if err := checkpoint(ctx); err != nil {
		return err
	}

	artifact, err := pdf.Build(ctx, pdf.Request{
		SourceDir:   dirs.Source,
		ArtifactDir: dirs.Artifact,
		ConvertDir:  dirs.Convert,
		BaseName:    BaseName(job.Kind, job.Payload, fmt.Sprintf("job_%d", job.ID)),
		PerAlbum:    job.Kind == KindMultiAlbum,
	}, r.progress(job.ID))
	if err := checkpoint(ctx); err != nil {
		return err
	}
	if err != nil {
		return newError(CodePipeline, "成果物の生成に失敗しました", err)
	}

	now := r.now()
	expires := now.Add(r.linkTTL)
	job.ArtifactPath = artifact.Path
	job.ArtifactName = artifact.Name
	job.DownloadToken = newDownloadToken()
	job.MergedAt = &now
	job.ExpiresAt = &expires
	job.SourceDir = ""
	if err := transition(job, StatusDone); err != nil {
		return err
	}
	if err := r.save(storeCtx, job, StatusMerging); err != nil {
		return err
	}

	if err := r.files.RemoveTemp(job.ID); err != nil {
		r.logger.WithField("job_id", job.ID).WithError(err).Debug("failed to remove work directory")
	}
	return nil
}

func checkpoint(ctx context.Context) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return nil
}

func (r *Runner) credential(user *account.User) (*Credential, error) {
	if !user.HasFetchCredential() {
		return nil, nil
	}
	if r.cipher == nil {
		return nil, errors.New("保存済みクレデンシャルを復号できません")
	}
	password, err := r.cipher.Decrypt(user.FetchPasswordEncrypted)
	if err != nil {
		return nil, fmt.Errorf("保存済みクレデンシャルの復号に失敗しました: %w", err)
	}
	return &Credential{Username: user.FetchUsername, Password: password}, nil
}

func (r *Runner) progress(jobID int64) pdf.ProgressReporter {
	log := r.logger.WithFields(logrus.Fields{"component": "pipeline", "job_id": jobID})
	return func(stage string, percent int) {
		log.WithFields(logrus.Fields{"stage": stage, "percent": percent}).Trace("pipeline progress")
	}
}

func (r *Runner) save(ctx context.Context, job *Job, expect ...Status) error {
	job.UpdatedAt = r.now()
	return r.store.Update(ctx, job, expect...)
}

// markCancelled は取消された結果を反映し、作業領域と成果物を削除します。
func (r *Runner) markCancelled(ctx context.Context, jobID int64) error {
	defer r.reclaim(jobID)

	job, err := r.store.Get(ctx, jobID)
	if err != nil || job == nil {
		return err
	}
	applyCancel(job)
	err = r.save(ctx, job, ActiveStatuses...)
	if errors.Is(err, ErrStatusChanged) {
		return nil
	}
	return err
}

func (r *Runner) markFailed(ctx context.Context, jobID int64, cause error) error {
	job, err := r.store.Get(ctx, jobID)
	if err != nil || job == nil {
		return err
	}
	job.Status = StatusFailed
	job.ErrorMessage = cause.Error()
	job.clearResult()
	err = r.save(ctx, job, ActiveStatuses...)
	if errors.Is(err, ErrStatusChanged) {
		return nil
	}
	return err
}

func (r *Runner) reclaim(jobID int64) {
	if err := r.files.RemoveAll(jobID); err != nil {
		r.logger.WithField("job_id", jobID).WithError(err).Debug("failed to reclaim job directories")
	}
}

// applyCancel は取消後の状態を job に設定します。
func applyCancel(job *Job) {
	job.Status = StatusFailed
	job.ErrorMessage = CancelledMessage
	job.SourceDir = ""
	job.clearResult()
}

func newDownloadToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// BaseName は成果物のファイル名（拡張子なし）をジョブ内容から決めます。
func BaseName(kind Kind, payload Payload, fallback string) string {
	switch kind {
	case KindAlbum:
		if id := NormalizeAlbumID(payload.IDValue); id != "" {
			return id
		}
	case KindPhoto:
		if id := NormalizePhotoID(payload.IDValue); id != "" {
			return id
		}
	case KindMultiAlbum:
		ids := NormalizeAlbumIDs(payload.AlbumIDs)
		switch {
		case len(ids) == 1:
			return ids[0]
		case len(ids) > 1:
			return fmt.Sprintf("%s_and_%d_more", ids[0], len(ids)-1)
		}
	}
	return fallback
}
