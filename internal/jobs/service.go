package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Eterpy/jm-web/internal/account"
	"github.com/Eterpy/jm-web/internal/storage"
)

const maxCatalogPage = 200

// ServiceOptions は Service の構成です。
type ServiceOptions struct {
	Store    Store
	Files    *storage.Local
	Fetcher  Fetcher
	Catalog  Catalog
	Cipher   Cipher
	Limits   Limits
	Parallel int
	LinkTTL  time.Duration
	// DownloadPath はダウンロードURLのトークンより前の部分です（例: /api/v1/jobs/download/）。
	DownloadPath string
	Logger       *logrus.Logger
}

// Service は HTTP 層から使うジョブ操作の窓口です。
type Service struct {
	store        Store
	files        *storage.Local
	catalog      Catalog
	cipher       Cipher
	quota        *QuotaEnforcer
	runner       *Runner
	scheduler    *Scheduler
	sweeper      *Sweeper
	downloadPath string
	logger       *logrus.Logger
	now          func() time.Time
}

// NewService は Service と、その配下のスケジューラ・掃除処理を生成します。
func NewService(opts ServiceOptions) *Service {
	runner := NewRunner(RunnerOptions{
		Store:   opts.Store,
		Fetcher: opts.Fetcher,
		Cipher:  opts.Cipher,
		Files:   opts.Files,
		LinkTTL: opts.LinkTTL,
		Logger:  opts.Logger,
	})
	return &Service{
		store:        opts.Store,
		files:        opts.Files,
		catalog:      opts.Catalog,
		cipher:       opts.Cipher,
		quota:        NewQuotaEnforcer(opts.Store, opts.Limits),
		runner:       runner,
		scheduler:    NewScheduler(opts.Parallel, runner.Run, opts.Logger),
		sweeper:      NewSweeper(opts.Store, opts.Files, opts.Logger),
		downloadPath: opts.DownloadPath,
		logger:       opts.Logger,
		now:          time.Now,
	}
}

// Scheduler はジョブを実行するワーカープールを返します。
func (s *Service) Scheduler() *Scheduler {
	return s.scheduler
}

// Admit は本数制限を確認してジョブを queued で保存し、実行待ちに登録します。
// 受付時のエラーではストアを変更しません。
func (s *Service) Admit(ctx context.Context, user *account.User, kind Kind, payload Payload) (*Job, error) {
	normalized, err := normalizePayload(kind, payload)
	if err != nil {
		return nil, err
	}
	if err := s.quota.Check(ctx, user.ID, kind, normalized); err != nil {
		return nil, err
	}

	now := s.now()
	job := &Job{
		UserID:    user.ID,
		Kind:      kind,
		Payload:   normalized,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	s.scheduler.Submit(job.ID)

	s.logger.WithFields(logrus.Fields{
		"component": "service",
		"job_id":    job.ID,
		"user_id":   user.ID,
		"kind":      kind,
	}).Info("job admitted")
	return job, nil
}

func normalizePayload(kind Kind, payload Payload) (Payload, error) {
	switch kind {
	case KindAlbum, KindPhoto:
		id := NormalizeAlbumID(payload.IDValue)
		if kind == KindPhoto {
			id = NormalizePhotoID(payload.IDValue)
		}
		if id == "" {
			return Payload{}, newError(CodeInvalidInput, "id_value を指定してください。", nil)
		}
		return Payload{IDValue: id}, nil
	case KindMultiAlbum:
		if len(payload.AlbumIDs) == 0 {
			return Payload{}, newError(CodeInvalidInput, "album_ids を指定してください。", nil)
		}
		ids := NormalizeAlbumIDs(payload.AlbumIDs)
		if len(ids) == 0 {
			return Payload{}, newError(CodeInvalidInput, "album_ids に有効なIDが含まれていません。", nil)
		}
		return Payload{AlbumIDs: ids}, nil
	default:
		return Payload{}, newError(CodeInvalidInput, "target_type が不正です。", nil)
	}
}

// Get は user が参照できるジョブを返します。管理者以外は自分のジョブのみ参照できます。
func (s *Service) Get(ctx context.Context, user *account.User, id int64) (*Job, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	if job == nil || (!user.IsAdmin() && job.UserID != user.ID) {
		return nil, newError(CodeNotFound, "指定されたジョブは存在しません。", nil)
	}
	return job, nil
}

// List は user が参照できるジョブを新しい順に返します。
func (s *Service) List(ctx context.Context, user *account.User) ([]*Job, error) {
	filter := Filter{UserID: user.ID}
	if user.IsAdmin() {
		filter.UserID = 0
	}
	jobs, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// Cancel は queued/running/merging のジョブを中止し、失敗として確定させます。
// 実行中のワーカーには取消を通知し、作業領域と成果物を削除します。
func (s *Service) Cancel(ctx context.Context, user *account.User, id int64) (*Job, error) {
	job, err := s.Get(ctx, user, id)
	if err != nil {
		return nil, err
	}
	if !job.Status.Cancellable() {
		return nil, newError(CodeConflict, fmt.Sprintf("ジョブの状態が %s のため中止できません。", job.Status), nil)
	}

	// 取消を先に保存してからワーカーへ通知する
	applyCancel(job)
	job.UpdatedAt = s.now()
	err = s.store.Update(ctx, job, ActiveStatuses...)
	switch {
	case errors.Is(err, ErrStatusChanged):
		job, err = s.alreadyCancelled(ctx, id, err)
	case err != nil:
		err = fmt.Errorf("failed to cancel job: %w", err)
	}
	if err != nil {
		return nil, err
	}
	live := s.scheduler.Cancel(id)
	if err := s.files.RemoveAll(id); err != nil {
		s.logger.WithField("job_id", id).WithError(err).Debug("failed to reclaim cancelled job")
	}

	s.logger.WithFields(logrus.Fields{
		"component": "service",
		"job_id":    id,
		"in_flight": live,
	}).Info("job cancelled")
	return job, nil
}

// alreadyCancelled は取消の保存が競合した場合に、既に取消済みならそのジョブを返します。
func (s *Service) alreadyCancelled(ctx context.Context, id int64, cause error) (*Job, error) {
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to reload job: %w", err)
	}
	if current != nil && current.Status == StatusFailed && current.ErrorMessage == CancelledMessage {
		return current, nil
	}
	return nil, newError(CodeConflict, "ジョブの状態が変化したため中止できません。", cause)
}

// DownloadLink はダウンロードURLと期限です。
type DownloadLink struct {
	URL       string    `json:"download_url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// DownloadLink は完了したジョブのダウンロードURLを返します。期限を過ぎていれば expired にします。
func (s *Service) DownloadLink(ctx context.Context, user *account.User, id int64) (*DownloadLink, error) {
	job, err := s.Get(ctx, user, id)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusDone {
		return nil, newError(CodeConflict, fmt.Sprintf("ジョブの状態が %s のためダウンロードできません。", job.Status), nil)
	}
	if job.DownloadToken == "" || job.ExpiresAt == nil {
		return nil, newError(CodeNotFound, "ダウンロードリンクを利用できません。", nil)
	}
	if err := s.expireIfDue(ctx, job); err != nil {
		return nil, err
	}
	return &DownloadLink{URL: s.downloadPath + job.DownloadToken, ExpiresAt: *job.ExpiresAt}, nil
}

// Download はトークンで取得する成果物です。
type Download struct {
	JobID int64
	Path  string
	Name  string
	Size  int64
}

// OpenDownload はトークンに対応する成果物を返します。期限を過ぎていれば expired にします。
func (s *Service) OpenDownload(ctx context.Context, token string) (*Download, error) {
	if strings.TrimSpace(token) == "" {
		return nil, newError(CodeNotFound, "ダウンロードトークンが見つかりません。", nil)
	}
	job, err := s.store.GetByToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to load job by token: %w", err)
	}
	if job == nil {
		return nil, newError(CodeNotFound, "ダウンロードトークンが見つかりません。", nil)
	}
	switch job.Status {
	case StatusDone:
	case StatusExpired:
		return nil, newError(CodeExpired, "ダウンロードリンクの有効期限が切れています。", nil)
	default:
		return nil, newError(CodeConflict, "ダウンロードできる状態ではありません。", nil)
	}
	if err := s.expireIfDue(ctx, job); err != nil {
		return nil, err
	}
	if job.ArtifactPath == "" {
		return nil, newError(CodeNotFound, "成果物が見つかりません。", nil)
	}
	info, err := os.Stat(job.ArtifactPath)
	if err != nil || !info.Mode().IsRegular() {
		return nil, newError(CodeNotFound, "成果物が見つかりません。", err)
	}
	name := job.ArtifactName
	if name == "" {
		name = info.Name()
	}
	return &Download{JobID: job.ID, Path: job.ArtifactPath, Name: name, Size: info.Size()}, nil
}

// expireIfDue は期限切れ（または期限なし）の done ジョブを expired にして ExpiredError を返します。
func (s *Service) expireIfDue(ctx context.Context, job *Job) error {
	now := s.now()
	if job.ExpiresAt != nil && !job.expiredAt(now) {
		return nil
	}
	if err := expire(ctx, s.store, job, now); err != nil && !errors.Is(err, ErrStatusChanged) {
		return err
	}
	return newError(CodeExpired, "ダウンロードリンクの有効期限が切れています。", nil)
}

// ClearFinished は failed/expired/cleaned のジョブを削除し、削除件数を返します。
// 管理者は全ユーザーのジョブが対象です。
func (s *Service) ClearFinished(ctx context.Context, user *account.User) (int, error) {
	filter := Filter{UserID: user.ID, Statuses: FinishedStatuses}
	if user.IsAdmin() {
		filter.UserID = 0
	}
	jobs, err := s.store.List(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to list finished jobs: %w", err)
	}
	deleted := 0
	for _, job := range jobs {
		if err := s.files.RemoveAll(job.ID); err != nil {
			s.logger.WithField("job_id", job.ID).WithError(err).Debug("failed to reclaim finished job")
		}
		if err := s.store.Delete(ctx, job.ID); err != nil {
			return deleted, fmt.Errorf("failed to delete job %d: %w", job.ID, err)
		}
		deleted++
	}
	return deleted, nil
}

// RecoverOnStart は起動時の復旧を行います。新しいジョブを受け付ける前に呼びます。
func (s *Service) RecoverOnStart(ctx context.Context) error {
	return Recover(ctx, s.store, s.scheduler, s.logger)
}

// StartSweeper は期限切れの掃除を schedule の cron 式で開始します。
func (s *Service) StartSweeper(schedule string) error {
	return s.sweeper.Start(schedule)
}

// Sweep は掃除を1回実行します。
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	return s.sweeper.Tick(ctx)
}

// Shutdown は掃除を止め、実行中のジョブを打ち切って終了を待ちます。
// 打ち切ったジョブの状態は変更せず、次回起動時の復旧に任せます。
func (s *Service) Shutdown(ctx context.Context) error {
	s.sweeper.Stop(ctx)
	return s.scheduler.Shutdown(ctx)
}

// SaveFetchCredential は取得元へのログインを確認し、save が true なら暗号化して保存します。
func (s *Service) SaveFetchCredential(ctx context.Context, user *account.User, username, password string, save bool) error {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return newError(CodeInvalidInput, "ユーザー名とパスワードを入力してください。", nil)
	}
	if err := s.catalog.VerifyLogin(ctx, Credential{Username: username, Password: password}); err != nil {
		return newError(CodeFetchFailed, "取得元へのログインに失敗しました", err)
	}
	if !save {
		return nil
	}

	encrypted, err := s.cipher.Encrypt(password)
	if err != nil {
		return fmt.Errorf("failed to encrypt credential: %w", err)
	}
	stored, err := s.store.GetUser(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("failed to load user: %w", err)
	}
	if stored == nil {
		return newError(CodeNotFound, "ユーザーが存在しません。", nil)
	}
	stored.FetchUsername = username
	stored.FetchPasswordEncrypted = encrypted
	if err := s.store.UpdateUser(ctx, stored); err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// Search はキーワードで取得元を検索します。
func (s *Service) Search(ctx context.Context, user *account.User, keyword string, page int) ([]CatalogItem, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil, newError(CodeInvalidInput, "キーワードを入力してください。", nil)
	}
	if err := validatePage(page); err != nil {
		return nil, err
	}
	cred, err := s.savedCredential(user)
	if err != nil {
		return nil, err
	}
	items, err := s.catalog.Search(ctx, keyword, page, cred)
	if err != nil {
		return nil, newError(CodeFetchFailed, "検索に失敗しました", err)
	}
	return items, nil
}

// Favorites は保存済みクレデンシャルのお気に入り一覧を返します。
func (s *Service) Favorites(ctx context.Context, user *account.User, page int) ([]CatalogItem, error) {
	if err := validatePage(page); err != nil {
		return nil, err
	}
	cred, err := s.savedCredential(user)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, newError(CodeInvalidInput, "先に取得元のアカウントでログインしてください。", nil)
	}
	items, err := s.catalog.Favorites(ctx, page, cred)
	if err != nil {
		return nil, newError(CodeFetchFailed, "お気に入りの取得に失敗しました", err)
	}
	return items, nil
}

// WeeklyRanking は週間ランキングを返します。
func (s *Service) WeeklyRanking(ctx context.Context, user *account.User, page int) ([]CatalogItem, error) {
	if err := validatePage(page); err != nil {
		return nil, err
	}
	cred, err := s.savedCredential(user)
	if err != nil {
		return nil, err
	}
	items, err := s.catalog.WeeklyRanking(ctx, page, cred)
	if err != nil {
		return nil, newError(CodeFetchFailed, "ランキングの取得に失敗しました", err)
	}
	return items, nil
}

func validatePage(page int) error {
	if page < 1 || page > maxCatalogPage {
		return newError(CodeInvalidInput, fmt.Sprintf("page は 1 から %d の範囲で指定してください。", maxCatalogPage), nil)
	}
	return nil
}

func (s *Service) savedCredential(user *account.User) (*Credential, error) {
	if !user.HasFetchCredential() {
		return nil, nil
	}
	password, err := s.cipher.Decrypt(user.FetchPasswordEncrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt saved credential: %w", err)
	}
	return &Credential{Username: user.FetchUsername, Password: password}, nil
}
