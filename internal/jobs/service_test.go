package jobs

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Eterpy/jm-web/internal/account"
	"github.com/Eterpy/jm-web/internal/logging"
)

func TestAdmitRunsAlbumJobToDone(t *testing.T) {
	env := newTestEnv(t, Limits{PerJob: 20})
	ctx := context.Background()

	job, err := env.svc.Admit(ctx, env.user, KindAlbum, Payload{IDValue: " JM350234 "})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, job.Status)
	assert.Equal(t, "350234", job.Payload.IDValue)

	done := env.waitStatus(t, job.ID, StatusDone)
	assert.Equal(t, "350234.pdf", done.ArtifactName)
	assert.FileExists(t, done.ArtifactPath)
	assert.NotEmpty(t, done.DownloadToken)
	require.NotNil(t, done.ExpiresAt)
	require.NotNil(t, done.MergedAt)
	assert.WithinDuration(t, done.MergedAt.Add(time.Hour), *done.ExpiresAt, time.Second)
	assert.Empty(t, done.SourceDir)
	assert.Empty(t, done.ErrorMessage)
	assert.NoDirExists(t, env.files.Dirs(job.ID).Temp)

	reqs := env.fetcher.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, env.files.Dirs(job.ID).Source, reqs[0].Dest)
	assert.Nil(t, reqs[0].Credential)
}

func TestAdmitMultiAlbumBuildsZip(t *testing.T) {
	env := newTestEnv(t, Limits{})
	job, err := env.svc.Admit(context.Background(), env.user, KindMultiAlbum,
		Payload{AlbumIDs: []string{"JM123", "https://x/album/456", "jm123"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"123", "456"}, job.Payload.AlbumIDs)

	done := env.waitStatus(t, job.ID, StatusDone)
	assert.Equal(t, "123_and_1_more.zip", done.ArtifactName)

	reader, err := zip.OpenReader(done.ArtifactPath)
	require.NoError(t, err)
	defer reader.Close()
	var names []string
	for _, f := range reader.File {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"001_123.pdf", "002_456.pdf"}, names)
}

func TestAdmitValidation(t *testing.T) {
	env := newTestEnv(t, Limits{})
	ctx := context.Background()

	_, err := env.svc.Admit(ctx, env.user, KindAlbum, Payload{IDValue: "  "})
	assert.Equal(t, CodeInvalidInput, ErrorCode(err))
	_, err = env.svc.Admit(ctx, env.user, KindMultiAlbum, Payload{})
	assert.Equal(t, CodeInvalidInput, ErrorCode(err))
	_, err = env.svc.Admit(ctx, env.user, KindMultiAlbum, Payload{AlbumIDs: []string{" ", "jm"}})
	assert.Equal(t, CodeInvalidInput, ErrorCode(err))

	jobs, err := env.store.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestAdmitInFlightLimit(t *testing.T) {
	env := newTestEnv(t, Limits{InFlight: 20})
	env.store.insert(t, &Job{UserID: env.user.ID, Kind: KindMultiAlbum, Status: StatusRunning, Payload: Payload{AlbumIDs: albumIDs(18)}})
	ctx := context.Background()

	_, err := env.svc.Admit(ctx, env.user, KindMultiAlbum, Payload{AlbumIDs: albumIDs(5)})
	assert.Equal(t, CodeQuotaExceeded, ErrorCode(err))

	job, err := env.svc.Admit(ctx, env.user, KindMultiAlbum, Payload{AlbumIDs: albumIDs(2)})
	require.NoError(t, err)
	env.waitStatus(t, job.ID, StatusDone)
}

func TestRunUsesSavedCredential(t *testing.T) {
	env := newTestEnv(t, Limits{})
	ctx := context.Background()
	encrypted, err := env.box.Encrypt("hunter2")
	require.NoError(t, err)
	env.user.FetchUsername = "reader"
	env.user.FetchPasswordEncrypted = encrypted
	require.NoError(t, env.store.UpdateUser(ctx, env.user))

	job, err := env.svc.Admit(ctx, env.user, KindPhoto, Payload{IDValue: "p77"})
	require.NoError(t, err)
	done := env.waitStatus(t, job.ID, StatusDone)
	assert.Equal(t, "77.pdf", done.ArtifactName)

	reqs := env.fetcher.requests()
	require.Len(t, reqs, 1)
	require.NotNil(t, reqs[0].Credential)
	assert.Equal(t, Credential{Username: "reader", Password: "hunter2"}, *reqs[0].Credential)
}

func TestRunFailsOnBrokenCredential(t *testing.T) {
	env := newTestEnv(t, Limits{})
	ctx := context.Background()
	env.user.FetchUsername = "reader"
	env.user.FetchPasswordEncrypted = "not-a-ciphertext"
	require.NoError(t, env.store.UpdateUser(ctx, env.user))

	job, err := env.svc.Admit(ctx, env.user, KindAlbum, Payload{IDValue: "1"})
	require.NoError(t, err)
	failed := env.waitStatus(t, job.ID, StatusFailed)
	assert.Contains(t, failed.ErrorMessage, "復号")
	assert.Empty(t, env.fetcher.requests())
}

func TestRunRecordsFetchFailure(t *testing.T) {
	env := newTestEnv(t, Limits{})
	env.fetcher.err = errors.New("mirror-a: 502 Bad Gateway")

	job, err := env.svc.Admit(context.Background(), env.user, KindAlbum, Payload{IDValue: "1"})
	require.NoError(t, err)
	failed := env.waitStatus(t, job.ID, StatusFailed)
	assert.Contains(t, failed.ErrorMessage, "mirror-a: 502 Bad Gateway")
	assert.Empty(t, failed.DownloadToken)
	assert.Empty(t, failed.ArtifactPath)
	// 失敗時の作業領域は後で回収する
	assert.Equal(t, env.files.Dirs(job.ID).Source, failed.SourceDir)
}

func TestRunFailsWhenOwnerMissing(t *testing.T) {
	env := newTestEnv(t, Limits{})
	job := env.store.insert(t, &Job{UserID: 999, Kind: KindAlbum, Status: StatusQueued, Payload: Payload{IDValue: "1"}})

	require.NoError(t, env.svc.runner.Run(context.Background(), job.ID))
	failed := env.store.job(t, job.ID)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, OwnerMissingMessage, failed.ErrorMessage)
}

func TestRunSkipsJobsThatAreNotQueued(t *testing.T) {
	env := newTestEnv(t, Limits{})
	job := env.store.insert(t, &Job{UserID: env.user.ID, Kind: KindAlbum, Status: StatusFailed, ErrorMessage: CancelledMessage, Payload: Payload{IDValue: "1"}})

	require.NoError(t, env.svc.runner.Run(context.Background(), job.ID))
	assert.Equal(t, StatusFailed, env.store.job(t, job.ID).Status)
	assert.Empty(t, env.fetcher.requests())
}

func TestRunFailsWhenNoImagesFetched(t *testing.T) {
	env := newTestEnv(t, Limits{})
	job := env.store.insert(t, &Job{UserID: env.user.ID, Kind: KindAlbum, Status: StatusQueued, Payload: Payload{IDValue: "1"}})
	env.svc.runner.fetcher = fetcherFunc(func(ctx context.Context, req FetchRequest) error { return nil })

	require.NoError(t, env.svc.runner.Run(context.Background(), job.ID))
	failed := env.store.job(t, job.ID)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Contains(t, failed.ErrorMessage, "成果物の生成に失敗しました")
}

type fetcherFunc func(ctx context.Context, req FetchRequest) error

func (f fetcherFunc) Fetch(ctx context.Context, req FetchRequest) error { return f(ctx, req) }

func TestCancelQueuedJob(t *testing.T) {
	env := newTestEnv(t, Limits{})
	job := env.store.insert(t, &Job{UserID: env.user.ID, Kind: KindAlbum, Status: StatusQueued, Payload: Payload{IDValue: "1"}})
	dirs, err := env.files.Prepare(job.ID)
	require.NoError(t, err)

	cancelled, err := env.svc.Cancel(context.Background(), env.user, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, cancelled.Status)

	stored := env.store.job(t, job.ID)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.Equal(t, CancelledMessage, stored.ErrorMessage)
	assert.Empty(t, stored.DownloadToken)
	assert.Empty(t, stored.ArtifactPath)
	assert.Empty(t, stored.ArtifactName)
	assert.Empty(t, stored.SourceDir)
	assert.Nil(t, stored.ExpiresAt)
	assert.Nil(t, stored.MergedAt)
	assert.NoDirExists(t, dirs.Temp)
	assert.NoDirExists(t, dirs.Artifact)
}

func TestCancelDoneJobIsConflict(t *testing.T) {
	env := newTestEnv(t, Limits{})
	expires := time.Now().Add(time.Hour)
	job := env.store.insert(t, &Job{UserID: env.user.ID, Kind: KindAlbum, Status: StatusDone, Payload: Payload{IDValue: "1"},
		ArtifactPath: "/tmp/x.pdf", ArtifactName: "x.pdf", DownloadToken: "tok", ExpiresAt: &expires})

	_, err := env.svc.Cancel(context.Background(), env.user, job.ID)
	assert.Equal(t, CodeConflict, ErrorCode(err))

	stored := env.store.job(t, job.ID)
	assert.Equal(t, StatusDone, stored.Status)
	assert.Equal(t, "tok", stored.DownloadToken)
	assert.Equal(t, "/tmp/x.pdf", stored.ArtifactPath)
}

func TestCancelRunningJobInterruptsFetch(t *testing.T) {
	env := newTestEnv(t, Limits{})
	env.fetcher.block = make(chan struct{})
	env.fetcher.started = make(chan string, 1)

	job, err := env.svc.Admit(context.Background(), env.user, KindAlbum, Payload{IDValue: "1"})
	require.NoError(t, err)
	<-env.fetcher.started
	assert.Equal(t, StatusRunning, env.store.job(t, job.ID).Status)

	_, err = env.svc.Cancel(context.Background(), env.user, job.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return env.svc.Scheduler().InFlight() == 0 }, 5*time.Second, 5*time.Millisecond)
	stored := env.store.job(t, job.ID)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.Equal(t, CancelledMessage, stored.ErrorMessage)
	assert.Empty(t, stored.SourceDir)
	assert.NoDirExists(t, env.files.Dirs(job.ID).Temp)
	assert.NoDirExists(t, env.files.Dirs(job.ID).Artifact)
}

func TestCancelOtherUsersJobIsNotFound(t *testing.T) {
	env := newTestEnv(t, Limits{})
	job := env.store.insert(t, &Job{UserID: env.admin.ID, Kind: KindAlbum, Status: StatusQueued, Payload: Payload{IDValue: "1"}})

	_, err := env.svc.Cancel(context.Background(), env.user, job.ID)
	assert.Equal(t, CodeNotFound, ErrorCode(err))
	assert.Equal(t, StatusQueued, env.store.job(t, job.ID).Status)
}

func TestGetAndListVisibility(t *testing.T) {
	env := newTestEnv(t, Limits{})
	ctx := context.Background()
	own := env.store.insert(t, &Job{UserID: env.user.ID, Kind: KindAlbum, Status: StatusFailed})
	other := env.store.insert(t, &Job{UserID: env.admin.ID, Kind: KindAlbum, Status: StatusFailed})

	_, err := env.svc.Get(ctx, env.user, other.ID)
	assert.Equal(t, CodeNotFound, ErrorCode(err))
	got, err := env.svc.Get(ctx, env.admin, own.ID)
	require.NoError(t, err)
	assert.Equal(t, own.ID, got.ID)

	mine, err := env.svc.List(ctx, env.user)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, own.ID, mine[0].ID)

	all, err := env.svc.List(ctx, env.admin)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, other.ID, all[0].ID)
}

func doneJob(t *testing.T, env *testEnv, expires time.Time) *Job {
	t.Helper()
	job := env.store.insert(t, &Job{UserID: env.user.ID, Kind: KindAlbum, Status: StatusDone, Payload: Payload{IDValue: "1"}})
	dirs, err := env.files.Prepare(job.ID)
	require.NoError(t, err)
	artifact := filepath.Join(dirs.Artifact, "1.pdf")
	require.NoError(t, os.WriteFile(artifact, []byte("%PDF-1.7\n"), 0o640))
	merged := expires.Add(-time.Hour)
	job.ArtifactPath = artifact
	job.ArtifactName = "1.pdf"
	job.DownloadToken = "token-" + filepath.Base(dirs.Artifact)
	job.MergedAt = &merged
	job.ExpiresAt = &expires
	require.NoError(t, env.store.Update(context.Background(), job))
	return job
}

func TestDownloadLink(t *testing.T) {
	env := newTestEnv(t, Limits{})
	job := doneJob(t, env, time.Now().Add(30*time.Minute))

	link, err := env.svc.DownloadLink(context.Background(), env.user, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/jobs/download/"+job.DownloadToken, link.URL)
	assert.True(t, link.ExpiresAt.Equal(*job.ExpiresAt))

	queued := env.store.insert(t, &Job{UserID: env.user.ID, Kind: KindAlbum, Status: StatusQueued})
	_, err = env.svc.DownloadLink(context.Background(), env.user, queued.ID)
	assert.Equal(t, CodeConflict, ErrorCode(err))
}

func TestDownloadLinkPastExpiryFlipsToExpired(t *testing.T) {
	env := newTestEnv(t, Limits{})
	job := doneJob(t, env, time.Now().Add(-time.Minute))

	_, err := env.svc.DownloadLink(context.Background(), env.user, job.ID)
	assert.Equal(t, CodeExpired, ErrorCode(err))
	assert.Equal(t, StatusExpired, env.store.job(t, job.ID).Status)
}

func TestOpenDownload(t *testing.T) {
	env := newTestEnv(t, Limits{})
	job := doneJob(t, env, time.Now().Add(30*time.Minute))

	download, err := env.svc.OpenDownload(context.Background(), job.DownloadToken)
	require.NoError(t, err)
	assert.Equal(t, job.ArtifactPath, download.Path)
	assert.Equal(t, "1.pdf", download.Name)
	assert.EqualValues(t, len("%PDF-1.7\n"), download.Size)

	_, err = env.svc.OpenDownload(context.Background(), "unknown")
	assert.Equal(t, CodeNotFound, ErrorCode(err))
}

func TestOpenDownloadAfterExpiryFlipsToExpired(t *testing.T) {
	env := newTestEnv(t, Limits{})
	job := doneJob(t, env, time.Now().Add(-time.Second))

	_, err := env.svc.OpenDownload(context.Background(), job.DownloadToken)
	assert.Equal(t, CodeExpired, ErrorCode(err))

	stored := env.store.job(t, job.ID)
	assert.Equal(t, StatusExpired, stored.Status)
	assert.Empty(t, stored.ArtifactPath)
	assert.Equal(t, job.DownloadToken, stored.DownloadToken)
	assert.NotNil(t, stored.ExpiresAt)

	// 2回目以降も期限切れとして扱う
	_, err = env.svc.OpenDownload(context.Background(), job.DownloadToken)
	assert.Equal(t, CodeExpired, ErrorCode(err))
}

func TestOpenDownloadMissingArtifact(t *testing.T) {
	env := newTestEnv(t, Limits{})
	job := doneJob(t, env, time.Now().Add(time.Hour))
	require.NoError(t, os.Remove(job.ArtifactPath))

	_, err := env.svc.OpenDownload(context.Background(), job.DownloadToken)
	assert.Equal(t, CodeNotFound, ErrorCode(err))
}

func TestClearFinished(t *testing.T) {
	env := newTestEnv(t, Limits{})
	ctx := context.Background()
	failed := env.store.insert(t, &Job{UserID: env.user.ID, Kind: KindAlbum, Status: StatusFailed})
	dirs, err := env.files.Prepare(failed.ID)
	require.NoError(t, err)
	env.store.insert(t, &Job{UserID: env.user.ID, Kind: KindAlbum, Status: StatusCleaned})
	env.store.insert(t, &Job{UserID: env.user.ID, Kind: KindAlbum, Status: StatusQueued})
	env.store.insert(t, &Job{UserID: env.admin.ID, Kind: KindAlbum, Status: StatusExpired})

	count, err := env.svc.ClearFinished(ctx, env.user)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.NoDirExists(t, dirs.Temp)

	left, err := env.store.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, left, 2)

	count, err = env.svc.ClearFinished(ctx, env.admin)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSaveFetchCredential(t *testing.T) {
	env := newTestEnv(t, Limits{})
	ctx := context.Background()

	require.NoError(t, env.svc.SaveFetchCredential(ctx, env.user, " reader ", "pw", true))
	stored, err := env.store.GetUser(ctx, env.user.ID)
	require.NoError(t, err)
	assert.Equal(t, "reader", stored.FetchUsername)
	plain, err := env.box.Decrypt(stored.FetchPasswordEncrypted)
	require.NoError(t, err)
	assert.Equal(t, "pw", plain)

	env.catalog.loginErr = errors.New("bad password")
	err = env.svc.SaveFetchCredential(ctx, env.user, "reader", "wrong", true)
	assert.Equal(t, CodeFetchFailed, ErrorCode(err))
	assert.Contains(t, err.Error(), "bad password")
}

func TestCatalogQueries(t *testing.T) {
	env := newTestEnv(t, Limits{})
	ctx := context.Background()
	env.catalog.items = []CatalogItem{{AlbumID: "1", Title: "one"}}

	items, err := env.svc.Search(ctx, env.user, "cats", 1)
	require.NoError(t, err)
	assert.Equal(t, env.catalog.items, items)
	assert.Nil(t, env.catalog.lastCred)

	_, err = env.svc.Search(ctx, env.user, "cats", 201)
	assert.Equal(t, CodeInvalidInput, ErrorCode(err))
	_, err = env.svc.Search(ctx, env.user, " ", 1)
	assert.Equal(t, CodeInvalidInput, ErrorCode(err))

	_, err = env.svc.Favorites(ctx, env.user, 1)
	assert.Equal(t, CodeInvalidInput, ErrorCode(err))

	encrypted, err := env.box.Encrypt("pw")
	require.NoError(t, err)
	withCred := &account.User{ID: env.user.ID, FetchUsername: "reader", FetchPasswordEncrypted: encrypted}
	_, err = env.svc.Favorites(ctx, withCred, 1)
	require.NoError(t, err)
	assert.Equal(t, &Credential{Username: "reader", Password: "pw"}, env.catalog.lastCred)

	env.catalog.err = errors.New("timeout")
	_, err = env.svc.WeeklyRanking(ctx, env.user, 1)
	assert.Equal(t, CodeFetchFailed, ErrorCode(err))
}

func TestBaseName(t *testing.T) {
	assert.Equal(t, "123", BaseName(KindAlbum, Payload{IDValue: "JM123"}, "job_1"))
	assert.Equal(t, "45", BaseName(KindPhoto, Payload{IDValue: "p45"}, "job_1"))
	assert.Equal(t, "9", BaseName(KindMultiAlbum, Payload{AlbumIDs: []string{"9"}}, "job_1"))
	assert.Equal(t, "9_and_2_more", BaseName(KindMultiAlbum, Payload{AlbumIDs: []string{"9", "8", "7"}}, "job_1"))
	assert.Equal(t, "job_1", BaseName(KindAlbum, Payload{}, "job_1"))
}

func TestShutdownLeavesRunningJobForRecovery(t *testing.T) {
	env := newTestEnv(t, Limits{})
	env.fetcher.block = make(chan struct{})
	env.fetcher.started = make(chan string, 1)

	job, err := env.svc.Admit(context.Background(), env.user, KindAlbum, Payload{IDValue: "1"})
	require.NoError(t, err)
	<-env.fetcher.started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.svc.Shutdown(ctx))
	assert.Equal(t, StatusRunning, env.store.job(t, job.ID).Status)

	// 次回起動時の復旧で失敗になる
	restarted := NewService(ServiceOptions{Store: env.store, Files: env.files, Fetcher: env.fetcher, Parallel: 1, Logger: logging.Discard()})
	require.NoError(t, restarted.RecoverOnStart(context.Background()))
	failed := env.store.job(t, job.ID)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, RestartMessage, failed.ErrorMessage)
	require.NoError(t, restarted.Shutdown(ctx))
}

func TestAdmitNormalizesIdentifiers(t *testing.T) {
	env := newTestEnv(t, Limits{})
	ctx := context.Background()

	cases := []struct {
		kind     Kind
		raw      string
		want     string
		artifact string
	}{
		{KindAlbum, "JM123", "123", "123.pdf"},
		{KindAlbum, "https://example.test/album/456/title", "456", "456.pdf"},
		{KindPhoto, "p77", "77", "77.pdf"},
	}
	for _, tc := range cases {
		job, err := env.svc.Admit(ctx, env.user, tc.kind, Payload{IDValue: tc.raw})
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, job.Payload.IDValue, tc.raw)

		done := env.waitStatus(t, job.ID, StatusDone)
		assert.Equal(t, tc.artifact, done.ArtifactName, tc.raw)
	}

	// 取得側には正規化済みの ID だけが渡る
	reqs := env.fetcher.requests()
	require.Len(t, reqs, len(cases))
	got := make([]string, 0, len(reqs))
	for _, r := range reqs {
		got = append(got, r.Payload.IDValue)
	}
	assert.ElementsMatch(t, []string{"123", "456", "77"}, got)

	_, err := env.svc.Admit(ctx, env.user, KindAlbum, Payload{IDValue: "JM"})
	assert.Equal(t, CodeInvalidInput, ErrorCode(err))
}

func TestCancelSucceedsWhileStoreIsSlow(t *testing.T) {
	env := newTestEnv(t, Limits{})
	env.fetcher.block = make(chan struct{})
	env.fetcher.started = make(chan string, 1)

	// 取消の書き込みだけを遅らせ、その間にワーカーが動いても 409 にならないこと
	var delayed atomic.Bool
	env.store.beforeUpdate = func(job *Job) {
		if job.ErrorMessage == CancelledMessage && delayed.CompareAndSwap(false, true) {
			time.Sleep(50 * time.Millisecond)
		}
	}

	job, err := env.svc.Admit(context.Background(), env.user, KindAlbum, Payload{IDValue: "1"})
	require.NoError(t, err)
	<-env.fetcher.started

	cancelled, err := env.svc.Cancel(context.Background(), env.user, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, cancelled.Status)
	assert.Equal(t, CancelledMessage, cancelled.ErrorMessage)

	require.Eventually(t, func() bool { return env.svc.Scheduler().InFlight() == 0 }, 5*time.Second, 5*time.Millisecond)
	stored := env.store.job(t, job.ID)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.Equal(t, CancelledMessage, stored.ErrorMessage)
	assert.True(t, delayed.Load())
}

func TestCancelAfterConcurrentCancelReturnsJob(t *testing.T) {
	env := newTestEnv(t, Limits{})
	job := env.store.insert(t, &Job{UserID: env.user.ID, Kind: KindAlbum, Status: StatusQueued, Payload: Payload{IDValue: "1"}})

	// 保存の直前に別経路で取消が確定した場合
	var raced atomic.Bool
	env.store.beforeUpdate = func(j *Job) {
		if !raced.CompareAndSwap(false, true) {
			return
		}
		other := *j
		applyCancel(&other)
		require.NoError(t, env.store.Update(context.Background(), &other, ActiveStatuses...))
	}

	cancelled, err := env.svc.Cancel(context.Background(), env.user, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, cancelled.Status)
	assert.Equal(t, CancelledMessage, cancelled.ErrorMessage)
}

func TestCancelAfterConcurrentCompletionIsConflict(t *testing.T) {
	env := newTestEnv(t, Limits{})
	job := env.store.insert(t, &Job{UserID: env.user.ID, Kind: KindAlbum, Status: StatusMerging, Payload: Payload{IDValue: "1"}})

	var raced atomic.Bool
	env.store.beforeUpdate = func(j *Job) {
		if !raced.CompareAndSwap(false, true) {
			return
		}
		other := *j
		other.Status = StatusDone
		other.ErrorMessage = ""
		require.NoError(t, env.store.Update(context.Background(), &other))
	}

	_, err := env.svc.Cancel(context.Background(), env.user, job.ID)
	assert.Equal(t, CodeConflict, ErrorCode(err))
	assert.Equal(t, StatusDone, env.store.job(t, job.ID).Status)
}

func TestRunFailsWhenOwnerLookupErrors(t *testing.T) {
	env := newTestEnv(t, Limits{})
	job := env.store.insert(t, &Job{UserID: env.user.ID, Kind: KindAlbum, Status: StatusQueued, Payload: Payload{IDValue: "1"}})
	env.store.userErr = errors.New("db down")

	require.NoError(t, env.svc.runner.Run(context.Background(), job.ID))
	failed := env.store.job(t, job.ID)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Contains(t, failed.ErrorMessage, "db down")
	assert.Empty(t, env.fetcher.requests())
}
