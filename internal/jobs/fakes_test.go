package jobs

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Eterpy/jm-web/internal/account"
	"github.com/Eterpy/jm-web/internal/logging"
	"github.com/Eterpy/jm-web/internal/secret"
	"github.com/Eterpy/jm-web/internal/storage"
)

type memStore struct {
	mu       sync.Mutex
	jobs     map[int64]*Job
	users    map[int64]*account.User
	nextJob  int64
	nextUser int64

	// beforeUpdate はロックを取る前に Update ごとに呼ばれます。
	beforeUpdate func(job *Job)
	// userErr を設定すると GetUser はそのエラーを返します。
	userErr error
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[int64]*Job), users: make(map[int64]*account.User)}
}

func cloneJob(j *Job) *Job {
	c := *j
	c.Payload.AlbumIDs = slices.Clone(j.Payload.AlbumIDs)
	if j.MergedAt != nil {
		t := *j.MergedAt
		c.MergedAt = &t
	}
	if j.ExpiresAt != nil {
		t := *j.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

func (m *memStore) CreateUser(_ context.Context, user *account.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextUser++
	user.ID = m.nextUser
	u := *user
	m.users[user.ID] = &u
	return nil
}

func (m *memStore) GetUser(_ context.Context, id int64) (*account.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.userErr != nil {
		return nil, m.userErr
	}
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	c := *u
	return &c, nil
}

func (m *memStore) GetUserByUsername(_ context.Context, username string) (*account.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			c := *u
			return &c, nil
		}
	}
	return nil, nil
}

func (m *memStore) UpdateUser(_ context.Context, user *account.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user.ID]; !ok {
		return fmt.Errorf("user %d not found", user.ID)
	}
	u := *user
	m.users[user.ID] = &u
	return nil
}

func (m *memStore) HasAdmin(_ context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.IsAdmin() {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) Create(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextJob++
	job.ID = m.nextJob
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *memStore) Get(_ context.Context, id int64) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, nil
	}
	return cloneJob(j), nil
}

func (m *memStore) GetByToken(_ context.Context, token string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if token != "" && j.DownloadToken == token {
			return cloneJob(j), nil
		}
	}
	return nil, nil
}

func (m *memStore) List(_ context.Context, filter Filter) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Job
	for _, j := range m.jobs {
		if filter.Match(j) {
			out = append(out, cloneJob(j))
		}
	}
	slices.SortFunc(out, func(a, b *Job) int { return int(b.ID - a.ID) })
	return out, nil
}

func (m *memStore) Update(_ context.Context, job *Job, expect ...Status) error {
	m.mu.Lock()
	hook := m.beforeUpdate
	m.mu.Unlock()
	if hook != nil {
		hook(job)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[job.ID]
	if !ok {
		return fmt.Errorf("job %d not found", job.ID)
	}
	if len(expect) > 0 && !slices.Contains(expect, cur.Status) {
		return ErrStatusChanged
	}
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *memStore) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

// insert はジョブをそのままの状態で保存します。
func (m *memStore) insert(t *testing.T, job *Job) *Job {
	t.Helper()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	require.NoError(t, m.Create(context.Background(), job))
	return job
}

func (m *memStore) job(t *testing.T, id int64) *Job {
	t.Helper()
	j, err := m.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, j)
	return j
}

type fakeFetcher struct {
	mu      sync.Mutex
	calls   []FetchRequest
	err     error
	block   chan struct{}
	started chan string
}

func (f *fakeFetcher) Fetch(ctx context.Context, req FetchRequest) error {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	if f.started != nil {
		f.started <- req.Payload.IDValue
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.err != nil {
		return f.err
	}

	switch req.Kind {
	case KindMultiAlbum:
		for _, id := range req.Payload.AlbumIDs {
			writeImage(filepath.Join(req.Dest, id, "1", "00001.png"))
		}
	case KindPhoto:
		id := NormalizePhotoID(req.Payload.IDValue)
		writeImage(filepath.Join(req.Dest, id, "00001.png"))
	default:
		id := NormalizeAlbumID(req.Payload.IDValue)
		writeImage(filepath.Join(req.Dest, id, "1", "00001.png"))
		writeImage(filepath.Join(req.Dest, id, "2", "00001.png"))
	}
	return nil
}

func (f *fakeFetcher) requests() []FetchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func writeImage(path string) {
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	img := image.NewNRGBA(image.Rect(0, 0, 6, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 6; x++ {
			img.Set(x, y, color.NRGBA{R: 200, G: 40, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	_ = os.WriteFile(path, buf.Bytes(), 0o640)
}

type fakeCatalog struct {
	items    []CatalogItem
	err      error
	loginErr error
	lastCred *Credential
}

func (f *fakeCatalog) Search(_ context.Context, _ string, _ int, cred *Credential) ([]CatalogItem, error) {
	f.lastCred = cred
	return f.items, f.err
}

func (f *fakeCatalog) Favorites(_ context.Context, _ int, cred *Credential) ([]CatalogItem, error) {
	f.lastCred = cred
	return f.items, f.err
}

func (f *fakeCatalog) WeeklyRanking(_ context.Context, _ int, cred *Credential) ([]CatalogItem, error) {
	f.lastCred = cred
	return f.items, f.err
}

func (f *fakeCatalog) VerifyLogin(_ context.Context, cred Credential) error {
	f.lastCred = &cred
	return f.loginErr
}

type testEnv struct {
	svc     *Service
	store   *memStore
	files   *storage.Local
	fetcher *fakeFetcher
	catalog *fakeCatalog
	box     *secret.Box
	user    *account.User
	admin   *account.User
}

func newTestEnv(t *testing.T, limits Limits) *testEnv {
	t.Helper()
	root := t.TempDir()
	files, err := storage.NewLocal(filepath.Join(root, "downloads"), filepath.Join(root, "tmp"))
	require.NoError(t, err)
	box, err := secret.NewBox("test-key")
	require.NoError(t, err)

	store := newMemStore()
	user := &account.User{Username: "alice", Role: account.RoleUser, Active: true}
	admin := &account.User{Username: "root", Role: account.RoleAdmin, Active: true}
	require.NoError(t, store.CreateUser(context.Background(), user))
	require.NoError(t, store.CreateUser(context.Background(), admin))

	env := &testEnv{
		store:   store,
		files:   files,
		fetcher: &fakeFetcher{},
		catalog: &fakeCatalog{},
		box:     box,
		user:    user,
		admin:   admin,
	}
	env.svc = NewService(ServiceOptions{
		Store:        store,
		Files:        files,
		Fetcher:      env.fetcher,
		Catalog:      env.catalog,
		Cipher:       box,
		Limits:       limits,
		Parallel:     2,
		LinkTTL:      time.Hour,
		DownloadPath: "/api/v1/jobs/download/",
		Logger:       logging.Discard(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = env.svc.Shutdown(ctx)
	})
	return env
}

// setClock は時刻に依存する処理の現在時刻を差し替えます。
func (e *testEnv) setClock(now func() time.Time) {
	e.svc.now = now
	e.svc.runner.now = now
	e.svc.sweeper.now = now
	e.svc.quota.now = now
}

func (e *testEnv) waitStatus(t *testing.T, id int64, want Status) *Job {
	t.Helper()
	require.Eventuallyf(t, func() bool {
		job, _ := e.store.Get(context.Background(), id)
		return job != nil && job.Status == want
	}, 10*time.Second, 10*time.Millisecond, "job %d did not reach %s", id, want)
	require.Eventually(t, func() bool { return e.svc.Scheduler().InFlight() == 0 }, 10*time.Second, 10*time.Millisecond)
	return e.store.job(t, id)
}
