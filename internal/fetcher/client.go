// Package fetcher は取得元APIからアルバムと画像を取得し、検索などの問い合わせを行います。
// 複数のベースURLを順に試し、ベースURLごとにサーキットブレーカーを持ちます。
package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Eterpy/jm-web/internal/jobs"
)

const (
	maxImageBytes    = 64 << 20
	maxMetadataBytes = 8 << 20
)

// ErrNoBaseURL はベースURLが1つも設定されていない場合のエラーです。
var ErrNoBaseURL = errors.New("no fetch base url configured")

// Options は Client の設定です。
type Options struct {
	BaseURLs      []string
	Timeout       time.Duration
	Concurrency   int
	RatePerSecond int
	HTTPClient    *http.Client
	Logger        *logrus.Logger
}

type mirror struct {
	base    *url.URL
	breaker *gobreaker.CircuitBreaker
}

// Client は jobs.Fetcher と jobs.Catalog を実装します。
type Client struct {
	mirrors     []mirror
	http        *http.Client
	limiter     *rate.Limiter
	concurrency int
	logger      *logrus.Entry
}

var (
	_ jobs.Fetcher = (*Client)(nil)
	_ jobs.Catalog = (*Client)(nil)
)

// New は Client を作成します。
func New(opts Options) (*Client, error) {
	if len(opts.BaseURLs) == 0 {
		return nil, ErrNoBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.RatePerSecond)
	}

	mirrors := make([]mirror, 0, len(opts.BaseURLs))
	for _, raw := range opts.BaseURLs {
		base, err := url.Parse(strings.TrimRight(raw, "/"))
		if err != nil || base.Scheme == "" || base.Host == "" {
			return nil, fmt.Errorf("invalid fetch base url %q", raw)
		}
		mirrors = append(mirrors, mirror{base: base, breaker: newBreaker(base.String())})
	}

	return &Client{
		mirrors:     mirrors,
		http:        httpClient,
		limiter:     limiter,
		concurrency: opts.Concurrency,
		logger:      logger.WithField("component", "fetcher"),
	}, nil
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// 利用者の中止は取得元の障害として数えない
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
}

// withMirror は fn をベースURLの順に試し、最初に成功した時点で終了します。
// すべて失敗した場合は "base: err; base: err" 形式のエラーを返します。
func (c *Client) withMirror(ctx context.Context, fn func(base *url.URL) error) error {
	failures := make([]string, 0, len(c.mirrors))
	for _, m := range c.mirrors {
		_, err := m.breaker.Execute(func() (any, error) {
			return nil, fn(m.base)
		})
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		c.logger.WithError(err).WithField("base", m.base.String()).Debug("fetch base failed")
		failures = append(failures, fmt.Sprintf("%s: %v", m.base.String(), err))
	}
	return errors.New(strings.Join(failures, "; "))
}

type photoResponse struct {
	ID     string   `json:"id"`
	Images []string `json:"images"`
}

type albumResponse struct {
	ID     string          `json:"id"`
	Title  string          `json:"title"`
	Photos []photoResponse `json:"photos"`
}

type listResponse struct {
	Items []jobs.CatalogItem `json:"items"`
}

// Fetch は種別に応じて Dest 以下へ画像を保存します。
//
//	album:       Dest/<アルバムID>/<章番号>/00001.jpg
//	photo:       Dest/<章ID>/00001.jpg
//	multi_album: album と同じ配置をアルバムごとに繰り返します
func (c *Client) Fetch(ctx context.Context, req jobs.FetchRequest) error {
	switch req.Kind {
	case jobs.KindAlbum:
		return c.fetchAlbum(ctx, req.Payload.IDValue, req.Dest, req.Credential)
	case jobs.KindPhoto:
		return c.fetchPhoto(ctx, req.Payload.IDValue, req.Dest, req.Credential)
	case jobs.KindMultiAlbum:
		for _, id := range req.Payload.AlbumIDs {
			if err := c.fetchAlbum(ctx, id, req.Dest, req.Credential); err != nil {
				return fmt.Errorf("album %s: %w", id, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported job type %q", req.Kind)
	}
}

func (c *Client) fetchAlbum(ctx context.Context, raw, dest string, cred *jobs.Credential) error {
	id := jobs.NormalizeAlbumID(raw)
	if id == "" {
		return errors.New("album id is empty")
	}
	return c.withMirror(ctx, func(base *url.URL) error {
		var album albumResponse
		if err := c.getJSON(ctx, base, "/album/"+url.PathEscape(id), nil, cred, &album); err != nil {
			return err
		}
		total := 0
		for _, photo := range album.Photos {
			total += len(photo.Images)
		}
		if total == 0 {
			return fmt.Errorf("album %s has no images", id)
		}

		// 前のミラーで途中まで保存した画像を残さない
		root := filepath.Join(dest, id)
		if err := os.RemoveAll(root); err != nil {
			return fmt.Errorf("failed to reset album directory: %w", err)
		}
		for i, photo := range album.Photos {
			dir := filepath.Join(root, strconv.Itoa(i+1))
			if err := c.downloadImages(ctx, base, photo.Images, dir, cred); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *Client) fetchPhoto(ctx context.Context, raw, dest string, cred *jobs.Credential) error {
	id := jobs.NormalizePhotoID(raw)
	if id == "" {
		return errors.New("photo id is empty")
	}
	return c.withMirror(ctx, func(base *url.URL) error {
		var photo photoResponse
		if err := c.getJSON(ctx, base, "/photo/"+url.PathEscape(id), nil, cred, &photo); err != nil {
			return err
		}
		if len(photo.Images) == 0 {
			return fmt.Errorf("photo %s has no images", id)
		}
		dir := filepath.Join(dest, id)
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to reset photo directory: %w", err)
		}
		return c.downloadImages(ctx, base, photo.Images, dir, cred)
	})
}

// downloadImages は画像を並列に取得し、dir に 00001 からの連番で保存します。
func (c *Client) downloadImages(ctx context.Context, base *url.URL, images []string, dir string, cred *jobs.Credential) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create image directory: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, ref := range images {
		name := fmt.Sprintf("%05d", i+1)
		g.Go(func() error {
			return c.downloadImage(gctx, base, ref, filepath.Join(dir, name), cred)
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return err
	}
	return nil
}

func (c *Client) downloadImage(ctx context.Context, base *url.URL, ref, dstNoExt string, cred *jobs.Credential) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	target, err := base.Parse(ref)
	if err != nil {
		return fmt.Errorf("invalid image url %q: %w", ref, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return err
	}
	data, err := c.do(req, cred, maxImageBytes)
	if err != nil {
		return fmt.Errorf("image %s: %w", ref, err)
	}

	mtype := mimetype.Detect(data)
	if !strings.HasPrefix(mtype.String(), "image/") {
		return fmt.Errorf("image %s: unexpected content type %s", ref, mtype.String())
	}
	if err := os.WriteFile(dstNoExt+mtype.Extension(), data, 0o640); err != nil {
		return fmt.Errorf("failed to save image: %w", err)
	}
	return nil
}

// Search はキーワードでアルバムを検索します。
func (c *Client) Search(ctx context.Context, keyword string, page int, cred *jobs.Credential) ([]jobs.CatalogItem, error) {
	query := url.Values{"q": {keyword}, "page": {strconv.Itoa(page)}}
	return c.list(ctx, "/search", query, cred)
}

// Favorites はログインユーザーのお気に入りを返します。
func (c *Client) Favorites(ctx context.Context, page int, cred *jobs.Credential) ([]jobs.CatalogItem, error) {
	if cred == nil {
		return nil, errors.New("favorites require a credential")
	}
	return c.list(ctx, "/favorites", url.Values{"page": {strconv.Itoa(page)}}, cred)
}

// WeeklyRanking は週間ランキングを返します。
func (c *Client) WeeklyRanking(ctx context.Context, page int, cred *jobs.Credential) ([]jobs.CatalogItem, error) {
	return c.list(ctx, "/ranking/week", url.Values{"page": {strconv.Itoa(page)}}, cred)
}

func (c *Client) list(ctx context.Context, path string, query url.Values, cred *jobs.Credential) ([]jobs.CatalogItem, error) {
	var items []jobs.CatalogItem
	err := c.withMirror(ctx, func(base *url.URL) error {
		var resp listResponse
		if err := c.getJSON(ctx, base, path, query, cred, &resp); err != nil {
			return err
		}
		items = resp.Items
		return nil
	})
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []jobs.CatalogItem{}
	}
	return items, nil
}

// VerifyLogin は取得元でログインできるかを確認します。
func (c *Client) VerifyLogin(ctx context.Context, cred jobs.Credential) error {
	body, err := json.Marshal(map[string]string{"username": cred.Username, "password": cred.Password})
	if err != nil {
		return err
	}
	return c.withMirror(ctx, func(base *url.URL) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base.JoinPath("/login").String(), bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		_, err = c.do(req, nil, maxMetadataBytes)
		return err
	})
}

func (c *Client) getJSON(ctx context.Context, base *url.URL, path string, query url.Values, cred *jobs.Credential, out any) error {
	target := base.JoinPath(path)
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	data, err := c.do(req, cred, maxMetadataBytes)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

// StatusError は取得元が 2xx 以外を返した場合のエラーです。
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

func (c *Client) do(req *http.Request, cred *jobs.Credential, limit int64) ([]byte, error) {
	if cred != nil {
		req.SetBasicAuth(cred.Username, cred.Password)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("response exceeds %d bytes", limit)
	}
	return data, nil
}
