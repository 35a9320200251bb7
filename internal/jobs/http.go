package jobs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"

	"github.com/Eterpy/jm-web/internal/account"
)

// UserResolver はリクエストのログインユーザーを返します。未ログインなら nil です。
type UserResolver func(c *gin.Context) *account.User

type createJobRequest struct {
	TargetType string   `json:"target_type"`
	IDValue    string   `json:"id_value"`
	AlbumIDs   []string `json:"album_ids"`
}

type searchRequest struct {
	Keyword string `json:"keyword"`
	Page    int    `json:"page"`
}

type loginRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	SaveToUser bool   `json:"save_to_user"`
}

// RegisterRoutes はログイン必須のジョブ・カタログ API を protected に、
// トークンによるダウンロードを public に登録します。
func RegisterRoutes(protected, public *gin.RouterGroup, svc *Service, currentUser UserResolver) {
	jobs := protected.Group("/jobs")
	{
		jobs.POST("", CreateHandler(svc, currentUser))
		jobs.POST("/from-search/:album_id", CreateFromSearchHandler(svc, currentUser))
		jobs.GET("", ListHandler(svc, currentUser))
		jobs.DELETE("/clear-finished", ClearFinishedHandler(svc, currentUser))
		jobs.GET("/:id", GetHandler(svc, currentUser))
		jobs.POST("/:id/cancel", CancelHandler(svc, currentUser))
		jobs.GET("/:id/download-link", DownloadLinkHandler(svc, currentUser))
	}

	catalog := protected.Group("/catalog")
	{
		catalog.POST("/search", SearchHandler(svc, currentUser))
		catalog.GET("/favorites", FavoritesHandler(svc, currentUser))
		catalog.GET("/ranking/week", RankingHandler(svc, currentUser))
		catalog.POST("/login", CatalogLoginHandler(svc, currentUser))
	}

	public.GET("/jobs/download/:token", DownloadHandler(svc))
}

// CreateHandler は POST /jobs のハンドラーを返します。
func CreateHandler(svc *Service, currentUser UserResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := requireUser(c, currentUser)
		if user == nil {
			return
		}
		var req createJobRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidInput,
				"message": "リクエストの形式が正しくありません。",
			})
			return
		}
		kind, err := ParseKind(req.TargetType)
		if err != nil {
			respondWithError(c, err)
			return
		}
		job, err := svc.Admit(c.Request.Context(), user, kind, Payload{IDValue: req.IDValue, AlbumIDs: req.AlbumIDs})
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, job)
	}
}

// CreateFromSearchHandler は POST /jobs/from-search/:album_id のハンドラーを返します。
func CreateFromSearchHandler(svc *Service, currentUser UserResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := requireUser(c, currentUser)
		if user == nil {
			return
		}
		job, err := svc.Admit(c.Request.Context(), user, KindAlbum, Payload{IDValue: c.Param("album_id")})
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, job)
	}
}

// ListHandler は GET /jobs のハンドラーを返します。
func ListHandler(svc *Service, currentUser UserResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := requireUser(c, currentUser)
		if user == nil {
			return
		}
		jobs, err := svc.List(c.Request.Context(), user)
		if err != nil {
			respondWithError(c, err)
			return
		}
		if jobs == nil {
			jobs = []*Job{}
		}
		c.JSON(http.StatusOK, jobs)
	}
}

// GetHandler は GET /jobs/:id のハンドラーを返します。
func GetHandler(svc *Service, currentUser UserResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := requireUser(c, currentUser)
		if user == nil {
			return
		}
		id, ok := parseJobID(c)
		if !ok {
			return
		}
		job, err := svc.Get(c.Request.Context(), user, id)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

// CancelHandler は POST /jobs/:id/cancel のハンドラーを返します。
func CancelHandler(svc *Service, currentUser UserResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := requireUser(c, currentUser)
		if user == nil {
			return
		}
		id, ok := parseJobID(c)
		if !ok {
			return
		}
		job, err := svc.Cancel(c.Request.Context(), user, id)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"cancelled": true, "job": job})
	}
}

// DownloadLinkHandler は GET /jobs/:id/download-link のハンドラーを返します。
func DownloadLinkHandler(svc *Service, currentUser UserResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := requireUser(c, currentUser)
		if user == nil {
			return
		}
		id, ok := parseJobID(c)
		if !ok {
			return
		}
		link, err := svc.DownloadLink(c.Request.Context(), user, id)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, link)
	}
}

// ClearFinishedHandler は DELETE /jobs/clear-finished のハンドラーを返します。
func ClearFinishedHandler(svc *Service, currentUser UserResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := requireUser(c, currentUser)
		if user == nil {
			return
		}
		count, err := svc.ClearFinished(c.Request.Context(), user)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted_count": count})
	}
}

// DownloadHandler は GET /jobs/download/:token のハンドラーを返します。ログインは不要です。
func DownloadHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		download, err := svc.OpenDownload(c.Request.Context(), c.Param("token"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		if err := streamDownload(c, download); err != nil {
			respondWithError(c, err)
		}
	}
}

// SearchHandler は POST /catalog/search のハンドラーを返します。
func SearchHandler(svc *Service, currentUser UserResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := requireUser(c, currentUser)
		if user == nil {
			return
		}
		req := searchRequest{Page: 1}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidInput,
				"message": "リクエストの形式が正しくありません。",
			})
			return
		}
		items, err := svc.Search(c.Request.Context(), user, req.Keyword, req.Page)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, nonNilItems(items))
	}
}

// FavoritesHandler は GET /catalog/favorites のハンドラーを返します。
func FavoritesHandler(svc *Service, currentUser UserResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := requireUser(c, currentUser)
		if user == nil {
			return
		}
		page, ok := parsePage(c)
		if !ok {
			return
		}
		items, err := svc.Favorites(c.Request.Context(), user, page)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, nonNilItems(items))
	}
}

// RankingHandler は GET /catalog/ranking/week のハンドラーを返します。
func RankingHandler(svc *Service, currentUser UserResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := requireUser(c, currentUser)
		if user == nil {
			return
		}
		page, ok := parsePage(c)
		if !ok {
			return
		}
		items, err := svc.WeeklyRanking(c.Request.Context(), user, page)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, nonNilItems(items))
	}
}

// CatalogLoginHandler は POST /catalog/login のハンドラーを返します。
func CatalogLoginHandler(svc *Service, currentUser UserResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := requireUser(c, currentUser)
		if user == nil {
			return
		}
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidInput,
				"message": "リクエストの形式が正しくありません。",
			})
			return
		}
		if err := svc.SaveFetchCredential(c.Request.Context(), user, req.Username, req.Password, req.SaveToUser); err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

func requireUser(c *gin.Context, currentUser UserResolver) *account.User {
	user := currentUser(c)
	if user == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"code":    "AUTH_REQUIRED",
			"message": "ログインが必要です。",
		})
	}
	return user
}

func parseJobID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    CodeInvalidInput,
			"message": "ジョブIDが不正です。",
		})
		return 0, false
	}
	return id, true
}

func parsePage(c *gin.Context) (int, bool) {
	raw := c.DefaultQuery("page", "1")
	page, err := strconv.Atoi(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    CodeInvalidInput,
			"message": "page は整数で指定してください。",
		})
		return 0, false
	}
	return page, true
}

func nonNilItems(items []CatalogItem) []CatalogItem {
	if items == nil {
		return []CatalogItem{}
	}
	return items
}

func respondWithError(c *gin.Context, err error) {
	var jobErr *Error
	switch {
	case errors.As(err, &jobErr):
		c.JSON(statusForCode(jobErr.Code), gin.H{
			"code":    jobErr.Code,
			"message": jobErr.Error(),
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}

func statusForCode(code string) int {
	switch code {
	case CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case CodeInvalidInput, CodeFetchFailed:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeExpired:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func streamDownload(c *gin.Context, download *Download) error {
	file, err := os.Open(download.Path)
	if err != nil {
		return fmt.Errorf("成果物の読み込みに失敗しました: %w", err)
	}
	defer file.Close()

	contentType := "application/octet-stream"
	if mtype, err := mimetype.DetectFile(download.Path); err == nil {
		contentType = mtype.String()
	}

	encodedName := url.PathEscape(download.Name)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", download.Name, encodedName))
	c.Header("Cache-Control", "no-store")
	c.Header("X-Job-Id", strconv.FormatInt(download.JobID, 10))
	c.DataFromReader(http.StatusOK, download.Size, contentType, file, nil)
	return nil
}
