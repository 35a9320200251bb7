package jobs

import "context"

// Credential は取得元へのログイン情報です。
type Credential struct {
	Username string
	Password string
}

// FetchRequest は取得元から保存先へ取得する対象です。
type FetchRequest struct {
	Kind       Kind
	Payload    Payload
	Dest       string
	Credential *Credential
}

// Fetcher は取得元のコンテンツを Dest 以下に保存します。
// 複数の本を取得する場合、Dest 直下に本ごとのディレクトリを作ります。
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) error
}

// CatalogItem は検索結果などの1件です。
type CatalogItem struct {
	AlbumID string `json:"album_id"`
	Title   string `json:"title"`
}

// Catalog は取得元の読み取り専用の問い合わせです。
type Catalog interface {
	Search(ctx context.Context, keyword string, page int, cred *Credential) ([]CatalogItem, error)
	Favorites(ctx context.Context, page int, cred *Credential) ([]CatalogItem, error)
	WeeklyRanking(ctx context.Context, page int, cred *Credential) ([]CatalogItem, error)
	VerifyLogin(ctx context.Context, cred Credential) error
}

// Cipher は保存する取得元パスワードの暗号化と復号を行います。
type Cipher interface {
	Encrypt(plain string) (string, error)
	Decrypt(encoded string) (string, error)
}
