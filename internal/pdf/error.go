// Package pdf は取得した画像ファイルを成果物（PDF または PDF の zip）にまとめます。
package pdf

import "fmt"

// Error は成果物生成の失敗を表します。Code は呼び出し側が分岐に使う識別子です。
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

const (
	CodeNoImages         = "NO_IMAGES"
	CodeNoAlbums         = "NO_ALBUMS"
	CodeUnsupportedImage = "UNSUPPORTED_IMAGE"
	CodeBuildFailed      = "PDF_BUILD_FAILED"
	CodeArchiveFailed    = "ARCHIVE_FAILED"
)
