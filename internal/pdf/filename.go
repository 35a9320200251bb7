package pdf

import "strings"

const blockedFilenameChars = `<>:"/\|?*`

// SanitizeFilename はファイル名に使えない文字を "_" に置き換えます。
// 空になった場合は "download" を返します。
func SanitizeFilename(name string) string {
	out := strings.Map(func(r rune) rune {
		if strings.ContainsRune(blockedFilenameChars, r) {
			return '_'
		}
		return r
	}, name)
	out = strings.TrimSpace(out)
	if out == "" {
		return "download"
	}
	return out
}
