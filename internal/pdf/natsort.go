package pdf

import (
	"cmp"
	"path"
	"slices"
	"strings"
)

type chunk struct {
	digits bool
	text   string
}

func isDigit(b byte) bool {
	return '0' <= b && b <= '9'
}

// splitChunks は文字列を数字の連続と非数字の連続に分割します。
func splitChunks(s string) []chunk {
	var chunks []chunk
	for start := 0; start < len(s); {
		digits := isDigit(s[start])
		end := start + 1
		for end < len(s) && isDigit(s[end]) == digits {
			end++
		}
		chunks = append(chunks, chunk{digits: digits, text: s[start:end]})
		start = end
	}
	return chunks
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return false
		}
	}
	return true
}

// compareDigits は数字列を数値として比較します。桁数の上限はありません。
func compareDigits(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if c := cmp.Compare(len(a), len(b)); c != 0 {
		return c
	}
	return strings.Compare(a, b)
}

// CompareNatural は1つのパス要素を自然順で比較します。
// 数字のみの要素は混在した要素より前に並び、数字の連続は数値として、
// それ以外は大文字小文字を無視して比較します。
func CompareNatural(a, b string) int {
	an, bn := allDigits(a), allDigits(b)
	switch {
	case an && bn:
		return compareDigits(a, b)
	case an:
		return -1
	case bn:
		return 1
	}

	ca, cb := splitChunks(a), splitChunks(b)
	for i := 0; i < len(ca) && i < len(cb); i++ {
		x, y := ca[i], cb[i]
		if x.digits != y.digits {
			if x.digits {
				return -1
			}
			return 1
		}
		var c int
		if x.digits {
			c = compareDigits(x.text, y.text)
		} else {
			c = strings.Compare(strings.ToLower(x.text), strings.ToLower(y.text))
		}
		if c != 0 {
			return c
		}
	}
	return cmp.Compare(len(ca), len(cb))
}

// ComparePath は "/" 区切りの相対パスを比較します。
// ディレクトリ要素はそのまま、最後の要素は拡張子を除いた名前で比較します。
// 順序が決まらない場合は元の文字列で比較し、列挙順に依存しないようにします。
func ComparePath(a, b string) int {
	ka, kb := pathKey(a), pathKey(b)
	for i := 0; i < len(ka) && i < len(kb); i++ {
		if c := CompareNatural(ka[i], kb[i]); c != 0 {
			return c
		}
	}
	if c := cmp.Compare(len(ka), len(kb)); c != 0 {
		return c
	}
	return strings.Compare(a, b)
}

func pathKey(rel string) []string {
	parts := strings.Split(rel, "/")
	last := parts[len(parts)-1]
	parts[len(parts)-1] = strings.TrimSuffix(last, path.Ext(last))
	return parts
}

// SortPaths は相対パスを ComparePath の順に並べ替えます。
func SortPaths(paths []string) {
	slices.SortFunc(paths, ComparePath)
}

// SortNames はパス要素名を CompareNatural の順に並べ替えます。
func SortNames(names []string) {
	slices.SortFunc(names, func(a, b string) int {
		if c := CompareNatural(a, b); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})
}
