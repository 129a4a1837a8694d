// Package security はアプリケーションのセキュリティ機能を提供する。
//
// HTMLSanitizer はプロダクト説明文などユーザー入力のHTMLをサニタイズする。
// bluemondayの許可リストポリシーで安全なタグと属性のみを通過させる。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// HTMLSanitizer はユーザー入力のサニタイズ機能のインターフェース。
type HTMLSanitizer interface {
	// Sanitize は説明文のHTMLから許可されていないタグと属性を除去する。
	// 許可タグ: p, br, ul, ol, li, strong, em, b, i, a（hrefはhttp/httpsのみ）。
	Sanitize(rawHTML string) string

	// StripTags はすべてのタグを除去したプレーンテキストを返す。前後の空白も除去する。
	// 名前、カテゴリ、バッジなどの単一行フィールドに使用する。
	StripTags(text string) string
}

type htmlSanitizer struct {
	rich   *bluemonday.Policy
	strict *bluemonday.Policy
}

// NewHTMLSanitizer はHTMLSanitizerを生成する。
func NewHTMLSanitizer() *htmlSanitizer {
	p := bluemonday.NewPolicy()
	p.AllowElements("p", "br", "ul", "ol", "li", "strong", "em", "b", "i")

	// 外部リンクは新しいタブで開き、リファラを送らない
	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("http", "https")
	p.AllowRelativeURLs(false)
	p.RequireParseableURLs(true)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	return &htmlSanitizer{
		rich:   p,
		strict: bluemonday.StrictPolicy(),
	}
}

func (s *htmlSanitizer) Sanitize(rawHTML string) string {
	return strings.TrimSpace(s.rich.Sanitize(rawHTML))
}

func (s *htmlSanitizer) StripTags(text string) string {
	// StrictPolicyは&などをエスケープするため、プレーンテキストとして戻す
	return strings.TrimSpace(html.UnescapeString(s.strict.Sanitize(text)))
}

var _ HTMLSanitizer = (*htmlSanitizer)(nil)
