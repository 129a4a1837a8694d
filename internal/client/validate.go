package client

import (
	"regexp"
	"sort"
	"unicode/utf8"
)

// emailPattern はフォームで受け付けるメールアドレスの形式。
var emailPattern = regexp.MustCompile(`(?i)^[A-Z0-9._%+-]+@[A-Z0-9.-]+\.[A-Z]{2,}$`)

// Values はフォームの入力値。
type Values map[string]string

// Rule はフィールドの値を検証し、違反していればメッセージを返す。
type Rule func(values Values, field string) string

// FieldRules はフィールドと規則の組。規則は先頭から評価し、最初の違反のみ報告する。
type FieldRules struct {
	Field string
	Rules []Rule
}

// Schema はフォーム全体の検証規則。
type Schema []FieldRules

// Validate は全フィールドを検証し、フィールド名からメッセージへのマップを返す。
// 違反がなければ空のマップを返す。
func (s Schema) Validate(values Values) map[string]string {
	errs := make(map[string]string)
	for _, fr := range s {
		for _, rule := range fr.Rules {
			if msg := rule(values, fr.Field); msg != "" {
				errs[fr.Field] = msg
				break
			}
		}
	}
	return errs
}

// Required は空でないことを要求する。
func Required(msg string) Rule {
	return func(v Values, field string) string {
		if v[field] == "" {
			return msg
		}
		return ""
	}
}

// Email はメールアドレスの形式を要求する。空の場合はRequiredに任せる。
func Email(msg string) Rule {
	return func(v Values, field string) string {
		if s := v[field]; s != "" && !emailPattern.MatchString(s) {
			return msg
		}
		return ""
	}
}

// MinLen は最小文字数を要求する。
func MinLen(n int, msg string) Rule {
	return func(v Values, field string) string {
		if s := v[field]; s != "" && utf8.RuneCountInString(s) < n {
			return msg
		}
		return ""
	}
}

// MaxLen は最大文字数を要求する。
func MaxLen(n int, msg string) Rule {
	return func(v Values, field string) string {
		if utf8.RuneCountInString(v[field]) > n {
			return msg
		}
		return ""
	}
}

// Matches は別フィールドと同じ値であることを要求する。
func Matches(other, msg string) Rule {
	return func(v Values, field string) string {
		if v[field] != v[other] {
			return msg
		}
		return ""
	}
}

// LoginSchema はログインフォームの検証規則。
var LoginSchema = Schema{
	{Field: "email", Rules: []Rule{Required("Email is required")}},
	{Field: "password", Rules: []Rule{Required("Password is required")}},
}

// SignupSchema はサインアップフォームの検証規則。
var SignupSchema = Schema{
	{Field: "email", Rules: []Rule{
		Required("Email is required"),
		Email("Invalid email address"),
	}},
	{Field: "password", Rules: []Rule{
		Required("Password is required"),
		MinLen(6, "Password must be at least 6 characters"),
		MaxLen(72, "Password must be at most 72 characters"),
	}},
	{Field: "confirmPassword", Rules: []Rule{
		Required("Please confirm your password"),
		Matches("password", "Passwords do not match"),
	}},
}

// ValidationError はフォーム検証エラー。リクエストは送信されていない。
type ValidationError struct {
	Fields map[string]string
}

// Error はフィールド名順で最初のメッセージを返す。
func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return "validation failed"
	}
	return e.Fields[keys[0]]
}
