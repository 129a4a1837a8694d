package client

import "net/http"

// TokenSource は送信時点のトークンを返す。Sessionが実装する。
type TokenSource interface {
	Token() string
}

// BearerTransport はリクエストごとにTokenSourceからトークンを読み、
// Authorization: Bearerヘッダーを付与するhttp.RoundTripper。
// トークンがない場合はヘッダーを付与しない。
type BearerTransport struct {
	Base   http.RoundTripper
	Source TokenSource
}

var _ http.RoundTripper = (*BearerTransport)(nil)

// RoundTrip はhttp.RoundTripperを実装する。元のリクエストは変更しない。
func (t *BearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	token := t.Source.Token()
	if token == "" {
		return base.RoundTrip(req)
	}

	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+token)
	return base.RoundTrip(clone)
}
