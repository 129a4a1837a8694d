package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// 失敗時にサーバーのdetailがない場合に表示する文言。
const (
	FallbackLogin  = "Login failed. Please try again."
	FallbackSignup = "Signup failed. Please try again."
	FallbackVerify = "Invalid verification code. Please try again."
	FallbackResend = "Failed to resend code. Please try again."
	FallbackGoogle = "Google Sign-In failed. Please try again."
)

// maxErrorBodySize はエラーレスポンスとして読み取るボディの上限。
const maxErrorBodySize = 64 << 10

// APIError はAPIが返したエラーレスポンス。
type APIError struct {
	StatusCode int
	Code       string
	Detail     string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return fmt.Sprintf("APIがステータス %d を返しました", e.StatusCode)
}

// Message はエラーからユーザーに表示する文言を取り出す。
// サーバーのdetailがあればそれを、なければfallbackを返す。
func Message(err error, fallback string) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Detail != "" {
		return apiErr.Detail
	}
	return fallback
}

// SignupResponse はサインアップのレスポンス。
type SignupResponse struct {
	Message string `json:"message"`
	Email   string `json:"email"`
}

// OTPChallenge はOTP入力を要求するレスポンス。
type OTPChallenge struct {
	Message     string `json:"message"`
	Email       string `json:"email"`
	RequiresOTP bool   `json:"requires_otp"`
}

// AuthResponse はトークン発行のレスポンス。
type AuthResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	User        User      `json:"user"`
}

// Product はプロダクト情報。
type Product struct {
	ID            int64      `json:"id"`
	Name          string     `json:"name"`
	Category      string     `json:"category"`
	CategoryLink  string     `json:"category_link"`
	Description   string     `json:"description"`
	Price         float64    `json:"price"`
	OriginalPrice float64    `json:"original_price"`
	Rating        float64    `json:"rating"`
	ReviewCount   int        `json:"review_count"`
	Image         string     `json:"image"`
	Badge         string     `json:"badge"`
	DealEnds      string     `json:"deal_ends"`
	CreatedBy     int64      `json:"created_by"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     *time.Time `json:"updated_at"`
}

// ProductInput はプロダクトの作成、更新の入力。省略した項目は送信しない。
type ProductInput struct {
	Name          string  `json:"name,omitempty"`
	Category      string  `json:"category,omitempty"`
	CategoryLink  string  `json:"category_link,omitempty"`
	Description   string  `json:"description,omitempty"`
	Price         float64 `json:"price"`
	OriginalPrice float64 `json:"original_price,omitempty"`
	Image         string  `json:"image,omitempty"`
	Badge         string  `json:"badge,omitempty"`
	DealEnds      string  `json:"deal_ends,omitempty"`
}

// TemplateStatus はテンプレート同期の状態。
type TemplateStatus struct {
	Status    string     `json:"status"`
	LastSync  *time.Time `json:"last_sync"`
	FileCount int        `json:"file_count"`
	Repo      string     `json:"repo"`
	Branch    string     `json:"branch"`
}

// TemplateEntry はテンプレートのファイルまたはディレクトリ。
type TemplateEntry struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	Type      string `json:"type"`
	Size      int64  `json:"size,omitempty"`
	Extension string `json:"extension,omitempty"`
}

// TemplateListing はディレクトリ一覧。
type TemplateListing struct {
	Path     string          `json:"path"`
	Items    []TemplateEntry `json:"items"`
	Parent   *string         `json:"parent"`
	LastSync *time.Time      `json:"last_sync"`
}

// TemplateContent はファイルの内容。
type TemplateContent struct {
	Path      string `json:"path"`
	Name      string `json:"name"`
	Content   string `json:"content"`
	Extension string `json:"extension"`
	Size      int    `json:"size"`
}

// APIClient はAPIの型付きクライアント。
// 保護されたエンドポイントへのトークン付与はhttpClientのTransportが行う。
type APIClient struct {
	baseURL    *url.URL
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPClient はsourceのトークンを付与するhttp.Clientを生成する。
func NewHTTPClient(source TokenSource, base http.RoundTripper, timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &BearerTransport{Base: base, Source: source},
		Timeout:   timeout,
	}
}

// NewAPIClient はAPIClientを生成する。
func NewAPIClient(baseURL string, httpClient *http.Client, logger *slog.Logger) (*APIClient, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("ベースURLのパースに失敗しました: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("ベースURLのスキームが不正です: %q", baseURL)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &APIClient{baseURL: u, httpClient: httpClient, logger: logger}, nil
}

// Signup はユーザー登録する。確認用パスワードは送信しない。
func (c *APIClient) Signup(ctx context.Context, email, password string) (*SignupResponse, error) {
	var out SignupResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/auth/signup", nil, map[string]string{
		"email":    email,
		"password": password,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Login はフォーム形式（username, password）でログインし、OTPの送信を要求する。
func (c *APIClient) Login(ctx context.Context, email, password string) (*OTPChallenge, error) {
	form := url.Values{}
	form.Set("username", email)
	form.Set("password", password)

	var out OTPChallenge
	err := c.do(ctx, http.MethodPost, "/api/auth/login", nil,
		strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyOTP は認証コードを検証し、トークンを受け取る。
func (c *APIClient) VerifyOTP(ctx context.Context, email, code string) (*AuthResponse, error) {
	var out AuthResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/auth/verify-otp", nil, map[string]string{
		"email":    email,
		"otp_code": code,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ResendOTP は認証コードを再送する。
func (c *APIClient) ResendOTP(ctx context.Context, email string) (*OTPChallenge, error) {
	var out OTPChallenge
	if err := c.doJSON(ctx, http.MethodPost, "/api/auth/resend-otp", nil, map[string]string{"email": email}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GoogleSignIn はGoogle IDトークンでサインインする。
func (c *APIClient) GoogleSignIn(ctx context.Context, credential string) (*AuthResponse, error) {
	var out AuthResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/auth/google", nil, map[string]string{"credential": credential}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Me は現在のユーザー情報を取得する。
func (c *APIClient) Me(ctx context.Context) (*User, error) {
	var out User
	if err := c.doJSON(ctx, http.MethodGet, "/api/auth/me", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListProducts は全プロダクトを取得する。
func (c *APIClient) ListProducts(ctx context.Context) ([]Product, error) {
	var out []Product
	if err := c.doJSON(ctx, http.MethodGet, "/api/products", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MyProducts は自分が作成したプロダクトを取得する。
func (c *APIClient) MyProducts(ctx context.Context) ([]Product, error) {
	var out []Product
	if err := c.doJSON(ctx, http.MethodGet, "/api/products/my", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateProduct はプロダクトを作成する。
func (c *APIClient) CreateProduct(ctx context.Context, in ProductInput) (*Product, error) {
	var out Product
	if err := c.doJSON(ctx, http.MethodPost, "/api/products", nil, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateProduct はプロダクトを更新する。
func (c *APIClient) UpdateProduct(ctx context.Context, id int64, in ProductInput) (*Product, error) {
	var out Product
	if err := c.doJSON(ctx, http.MethodPut, "/api/products/"+strconv.FormatInt(id, 10), nil, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteProduct はプロダクトを削除する。
func (c *APIClient) DeleteProduct(ctx context.Context, id int64) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/products/"+strconv.FormatInt(id, 10), nil, nil, nil)
}

// TemplateStatus はテンプレート同期の状態を取得する。
func (c *APIClient) TemplateStatus(ctx context.Context) (*TemplateStatus, error) {
	var out TemplateStatus
	if err := c.doJSON(ctx, http.MethodGet, "/templates/status", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SyncTemplates はテンプレート同期を開始する。
func (c *APIClient) SyncTemplates(ctx context.Context) (string, error) {
	var out struct {
		Message string `json:"message"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/templates/sync", nil, nil, &out); err != nil {
		return "", err
	}
	return out.Message, nil
}

// TemplateFiles はディレクトリ一覧を取得する。ルートは空文字列。
func (c *APIClient) TemplateFiles(ctx context.Context, path string) (*TemplateListing, error) {
	var out TemplateListing
	if err := c.doJSON(ctx, http.MethodGet, "/templates/files", url.Values{"path": {path}}, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TemplateContent はファイルの内容を取得する。
func (c *APIClient) TemplateContent(ctx context.Context, path string) (*TemplateContent, error) {
	var out TemplateContent
	if err := c.doJSON(ctx, http.MethodGet, "/templates/content", url.Values{"path": {path}}, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// doJSON はbodyをJSONとして送信する。bodyがnilの場合はボディなし。
func (c *APIClient) doJSON(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	if body == nil {
		return c.do(ctx, method, path, query, nil, "", out)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("リクエストJSONの生成に失敗しました: %w", err)
	}
	return c.do(ctx, method, path, query, bytes.NewReader(data), "application/json", out)
}

func (c *APIClient) do(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string, out any) error {
	reqURL := *c.baseURL
	reqURL.Path = c.baseURL.Path + path
	if query != nil {
		reqURL.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), body)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("APIの呼び出しに失敗しました",
			slog.String("method", method),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	return nil
}

// decodeAPIError はエラーレスポンスから{code, detail}とRetry-Afterを読み取る。
func decodeAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		apiErr.RetryAfter = time.Duration(secs) * time.Second
	}

	var body struct {
		Code   string          `json:"code"`
		Detail json.RawMessage `json:"detail"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err := json.Unmarshal(data, &body); err != nil {
		return apiErr
	}
	apiErr.Code = body.Code

	// detailは文字列のみを表示に使う
	var detail string
	if err := json.Unmarshal(body.Detail, &detail); err == nil {
		apiErr.Detail = detail
	}
	return apiErr
}
