// Package template はGitHubリポジトリのテンプレートをローカルキャッシュへ同期し、
// ファイルの一覧と内容を提供する。
package template

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/mmcdole/gofeed"
	"golang.org/x/oauth2"
)

const (
	defaultAPIBase = "https://api.github.com"
	defaultWebBase = "https://github.com"
	userAgent      = "santhai-template-sync/1.0"

	// maxListingSize はcontents APIレスポンスの最大サイズ。
	maxListingSize = 4 << 20
	// maxDownloadSize は1ファイルあたりの最大ダウンロードサイズ。
	maxDownloadSize = 5 << 20
)

var (
	// ErrRateLimited はGitHub APIが403（レート制限）を返した場合のエラー。
	ErrRateLimited = errors.New("github api rate limit exceeded")
	// ErrUpstreamNotFound はリポジトリまたはパスがGitHub上に存在しない場合のエラー。
	ErrUpstreamNotFound = errors.New("github path not found")
)

// Repo は同期対象のリポジトリとブランチ。
type Repo struct {
	Owner  string
	Name   string
	Branch string
}

// FullName は "owner/name" を返す。
func (r Repo) FullName() string {
	return r.Owner + "/" + r.Name
}

// ContentEntry はGitHub contents APIが返すエントリ。
type ContentEntry struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Type        string `json:"type"` // "file", "dir", "symlink", "submodule"
	Size        int64  `json:"size"`
	DownloadURL string `json:"download_url"`
}

// Source はテンプレートの取得元のインターフェース。
type Source interface {
	ListContents(ctx context.Context, path string) ([]ContentEntry, error)
	Download(ctx context.Context, downloadURL string) ([]byte, error)
	LatestCommit(ctx context.Context) (string, error)
}

// GitHubClient はGitHubのcontents APIとコミットAtomフィードのクライアント。
type GitHubClient struct {
	httpClient *http.Client
	repo       Repo
	logger     *slog.Logger
	apiBase    string // テスト用に差し替え可能
	webBase    string // テスト用に差し替え可能
}

// NewGitHubClient はGitHubClientを生成する。
// tokenが空でない場合は、httpClientのトランスポートの上にBearer認証を重ねる。
func NewGitHubClient(httpClient *http.Client, repo Repo, token string, logger *slog.Logger) *GitHubClient {
	if token != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
		authed := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
		authed.Timeout = httpClient.Timeout
		httpClient = authed
	}
	return &GitHubClient{
		httpClient: httpClient,
		repo:       repo,
		logger:     logger,
		apiBase:    defaultAPIBase,
		webBase:    defaultWebBase,
	}
}

// ListContents はリポジトリ内のディレクトリのエントリ一覧を返す。
// pathが空の場合はルートディレクトリを返す。
func (c *GitHubClient) ListContents(ctx context.Context, path string) ([]ContentEntry, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/contents/%s",
		c.apiBase, url.PathEscape(c.repo.Owner), url.PathEscape(c.repo.Name), escapePath(path))
	reqURL, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to parse contents url: %w", err)
	}
	q := reqURL.Query()
	q.Set("ref", c.repo.Branch)
	reqURL.RawQuery = q.Encode()

	body, err := c.get(ctx, reqURL.String(), "application/vnd.github+json", maxListingSize)
	if err != nil {
		return nil, err
	}

	var entries []ContentEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode contents of %q: %w", path, err)
	}
	return entries, nil
}

// Download はファイルの内容をダウンロードする。
func (c *GitHubClient) Download(ctx context.Context, downloadURL string) ([]byte, error) {
	return c.get(ctx, downloadURL, "", maxDownloadSize)
}

// LatestCommit はブランチのコミットAtomフィードから最新コミットのIDを返す。
// 同期の要否判定にのみ使用する。
func (c *GitHubClient) LatestCommit(ctx context.Context) (string, error) {
	feedURL := fmt.Sprintf("%s/%s/%s/commits/%s.atom",
		c.webBase, url.PathEscape(c.repo.Owner), url.PathEscape(c.repo.Name), escapePath(c.repo.Branch))

	body, err := c.get(ctx, feedURL, "application/atom+xml", maxListingSize)
	if err != nil {
		return "", err
	}

	parsed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return "", fmt.Errorf("failed to parse commits feed: %w", err)
	}
	if len(parsed.Items) == 0 {
		return "", fmt.Errorf("commits feed has no entries")
	}

	latest := parsed.Items[0]
	if latest.GUID != "" {
		return latest.GUID, nil
	}
	return latest.Link, nil
}

// get はGETリクエストを送り、最大limitバイトのボディを返す。
func (c *GitHubClient) get(ctx context.Context, rawURL, accept string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("github request failed",
			slog.String("url", rawURL),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusForbidden, http.StatusTooManyRequests:
		c.logger.Warn("github rate limit exceeded",
			slog.String("url", rawURL),
			slog.String("ratelimit_remaining", resp.Header.Get("X-RateLimit-Remaining")),
		)
		return nil, ErrRateLimited
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrUpstreamNotFound, rawURL)
	default:
		return nil, fmt.Errorf("github returned status %d for %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("response from %s exceeds %d bytes", rawURL, limit)
	}
	return body, nil
}

// escapePath はスラッシュ区切りのパスを要素ごとにエスケープする。
func escapePath(p string) string {
	if p == "" {
		return ""
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

var _ Source = (*GitHubClient)(nil)
