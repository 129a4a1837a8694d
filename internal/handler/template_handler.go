package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/hitoshi/santhai/internal/model"
	"github.com/hitoshi/santhai/internal/template"
)

// TemplateSyncController はテンプレート同期の状態参照と開始を行うインターフェース。
type TemplateSyncController interface {
	Status() (template.Metadata, error)
	TriggerAsync() bool
	Repo() template.Repo
}

// TemplateBrowser はキャッシュ済みテンプレートの参照インターフェース。
type TemplateBrowser interface {
	List(ctx context.Context, path string) (*template.Listing, error)
	Read(ctx context.Context, path string) (*template.FileContent, error)
}

var (
	_ TemplateSyncController = (*template.Syncer)(nil)
	_ TemplateBrowser        = (*template.Browser)(nil)
)

// TemplateHandler はテンプレート閲覧のHTTPハンドラー。
type TemplateHandler struct {
	syncer  TemplateSyncController
	browser TemplateBrowser
}

// NewTemplateHandler はTemplateHandlerを生成する。
func NewTemplateHandler(syncer TemplateSyncController, browser TemplateBrowser) *TemplateHandler {
	return &TemplateHandler{syncer: syncer, browser: browser}
}

type syncStatusResponse struct {
	Status    string     `json:"status"`
	LastSync  *time.Time `json:"last_sync"`
	FileCount int        `json:"file_count"`
	Repo      string     `json:"repo"`
	Branch    string     `json:"branch"`
}

type syncStartedResponse struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

type templateEntryResponse struct {
	Name      string  `json:"name"`
	Path      string  `json:"path"`
	Type      string  `json:"type"`
	Size      *int64  `json:"size,omitempty"`
	Extension *string `json:"extension,omitempty"`
}

type templateListingResponse struct {
	Path     string                  `json:"path"`
	Items    []templateEntryResponse `json:"items"`
	Parent   *string                 `json:"parent"`
	LastSync *time.Time              `json:"last_sync"`
}

type templateContentResponse struct {
	Path      string `json:"path"`
	Name      string `json:"name"`
	Content   string `json:"content"`
	Extension string `json:"extension"`
	Size      int    `json:"size"`
}

// Status は同期状態を返す。
// GET /templates/status
func (h *TemplateHandler) Status(w http.ResponseWriter, r *http.Request) {
	meta, err := h.syncer.Status()
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	repo := h.syncer.Repo()
	writeJSON(w, http.StatusOK, syncStatusResponse{
		Status:    string(meta.Status),
		LastSync:  meta.LastSync,
		FileCount: meta.FileCount,
		Repo:      "https://github.com/" + repo.FullName(),
		Branch:    repo.Branch,
	})
}

// Sync はバックグラウンド同期を開始する。実行中の場合は新たに開始しない。
// POST /templates/sync
func (h *TemplateHandler) Sync(w http.ResponseWriter, r *http.Request) {
	message := "Sync started"
	if !h.syncer.TriggerAsync() {
		message = "Sync already in progress"
	}
	writeJSON(w, http.StatusOK, syncStartedResponse{Message: message, Status: string(template.StatusSyncing)})
}

// Files はディレクトリの一覧を返す。
// GET /templates/files?path=
func (h *TemplateHandler) Files(w http.ResponseWriter, r *http.Request) {
	listing, err := h.browser.List(r.Context(), r.URL.Query().Get("path"))
	if err != nil {
		handleServiceError(w, r, translateTemplateError(err, "Path not found"))
		return
	}

	items := make([]templateEntryResponse, len(listing.Items))
	for i, e := range listing.Items {
		item := templateEntryResponse{Name: e.Name, Path: e.Path, Type: e.Type}
		if !e.IsDir() {
			size, ext := e.Size, e.Extension
			item.Size = &size
			item.Extension = &ext
		}
		items[i] = item
	}

	writeJSON(w, http.StatusOK, templateListingResponse{
		Path:     listing.Path,
		Items:    items,
		Parent:   listing.Parent,
		LastSync: listing.LastSync,
	})
}

// Content はファイルの内容を返す。
// GET /templates/content?path=
func (h *TemplateHandler) Content(w http.ResponseWriter, r *http.Request) {
	fc, err := h.browser.Read(r.Context(), r.URL.Query().Get("path"))
	if err != nil {
		handleServiceError(w, r, translateTemplateError(err, "File not found"))
		return
	}

	writeJSON(w, http.StatusOK, templateContentResponse{
		Path:      fc.Path,
		Name:      fc.Name,
		Content:   fc.Content,
		Extension: fc.Extension,
		Size:      fc.Size,
	})
}

// translateTemplateError はtemplateパッケージのエラーをAPIErrorに変換する。
// notFoundMessageは一覧と内容参照で文言が異なるため呼び出し元が指定する。
func translateTemplateError(err error, notFoundMessage string) error {
	switch {
	case errors.Is(err, template.ErrNotFound):
		return model.NewTemplateNotFoundError(notFoundMessage)
	case errors.Is(err, template.ErrNotDirectory):
		return model.NewTemplateBadRequestError("Path is not a directory")
	case errors.Is(err, template.ErrIsDirectory):
		return model.NewTemplateBadRequestError("Path is a directory")
	case errors.Is(err, template.ErrTooLarge):
		return model.NewTemplateBadRequestError("File too large to display")
	case errors.Is(err, template.ErrBinary):
		return model.NewTemplateBadRequestError("Binary file cannot be displayed")
	case errors.Is(err, template.ErrInvalidPath):
		return model.NewTemplateBadRequestError("Invalid path")
	case errors.Is(err, template.ErrRateLimited):
		return model.NewUpstreamRateLimitError()
	default:
		return err
	}
}
