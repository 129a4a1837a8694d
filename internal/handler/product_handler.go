package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/santhai/internal/model"
)

// ProductServiceInterface はプロダクトハンドラーが必要とするサービスインターフェース。
type ProductServiceInterface interface {
	List(ctx context.Context) ([]*model.Product, error)
	ListMine(ctx context.Context, userID int64) ([]*model.Product, error)
	Create(ctx context.Context, userID int64, in model.ProductInput) (*model.Product, error)
	Update(ctx context.Context, userID, productID int64, patch model.ProductPatch) (*model.Product, error)
	Delete(ctx context.Context, userID, productID int64) error
}

// ProductHandler はプロダクト管理のHTTPハンドラー。
type ProductHandler struct {
	service ProductServiceInterface
}

// NewProductHandler はProductHandlerを生成する。
func NewProductHandler(service ProductServiceInterface) *ProductHandler {
	return &ProductHandler{service: service}
}

// productCreateRequest はプロダクト作成リクエストのボディ。
// 省略された任意項目はサービス層で既定値が設定される。
type productCreateRequest struct {
	Name          string  `json:"name"`
	Category      string  `json:"category"`
	CategoryLink  string  `json:"category_link"`
	Description   string  `json:"description"`
	Price         float64 `json:"price"`
	OriginalPrice float64 `json:"original_price"`
	Image         string  `json:"image"`
	Badge         string  `json:"badge"`
	DealEnds      string  `json:"deal_ends"`
}

// productUpdateRequest はプロダクト更新リクエストのボディ。指定された項目のみ更新する。
type productUpdateRequest struct {
	Name          *string  `json:"name"`
	Category      *string  `json:"category"`
	CategoryLink  *string  `json:"category_link"`
	Description   *string  `json:"description"`
	Price         *float64 `json:"price"`
	OriginalPrice *float64 `json:"original_price"`
	Image         *string  `json:"image"`
	Badge         *string  `json:"badge"`
	DealEnds      *string  `json:"deal_ends"`
}

// productResponse はプロダクト情報のAPIレスポンス。
type productResponse struct {
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

// List は全プロダクトを返す。認証不要。
// GET /api/products
func (h *ProductHandler) List(w http.ResponseWriter, r *http.Request) {
	products, err := h.service.List(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProductResponses(products))
}

// ListMine は認証ユーザーが作成したプロダクトを返す。
// GET /api/products/my
func (h *ProductHandler) ListMine(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	products, err := h.service.ListMine(r.Context(), userID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProductResponses(products))
}

// Create はプロダクトを作成する。
// POST /api/products
func (h *ProductHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req productCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	product, err := h.service.Create(r.Context(), userID, model.ProductInput{
		Name:          req.Name,
		Category:      req.Category,
		CategoryLink:  req.CategoryLink,
		Description:   req.Description,
		Price:         req.Price,
		OriginalPrice: req.OriginalPrice,
		Image:         req.Image,
		Badge:         req.Badge,
		DealEnds:      req.DealEnds,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toProductResponse(product))
}

// Update はプロダクトを部分更新する。作成者のみ可能。
// PUT /api/products/{id}
func (h *ProductHandler) Update(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	productID, ok := productIDParam(w, r)
	if !ok {
		return
	}

	var req productUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	product, err := h.service.Update(r.Context(), userID, productID, model.ProductPatch{
		Name:          req.Name,
		Category:      req.Category,
		CategoryLink:  req.CategoryLink,
		Description:   req.Description,
		Price:         req.Price,
		OriginalPrice: req.OriginalPrice,
		Image:         req.Image,
		Badge:         req.Badge,
		DealEnds:      req.DealEnds,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProductResponse(product))
}

// Delete はプロダクトを削除する。作成者のみ可能。
// DELETE /api/products/{id}
func (h *ProductHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	productID, ok := productIDParam(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), userID, productID); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// productIDParam はURLパスのプロダクトIDを読み取る。数値でない場合は404とする。
func productIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		handleServiceError(w, r, model.NewProductNotFoundError())
		return 0, false
	}
	return id, true
}

func toProductResponses(products []*model.Product) []productResponse {
	out := make([]productResponse, len(products))
	for i, p := range products {
		out[i] = toProductResponse(p)
	}
	return out
}

func toProductResponse(p *model.Product) productResponse {
	return productResponse{
		ID:            p.ID,
		Name:          p.Name,
		Category:      p.Category,
		CategoryLink:  p.CategoryLink,
		Description:   p.Description,
		Price:         p.Price,
		OriginalPrice: p.OriginalPrice,
		Rating:        p.Rating,
		ReviewCount:   p.ReviewCount,
		Image:         p.Image,
		Badge:         p.Badge,
		DealEnds:      p.DealEnds,
		CreatedBy:     p.CreatedBy,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}
