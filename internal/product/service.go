// Package product はマーケットプレイスのプロダクト管理のドメインロジックを提供する。
package product

import (
	"context"
	"fmt"
	"math"

	"github.com/hitoshi/santhai/internal/model"
	"github.com/hitoshi/santhai/internal/repository"
	"github.com/hitoshi/santhai/internal/security"
)

// 作成時の既定値。
const (
	DefaultImageURL = "https://images.unsplash.com/photo-1557821552-17105176677c?w=400&h=200&fit=crop"
	DefaultRating   = 5.0
)

// Service はプロダクトのサービス層。
// 一覧、作成、部分更新、削除と、作成者による所有権チェックを提供する。
type Service struct {
	repo      repository.ProductRepository
	sanitizer security.HTMLSanitizer
	urlGuard  security.URLGuard
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(repo repository.ProductRepository, sanitizer security.HTMLSanitizer, urlGuard security.URLGuard) *Service {
	return &Service{
		repo:      repo,
		sanitizer: sanitizer,
		urlGuard:  urlGuard,
	}
}

// List は全ユーザーのプロダクトを返す。認証不要の一覧で使用する。
func (s *Service) List(ctx context.Context) ([]*model.Product, error) {
	products, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("プロダクト一覧の取得に失敗しました: %w", err)
	}
	return products, nil
}

// ListMine は指定ユーザーが作成したプロダクトを返す。
func (s *Service) ListMine(ctx context.Context, userID int64) ([]*model.Product, error) {
	products, err := s.repo.ListByCreator(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("プロダクト一覧の取得に失敗しました: %w", err)
	}
	return products, nil
}

// Create はプロダクトを作成する。
// category_link、original_price、imageが未指定の場合は既定値を補う。
func (s *Service) Create(ctx context.Context, userID int64, in model.ProductInput) (*model.Product, error) {
	p := &model.Product{
		Name:          in.Name,
		Category:      in.Category,
		CategoryLink:  in.CategoryLink,
		Description:   in.Description,
		Price:         in.Price,
		OriginalPrice: in.OriginalPrice,
		Image:         in.Image,
		Badge:         in.Badge,
		DealEnds:      in.DealEnds,
	}
	s.clean(p)

	if p.CategoryLink == "" {
		p.CategoryLink = p.Category
	}
	if p.OriginalPrice == 0 {
		p.OriginalPrice = p.Price * 2
	}
	if p.Image == "" {
		p.Image = DefaultImageURL
	}
	p.Rating = DefaultRating
	p.ReviewCount = 0
	p.CreatedBy = userID

	if err := s.validate(p); err != nil {
		return nil, err
	}

	if err := s.repo.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("プロダクトの作成に失敗しました: %w", err)
	}
	return p, nil
}

// Update はプロダクトを部分更新する。作成者以外は403相当のエラーとなる。
func (s *Service) Update(ctx context.Context, userID, productID int64, patch model.ProductPatch) (*model.Product, error) {
	p, err := s.findOwned(ctx, userID, productID, "update")
	if err != nil {
		return nil, err
	}

	patch.Apply(p)
	s.clean(p)
	if err := s.validate(p); err != nil {
		return nil, err
	}

	if err := s.repo.Update(ctx, p); err != nil {
		return nil, fmt.Errorf("プロダクトの更新に失敗しました: %w", err)
	}
	return p, nil
}

// Delete はプロダクトを削除する。作成者以外は403相当のエラーとなる。
func (s *Service) Delete(ctx context.Context, userID, productID int64) error {
	if _, err := s.findOwned(ctx, userID, productID, "delete"); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, productID); err != nil {
		return fmt.Errorf("プロダクトの削除に失敗しました: %w", err)
	}
	return nil
}

// findOwned はプロダクトを取得し、呼び出しユーザーが作成者であることを確認する。
func (s *Service) findOwned(ctx context.Context, userID, productID int64, action string) (*model.Product, error) {
	p, err := s.repo.FindByID(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("プロダクトの取得に失敗しました: %w", err)
	}
	if p == nil {
		return nil, model.NewProductNotFoundError()
	}
	if p.CreatedBy != userID {
		return nil, model.NewProductForbiddenError(action)
	}
	return p, nil
}

// clean は単一行フィールドのタグを除去し、説明文のHTMLをサニタイズする。
func (s *Service) clean(p *model.Product) {
	p.Name = s.sanitizer.StripTags(p.Name)
	p.Category = s.sanitizer.StripTags(p.Category)
	p.CategoryLink = s.sanitizer.StripTags(p.CategoryLink)
	p.Badge = s.sanitizer.StripTags(p.Badge)
	p.DealEnds = s.sanitizer.StripTags(p.DealEnds)
	p.Image = s.sanitizer.StripTags(p.Image)
	p.Description = s.sanitizer.Sanitize(p.Description)
}

func (s *Service) validate(p *model.Product) error {
	if p.Name == "" {
		return model.NewValidationError("Product name is required")
	}
	if p.Category == "" {
		return model.NewValidationError("Category is required")
	}
	if !validPrice(p.Price) {
		return model.NewValidationError("Price must be a non-negative number")
	}
	if !validPrice(p.OriginalPrice) {
		return model.NewValidationError("Original price must be a non-negative number")
	}
	if p.Image != "" {
		if err := s.urlGuard.ValidateURL(p.Image); err != nil {
			return model.NewValidationError("Image must be a public http(s) URL")
		}
	}
	return nil
}

func validPrice(v float64) bool {
	return v >= 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}
