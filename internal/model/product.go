package model

import "time"

// Product はマーケットプレイスに掲載されるSaaSプロダクトを表す。
// CreatedByは作成ユーザーのIDで、更新・削除は作成者のみ許可される。
type Product struct {
	ID            int64
	Name          string
	Category      string
	CategoryLink  string
	Description   string
	Price         float64
	OriginalPrice float64
	Rating        float64
	ReviewCount   int
	Image         string
	Badge         string
	DealEnds      string
	CreatedBy     int64
	CreatedAt     time.Time
	UpdatedAt     *time.Time
}

// ProductInput はプロダクト作成時の入力。
type ProductInput struct {
	Name          string
	Category      string
	CategoryLink  string
	Description   string
	Price         float64
	OriginalPrice float64
	Image         string
	Badge         string
	DealEnds      string
}

// ProductPatch はプロダクト更新時の部分入力。nilのフィールドは変更しない。
type ProductPatch struct {
	Name          *string
	Category      *string
	CategoryLink  *string
	Description   *string
	Price         *float64
	OriginalPrice *float64
	Image         *string
	Badge         *string
	DealEnds      *string
}

// Apply はnilでないフィールドのみをプロダクトへ反映する。
func (p ProductPatch) Apply(dst *Product) {
	if p.Name != nil {
		dst.Name = *p.Name
	}
	if p.Category != nil {
		dst.Category = *p.Category
	}
	if p.CategoryLink != nil {
		dst.CategoryLink = *p.CategoryLink
	}
	if p.Description != nil {
		dst.Description = *p.Description
	}
	if p.Price != nil {
		dst.Price = *p.Price
	}
	if p.OriginalPrice != nil {
		dst.OriginalPrice = *p.OriginalPrice
	}
	if p.Image != nil {
		dst.Image = *p.Image
	}
	if p.Badge != nil {
		dst.Badge = *p.Badge
	}
	if p.DealEnds != nil {
		dst.DealEnds = *p.DealEnds
	}
}
