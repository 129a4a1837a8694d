package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/santhai/internal/model"
)

// PostgresProductRepo はPostgreSQLを使用したプロダクトリポジトリ。
type PostgresProductRepo struct {
	db *sql.DB
}

// NewPostgresProductRepo はPostgresProductRepoを生成する。
func NewPostgresProductRepo(db *sql.DB) *PostgresProductRepo {
	return &PostgresProductRepo{db: db}
}

const productColumns = `id, name, category, category_link, description, price, original_price,
	rating, review_count, image, badge, deal_ends, created_by, created_at, updated_at`

func scanProduct(row rowScanner) (*model.Product, error) {
	p := &model.Product{}
	var updatedAt sql.NullTime
	if err := row.Scan(
		&p.ID, &p.Name, &p.Category, &p.CategoryLink, &p.Description,
		&p.Price, &p.OriginalPrice, &p.Rating, &p.ReviewCount,
		&p.Image, &p.Badge, &p.DealEnds, &p.CreatedBy, &p.CreatedAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	if updatedAt.Valid {
		p.UpdatedAt = &updatedAt.Time
	}
	return p, nil
}

// List は全プロダクトを作成日時の降順で返す。
func (r *PostgresProductRepo) List(ctx context.Context) ([]*model.Product, error) {
	return r.query(ctx,
		`SELECT `+productColumns+` FROM products ORDER BY created_at DESC, id DESC`,
	)
}

// ListByCreator は指定ユーザーが作成したプロダクトを作成日時の降順で返す。
func (r *PostgresProductRepo) ListByCreator(ctx context.Context, userID int64) ([]*model.Product, error) {
	return r.query(ctx,
		`SELECT `+productColumns+` FROM products WHERE created_by = $1 ORDER BY created_at DESC, id DESC`,
		userID,
	)
}

func (r *PostgresProductRepo) query(ctx context.Context, query string, args ...any) ([]*model.Product, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("プロダクト一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	products := make([]*model.Product, 0)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("プロダクトの読み取りに失敗しました: %w", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("プロダクト一覧の走査に失敗しました: %w", err)
	}
	return products, nil
}

// FindByID は指定IDのプロダクトを取得する。見つからない場合はnilを返す。
func (r *PostgresProductRepo) FindByID(ctx context.Context, id int64) (*model.Product, error) {
	p, err := scanProduct(r.db.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find product by ID: %w", err)
	}
	return p, nil
}

// Create はプロダクトを作成し、採番されたIDと作成日時をproductに設定する。
func (r *PostgresProductRepo) Create(ctx context.Context, p *model.Product) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO products (name, category, category_link, description, price, original_price,
		                       rating, review_count, image, badge, deal_ends, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING id, created_at`,
		p.Name, p.Category, p.CategoryLink, p.Description, p.Price, p.OriginalPrice,
		p.Rating, p.ReviewCount, p.Image, p.Badge, p.DealEnds, p.CreatedBy,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert product: %w", err)
	}
	return nil
}

// Update はプロダクトの全編集可能フィールドを上書きし、updated_atを設定する。
func (r *PostgresProductRepo) Update(ctx context.Context, p *model.Product) error {
	var updatedAt sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`UPDATE products SET
		    name = $2,
		    category = $3,
		    category_link = $4,
		    description = $5,
		    price = $6,
		    original_price = $7,
		    image = $8,
		    badge = $9,
		    deal_ends = $10,
		    updated_at = now()
		 WHERE id = $1
		 RETURNING updated_at`,
		p.ID, p.Name, p.Category, p.CategoryLink, p.Description,
		p.Price, p.OriginalPrice, p.Image, p.Badge, p.DealEnds,
	).Scan(&updatedAt)
	if err == sql.ErrNoRows {
		return fmt.Errorf("product not found: %d", p.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to update product: %w", err)
	}
	if updatedAt.Valid {
		p.UpdatedAt = &updatedAt.Time
	}
	return nil
}

// Delete は指定IDのプロダクトを削除する。
func (r *PostgresProductRepo) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete product: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("product not found: %d", id)
	}
	return nil
}

// compile-time interface check
var _ ProductRepository = (*PostgresProductRepo)(nil)
