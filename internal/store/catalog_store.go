package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Priya8975/promo-dispatch/internal/domain"
)

// GetProducts returns the products in the order requested. A missing id is an error.
func (s *PostgresStore) GetProducts(ctx context.Context, ids []string) ([]domain.Product, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, description, price, image_url, landing_url
		FROM products WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("querying products: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]domain.Product, len(ids))
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.ImageURL, &p.LandingURL); err != nil {
			return nil, fmt.Errorf("scanning product: %w", err)
		}
		byID[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading products: %w", err)
	}

	out := make([]domain.Product, 0, len(ids))
	for _, id := range ids {
		p, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("product %s: %w", id, domain.ErrNotFound)
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *PostgresStore) GetContact(ctx context.Context, id string) (*domain.Contact, error) {
	var c domain.Contact
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, phone, kakao_id FROM contacts WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &c.Phone, &c.KakaoID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("contact %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("querying contact: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) PutProduct(ctx context.Context, p domain.Product) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO products (id, name, description, price, image_url, landing_url)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, description = EXCLUDED.description, price = EXCLUDED.price,
			image_url = EXCLUDED.image_url, landing_url = EXCLUDED.landing_url
	`, p.ID, p.Name, p.Description, p.Price, p.ImageURL, p.LandingURL)
	if err != nil {
		return fmt.Errorf("upserting product: %w", err)
	}
	return nil
}

func (s *PostgresStore) PutContact(ctx context.Context, c domain.Contact) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO contacts (id, name, phone, kakao_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, phone = EXCLUDED.phone, kakao_id = EXCLUDED.kakao_id
	`, c.ID, c.Name, c.Phone, c.KakaoID)
	if err != nil {
		return fmt.Errorf("upserting contact: %w", err)
	}
	return nil
}
