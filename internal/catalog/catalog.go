package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

var ErrProductNotFound = errors.New("product not found")

type Product struct {
	ID        string
	VariantID string
	Name      string
	SKU       string
	Price     decimal.Decimal
}

// Catalog is the read side of the product catalog used when items are added to a cart.
type Catalog interface {
	GetProduct(ctx context.Context, productID, variantID string) (*Product, error)
}

type Repository struct {
	db *sql.DB
}

func NewRepository(dbPath string) (*Repository, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Repository{db: db}, nil
}

func (r *Repository) RunMigrations(migrationsPath string) error {
	driver, err := sqlite.WithInstance(r.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", migrationsPath),
		"sqlite",
		driver,
	)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", err)
	}

	return nil
}

// GetProduct returns the variant's price when it has its own, otherwise the product price.
func (r *Repository) GetProduct(ctx context.Context, productID, variantID string) (*Product, error) {
	query := `
		SELECT p.id, p.name, p.sku, p.price, v.id, v.sku, v.price
		FROM products p
		LEFT JOIN product_variants v ON v.product_id = p.id AND v.id = ?
		WHERE p.id = ?
	`

	var (
		p                 Product
		price             string
		vID, vSKU, vPrice sql.NullString
	)
	err := r.db.QueryRowContext(ctx, query, variantID, productID).Scan(
		&p.ID, &p.Name, &p.SKU, &price, &vID, &vSKU, &vPrice,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query product: %w", err)
	}

	if variantID != "" {
		if !vID.Valid {
			return nil, ErrProductNotFound
		}
		p.VariantID = vID.String
		if vSKU.Valid && vSKU.String != "" {
			p.SKU = vSKU.String
		}
		if vPrice.Valid {
			price = vPrice.String
		}
	}

	p.Price, err = decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("invalid price for product %s: %w", productID, err)
	}
	return &p, nil
}

// UpsertProduct is used by seeding and tests.
func (r *Repository) UpsertProduct(ctx context.Context, p Product) error {
	if p.VariantID == "" {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO products (id, name, sku, price) VALUES (?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET name = excluded.name, sku = excluded.sku, price = excluded.price
		`, p.ID, p.Name, p.SKU, p.Price.StringFixed(2))
		if err != nil {
			return fmt.Errorf("failed to upsert product: %w", err)
		}
		return nil
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO product_variants (id, product_id, sku, price) VALUES (?, ?, ?, ?)
		ON CONFLICT (product_id, id) DO UPDATE SET sku = excluded.sku, price = excluded.price
	`, p.VariantID, p.ID, p.SKU, p.Price.StringFixed(2))
	if err != nil {
		return fmt.Errorf("failed to upsert variant: %w", err)
	}
	return nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}
