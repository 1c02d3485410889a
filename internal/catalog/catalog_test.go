package catalog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *Repository {
	repo, err := NewRepository(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)

	require.NoError(t, repo.RunMigrations("./migrations"))

	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestGetProduct_Seeded(t *testing.T) {
	repo := setupTestDB(t)

	p, err := repo.GetProduct(context.Background(), "mug", "")

	require.NoError(t, err)
	assert.Equal(t, "Ceramic Mug", p.Name)
	assert.Equal(t, "MUG-001", p.SKU)
	assert.True(t, p.Price.Equal(decimal.RequireFromString("20.00")))
	assert.Empty(t, p.VariantID)
}

func TestGetProduct_VariantOverridesPrice(t *testing.T) {
	repo := setupTestDB(t)

	p, err := repo.GetProduct(context.Background(), "tshirt", "xl")

	require.NoError(t, err)
	assert.Equal(t, "xl", p.VariantID)
	assert.Equal(t, "TSH-001-XL", p.SKU)
	assert.True(t, p.Price.Equal(decimal.RequireFromString("27.50")))
}

func TestGetProduct_VariantInheritsPrice(t *testing.T) {
	repo := setupTestDB(t)

	p, err := repo.GetProduct(context.Background(), "tshirt", "s")

	require.NoError(t, err)
	assert.Equal(t, "TSH-001-S", p.SKU)
	assert.True(t, p.Price.Equal(decimal.RequireFromString("25.00")))
}

func TestGetProduct_NotFound(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	_, err := repo.GetProduct(ctx, "missing", "")
	assert.ErrorIs(t, err, ErrProductNotFound)

	_, err = repo.GetProduct(ctx, "mug", "no-such-variant")
	assert.ErrorIs(t, err, ErrProductNotFound)
}

func TestUpsertProduct(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, repo.UpsertProduct(ctx, Product{ID: "mug", Name: "Big Mug", SKU: "MUG-002", Price: decimal.RequireFromString("22.5")}))
	require.NoError(t, repo.UpsertProduct(ctx, Product{ID: "mug", VariantID: "blue", SKU: "MUG-002-B", Price: decimal.RequireFromString("23")}))

	p, err := repo.GetProduct(ctx, "mug", "")
	require.NoError(t, err)
	assert.Equal(t, "Big Mug", p.Name)
	assert.True(t, p.Price.Equal(decimal.RequireFromString("22.50")))

	v, err := repo.GetProduct(ctx, "mug", "blue")
	require.NoError(t, err)
	assert.True(t, v.Price.Equal(decimal.NewFromInt(23)))
}
