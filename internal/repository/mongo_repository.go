package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_checkout/internal/cart"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Money is stored as decimal strings so no precision is lost in BSON doubles.
type cartDocument struct {
	CartID    string           `bson:"cart_id"`
	Items     []itemDocument   `bson:"items"`
	Coupons   []couponDocument `bson:"coupons"`
	Shipping  string           `bson:"shipping"`
	Revision  int64            `bson:"revision"`
	CreatedAt time.Time        `bson:"created_at"`
	UpdatedAt time.Time        `bson:"updated_at"`
}

type itemDocument struct {
	ID        string `bson:"id"`
	ProductID string `bson:"product_id"`
	VariantID string `bson:"variant_id,omitempty"`
	Name      string `bson:"name"`
	SKU       string `bson:"sku,omitempty"`
	UnitPrice string `bson:"unit_price"`
	Quantity  int    `bson:"quantity"`
}

type couponDocument struct {
	Code        string `bson:"code"`
	Discount    string `bson:"discount"`
	PromotionID string `bson:"promotion_id,omitempty"`
}

type MongoCartRepository struct {
	collection *mongo.Collection
}

func NewMongoCartRepository(db *mongo.Database) *MongoCartRepository {
	return &MongoCartRepository{
		collection: db.Collection("carts"),
	}
}

// Load returns an empty snapshot with revision 0 for a cart that was never saved.
func (m *MongoCartRepository) Load(ctx context.Context, cartID string) (cart.Snapshot, int64, error) {
	var doc cartDocument
	err := m.collection.FindOne(ctx, bson.M{"cart_id": cartID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return cart.Snapshot{}, 0, nil
		}
		return cart.Snapshot{}, 0, fmt.Errorf("failed to get cart: %w", err)
	}

	snapshot, err := doc.snapshot()
	if err != nil {
		return cart.Snapshot{}, 0, err
	}
	return snapshot, doc.Revision, nil
}

func (m *MongoCartRepository) Save(ctx context.Context, cartID string, snapshot cart.Snapshot) (int64, error) {
	now := time.Now()
	update := bson.M{
		"$set": bson.M{
			"items":      toItemDocuments(snapshot.Items),
			"coupons":    toCouponDocuments(snapshot.Coupons),
			"shipping":   snapshot.Shipping.String(),
			"updated_at": now,
		},
		"$inc":         bson.M{"revision": 1},
		"$setOnInsert": bson.M{"created_at": now},
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After).
		SetProjection(bson.M{"revision": 1})

	var doc cartDocument
	err := m.collection.FindOneAndUpdate(ctx, bson.M{"cart_id": cartID}, update, opts).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert cart: %w", err)
	}
	return doc.Revision, nil
}

func (m *MongoCartRepository) ClearIfRevision(ctx context.Context, cartID string, revision int64) (bool, error) {
	filter := bson.M{"cart_id": cartID, "revision": revision}
	update := bson.M{
		"$set": bson.M{
			"items":      []itemDocument{},
			"coupons":    []couponDocument{},
			"shipping":   decimal.Zero.String(),
			"updated_at": time.Now(),
		},
		"$inc": bson.M{"revision": 1},
	}

	result, err := m.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("failed to clear cart: %w", err)
	}
	return result.ModifiedCount > 0, nil
}

func (m *MongoCartRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "cart_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "updated_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(90 * 24 * 60 * 60), // 90 days TTL
		},
	}

	_, err := m.collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	return nil
}

func (d cartDocument) snapshot() (cart.Snapshot, error) {
	s := cart.Snapshot{
		Items:   make([]cart.Item, 0, len(d.Items)),
		Coupons: make([]cart.Coupon, 0, len(d.Coupons)),
	}

	var err error
	if d.Shipping != "" {
		if s.Shipping, err = decimal.NewFromString(d.Shipping); err != nil {
			return cart.Snapshot{}, fmt.Errorf("invalid shipping in cart %s: %w", d.CartID, err)
		}
	}
	for _, item := range d.Items {
		price, err := decimal.NewFromString(item.UnitPrice)
		if err != nil {
			return cart.Snapshot{}, fmt.Errorf("invalid price for item %s: %w", item.ID, err)
		}
		s.Items = append(s.Items, cart.Item{
			ID:        item.ID,
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Name:      item.Name,
			SKU:       item.SKU,
			UnitPrice: price,
			Quantity:  item.Quantity,
		})
	}
	for _, c := range d.Coupons {
		discount, err := decimal.NewFromString(c.Discount)
		if err != nil {
			return cart.Snapshot{}, fmt.Errorf("invalid discount for coupon %s: %w", c.Code, err)
		}
		s.Coupons = append(s.Coupons, cart.Coupon{Code: c.Code, Discount: discount, PromotionID: c.PromotionID})
	}
	return s, nil
}

func toItemDocuments(items []cart.Item) []itemDocument {
	docs := make([]itemDocument, 0, len(items))
	for _, item := range items {
		docs = append(docs, itemDocument{
			ID:        item.ID,
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Name:      item.Name,
			SKU:       item.SKU,
			UnitPrice: item.UnitPrice.String(),
			Quantity:  item.Quantity,
		})
	}
	return docs
}

func toCouponDocuments(coupons []cart.Coupon) []couponDocument {
	docs := make([]couponDocument, 0, len(coupons))
	for _, c := range coupons {
		docs = append(docs, couponDocument{Code: c.Code, Discount: c.Discount.String(), PromotionID: c.PromotionID})
	}
	return docs
}
