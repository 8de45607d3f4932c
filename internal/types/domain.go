package types

import "time"

// DefaultDimension is the length of the embeddings produced by the catalogue
// image feature extractor.
const DefaultDimension = 2048

// Vector represents a fixed-length float32 embedding.
type Vector []float32

// Clone returns a copy that does not share the backing array.
func (v Vector) Clone() Vector {
	if v == nil {
		return nil
	}
	cp := make(Vector, len(v))
	copy(cp, v)
	return cp
}

// ProductID identifies a catalogue product.
type ProductID = int64

// EmbeddingRecord is the durable embedding of one product.
type EmbeddingRecord struct {
	ProductID ProductID `json:"product_id"`
	Vector    Vector    `json:"-"`
	CreatedAt time.Time `json:"created_at"` // first insert
	UpdatedAt time.Time `json:"updated_at"` // last replacement
}

// Match is a single nearest-neighbor hit. Distance is squared L2.
type Match struct {
	ProductID ProductID `json:"product_id"`
	Distance  float32   `json:"distance"`
}

// ProductSummary is the product metadata attached to search results.
type ProductSummary struct {
	ID            ProductID `json:"id"`
	Name          string    `json:"name"`
	SKU           string    `json:"sku"`
	Description   string    `json:"description"`
	Price         string    `json:"price"` // decimal as text, never float
	StockQuantity int       `json:"stock_quantity"`
	Image         string    `json:"image"`
	CategoryID    *int64    `json:"category,omitempty"`
}

// SearchResult is one ranked hit of an image search.
type SearchResult struct {
	ProductID       ProductID      `json:"product_id"`
	Distance        float32        `json:"distance"`
	SimilarityScore float64        `json:"similarity_score"`
	Product         ProductSummary `json:"product"`
}
