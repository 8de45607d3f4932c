package catalog

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"io/fs"
	"iter"
	"os"

	"github.com/lib/pq"

	"catalog-similarity-engine/internal/errs"
	"catalog-similarity-engine/internal/types"
)

// PostgresCatalog reads the catalogue's product table. Only active products
// are visible.
type PostgresCatalog struct {
	db        *sql.DB
	mediaRoot string
}

// NewPostgresCatalog wraps db. mediaRoot is the directory product image
// paths are relative to.
func NewPostgresCatalog(db *sql.DB, mediaRoot string) *PostgresCatalog {
	return &PostgresCatalog{db: db, mediaRoot: mediaRoot}
}

func (c *PostgresCatalog) LookupMetadata(ctx context.Context, ids []int64) (map[int64]types.ProductSummary, error) {
	out := make(map[int64]types.ProductSummary, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query := `
		SELECT id, name, sku, description, price::text, stock_quantity, image, category_id
		FROM catalogue_product
		WHERE id = ANY($1) AND is_active`

	rows, err := c.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, errs.Unavailable("catalog.lookup", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p           types.ProductSummary
			description sql.NullString
			image       sql.NullString
			categoryID  sql.NullInt64
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.SKU, &description, &p.Price, &p.StockQuantity, &image, &categoryID); err != nil {
			return nil, errs.Unavailable("catalog.lookup", err)
		}
		p.Description = description.String
		p.Image = image.String
		if categoryID.Valid {
			id := categoryID.Int64
			p.CategoryID = &id
		}
		out[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Unavailable("catalog.lookup", err)
	}
	return out, nil
}

// ProductImages lists active products by id, including ones without an image.
func (c *PostgresCatalog) ProductImages(ctx context.Context) iter.Seq2[ProductImage, error] {
	query := `
		SELECT id, COALESCE(image, '')
		FROM catalogue_product
		WHERE is_active
		ORDER BY id`

	return func(yield func(ProductImage, error) bool) {
		rows, err := c.db.QueryContext(ctx, query)
		if err != nil {
			yield(ProductImage{}, errs.Unavailable("catalog.product_images", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var pi ProductImage
			if err := rows.Scan(&pi.ProductID, &pi.Image); err != nil {
				yield(ProductImage{}, errs.Unavailable("catalog.product_images", err))
				return
			}
			if !yield(pi, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(ProductImage{}, errs.Unavailable("catalog.product_images", err))
		}
	}
}

// ReadImage reads ref from the media root. Paths escaping the root are
// rejected.
func (c *PostgresCatalog) ReadImage(_ context.Context, ref string) ([]byte, error) {
	return readMedia(c.mediaRoot, ref)
}

func readMedia(root, ref string) ([]byte, error) {
	f, err := os.OpenInRoot(root, ref)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errs.NotFound("catalog.read_image", "image %q", ref)
	}
	if err != nil {
		return nil, errs.InvalidArgument("catalog.read_image", "image %q: %v", ref, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errs.StorageFailure("catalog.read_image", err)
	}
	return data, nil
}

var (
	_ MetadataLookup = (*PostgresCatalog)(nil)
	_ ImageSource    = (*PostgresCatalog)(nil)
)
