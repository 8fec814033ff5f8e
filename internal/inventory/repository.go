package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/joao-fontenele/orderflow-checkout/internal/domain"
)

type InventoryRepository struct {
	db *sql.DB
}

func NewInventoryRepository(db *sql.DB) *InventoryRepository {
	return &InventoryRepository{db: db}
}

func (r *InventoryRepository) ListAll(ctx context.Context) ([]domain.Variant, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, sku, name, price, available, version, updated_at
		FROM variants
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	variants := []domain.Variant{}
	for rows.Next() {
		var v domain.Variant
		if err := rows.Scan(&v.ID, &v.SKU, &v.Name, &v.Price, &v.Available, &v.Version, &v.UpdatedAt); err != nil {
			return nil, err
		}
		variants = append(variants, v)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return variants, nil
}

func (r *InventoryRepository) GetVariant(ctx context.Context, variantID string) (*domain.Variant, error) {
	v := &domain.Variant{}

	err := r.db.QueryRowContext(ctx, `
		SELECT id, sku, name, price, available, version, updated_at
		FROM variants
		WHERE id = $1
	`, variantID).Scan(&v.ID, &v.SKU, &v.Name, &v.Price, &v.Available, &v.Version, &v.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("variant %s: %w", variantID, domain.ErrNotFound)
		}
		return nil, err
	}

	return v, nil
}

// GetStock is an unlocked read. The value may be stale by the time the
// caller acts on it.
func (r *InventoryRepository) GetStock(ctx context.Context, variantID string) (*domain.StockLevel, error) {
	stock := &domain.StockLevel{}

	err := r.db.QueryRowContext(ctx, `
		SELECT id, available, version
		FROM variants
		WHERE id = $1
	`, variantID).Scan(&stock.VariantID, &stock.Available, &stock.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("variant %s: %w", variantID, domain.ErrNotFound)
		}
		return nil, err
	}

	return stock, nil
}

func (r *InventoryRepository) GetCustomization(ctx context.Context, ref string) (*domain.Customization, error) {
	c := &domain.Customization{}

	err := r.db.QueryRowContext(ctx, `
		SELECT ref, surcharge
		FROM customizations
		WHERE ref = $1
	`, ref).Scan(&c.Ref, &c.Surcharge)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("customization %s: %w", ref, domain.ErrNotFound)
		}
		return nil, err
	}

	return c, nil
}

// CheckAvailability is the advisory validation used on cart writes and
// before an order is created. It takes no locks.
func (r *InventoryRepository) CheckAvailability(ctx context.Context, reqs []domain.StockRequest) error {
	if len(reqs) == 0 {
		return nil
	}

	available, err := queryAvailable(ctx, r.db, reqs, false)
	if err != nil {
		return err
	}

	return checkRequests(reqs, available, domain.ErrInsufficientStock)
}

// SetStock overwrites the available quantity when expectedVersion still
// matches, bumping the version.
func (r *InventoryRepository) SetStock(ctx context.Context, variantID string, available int, expectedVersion int64) (*domain.StockLevel, error) {
	if available < 0 {
		return nil, domain.ErrInvalidQuantity
	}

	stock := &domain.StockLevel{}
	err := r.db.QueryRowContext(ctx, `
		UPDATE variants
		SET available = $2, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $3
		RETURNING id, available, version
	`, variantID, available, expectedVersion).Scan(&stock.VariantID, &stock.Available, &stock.Version)
	if err == nil {
		return stock, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	if _, err := r.GetStock(ctx, variantID); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("variant %s at version %d: %w", variantID, expectedVersion, domain.ErrVersionConflict)
}

// DecrementTx is the committing decrement. It locks the variant rows in id
// order with SELECT ... FOR UPDATE, re-checks every request and decrements.
// Nothing is written when any request cannot be satisfied.
func DecrementTx(ctx context.Context, tx *sql.Tx, reqs []domain.StockRequest) error {
	if len(reqs) == 0 {
		return nil
	}

	available, err := queryAvailable(ctx, tx, reqs, true)
	if err != nil {
		return err
	}

	if err := checkRequests(reqs, available, domain.ErrStockExhausted); err != nil {
		return err
	}

	for _, req := range reqs {
		if _, err := tx.ExecContext(ctx, `
			UPDATE variants
			SET available = available - $2, version = version + 1, updated_at = NOW()
			WHERE id = $1
		`, req.VariantID, req.Quantity); err != nil {
			return fmt.Errorf("decrement %s: %w", req.VariantID, err)
		}
	}

	return nil
}

// RestockTx returns units to stock inside the caller's transaction.
func RestockTx(ctx context.Context, tx *sql.Tx, reqs []domain.StockRequest) error {
	for _, req := range reqs {
		result, err := tx.ExecContext(ctx, `
			UPDATE variants
			SET available = available + $2, version = version + 1, updated_at = NOW()
			WHERE id = $1
		`, req.VariantID, req.Quantity)
		if err != nil {
			return fmt.Errorf("restock %s: %w", req.VariantID, err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rowsAffected == 0 {
			return fmt.Errorf("restock variant %s: %w", req.VariantID, domain.ErrNotFound)
		}
	}

	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryAvailable(ctx context.Context, q querier, reqs []domain.StockRequest, forUpdate bool) (map[string]int, error) {
	ids := make([]string, len(reqs))
	for i, req := range reqs {
		ids[i] = req.VariantID
	}

	query := `
		SELECT id, available
		FROM variants
		WHERE id = ANY($1)
		ORDER BY id`
	if forUpdate {
		query += `
		FOR UPDATE`
	}

	rows, err := q.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	available := make(map[string]int, len(ids))
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		available[id] = n
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return available, nil
}

func checkRequests(reqs []domain.StockRequest, available map[string]int, shortage error) error {
	for _, req := range reqs {
		if req.Quantity < 1 {
			return domain.ErrInvalidQuantity
		}
		n, ok := available[req.VariantID]
		if !ok {
			return fmt.Errorf("variant %s: %w", req.VariantID, domain.ErrNotFound)
		}
		if req.Quantity > n {
			return &ShortageError{VariantID: req.VariantID, Requested: req.Quantity, Available: n, err: shortage}
		}
	}
	return nil
}

// ShortageError reports which variant could not be satisfied. It matches
// either domain.ErrInsufficientStock or domain.ErrStockExhausted.
type ShortageError struct {
	VariantID string
	Requested int
	Available int
	err       error
}

func (e *ShortageError) Error() string {
	return fmt.Sprintf("%s: variant %s requested %d, available %d", e.err, e.VariantID, e.Requested, e.Available)
}

func (e *ShortageError) Unwrap() error { return e.err }
