package cart

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/joao-fontenele/orderflow-checkout/internal/domain"
)

// ErrConcurrentCart is returned when saving would create a second active
// cart for an owner.
var ErrConcurrentCart = errors.New("another active cart exists for this owner")

const uniqueViolation = "23505"

type CartRepository struct {
	db *sql.DB
}

func NewCartRepository(db *sql.DB) *CartRepository {
	return &CartRepository{db: db}
}

func (r *CartRepository) GetActive(ctx context.Context, owner domain.CartOwner) (*domain.Cart, error) {
	query := `
		SELECT id, user_id, session_id, subtotal, tax_amount, total, active, created_at, updated_at
		FROM carts
		WHERE user_id = $1 AND active`
	key := owner.UserID
	if owner.IsGuest() {
		query = `
		SELECT id, user_id, session_id, subtotal, tax_amount, total, active, created_at, updated_at
		FROM carts
		WHERE session_id = $1 AND active`
		key = owner.SessionID
	}

	c, err := scanCart(r.db.QueryRowContext(ctx, query, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("active cart for %s: %w", owner.Key(), domain.ErrNotFound)
		}
		return nil, err
	}

	if err := r.loadLines(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (r *CartRepository) GetByID(ctx context.Context, id string) (*domain.Cart, error) {
	c, err := scanCart(r.db.QueryRowContext(ctx, `
		SELECT id, user_id, session_id, subtotal, tax_amount, total, active, created_at, updated_at
		FROM carts
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("cart %s: %w", id, domain.ErrNotFound)
		}
		return nil, err
	}

	if err := r.loadLines(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Save upserts every cart and replaces its lines in a single transaction.
func (r *CartRepository) Save(ctx context.Context, carts ...*domain.Cart) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, c := range carts {
		if err := saveCart(ctx, tx, c); err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
				return fmt.Errorf("save cart %s: %w", c.ID, ErrConcurrentCart)
			}
			return fmt.Errorf("save cart %s: %w", c.ID, err)
		}
	}

	return tx.Commit()
}

// DeactivateTx marks a cart converted inside the caller's transaction.
func DeactivateTx(ctx context.Context, tx *sql.Tx, cartID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE carts SET active = FALSE, updated_at = NOW()
		WHERE id = $1
	`, cartID)
	return err
}

// DeleteInactiveBefore removes carts deactivated before cutoff. Carts
// referenced by an order are kept.
func (r *CartRepository) DeleteInactiveBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM carts c
		WHERE NOT c.active
		  AND c.updated_at < $1
		  AND NOT EXISTS (SELECT 1 FROM orders o WHERE o.cart_id = c.id)
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func saveCart(ctx context.Context, tx *sql.Tx, c *domain.Cart) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO carts (id, user_id, session_id, subtotal, tax_amount, total, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE
		SET subtotal = EXCLUDED.subtotal,
		    tax_amount = EXCLUDED.tax_amount,
		    total = EXCLUDED.total,
		    active = EXCLUDED.active,
		    updated_at = EXCLUDED.updated_at
	`, c.ID, nullable(c.Owner.UserID), nullable(c.Owner.SessionID), c.Subtotal, c.TaxAmount, c.Total, c.Active, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM cart_lines WHERE cart_id = $1`, c.ID); err != nil {
		return err
	}

	for i, l := range c.Lines {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO cart_lines (cart_id, position, variant_id, customization_ref, quantity, unit_price, surcharge, line_total)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, c.ID, i, l.VariantID, l.CustomizationRef, l.Quantity, l.UnitPrice, l.Surcharge, l.LineTotal)
		if err != nil {
			return err
		}
	}

	return nil
}

func (r *CartRepository) loadLines(ctx context.Context, c *domain.Cart) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT variant_id, customization_ref, quantity, unit_price, surcharge, line_total
		FROM cart_lines
		WHERE cart_id = $1
		ORDER BY position
	`, c.ID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	c.Lines = []domain.CartLine{}
	for rows.Next() {
		var l domain.CartLine
		if err := rows.Scan(&l.VariantID, &l.CustomizationRef, &l.Quantity, &l.UnitPrice, &l.Surcharge, &l.LineTotal); err != nil {
			return err
		}
		c.Lines = append(c.Lines, l)
	}

	return rows.Err()
}

func scanCart(row *sql.Row) (*domain.Cart, error) {
	c := &domain.Cart{}
	var userID, sessionID sql.NullString
	if err := row.Scan(&c.ID, &userID, &sessionID, &c.Subtotal, &c.TaxAmount, &c.Total, &c.Active, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Owner = domain.CartOwner{UserID: userID.String, SessionID: sessionID.String}
	return c, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
