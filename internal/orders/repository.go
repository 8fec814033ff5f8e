package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/joao-fontenele/orderflow-checkout/internal/cart"
	"github.com/joao-fontenele/orderflow-checkout/internal/domain"
	"github.com/joao-fontenele/orderflow-checkout/internal/inventory"
)

const orderColumns = `id, order_number, user_id, cart_id, subtotal, tax_amount, total, currency,
		status, payment_status, payment_ref, needs_reconciliation, failure_reason,
		tracking_number, carrier, created_at, updated_at, delivered_at`

type OrderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) Create(ctx context.Context, order *domain.Order) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, order_number, user_id, cart_id, subtotal, tax_amount, total, currency,
			status, payment_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
	`, order.ID, order.Number, order.UserID, order.CartID, order.Subtotal, order.TaxAmount, order.Total,
		order.Currency, order.Status, order.PaymentStatus, order.CreatedAt)
	if err != nil {
		return err
	}

	for i, line := range order.Lines {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_lines (id, order_id, position, variant_id, quantity, unit_price, customization_ref, surcharge, total_price)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, line.ID, order.ID, i, line.VariantID, line.Quantity, line.UnitPrice, line.CustomizationRef, line.Surcharge, line.TotalPrice)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *OrderRepository) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	order, err := scanOrder(r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("order %s: %w", id, domain.ErrNotFound)
		}
		return nil, err
	}

	byID := map[string]*domain.Order{order.ID: order}
	if err := r.loadLines(ctx, []string{order.ID}, byID); err != nil {
		return nil, err
	}

	return order, nil
}

func (r *OrderRepository) ListByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	return r.list(ctx, `SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC`, userID)
}

func (r *OrderRepository) ListReconciliation(ctx context.Context) ([]domain.Order, error) {
	return r.list(ctx, `SELECT `+orderColumns+` FROM orders WHERE needs_reconciliation ORDER BY created_at`)
}

func (r *OrderRepository) SetPaymentRef(ctx context.Context, id, ref string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE orders SET payment_ref = $2, updated_at = NOW()
		WHERE id = $1
	`, id, ref)
	return err
}

// ConfirmWithStock moves a pending order to CONFIRMED/PAID, decrements stock
// for reqs and deactivates the source cart in one transaction. applied is
// false when the order was no longer confirmable, in which case nothing is
// written. A commit-time shortage rolls everything back and returns an
// error matching domain.ErrStockExhausted.
func (r *OrderRepository) ConfirmWithStock(ctx context.Context, id string, reqs []domain.StockRequest, now time.Time) (applied bool, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var cartID string
	err = tx.QueryRowContext(ctx, `
		UPDATE orders
		SET status = $2, payment_status = $3, updated_at = $4
		WHERE id = $1
		  AND status = $5
		  AND payment_status <> $6
		  AND NOT needs_reconciliation
		RETURNING cart_id
	`, id, domain.OrderStatusConfirmed, domain.PaymentStatusPaid, now,
		domain.OrderStatusPendingPayment, domain.PaymentStatusFailed).Scan(&cartID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := inventory.DecrementTx(ctx, tx, reqs); err != nil {
		return false, err
	}

	if err := cart.DeactivateTx(ctx, tx, cartID); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// MarkPaymentFailed records a failed or abandoned payment. Only a pending
// payment on a pending order is changed.
func (r *OrderRepository) MarkPaymentFailed(ctx context.Context, id, reason string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE orders
		SET payment_status = $2, failure_reason = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4 AND payment_status = $5
	`, id, domain.PaymentStatusFailed, reason, domain.OrderStatusPendingPayment, domain.PaymentStatusPending)
	if err != nil {
		return false, err
	}
	return affectedOne(result)
}

// FlagReconciliation records a captured payment whose stock could not be
// committed. The order stays in PENDING_PAYMENT.
func (r *OrderRepository) FlagReconciliation(ctx context.Context, id, reason string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE orders
		SET payment_status = $2, needs_reconciliation = TRUE, failure_reason = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4 AND NOT needs_reconciliation
	`, id, domain.PaymentStatusPaid, reason, domain.OrderStatusPendingPayment)
	if err != nil {
		return false, err
	}
	return affectedOne(result)
}

// UpdateStatus persists a state-machine transition with a compare-and-set
// on the previous status. When restock is set the order's units are returned
// to stock in the same transaction.
func (r *OrderRepository) UpdateStatus(ctx context.Context, order *domain.Order, from domain.OrderStatus, restock bool) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, payment_status = $3, tracking_number = $4, carrier = $5, delivered_at = $6, updated_at = $7
		WHERE id = $1 AND status = $8
	`, order.ID, order.Status, order.PaymentStatus, order.TrackingNumber, order.Carrier, order.DeliveredAt, order.UpdatedAt, from)
	if err != nil {
		return err
	}

	ok, err := affectedOne(result)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: order %s is no longer %s", domain.ErrIllegalStatusTransition, order.ID, from)
	}

	if restock {
		if err := inventory.RestockTx(ctx, tx, order.StockRequests()); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ExpirePending fails the payment of orders left in PENDING_PAYMENT since
// before cutoff and returns them.
func (r *OrderRepository) ExpirePending(ctx context.Context, cutoff time.Time) ([]domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE orders
		SET payment_status = $2, failure_reason = $5, updated_at = NOW()
		WHERE status = $3 AND payment_status = $4 AND created_at < $1
		RETURNING `+orderColumns,
		cutoff, domain.PaymentStatusFailed, domain.OrderStatusPendingPayment, domain.PaymentStatusPending, domain.FailureReasonExpired)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	expired := []domain.Order{}
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		expired = append(expired, *order)
	}

	return expired, rows.Err()
}

func (r *OrderRepository) list(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	orderMap := make(map[string]*domain.Order)
	var orderIDs []string

	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orderMap[order.ID] = order
		orderIDs = append(orderIDs, order.ID)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(orderIDs) == 0 {
		return []domain.Order{}, nil
	}

	if err := r.loadLines(ctx, orderIDs, orderMap); err != nil {
		return nil, err
	}

	orders := make([]domain.Order, 0, len(orderIDs))
	for _, id := range orderIDs {
		orders = append(orders, *orderMap[id])
	}

	return orders, nil
}

func (r *OrderRepository) loadLines(ctx context.Context, orderIDs []string, orderMap map[string]*domain.Order) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT order_id, id, variant_id, quantity, unit_price, customization_ref, surcharge, total_price
		FROM order_lines
		WHERE order_id = ANY($1)
		ORDER BY order_id, position
	`, pq.Array(orderIDs))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for _, o := range orderMap {
		o.Lines = []domain.OrderLine{}
	}

	for rows.Next() {
		var orderID string
		var line domain.OrderLine
		var total sql.NullInt64
		if err := rows.Scan(&orderID, &line.ID, &line.VariantID, &line.Quantity, &line.UnitPrice, &line.CustomizationRef, &line.Surcharge, &total); err != nil {
			return err
		}
		if line.TotalPrice, err = lineTotal(line.ID, total); err != nil {
			return err
		}
		order := orderMap[orderID]
		order.Lines = append(order.Lines, line)
	}

	return rows.Err()
}

// lineTotal refuses to read a missing total as zero.
func lineTotal(lineID string, total sql.NullInt64) (int64, error) {
	if !total.Valid {
		return 0, fmt.Errorf("order line %s has no total price: %w", lineID, domain.ErrDataIntegrity)
	}
	return total.Int64, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	o := &domain.Order{}
	var deliveredAt sql.NullTime
	err := row.Scan(&o.ID, &o.Number, &o.UserID, &o.CartID, &o.Subtotal, &o.TaxAmount, &o.Total, &o.Currency,
		&o.Status, &o.PaymentStatus, &o.PaymentRef, &o.NeedsReconciliation, &o.FailureReason,
		&o.TrackingNumber, &o.Carrier, &o.CreatedAt, &o.UpdatedAt, &deliveredAt)
	if err != nil {
		return nil, err
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		o.DeliveredAt = &t
	}
	return o, nil
}

func affectedOne(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
