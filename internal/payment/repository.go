package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/toko-adyen/internal/adyen"
)

// ErrStaleState is returned when a payment changed state between load and save.
var ErrStaleState = errors.New("payment: state changed concurrently")

// PGRepository implements Repository on Postgres.
type PGRepository struct {
	Pool *pgxpool.Pool
}

const orderSelect = `SELECT o.id::text, o.number, o.total, o.items_subtotal, o.shipping_total, o.tax_total,
  o.currency_code, o.locale_code, o.customer_ip, o.completed_at,
  c.id::text, c.email, c.first_name, c.last_name, c.phone, c.birth_date, c.user_id,
  b.id::text, b.first_name, b.last_name, b.company, b.street, b.postal_code, b.city, b.country_code, b.province, b.phone_number,
  s.id::text, s.first_name, s.last_name, s.company, s.street, s.postal_code, s.city, s.country_code, s.province, s.phone_number
FROM orders o
LEFT JOIN customers c ON c.id = o.customer_id
LEFT JOIN addresses b ON b.id = o.billing_address_id
LEFT JOIN addresses s ON s.id = o.shipping_address_id`

const itemSelect = `SELECT id::text, product_name, variant_name, product_code, quantity, unit_price, total,
  tax_total, tax_rate, discount_total, product_url
FROM order_items WHERE order_id = $1::uuid ORDER BY position, id`

const paymentSelect = `SELECT p.id::text, p.method_code, p.amount, p.currency_code, p.state, p.details, o.number
FROM payments p JOIN orders o ON o.id = p.order_id`

const refundColumns = `id::text, payment_id::text, amount, currency_code, state, COALESCE(psp_reference, ''), created_at`

type addressRow struct {
	id, firstName, lastName, company, street, postalCode, city, countryCode, province, phone *string
}

func (a *addressRow) dest() []any {
	return []any{&a.id, &a.firstName, &a.lastName, &a.company, &a.street, &a.postalCode, &a.city, &a.countryCode, &a.province, &a.phone}
}

func (a *addressRow) address() *adyen.Address {
	if a.id == nil {
		return nil
	}
	return &adyen.Address{
		FirstName:   deref(a.firstName),
		LastName:    deref(a.lastName),
		Company:     deref(a.company),
		Street:      deref(a.street),
		PostalCode:  deref(a.postalCode),
		City:        deref(a.city),
		CountryCode: deref(a.countryCode),
		Province:    deref(a.province),
		PhoneNumber: deref(a.phone),
	}
}

func (r PGRepository) OrderByNumber(ctx context.Context, number string) (adyen.Order, error) {
	var (
		o           adyen.Order
		completedAt *time.Time
		customerID  *string
		email       *string
		first, last *string
		phone       *string
		birth       *time.Time
		userID      *string
		billing     addressRow
		shipping    addressRow
	)
	dest := []any{&o.ID, &o.Number, &o.Total, &o.ItemsSubtotal, &o.ShippingTotal, &o.TaxTotal,
		&o.CurrencyCode, &o.LocaleCode, &o.CustomerIP, &completedAt,
		&customerID, &email, &first, &last, &phone, &birth, &userID}
	dest = append(dest, billing.dest()...)
	dest = append(dest, shipping.dest()...)

	err := r.Pool.QueryRow(ctx, orderSelect+` WHERE o.number = $1`, number).Scan(dest...)
	if err != nil {
		return adyen.Order{}, notFound(err)
	}
	if completedAt != nil {
		o.CompletedAt = *completedAt
	}
	if customerID != nil {
		o.Customer = &adyen.Customer{
			ID:        *customerID,
			Email:     deref(email),
			FirstName: deref(first),
			LastName:  deref(last),
			Phone:     deref(phone),
			BirthDate: birth,
			UserID:    deref(userID),
		}
	}
	o.BillingAddress = billing.address()
	o.ShippingAddress = shipping.address()

	rows, err := r.Pool.Query(ctx, itemSelect, o.ID)
	if err != nil {
		return adyen.Order{}, fmt.Errorf("load order items: %w", err)
	}
	items, err := pgx.CollectRows(rows, pgx.RowToStructByPos[adyen.OrderItem])
	if err != nil {
		return adyen.Order{}, fmt.Errorf("load order items: %w", err)
	}
	o.Items = items
	return o, nil
}

func (r PGRepository) PaymentByID(ctx context.Context, id string) (adyen.Payment, error) {
	return r.payment(ctx, paymentSelect+` WHERE p.id = $1::uuid`, id)
}

func (r PGRepository) PaymentByOrderNumber(ctx context.Context, number string) (adyen.Payment, error) {
	return r.payment(ctx, paymentSelect+` WHERE o.number = $1 ORDER BY p.created_at DESC LIMIT 1`, number)
}

func (r PGRepository) PaymentByPSPReference(ctx context.Context, psp string) (adyen.Payment, error) {
	return r.payment(ctx, paymentSelect+` WHERE p.details->>'pspReference' = $1 LIMIT 1`, psp)
}

func (r PGRepository) payment(ctx context.Context, query string, arg any) (adyen.Payment, error) {
	var (
		p           adyen.Payment
		rawDetails  []byte
		orderNumber string
	)
	err := r.Pool.QueryRow(ctx, query, arg).Scan(&p.ID, &p.MethodCode, &p.Amount, &p.CurrencyCode, &p.State, &rawDetails, &orderNumber)
	if err != nil {
		return adyen.Payment{}, notFound(err)
	}
	p.Details = adyen.Document{}
	if len(rawDetails) > 0 {
		if err := json.Unmarshal(rawDetails, &p.Details); err != nil {
			return adyen.Payment{}, fmt.Errorf("decode payment details: %w", err)
		}
	}
	order, err := r.OrderByNumber(ctx, orderNumber)
	if err != nil {
		return adyen.Payment{}, err
	}
	p.Order = &order
	return p, nil
}

// SaveTransition updates the payment and appends a payment event in one
// transaction. The update only applies while the payment is still in t.From.
func (r PGRepository) SaveTransition(ctx context.Context, t Transition) error {
	details, err := json.Marshal(t.Details)
	if err != nil {
		return fmt.Errorf("encode payment details: %w", err)
	}
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `UPDATE payments SET state = $2, details = $3, updated_at = now()
WHERE id = $1::uuid AND state = $4`, t.PaymentID, t.To, details, t.From)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleState
	}
	payload := t.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if _, err := tx.Exec(ctx, `INSERT INTO payment_events (payment_id, from_state, to_state, event, payload)
VALUES ($1::uuid, $2, $3, $4, $5)`, t.PaymentID, t.From, t.To, t.Event, payload); err != nil {
		return fmt.Errorf("insert payment event: %w", err)
	}
	return tx.Commit(ctx)
}

func (r PGRepository) CreateRefund(ctx context.Context, in Refund) (Refund, error) {
	rows, err := r.Pool.Query(ctx, `INSERT INTO refunds (payment_id, amount, currency_code, state, psp_reference)
VALUES ($1::uuid, $2, $3, $4, NULLIF($5, '')) RETURNING `+refundColumns,
		in.PaymentID, in.Amount, in.CurrencyCode, in.State, in.PSPReference)
	if err != nil {
		return Refund{}, err
	}
	return pgx.CollectExactlyOneRow(rows, pgx.RowToStructByPos[Refund])
}

func (r PGRepository) RefundByID(ctx context.Context, id string) (Refund, error) {
	return r.refund(ctx, `SELECT `+refundColumns+` FROM refunds WHERE id = $1::uuid`, id)
}

func (r PGRepository) RefundByPSPReference(ctx context.Context, psp string) (Refund, error) {
	return r.refund(ctx, `SELECT `+refundColumns+` FROM refunds WHERE psp_reference = $1`, psp)
}

func (r PGRepository) refund(ctx context.Context, query string, arg any) (Refund, error) {
	rows, err := r.Pool.Query(ctx, query, arg)
	if err != nil {
		return Refund{}, err
	}
	out, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByPos[Refund])
	if err != nil {
		return Refund{}, notFound(err)
	}
	return out, nil
}

func (r PGRepository) UpdateRefund(ctx context.Context, in Refund) error {
	tag, err := r.Pool.Exec(ctx, `UPDATE refunds SET state = $2, psp_reference = NULLIF($3, ''), updated_at = now()
WHERE id = $1::uuid`, in.ID, in.State, in.PSPReference)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r PGRepository) CompletedRefundTotal(ctx context.Context, paymentID string) (int64, error) {
	var total int64
	err := r.Pool.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0)::bigint FROM refunds
WHERE payment_id = $1::uuid AND state = $2`, paymentID, RefundCompleted).Scan(&total)
	return total, err
}

func (r PGRepository) ReservedRefundTotal(ctx context.Context, paymentID string) (int64, error) {
	var total int64
	err := r.Pool.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0)::bigint FROM refunds
WHERE payment_id = $1::uuid AND state <> $2`, paymentID, RefundFailed).Scan(&total)
	return total, err
}

func (r PGRepository) ShopperReference(ctx context.Context, customerID string) (adyen.ShopperReference, error) {
	var ref adyen.ShopperReference
	err := r.Pool.QueryRow(ctx, `SELECT identifier FROM shopper_references WHERE customer_id = $1::uuid`, customerID).Scan(&ref.Identifier)
	if err != nil {
		return adyen.ShopperReference{}, notFound(err)
	}
	return ref, nil
}

func (r PGRepository) ShopperReferenceByUser(ctx context.Context, userID string) (adyen.ShopperReference, error) {
	var ref adyen.ShopperReference
	err := r.Pool.QueryRow(ctx, `SELECT sr.identifier FROM shopper_references sr
JOIN customers c ON c.id = sr.customer_id
WHERE c.user_id = $1 LIMIT 1`, userID).Scan(&ref.Identifier)
	if err != nil {
		return adyen.ShopperReference{}, notFound(err)
	}
	return ref, nil
}

// CreateShopperReference inserts a reference, returning the existing one when
// another request created it first.
func (r PGRepository) CreateShopperReference(ctx context.Context, customerID, identifier string) (adyen.ShopperReference, error) {
	var ref adyen.ShopperReference
	err := r.Pool.QueryRow(ctx, `INSERT INTO shopper_references (customer_id, identifier) VALUES ($1::uuid, $2)
ON CONFLICT (customer_id) DO UPDATE SET customer_id = EXCLUDED.customer_id
RETURNING identifier`, customerID, identifier).Scan(&ref.Identifier)
	return ref, err
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
