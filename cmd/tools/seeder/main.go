package main

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

// seeder inserts a sandbox order with an open Adyen payment so the checkout
// flow can be exercised against the Adyen test environment.
func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}
	methodCode := os.Getenv("ADYEN_PAYMENT_METHOD_CODE")
	if methodCode == "" {
		methodCode = "adyen"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	defer pool.Close()

	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		customerID, err := seedCustomer(ctx, tx)
		if err != nil {
			return err
		}
		addressID, err := seedAddress(ctx, tx)
		if err != nil {
			return err
		}
		orders := []struct {
			Number   string
			Currency string
			Items    []item
			Shipping int64
		}{
			{"000000001", "EUR", []item{{"Coffee Mug", "Blue", "MUG-BLUE", 2, 1210, 0.21}}, 500},
			{"000000002", "USD", []item{{"Notebook", "A5", "NB-A5", 1, 899, 0.08}, {"Pen", "Black", "PEN-BLK", 3, 150, 0.08}}, 0},
		}
		for _, o := range orders {
			if err := seedOrder(ctx, tx, customerID, addressID, o.Number, o.Currency, o.Items, o.Shipping, methodCode); err != nil {
				return err
			}
			log.Printf("Seeded order %s (%s)", o.Number, o.Currency)
		}
		return nil
	})
	if err != nil {
		log.Fatalf("Seeding failed: %v", err)
	}
	log.Println("Seeding completed successfully!")
}

type item struct {
	Name      string
	Variant   string
	Code      string
	Quantity  int
	UnitPrice int64
	TaxRate   float64
}

func seedCustomer(ctx context.Context, tx pgx.Tx) (string, error) {
	var id string
	err := tx.QueryRow(ctx, `INSERT INTO customers (user_id, email, first_name, last_name, phone)
VALUES ('sandbox-user', 'shopper@example.com', 'Sandbox', 'Shopper', '+31201234567')
ON CONFLICT (user_id) DO UPDATE SET email = EXCLUDED.email
RETURNING id::text`).Scan(&id)
	return id, err
}

func seedAddress(ctx context.Context, tx pgx.Tx) (string, error) {
	var id string
	err := tx.QueryRow(ctx, `INSERT INTO addresses (first_name, last_name, street, postal_code, city, country_code)
VALUES ('Sandbox', 'Shopper', 'Simon Carmiggeltstraat 6', '1011 DJ', 'Amsterdam', 'NL')
RETURNING id::text`).Scan(&id)
	return id, err
}

func seedOrder(ctx context.Context, tx pgx.Tx, customerID, addressID, number, currency string, items []item, shipping int64, methodCode string) error {
	var subtotal, tax int64
	for _, it := range items {
		line := it.UnitPrice * int64(it.Quantity)
		subtotal += line
		tax += int64(float64(line) * it.TaxRate / (1 + it.TaxRate))
	}
	total := subtotal + shipping

	var orderID string
	err := tx.QueryRow(ctx, `INSERT INTO orders (number, customer_id, billing_address_id, shipping_address_id,
  total, items_subtotal, shipping_total, tax_total, currency_code, locale_code)
VALUES ($1, $2::uuid, $3::uuid, $3::uuid, $4, $5, $6, $7, $8, 'en_US')
ON CONFLICT (number) DO NOTHING
RETURNING id::text`, number, customerID, addressID, total, subtotal, shipping, tax, currency).Scan(&orderID)
	if errors.Is(err, pgx.ErrNoRows) {
		log.Printf("Order %s already exists, skipping", number)
		return nil
	}
	if err != nil {
		return err
	}

	for i, it := range items {
		line := it.UnitPrice * int64(it.Quantity)
		lineTax := int64(float64(line) * it.TaxRate / (1 + it.TaxRate))
		if _, err := tx.Exec(ctx, `INSERT INTO order_items (order_id, position, product_name, variant_name, product_code,
  quantity, unit_price, total, tax_total, tax_rate)
VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			orderID, i, it.Name, it.Variant, it.Code, it.Quantity, it.UnitPrice, line, lineTax, it.TaxRate); err != nil {
			return err
		}
	}

	_, err = tx.Exec(ctx, `INSERT INTO payments (order_id, method_code, amount, currency_code, state)
VALUES ($1::uuid, $2, $3, $4, 'new')`, orderID, methodCode, total, currency)
	return err
}
