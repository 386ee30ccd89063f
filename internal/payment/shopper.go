package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/noah-isme/toko-adyen/internal/adyen"
)

// ShopperResolver finds or creates the shopper reference used for tokenised
// payments. Guests, and orders placed by another account, get none.
type ShopperResolver struct {
	Repo Repository
}

// Resolve returns nil without error when no identity applies.
func (s ShopperResolver) Resolve(ctx context.Context, order adyen.Order, userID string) (*adyen.ShopperReference, error) {
	if s.Repo == nil || userID == "" || order.Customer == nil || order.Customer.UserID == "" {
		return nil, nil
	}
	if order.Customer.UserID != userID {
		return nil, nil
	}
	ref, err := s.Repo.ShopperReference(ctx, order.Customer.ID)
	if err == nil {
		return &ref, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("load shopper reference: %w", err)
	}
	ref, err = s.Repo.CreateShopperReference(ctx, order.Customer.ID, uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("create shopper reference: %w", err)
	}
	return &ref, nil
}
