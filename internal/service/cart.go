package service

import (
	"context"
	"errors"
	"fmt"

	"greencart/internal/apperr"
	"greencart/internal/models"
	"greencart/internal/store"
	"greencart/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CartService manages the consumer's pre-checkout cart
type CartService struct {
	runner store.TxRunner
	logger *zap.Logger
}

// NewCartService creates a new cart service
func NewCartService(runner store.TxRunner) *CartService {
	return &CartService{runner: runner, logger: util.Component("cart")}
}

// CartItemInput adds a product to the cart
type CartItemInput struct {
	ProductID uuid.UUID `json:"product_id" validate:"required"`
	Quantity  int       `json:"quantity" validate:"gt=0"`
}

// CartLineView is a cart line with the live catalog state next to it
type CartLineView struct {
	models.CartLine
	ProductName  string          `json:"product_name"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	LineTotal    decimal.Decimal `json:"line_total"`
	PriceChanged bool            `json:"price_changed"`
	IsAvailable  bool            `json:"is_available"`
}

// CartView is what a consumer sees of their cart
type CartView struct {
	CartID      uuid.UUID       `json:"cart_id"`
	Lines       []CartLineView  `json:"lines"`
	TotalItems  int             `json:"total_items"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

func requireConsumer(actor models.Actor) error {
	if actor.Role != models.RoleConsumer || actor.UserID == uuid.Nil {
		return fmt.Errorf("only consumers have carts: %w", apperr.ErrForbidden)
	}
	return nil
}

// GetCart returns the consumer's cart. A consumer without one sees an empty cart.
func (s *CartService) GetCart(ctx context.Context, actor models.Actor) (*CartView, error) {
	if err := requireConsumer(actor); err != nil {
		return nil, err
	}

	var view *CartView
	err := read(ctx, s.runner, func(tx store.Tx) error {
		cart, err := tx.GetCart(ctx, actor.UserID)
		if errors.Is(err, apperr.ErrNotFound) {
			view = &CartView{Lines: []CartLineView{}, TotalAmount: decimal.Zero}
			return nil
		}
		if err != nil {
			return err
		}
		view, err = s.buildView(ctx, tx, cart)
		return err
	})
	return view, err
}

// AddItem adds qty of a product. An existing line keeps its captured price
// and has its quantity increased.
func (s *CartService) AddItem(ctx context.Context, actor models.Actor, in CartItemInput) (*CartView, error) {
	if err := requireConsumer(actor); err != nil {
		return nil, err
	}
	if err := validateInput(in); err != nil {
		return nil, err
	}

	var view *CartView
	err := s.runner.WithTx(ctx, func(tx store.Tx) error {
		product, err := tx.GetProduct(ctx, in.ProductID)
		if err != nil {
			return err
		}
		if !product.IsActive {
			return apperr.Validation("product_id", "product %s is not available", product.ID)
		}

		cart, err := tx.GetOrCreateCart(ctx, actor.UserID)
		if err != nil {
			return err
		}

		line := &models.CartLine{CartID: cart.ID, ProductID: product.ID, Quantity: in.Quantity, PriceAtTime: product.Price}
		existing, err := tx.GetCartLine(ctx, cart.ID, product.ID)
		switch {
		case err == nil:
			line = existing
			line.Quantity += in.Quantity
		case !errors.Is(err, apperr.ErrNotFound):
			return err
		}

		if line.Quantity > product.QuantityAvailable {
			return &apperr.StockUnavailableError{
				ProductID: product.ID,
				Requested: line.Quantity,
				Available: product.QuantityAvailable,
			}
		}

		if err := tx.SaveCartLine(ctx, line); err != nil {
			return err
		}
		view, err = s.buildView(ctx, tx, cart)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Cart item added",
		zap.String("consumer_id", actor.UserID.String()),
		zap.String("product_id", in.ProductID.String()),
		zap.Int("quantity", in.Quantity))
	return view, nil
}

// UpdateQuantity sets a line's quantity; zero or less removes the line
func (s *CartService) UpdateQuantity(ctx context.Context, actor models.Actor, productID uuid.UUID, qty int) (*CartView, error) {
	if err := requireConsumer(actor); err != nil {
		return nil, err
	}

	var view *CartView
	err := s.runner.WithTx(ctx, func(tx store.Tx) error {
		cart, err := tx.GetCart(ctx, actor.UserID)
		if err != nil {
			return err
		}
		line, err := tx.GetCartLine(ctx, cart.ID, productID)
		if err != nil {
			return err
		}

		if qty <= 0 {
			if _, err := tx.DeleteCartLine(ctx, cart.ID, productID); err != nil {
				return err
			}
		} else {
			product, err := tx.GetProduct(ctx, productID)
			if err != nil {
				return err
			}
			if qty > product.QuantityAvailable {
				return &apperr.StockUnavailableError{ProductID: productID, Requested: qty, Available: product.QuantityAvailable}
			}
			line.Quantity = qty
			if err := tx.SaveCartLine(ctx, line); err != nil {
				return err
			}
		}

		view, err = s.buildView(ctx, tx, cart)
		return err
	})
	return view, err
}

// RemoveItem deletes a line
func (s *CartService) RemoveItem(ctx context.Context, actor models.Actor, productID uuid.UUID) (*CartView, error) {
	if err := requireConsumer(actor); err != nil {
		return nil, err
	}

	var view *CartView
	err := s.runner.WithTx(ctx, func(tx store.Tx) error {
		cart, err := tx.GetCart(ctx, actor.UserID)
		if err != nil {
			return err
		}
		removed, err := tx.DeleteCartLine(ctx, cart.ID, productID)
		if err != nil {
			return err
		}
		if !removed {
			return fmt.Errorf("cart line: %w", apperr.ErrNotFound)
		}
		view, err = s.buildView(ctx, tx, cart)
		return err
	})
	return view, err
}

// Clear empties the cart
func (s *CartService) Clear(ctx context.Context, actor models.Actor) error {
	if err := requireConsumer(actor); err != nil {
		return err
	}

	return s.runner.WithTx(ctx, func(tx store.Tx) error {
		cart, err := tx.GetCart(ctx, actor.UserID)
		if errors.Is(err, apperr.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = tx.ClearCart(ctx, cart.ID)
		return err
	})
}

func (s *CartService) buildView(ctx context.Context, tx store.Tx, cart *models.Cart) (*CartView, error) {
	lines, err := tx.ListCartLines(ctx, cart.ID)
	if err != nil {
		return nil, err
	}

	view := &CartView{CartID: cart.ID, Lines: make([]CartLineView, 0, len(lines)), TotalAmount: decimal.Zero}
	for _, l := range lines {
		lv := CartLineView{CartLine: l, LineTotal: l.TotalPrice()}

		product, err := tx.GetProduct(ctx, l.ProductID)
		switch {
		case err == nil:
			lv.ProductName = product.Name
			lv.CurrentPrice = product.Price
			lv.PriceChanged = !product.Price.Equal(l.PriceAtTime)
			lv.IsAvailable = product.IsActive && product.QuantityAvailable >= l.Quantity
		case !errors.Is(err, apperr.ErrNotFound):
			return nil, err
		}

		view.Lines = append(view.Lines, lv)
		view.TotalItems += l.Quantity
		view.TotalAmount = view.TotalAmount.Add(lv.LineTotal)
	}
	return view, nil
}
