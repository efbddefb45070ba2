package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Lizaveta3333/liza-backend/internal/logger"
	"github.com/Lizaveta3333/liza-backend/internal/model"
	"github.com/Lizaveta3333/liza-backend/internal/repository"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// OrderServiceImpl implements OrderService for order management business logic.
type OrderServiceImpl struct {
	orderRepo      repository.OrderRepository
	productRepo    repository.ProductRepository
	outboxRepo     repository.OutboxRepository
	transactionMgr repository.TransactionManager
}

// NewOrderServiceImpl creates a new OrderService implementation.
func NewOrderServiceImpl(
	orderRepo repository.OrderRepository,
	productRepo repository.ProductRepository,
	outboxRepo repository.OutboxRepository,
	transactionMgr repository.TransactionManager,
) OrderService {
	return &OrderServiceImpl{
		orderRepo:      orderRepo,
		productRepo:    productRepo,
		outboxRepo:     outboxRepo,
		transactionMgr: transactionMgr,
	}
}

// RecordOrderEvent appends an outbox event in the caller's transaction.
// payload is stored as is when it is already JSON bytes.
func (s *OrderServiceImpl) RecordOrderEvent(
	ctx context.Context, aggregateID string, eventType model.OrderEventType, payload any,
) error {
	var data []byte

	switch p := payload.(type) {
	case []byte:
		data = p
	case json.RawMessage:
		data = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal event payload: %w", err)
		}

		data = b
	}

	_, err := s.outboxRepo.Append(ctx, &model.CreateOutboxEventParams{
		AggregateID: aggregateID,
		EventType:   eventType,
		Payload:     data,
	})
	if err != nil {
		return fmt.Errorf("failed to create outbox event: %w", err)
	}

	return nil
}

// CreateOrder reserves stock and places an order.
func (s *OrderServiceImpl) CreateOrder(ctx context.Context, params *model.CreateOrderParams) (*model.Order, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	var created *model.Order

	err := s.transactionMgr.WithTransaction(ctx, func(ctx context.Context) error {
		product, err := s.productRepo.GetForUpdate(ctx, params.ProductID)
		if err != nil {
			return err
		}

		if err := s.productRepo.AdjustStock(ctx, product.ID, -params.Quantity); err != nil {
			return err
		}

		order, err := s.orderRepo.Create(ctx, &model.Order{
			BuyerID:    params.BuyerID,
			SellerID:   product.SellerID,
			ProductID:  product.ID,
			Quantity:   params.Quantity,
			TotalPrice: product.Price * float64(params.Quantity),
			Status:     model.OrderStatusPending,
			Message:    params.Message,
		})
		if err != nil {
			return err
		}

		created = order

		return s.recordSnapshot(ctx, model.OrderEventCreated, order)
	})
	if err != nil {
		return nil, err
	}

	logger.From(ctx).Info("order created",
		slog.Int64("order_id", created.ID),
		slog.Int64("buyer_id", created.BuyerID),
		slog.Int("quantity", created.Quantity),
	)

	return created, nil
}

// UpdateOrder changes quantity or message of a pending order owned by buyerID.
func (s *OrderServiceImpl) UpdateOrder(
	ctx context.Context, orderID, buyerID int64, params *model.UpdateOrderParams,
) (*model.Order, error) {
	var updated *model.Order

	err := s.transactionMgr.WithTransaction(ctx, func(ctx context.Context) error {
		order, err := s.orderRepo.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}

		if order.BuyerID != buyerID {
			return model.ErrOrderNotFound
		}

		if order.Status != model.OrderStatusPending {
			return fmt.Errorf("%w: only pending orders can be edited", model.ErrInvalidOrderStatus)
		}

		if params.Quantity != nil && *params.Quantity != order.Quantity {
			if *params.Quantity <= 0 {
				return model.ErrInvalidQuantity
			}

			product, err := s.productRepo.GetForUpdate(ctx, order.ProductID)
			if err != nil {
				return err
			}

			if err := s.productRepo.AdjustStock(ctx, product.ID, order.Quantity-*params.Quantity); err != nil {
				return err
			}

			order.Quantity = *params.Quantity
			order.TotalPrice = product.Price * float64(order.Quantity)
		}

		if params.Message != nil {
			order.Message = *params.Message
		}

		if err := s.orderRepo.Update(ctx, order); err != nil {
			return err
		}

		updated = order

		return s.recordSnapshot(ctx, model.OrderEventUpdated, order)
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// ChangeStatus moves an order to status and emits the matching event. Only
// the seller of the ordered product and admins may change it.
func (s *OrderServiceImpl) ChangeStatus(
	ctx context.Context, orderID int64, actor model.Actor, status model.OrderStatus,
) (*model.Order, error) {
	return s.changeStatus(ctx, orderID, status, func(o *model.Order) error {
		if !o.ManagedBy(actor) {
			return model.ErrOrderNotFound
		}

		return nil
	})
}

// CancelOrder cancels an order owned by buyerID and returns its stock.
func (s *OrderServiceImpl) CancelOrder(ctx context.Context, orderID, buyerID int64) (*model.Order, error) {
	return s.changeStatus(ctx, orderID, model.OrderStatusCancelled, func(o *model.Order) error {
		if o.BuyerID != buyerID {
			return model.ErrOrderNotFound
		}

		return nil
	})
}

// GetOrder retrieves an order visible to actor.
func (s *OrderServiceImpl) GetOrder(ctx context.Context, orderID int64, actor model.Actor) (*model.Order, error) {
	order, err := s.orderRepo.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if !order.VisibleTo(actor) {
		return nil, model.ErrOrderNotFound
	}

	return order, nil
}

// ListOrdersByBuyer lists a buyer's orders, newest first.
func (s *OrderServiceImpl) ListOrdersByBuyer(ctx context.Context, buyerID int64, limit, offset int) ([]*model.Order, error) {
	limit, offset = page(limit, offset)

	return s.orderRepo.ListByBuyer(ctx, buyerID, limit, offset)
}

// ListOrdersBySeller lists orders placed for a seller's products, newest first.
func (s *OrderServiceImpl) ListOrdersBySeller(ctx context.Context, sellerID int64, limit, offset int) ([]*model.Order, error) {
	limit, offset = page(limit, offset)

	return s.orderRepo.ListBySeller(ctx, sellerID, limit, offset)
}

func page(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	return min(limit, maxListLimit), max(offset, 0)
}

func (s *OrderServiceImpl) changeStatus(
	ctx context.Context, orderID int64, status model.OrderStatus, check func(*model.Order) error,
) (*model.Order, error) {
	var updated *model.Order

	err := s.transactionMgr.WithTransaction(ctx, func(ctx context.Context) error {
		order, err := s.orderRepo.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}

		if err := check(order); err != nil {
			return err
		}

		if !order.Status.CanChangeTo(status) {
			return fmt.Errorf("%w: %s -> %s", model.ErrInvalidOrderStatus, order.Status, status)
		}

		if status == model.OrderStatusCancelled && order.Status.HoldsStock() {
			if err := s.productRepo.AdjustStock(ctx, order.ProductID, order.Quantity); err != nil {
				return err
			}
		}

		order.Status = status

		if err := s.orderRepo.Update(ctx, order); err != nil {
			return err
		}

		updated = order

		return s.recordSnapshot(ctx, status.EventType(), order)
	})
	if err != nil {
		return nil, err
	}

	logger.From(ctx).Info("order status changed",
		slog.Int64("order_id", updated.ID),
		slog.String("status", string(updated.Status)),
	)

	return updated, nil
}

func (s *OrderServiceImpl) recordSnapshot(ctx context.Context, eventType model.OrderEventType, order *model.Order) error {
	return s.RecordOrderEvent(ctx, order.AggregateID(), eventType, model.NewOrderEventPayload(eventType, order))
}
