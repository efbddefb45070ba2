package model

import (
	"slices"
	"strconv"
	"time"
)

// OrderStatus is the business state of an order.
type OrderStatus string

const (
	// OrderStatusPending is the initial status of a placed order.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusConfirmed means the seller accepted the order.
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusCompleted means the order was fulfilled.
	OrderStatusCompleted OrderStatus = "completed"
	// OrderStatusCancelled means the order was cancelled and its stock returned.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// CanChangeTo reports whether an order in status s may move to next.
func (s OrderStatus) CanChangeTo(next OrderStatus) bool {
	switch s {
	case OrderStatusPending:
		return next == OrderStatusConfirmed || next == OrderStatusCompleted || next == OrderStatusCancelled
	case OrderStatusConfirmed:
		return next == OrderStatusCompleted || next == OrderStatusCancelled
	}

	return false
}

// HoldsStock reports whether the order's quantity is still reserved.
func (s OrderStatus) HoldsStock() bool {
	return s == OrderStatusPending || s == OrderStatusConfirmed
}

// EventType maps a status change to the lifecycle event it emits.
func (s OrderStatus) EventType() OrderEventType {
	switch s {
	case OrderStatusCancelled:
		return OrderEventCancelled
	case OrderStatusCompleted:
		return OrderEventFulfilled
	default:
		return OrderEventUpdated
	}
}

// Order represents an order entity.
type Order struct {
	ID         int64       `json:"id"`
	BuyerID    int64       `json:"buyer_id"`
	SellerID   int64       `json:"seller_id"`
	ProductID  int64       `json:"product_id"`
	Quantity   int         `json:"quantity"`
	TotalPrice float64     `json:"total_price"`
	Status     OrderStatus `json:"status"`
	Message    string      `json:"message,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// AggregateID is the outbox aggregate id of the order.
func (o *Order) AggregateID() string {
	return strconv.FormatInt(o.ID, 10)
}

// Actor is the authenticated user an order operation runs for.
type Actor struct {
	UserID int64
	Roles  []string
}

// HasRole reports whether the actor carries role.
func (a Actor) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}

// ManagedBy reports whether a may change the status of o: the seller of its
// product or an admin.
func (o *Order) ManagedBy(a Actor) bool {
	return a.HasRole(RoleAdmin) || (a.HasRole(RoleSeller) && o.SellerID == a.UserID)
}

// VisibleTo reports whether a may read o.
func (o *Order) VisibleTo(a Actor) bool {
	return o.BuyerID == a.UserID || o.ManagedBy(a)
}

// Product carries the product fields orders depend on.
type Product struct {
	ID       int64   `json:"id"`
	SellerID int64   `json:"seller_id"`
	Price    float64 `json:"price"`
	Stock    int     `json:"stock"`
}

// CreateOrderParams represents parameters for placing an order.
type CreateOrderParams struct {
	BuyerID   int64  `json:"-"`
	ProductID int64  `json:"product_id" validate:"required,gt=0"`
	Quantity  int    `json:"quantity"   validate:"required,gt=0"`
	Message   string `json:"message"    validate:"max=500"`
}

// Validate validates the create order parameters.
func (p *CreateOrderParams) Validate() error {
	if p.ProductID <= 0 {
		return ErrProductNotFound
	}

	if p.Quantity <= 0 {
		return ErrInvalidQuantity
	}

	return nil
}

// UpdateOrderParams holds the editable order fields; nil means unchanged.
type UpdateOrderParams struct {
	Quantity *int    `json:"quantity" validate:"omitempty,gt=0"`
	Message  *string `json:"message"  validate:"omitempty,max=500"`
}

// OrderEventPayload is the order snapshot serialized into outbox payloads.
type OrderEventPayload struct {
	EventType  OrderEventType `json:"event_type"`
	OrderID    int64          `json:"order_id"`
	BuyerID    int64          `json:"buyer_id"`
	SellerID   int64          `json:"seller_id"`
	ProductID  int64          `json:"product_id"`
	Quantity   int            `json:"quantity"`
	TotalPrice float64        `json:"total_price"`
	Status     OrderStatus    `json:"status"`
	Message    string         `json:"message,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// NewOrderEventPayload snapshots o for an event of type t.
func NewOrderEventPayload(t OrderEventType, o *Order) OrderEventPayload {
	return OrderEventPayload{
		EventType:  t,
		OrderID:    o.ID,
		BuyerID:    o.BuyerID,
		SellerID:   o.SellerID,
		ProductID:  o.ProductID,
		Quantity:   o.Quantity,
		TotalPrice: o.TotalPrice,
		Status:     o.Status,
		Message:    o.Message,
		Timestamp:  o.UpdatedAt,
	}
}
