package domain

import (
	"time"

	"github.com/google/uuid"
)

// Order statuses.
const (
	OrderStatusPending    = "pending"
	OrderStatusPaid       = "paid"
	OrderStatusProcessing = "processing"
	OrderStatusShipped    = "shipped"
	OrderStatusDelivered  = "delivered"
	OrderStatusCancelled  = "cancelled"
)

// Order is one buyer's purchase record. Group-originated orders are created
// by the materializer exactly once per (group_id, user_id); direct orders
// have a nil GroupID.
type Order struct {
	ID          uuid.UUID   `json:"id" db:"id"`
	GroupID     *uuid.UUID  `json:"group_id,omitempty" db:"group_id"`
	UserID      uuid.UUID   `json:"user_id" db:"user_id"`
	Items       []OrderItem `json:"items"`
	TotalAmount int64       `json:"total_amount" db:"total_amount"` // in halalas
	Status      string      `json:"status" db:"status"`
	PaymentID   *uuid.UUID  `json:"payment_id,omitempty" db:"payment_id"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at" db:"updated_at"`
}

// OrderItem is one line of an order. TotalAmount on the order must equal the
// sum of UnitPrice*Quantity over all items.
type OrderItem struct {
	ProductID uuid.UUID `json:"product_id" db:"product_id"`
	Quantity  int       `json:"quantity" db:"quantity"`
	UnitPrice int64     `json:"unit_price" db:"unit_price"` // in halalas
}

// ItemsTotal computes the invariant total over the order's items.
func (o *Order) ItemsTotal() int64 {
	var total int64
	for _, item := range o.Items {
		total += item.UnitPrice * int64(item.Quantity)
	}
	return total
}

// CreateOrderRequest is the DTO for the direct single-buyer purchase flow.
type CreateOrderRequest struct {
	Items []OrderItem `json:"items"`
}
