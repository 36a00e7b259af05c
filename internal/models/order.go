package models

import "time"

type OrderStatus string

const (
	OrderPending OrderStatus = "pending"
	OrderPaid    OrderStatus = "paid"
	OrderExpired OrderStatus = "expired"
)

// Order is a mocked subscription purchase. It never reaches a payment gateway.
type Order struct {
	ID          string      `json:"order_id"`
	UserID      string      `json:"user_id"`
	ProductID   string      `json:"product_id"`
	ProductName string      `json:"product_name"`
	Amount      int64       `json:"amount"`
	Status      OrderStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	PaidAt      *time.Time  `json:"paid_at,omitempty"`
}
