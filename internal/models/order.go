package models

import (
	"time"

	"github.com/uptrace/bun"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderPaid      OrderStatus = "paid"
	OrderCancelled OrderStatus = "cancelled"
	OrderFailed    OrderStatus = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s OrderStatus) Terminal() bool {
	return s == OrderPaid || s == OrderCancelled || s == OrderFailed
}

// Order is a persisted purchase intent. Amount is in the minor currency
// unit and is written exactly once, at creation; every later comparison
// against the gateway is made against this value.
type Order struct {
	bun.BaseModel `bun:"table:orders"`

	ID               string      `bun:"id,pk" json:"id"`
	MerchantRef      string      `bun:"merchant_ref,unique,notnull" json:"merchant_ref"`
	UserID           string      `bun:"user_id,nullzero" json:"user_id,omitempty"`
	CourseID         string      `bun:"course_id,nullzero" json:"course_id,omitempty"`
	Amount           int64       `bun:"amount,notnull" json:"amount"`
	Status           OrderStatus `bun:"status,notnull" json:"status"`
	GatewayPaymentID string      `bun:"gateway_payment_id,nullzero" json:"gateway_payment_id,omitempty"`
	PaymentMethod    string      `bun:"payment_method,nullzero" json:"payment_method,omitempty"`
	FailureReason    string      `bun:"failure_reason,nullzero" json:"failure_reason,omitempty"`
	PaidAt           *time.Time  `bun:"paid_at,nullzero" json:"paid_at,omitempty"`
	CreatedAt        time.Time   `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt        time.Time   `bun:"updated_at,nullzero" json:"updated_at,omitempty"`
}

type PrepareRequest struct {
	CourseID string `json:"course_id,omitempty"`
	// Amount is only honoured for generic (non-course) orders; course
	// orders always price from the course record.
	Amount int64 `json:"amount,omitempty"`
}

type PrepareResponse struct {
	MerchantRef string `json:"merchant_ref"`
	Amount      int64  `json:"amount"`
	DisplayName string `json:"display_name"`
	BuyerEmail  string `json:"buyer_email,omitempty"`
	BuyerName   string `json:"buyer_name,omitempty"`
}

type VerifyRequest struct {
	GatewayPaymentID string `json:"gateway_payment_id"`
	MerchantRef      string `json:"merchant_ref"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}
