package order

import (
	"encoding/json"
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusProcessing      Status = "processing"
	StatusPacked          Status = "packed"
	StatusShipped         Status = "shipped"
	StatusDelivered       Status = "delivered"
	StatusCancelled       Status = "cancelled"
	StatusRefundRequested Status = "refund_requested"
	StatusRefunded        Status = "refunded"
)

var allStatuses = []Status{
	StatusProcessing,
	StatusPacked,
	StatusShipped,
	StatusDelivered,
	StatusCancelled,
	StatusRefundRequested,
	StatusRefunded,
}

func (s Status) String() string {
	return string(s)
}

// Valid reports whether s is one of the known order statuses.
func (s Status) Valid() bool {
	for _, known := range allStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Final reports whether no further transition may leave s.
func (s Status) Final() bool {
	return s == StatusCancelled || s == StatusRefunded
}

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
)

func (ps PaymentStatus) String() string {
	return string(ps)
}

const (
	PaymentMethodCard = "card"
	DefaultCurrency   = "EUR"
)

var DefaultVATRate = decimal.RequireFromString("0.19")

// Item is a line item snapshot. Items are written once together with the order header.
type Item struct {
	ProductID string          `json:"id"`
	Title     string          `json:"title"`
	Slug      string          `json:"slug"`
	Price     decimal.Decimal `json:"price"`
	Qty       int             `json:"qty"`
	ImageURL  *string         `json:"imageUrl"`
}

// Totals are computed by the client and stored verbatim.
type Totals struct {
	Subtotal    decimal.Decimal `json:"subtotal"`
	Shipping    decimal.Decimal `json:"shipping"`
	Grand       decimal.Decimal `json:"grand"`
	VATIncluded decimal.Decimal `json:"vatIncluded"`
}

// Customer is the contact snapshot taken at order time.
type Customer struct {
	FirstName string  `json:"firstName"`
	LastName  string  `json:"lastName"`
	Email     string  `json:"email"`
	Phone     *string `json:"phone"`
}

type Shipping struct {
	Method   string          `json:"method"`
	PackType *string         `json:"packType"`
	Address  json.RawMessage `json:"address"`
}

type Payment struct {
	Status PaymentStatus `json:"status"`
	Method string        `json:"method"`
	Last4  string        `json:"last4"`
}

// Refund accumulates fields while the refund workflow progresses.
type Refund struct {
	RequestedAt time.Time        `json:"requestedAt"`
	Reason      string           `json:"reason"`
	Comment     string           `json:"comment"`
	Approved    *bool            `json:"approved,omitempty"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	ProcessedAt *time.Time       `json:"processedAt,omitempty"`
}

type Order struct {
	ID        uuid.UUID       `json:"id"`
	CreatedAt time.Time       `json:"created_at"`
	Currency  string          `json:"currency"`
	VATRate   decimal.Decimal `json:"vatRate"`
	Items     []Item          `json:"items"`
	Totals    Totals          `json:"totals"`
	Customer  Customer        `json:"customer"`
	Shipping  Shipping        `json:"shipping"`
	Payment   Payment         `json:"payment"`
	Status    Status          `json:"status"`
	Refund    *Refund         `json:"refund"`
	UserID    *uuid.UUID      `json:"user_id,omitempty"`
	Email     string          `json:"-"`
}

// State is the subset of an order the lifecycle guards read. It is loaded under a row lock.
type State struct {
	ID         uuid.UUID
	Status     Status
	Payment    Payment
	CreatedAt  time.Time
	Currency   string
	GrandTotal decimal.Decimal
	Refund     *Refund
}

func (s State) Paid() bool {
	return s.Payment.Status == PaymentPaid
}

// CheckoutRequest is the validated input of CreateOrder.
type CheckoutRequest struct {
	Items         []Item
	Totals        Totals
	Customer      Customer
	Shipping      Shipping
	Currency      string
	VATRate       *decimal.Decimal
	PaymentStatus PaymentStatus
	Last4         string
	// CallerEmail is the verified identity of the caller, empty for guests.
	CallerEmail string
}

type MarkPaidInput struct {
	Last4      string
	PaymentRef string
}
