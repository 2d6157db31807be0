package order

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// AccountResolver maps an email to the account that owns it. A nil id means no account.
type AccountResolver interface {
	AccountIDByEmail(ctx context.Context, email string) (*uuid.UUID, error)
}

// PaymentConfirmation is what the payment provider reports for a payment reference.
// Amount is in minor currency units. OrderID is empty when the provider carries no order reference.
type PaymentConfirmation struct {
	Paid     bool
	Last4    string
	Amount   int64
	Currency string
	OrderID  string
}

// covers reports whether the confirmed payment settles the locked order.
func (c PaymentConfirmation) covers(st State) bool {
	if c.OrderID != "" && c.OrderID != st.ID.String() {
		return false
	}
	if !strings.EqualFold(c.Currency, st.Currency) {
		return false
	}
	return decimal.NewFromInt(c.Amount).Equal(st.GrandTotal.Shift(2))
}

type PaymentConfirmer interface {
	ConfirmPayment(ctx context.Context, paymentRef string) (PaymentConfirmation, error)
}

type Service interface {
	CreateOrder(ctx context.Context, req CheckoutRequest) (*Order, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*Order, error)
	ListOrders(ctx context.Context, callerEmail, queryEmail string) ([]Order, error)

	Cancel(ctx context.Context, id uuid.UUID) error
	MarkPacked(ctx context.Context, id uuid.UUID) error
	MarkShipped(ctx context.Context, id uuid.UUID) error
	MarkDelivered(ctx context.Context, id uuid.UUID) error
	MarkPaid(ctx context.Context, id uuid.UUID, in MarkPaidInput) error

	RequestReturn(ctx context.Context, id uuid.UUID, reason, comment string) error
	ApproveRefund(ctx context.Context, id uuid.UUID, amount *decimal.Decimal) error
	CancelRefundRequest(ctx context.Context, id uuid.UUID) error
}

type ServiceOption func(*service)

func WithAccountResolver(accounts AccountResolver) ServiceOption {
	return func(s *service) {
		s.accounts = accounts
	}
}

func WithPaymentConfirmer(payments PaymentConfirmer) ServiceOption {
	return func(s *service) {
		s.payments = payments
	}
}

func WithClock(clock func() time.Time) ServiceOption {
	return func(s *service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func WithReturnWindow(window time.Duration) ServiceOption {
	return func(s *service) {
		if window > 0 {
			s.returnWindow = window
		}
	}
}

type service struct {
	orderRepo    Repository
	accounts     AccountResolver
	payments     PaymentConfirmer
	clock        func() time.Time
	returnWindow time.Duration
}

func NewService(orderRepo Repository, opts ...ServiceOption) Service {
	s := &service{
		orderRepo:    orderRepo,
		clock:        time.Now,
		returnWindow: DefaultReturnWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *service) now() time.Time {
	// Postgres keeps microseconds; truncating keeps read-backs equal to what was written.
	return s.clock().UTC().Truncate(time.Microsecond)
}

func (s *service) CreateOrder(ctx context.Context, req CheckoutRequest) (*Order, error) {
	if err := validateCheckout(req); err != nil {
		log.Warn().Err(err).Interface("fields", err.Fields).Msg("service: rejected checkout request")
		return nil, err
	}

	orderID, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("%w: generate order id: %w", ErrStorage, err)
	}

	header := &Order{
		ID:        orderID,
		CreatedAt: s.now(),
		Currency:  req.Currency,
		VATRate:   DefaultVATRate,
		Totals:    req.Totals,
		Customer:  req.Customer,
		Shipping:  req.Shipping,
		Payment: Payment{
			Status: req.PaymentStatus,
			Method: PaymentMethodCard,
			Last4:  req.Last4,
		},
		Status: StatusProcessing,
		Email:  req.Customer.Email,
	}
	if header.Currency == "" {
		header.Currency = DefaultCurrency
	}
	if req.VATRate != nil {
		header.VATRate = *req.VATRate
	}
	if header.Payment.Status == "" {
		header.Payment.Status = PaymentPending
	}

	// The account lookup happens before the transaction so no row lock waits on it.
	if req.CallerEmail != "" && s.accounts != nil {
		userID, err := s.accounts.AccountIDByEmail(ctx, req.CallerEmail)
		if err != nil {
			log.Warn().Err(err).Str("email", req.CallerEmail).Msg("service: account lookup failed, placing order without account")
		} else {
			header.UserID = userID
		}
	}

	var created *Order
	err = s.orderRepo.InTx(ctx, func(tx Tx) error {
		if err := tx.InsertOrder(ctx, header); err != nil {
			return err
		}
		if err := tx.InsertItems(ctx, header.ID, req.Items); err != nil {
			return err
		}
		o, err := tx.GetOrder(ctx, header.ID)
		if err != nil {
			return err
		}
		created = o
		return nil
	})
	if err != nil {
		log.Error().Err(err).Stringer("order_id", orderID).Msg("service: failed to create order")
		return nil, fmt.Errorf("service: create order: %w", err)
	}

	log.Info().
		Stringer("order_id", created.ID).
		Int("items", len(created.Items)).
		Stringer("payment_status", created.Payment.Status).
		Msg("service: order created")

	return created, nil
}

func (s *service) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	o, err := s.orderRepo.GetOrder(ctx, id)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			log.Warn().Stringer("order_id", id).Msg("service: order not found by id")
			return nil, ErrOrderNotFound
		}
		log.Error().Err(err).Stringer("order_id", id).Msg("service: failed to fetch order")
		return nil, fmt.Errorf("service: get order: %w", err)
	}
	return o, nil
}

// ListOrders prefers the verified caller email over the one given in the query.
func (s *service) ListOrders(ctx context.Context, callerEmail, queryEmail string) ([]Order, error) {
	email := strings.TrimSpace(callerEmail)
	if email == "" {
		email = strings.TrimSpace(queryEmail)
	}
	if email == "" {
		return nil, ErrUnauthorized
	}

	orders, err := s.orderRepo.ListOrdersByEmail(ctx, email)
	if err != nil {
		log.Error().Err(err).Str("email", email).Msg("service: failed to list orders")
		return nil, fmt.Errorf("service: list orders: %w", err)
	}
	return orders, nil
}

func (s *service) Cancel(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, "cancel", func(tx Tx, st State) error {
		if err := CheckCancel(st); err != nil {
			return err
		}
		return tx.UpdateStatus(ctx, id, StatusCancelled)
	})
}

func (s *service) MarkPacked(ctx context.Context, id uuid.UUID) error {
	return s.advance(ctx, id, StatusPacked)
}

func (s *service) MarkShipped(ctx context.Context, id uuid.UUID) error {
	return s.advance(ctx, id, StatusShipped)
}

func (s *service) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	return s.advance(ctx, id, StatusDelivered)
}

func (s *service) advance(ctx context.Context, id uuid.UUID, to Status) error {
	return s.transition(ctx, id, "mark "+to.String(), func(tx Tx, st State) error {
		if err := CheckAdvance(st, to); err != nil {
			return err
		}
		return tx.UpdateStatus(ctx, id, to)
	})
}

// MarkPaid records a payment. With a payment reference and a configured confirmer the
// provider is asked first, outside of the order transaction.
func (s *service) MarkPaid(ctx context.Context, id uuid.UUID, in MarkPaidInput) error {
	last4 := strings.TrimSpace(in.Last4)

	var confirmed *PaymentConfirmation
	if ref := strings.TrimSpace(in.PaymentRef); ref != "" && s.payments != nil {
		confirmation, err := s.payments.ConfirmPayment(ctx, ref)
		if err != nil {
			log.Error().Err(err).Stringer("order_id", id).Str("payment_ref", ref).Msg("service: payment confirmation failed")
			return fmt.Errorf("service: confirm payment: %w", err)
		}
		if !confirmation.Paid {
			log.Warn().Stringer("order_id", id).Str("payment_ref", ref).Msg("service: payment not confirmed by provider")
			return ErrPaymentNotConfirmed
		}
		if last4 == "" {
			last4 = confirmation.Last4
		}
		confirmed = &confirmation
	}

	return s.transition(ctx, id, "mark paid", func(tx Tx, st State) error {
		next, err := CheckMarkPaid(st)
		if err != nil {
			return err
		}
		if confirmed != nil && !confirmed.covers(st) {
			log.Warn().
				Stringer("order_id", id).
				Int64("amount", confirmed.Amount).
				Str("currency", confirmed.Currency).
				Str("payment_order_id", confirmed.OrderID).
				Stringer("grand_total", st.GrandTotal).
				Msg("service: confirmed payment does not match order")
			return ErrPaymentNotConfirmed
		}

		payment := Payment{Status: PaymentPaid, Method: PaymentMethodCard, Last4: last4}
		if payment.Last4 == "" {
			payment.Last4 = st.Payment.Last4
		}
		if err := tx.UpdatePayment(ctx, id, payment); err != nil {
			return err
		}
		if next != st.Status {
			return tx.UpdateStatus(ctx, id, next)
		}
		return nil
	})
}

func (s *service) RequestReturn(ctx context.Context, id uuid.UUID, reason, comment string) error {
	reason = strings.TrimSpace(reason)

	// A final order reports an invalid transition even when the reason is missing.
	return s.transition(ctx, id, "request return", func(tx Tx, st State) error {
		now := s.now()
		if err := CheckRequestReturn(st, now, s.returnWindow); err != nil {
			return err
		}
		if reason == "" {
			return &ValidationError{Fields: map[string]string{"reason": "required"}}
		}

		approved := false
		refund := &Refund{
			RequestedAt: now,
			Reason:      reason,
			Comment:     comment,
			Approved:    &approved,
		}
		if err := tx.UpdateRefund(ctx, id, refund); err != nil {
			return err
		}
		return tx.UpdateStatus(ctx, id, StatusRefundRequested)
	})
}

// ApproveRefund refunds amount, or the order's grand total when amount is nil.
func (s *service) ApproveRefund(ctx context.Context, id uuid.UUID, amount *decimal.Decimal) error {
	if amount != nil && amount.IsNegative() {
		return &ValidationError{Fields: map[string]string{"amount": "must not be negative"}}
	}

	return s.transition(ctx, id, "approve refund", func(tx Tx, st State) error {
		if err := CheckApproveRefund(st); err != nil {
			return err
		}

		refunded := st.GrandTotal
		if amount != nil {
			refunded = *amount
		}
		approved := true
		processedAt := s.now()

		refund := &Refund{}
		if st.Refund != nil {
			*refund = *st.Refund
		}
		refund.Approved = &approved
		refund.Amount = &refunded
		refund.ProcessedAt = &processedAt

		if err := tx.UpdateRefund(ctx, id, refund); err != nil {
			return err
		}
		return tx.UpdateStatus(ctx, id, StatusRefunded)
	})
}

func (s *service) CancelRefundRequest(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, "cancel refund request", func(tx Tx, st State) error {
		if err := CheckCancelRefundRequest(st); err != nil {
			return err
		}
		if st.Refund != nil && st.Refund.Approved != nil {
			refund := *st.Refund
			refund.Approved = nil
			if err := tx.UpdateRefund(ctx, id, &refund); err != nil {
				return err
			}
		}
		return tx.UpdateStatus(ctx, id, StatusProcessing)
	})
}

// transition runs lock, guard and write of one lifecycle operation in a single transaction.
func (s *service) transition(ctx context.Context, id uuid.UUID, op string, apply func(tx Tx, st State) error) error {
	var from Status
	err := s.orderRepo.InTx(ctx, func(tx Tx) error {
		st, err := tx.LockOrder(ctx, id)
		if err != nil {
			return err
		}
		from = st.Status
		return apply(tx, st)
	})

	switch {
	case err == nil:
		log.Info().Stringer("order_id", id).Str("op", op).Stringer("from", from).Msg("service: order transition applied")
		return nil
	case errors.Is(err, ErrOrderNotFound):
		log.Warn().Stringer("order_id", id).Str("op", op).Msg("service: order not found for transition")
		return ErrOrderNotFound
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrReturnWindowClosed), errors.Is(err, ErrValidation),
		errors.Is(err, ErrPaymentNotConfirmed):
		log.Warn().Err(err).Stringer("order_id", id).Str("op", op).Stringer("from", from).Msg("service: order transition rejected")
		return err
	default:
		log.Error().Err(err).Stringer("order_id", id).Str("op", op).Msg("service: order transition failed")
		return fmt.Errorf("service: %s: %w", op, err)
	}
}

var (
	last4Pattern     = regexp.MustCompile(`^[0-9]{4}$`)
	shippingMethods  = map[string]bool{"dhl": true, "express": true, "packstation": true, "pickup": true}
	packTypes        = map[string]bool{"packstation": true, "postfiliale": true}
	paymentStatuses  = map[PaymentStatus]bool{PaymentPending: true, PaymentPaid: true}
	acceptedCurrency = map[string]bool{DefaultCurrency: true}
)

func validateCheckout(req CheckoutRequest) *ValidationError {
	fields := make(map[string]string)

	for i, item := range req.Items {
		prefix := fmt.Sprintf("items[%d].", i)
		if strings.TrimSpace(item.ProductID) == "" {
			fields[prefix+"id"] = "required"
		}
		if item.Qty < 1 {
			fields[prefix+"qty"] = "must be at least 1"
		}
		if item.Price.IsNegative() {
			fields[prefix+"price"] = "must not be negative"
		}
		if strings.TrimSpace(item.Title) == "" {
			fields[prefix+"title"] = "required"
		}
		if strings.TrimSpace(item.Slug) == "" {
			fields[prefix+"slug"] = "required"
		}
	}

	for name, v := range map[string]decimal.Decimal{
		"totals.subtotal":    req.Totals.Subtotal,
		"totals.shipping":    req.Totals.Shipping,
		"totals.grand":       req.Totals.Grand,
		"totals.vatIncluded": req.Totals.VATIncluded,
	} {
		if v.IsNegative() {
			fields[name] = "must not be negative"
		}
	}

	if strings.TrimSpace(req.Customer.FirstName) == "" {
		fields["customer.firstName"] = "required"
	}
	if strings.TrimSpace(req.Customer.LastName) == "" {
		fields["customer.lastName"] = "required"
	}
	if _, err := mail.ParseAddress(req.Customer.Email); err != nil {
		fields["customer.email"] = "must be a valid email"
	}

	if !shippingMethods[req.Shipping.Method] {
		fields["shipping.method"] = "must be one of dhl, express, packstation, pickup"
	}
	if req.Shipping.PackType != nil && !packTypes[*req.Shipping.PackType] {
		fields["shipping.packType"] = "must be one of packstation, postfiliale"
	}

	if req.Currency != "" && !acceptedCurrency[req.Currency] {
		fields["currency"] = "must be EUR"
	}
	if req.VATRate != nil && req.VATRate.IsNegative() {
		fields["vatRate"] = "must not be negative"
	}
	if req.PaymentStatus != "" && !paymentStatuses[req.PaymentStatus] {
		fields["payment_status"] = "must be one of paid, pending"
	}
	if req.Last4 != "" && !last4Pattern.MatchString(req.Last4) {
		fields["last4"] = "must be 4 digits"
	}

	if len(fields) == 0 {
		return nil
	}
	return &ValidationError{Fields: fields}
}
