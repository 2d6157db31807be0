package order

import (
	"time"
)

// DefaultReturnWindow is how long after creation a paid order may be returned.
const DefaultReturnWindow = 30 * 24 * time.Hour

// fulfillmentNext is the forward fulfillment track: each status has at most one successor.
var fulfillmentNext = map[Status]Status{
	StatusProcessing: StatusPacked,
	StatusPacked:     StatusShipped,
	StatusShipped:    StatusDelivered,
}

// requiresPayment lists the fulfillment targets that can only be entered by a paid order.
var requiresPayment = map[Status]bool{
	StatusShipped:   true,
	StatusDelivered: true,
}

var notCancellable = map[Status]bool{
	StatusShipped:         true,
	StatusDelivered:       true,
	StatusRefundRequested: true,
	StatusRefunded:        true,
	StatusCancelled:       true,
}

var notReturnable = map[Status]bool{
	StatusCancelled:       true,
	StatusRefundRequested: true,
	StatusRefunded:        true,
}

// CheckAdvance validates a step along processing -> packed -> shipped -> delivered.
func CheckAdvance(st State, to Status) error {
	if st.Status.Final() {
		return rejectTransition(st.Status, to, "Order is final")
	}
	if requiresPayment[to] && !st.Paid() {
		return rejectTransition(st.Status, to, "Order must be paid")
	}
	if next, ok := fulfillmentNext[st.Status]; !ok || next != to {
		return rejectTransition(st.Status, to, "Cannot transition "+st.Status.String()+" → "+to.String())
	}
	return nil
}

// CheckCancel allows cancelling an unpaid order that has not left the warehouse.
func CheckCancel(st State) error {
	if notCancellable[st.Status] {
		return rejectTransition(st.Status, StatusCancelled, "Order cannot be cancelled")
	}
	if st.Paid() {
		return rejectTransition(st.Status, StatusCancelled, "Cannot cancel a paid order")
	}
	return nil
}

// CheckMarkPaid returns the status the order has after being marked paid.
// A still unpacked order moves straight to packed; every other live status is kept.
func CheckMarkPaid(st State) (Status, error) {
	if st.Status.Final() {
		return st.Status, rejectTransition(st.Status, st.Status, "Order is final")
	}
	if st.Status == StatusProcessing {
		return StatusPacked, nil
	}
	return st.Status, nil
}

// CheckRequestReturn validates a return request made at now. The window is inclusive:
// a request exactly window after creation is still accepted.
func CheckRequestReturn(st State, now time.Time, window time.Duration) error {
	if !st.Paid() {
		return rejectTransition(st.Status, StatusRefundRequested, "Only paid orders can be returned")
	}
	if notReturnable[st.Status] {
		return rejectTransition(st.Status, StatusRefundRequested, "Order not eligible")
	}
	if now.Sub(st.CreatedAt) > window {
		return ErrReturnWindowClosed
	}
	return nil
}

func CheckApproveRefund(st State) error {
	if !st.Paid() {
		return rejectTransition(st.Status, StatusRefunded, "Only paid orders can be refunded")
	}
	if st.Status != StatusRefundRequested {
		return rejectTransition(st.Status, StatusRefunded, "Refund not requested")
	}
	return nil
}

func CheckCancelRefundRequest(st State) error {
	if st.Status != StatusRefundRequested {
		return rejectTransition(st.Status, StatusProcessing, "No refund request to cancel")
	}
	return nil
}
