package order_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vasiliy-maslov/storefront/internal/order"
)

var allStatuses = []order.Status{
	order.StatusProcessing,
	order.StatusPacked,
	order.StatusShipped,
	order.StatusDelivered,
	order.StatusCancelled,
	order.StatusRefundRequested,
	order.StatusRefunded,
}

func state(status order.Status, paid bool) order.State {
	st := order.State{Status: status, Payment: order.Payment{Status: order.PaymentPending, Method: order.PaymentMethodCard}}
	if paid {
		st.Payment.Status = order.PaymentPaid
	}
	return st
}

func TestCheckAdvance_AllPairs(t *testing.T) {
	type key struct {
		from order.Status
		to   order.Status
		paid bool
	}
	allowed := map[key]bool{
		{order.StatusProcessing, order.StatusPacked, false}: true,
		{order.StatusProcessing, order.StatusPacked, true}:  true,
		{order.StatusPacked, order.StatusShipped, true}:     true,
		{order.StatusShipped, order.StatusDelivered, true}:  true,
	}
	targets := []order.Status{order.StatusPacked, order.StatusShipped, order.StatusDelivered}

	for _, from := range allStatuses {
		for _, to := range targets {
			for _, paid := range []bool{false, true} {
				err := order.CheckAdvance(state(from, paid), to)
				if allowed[key{from, to, paid}] {
					assert.NoError(t, err, "%s -> %s paid=%v", from, to, paid)
					continue
				}
				require.Error(t, err, "%s -> %s paid=%v", from, to, paid)
				assert.ErrorIs(t, err, order.ErrInvalidTransition)

				var te *order.TransitionError
				require.True(t, errors.As(err, &te))
				assert.Equal(t, from, te.From)
				assert.Equal(t, to, te.To)
			}
		}
	}
}

func TestCheckAdvance_Reasons(t *testing.T) {
	tests := []struct {
		name   string
		st     order.State
		to     order.Status
		reason string
	}{
		{"final cancelled", state(order.StatusCancelled, false), order.StatusPacked, "Order is final"},
		{"final refunded", state(order.StatusRefunded, true), order.StatusShipped, "Order is final"},
		{"unpaid ship", state(order.StatusPacked, false), order.StatusShipped, "Order must be paid"},
		{"skip packed", state(order.StatusProcessing, true), order.StatusShipped, "Cannot transition processing → shipped"},
		{"backwards", state(order.StatusShipped, true), order.StatusPacked, "Cannot transition shipped → packed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var te *order.TransitionError
			require.ErrorAs(t, order.CheckAdvance(tt.st, tt.to), &te)
			assert.Equal(t, tt.reason, te.Reason)
		})
	}
}

func TestCheckCancel(t *testing.T) {
	for _, from := range allStatuses {
		for _, paid := range []bool{false, true} {
			err := order.CheckCancel(state(from, paid))
			wantOK := !paid && (from == order.StatusProcessing || from == order.StatusPacked)
			if wantOK {
				assert.NoError(t, err, "%s paid=%v", from, paid)
			} else {
				assert.ErrorIs(t, err, order.ErrInvalidTransition, "%s paid=%v", from, paid)
			}
		}
	}

	var te *order.TransitionError
	require.ErrorAs(t, order.CheckCancel(state(order.StatusPacked, true)), &te)
	assert.Equal(t, "Cannot cancel a paid order", te.Reason)
}

func TestCheckMarkPaid(t *testing.T) {
	want := map[order.Status]order.Status{
		order.StatusProcessing:      order.StatusPacked,
		order.StatusPacked:          order.StatusPacked,
		order.StatusShipped:         order.StatusShipped,
		order.StatusDelivered:       order.StatusDelivered,
		order.StatusRefundRequested: order.StatusRefundRequested,
	}

	for _, from := range allStatuses {
		next, err := order.CheckMarkPaid(state(from, false))
		if from.Final() {
			assert.ErrorIs(t, err, order.ErrInvalidTransition, from.String())
			continue
		}
		require.NoError(t, err, from.String())
		assert.Equal(t, want[from], next, from.String())
	}
}

func TestCheckRequestReturn(t *testing.T) {
	created := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	window := order.DefaultReturnWindow

	paidDelivered := state(order.StatusDelivered, true)
	paidDelivered.CreatedAt = created

	t.Run("eligibility", func(t *testing.T) {
		for _, from := range allStatuses {
			for _, paid := range []bool{false, true} {
				st := state(from, paid)
				st.CreatedAt = created
				err := order.CheckRequestReturn(st, created.Add(time.Hour), window)

				eligible := paid &&
					from != order.StatusCancelled &&
					from != order.StatusRefundRequested &&
					from != order.StatusRefunded
				if eligible {
					assert.NoError(t, err, "%s paid=%v", from, paid)
				} else {
					assert.ErrorIs(t, err, order.ErrInvalidTransition, "%s paid=%v", from, paid)
				}
			}
		}
	})

	t.Run("window boundary is inclusive", func(t *testing.T) {
		assert.NoError(t, order.CheckRequestReturn(paidDelivered, created.Add(window), window))
	})

	t.Run("one microsecond late", func(t *testing.T) {
		err := order.CheckRequestReturn(paidDelivered, created.Add(window+time.Microsecond), window)
		assert.ErrorIs(t, err, order.ErrReturnWindowClosed)
		assert.NotErrorIs(t, err, order.ErrInvalidTransition)
	})

	t.Run("payment checked before window", func(t *testing.T) {
		st := state(order.StatusDelivered, false)
		st.CreatedAt = created
		err := order.CheckRequestReturn(st, created.Add(31*24*time.Hour), window)
		assert.ErrorIs(t, err, order.ErrInvalidTransition)
	})
}

func TestCheckApproveRefund(t *testing.T) {
	for _, from := range allStatuses {
		for _, paid := range []bool{false, true} {
			err := order.CheckApproveRefund(state(from, paid))
			if paid && from == order.StatusRefundRequested {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, order.ErrInvalidTransition, "%s paid=%v", from, paid)
			}
		}
	}
}

func TestCheckCancelRefundRequest(t *testing.T) {
	for _, from := range allStatuses {
		err := order.CheckCancelRefundRequest(state(from, true))
		if from == order.StatusRefundRequested {
			assert.NoError(t, err)
		} else {
			assert.ErrorIs(t, err, order.ErrInvalidTransition, from.String())
		}
	}
}

func TestTerminalStatusesAreImmutable(t *testing.T) {
	for _, from := range []order.Status{order.StatusCancelled, order.StatusRefunded} {
		for _, paid := range []bool{false, true} {
			st := state(from, paid)
			st.CreatedAt = time.Now()

			for _, to := range []order.Status{order.StatusPacked, order.StatusShipped, order.StatusDelivered} {
				assert.Error(t, order.CheckAdvance(st, to))
			}
			assert.Error(t, order.CheckCancel(st))
			_, err := order.CheckMarkPaid(st)
			assert.Error(t, err)
			assert.Error(t, order.CheckRequestReturn(st, st.CreatedAt, order.DefaultReturnWindow))
			assert.Error(t, order.CheckApproveRefund(st))
			assert.Error(t, order.CheckCancelRefundRequest(st))
		}
	}
}
