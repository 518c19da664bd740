package payments

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/Kramxie/FundamentalApparel-sub000/internal/orders"
)

type Outcome string

const (
	OutcomeFullPayment         Outcome = "full_payment"
	OutcomeRemainingBalance    Outcome = "remaining_balance"
	OutcomeDownPayment         Outcome = "down_payment"
	OutcomeDownPaymentByStatus Outcome = "down_payment_by_status"
	OutcomeUnclassified        Outcome = "unclassified"
)

// Classification is the decision for one observed paid amount: which state
// delta to apply and whether stock should move.
type Classification struct {
	Outcome  Outcome
	Update   orders.ClassificationUpdate
	Allocate bool
}

// Classifier matches a paid amount against the order's authoritative total
// using two tolerance bands. Amount-first matching is robust to out-of-order
// gateway signals; the status-driven fallback covers gateways that report
// the amount ambiguously. The bands absorb rounding and fee noise but never
// credit more than the configured fraction.
type Classifier struct {
	fullRate   decimal.Decimal
	halfRate   decimal.Decimal
	floorCents decimal.Decimal
}

func NewClassifier(fullRate, halfRate string, floorCents int64) (Classifier, error) {
	fr, err := decimal.NewFromString(fullRate)
	if err != nil {
		return Classifier{}, fmt.Errorf("full tolerance: %w", err)
	}
	hr, err := decimal.NewFromString(halfRate)
	if err != nil {
		return Classifier{}, fmt.Errorf("half tolerance: %w", err)
	}
	return Classifier{fullRate: fr, halfRate: hr, floorCents: decimal.NewFromInt(floorCents)}, nil
}

func (c Classifier) tolerance(total, rate decimal.Decimal) decimal.Decimal {
	t := total.Mul(rate)
	if t.LessThan(c.floorCents) {
		return c.floorCents
	}
	return t
}

func within(paid, target, tol decimal.Decimal) bool {
	return paid.Sub(target).Abs().LessThanOrEqual(tol)
}

// Classify decides what an observed paid amount means for the order. It
// never mutates anything; the caller applies the returned update.
func (c Classifier) Classify(o *orders.Order, paidCents int64) Classification {
	paid := decimal.NewFromInt(paidCents)
	total := decimal.NewFromInt(o.TotalCents)

	unclassified := Classification{
		Outcome: OutcomeUnclassified,
		Update:  orders.ClassificationUpdate{PaidCents: paidCents},
	}
	if o.TotalCents <= 0 {
		return unclassified
	}

	fullTol := c.tolerance(total, c.fullRate)

	if o.Kind == orders.KindProduct {
		// Product carts have no partial-payment option: full match or nothing.
		if within(paid, total, fullTol) {
			return Classification{
				Outcome: OutcomeFullPayment,
				Update: orders.ClassificationUpdate{
					NextStatus:        orders.StatusAccepted,
					NextPaymentStatus: orders.PaymentReceived,
					PaidCents:         paidCents,
				},
				Allocate: true,
			}
		}
		return unclassified
	}

	half := total.Div(decimal.NewFromInt(2))
	halfTol := c.tolerance(total, c.halfRate)

	switch {
	case within(paid, total, fullTol):
		// Never auto-complete: final human verification is mandatory.
		return Classification{
			Outcome: OutcomeFullPayment,
			Update: orders.ClassificationUpdate{
				SetDownPayment:    true,
				SetBalance:        true,
				NextStatus:        orders.StatusPendingFinalVerification,
				NextPaymentStatus: orders.PaymentReceived,
				PaidCents:         paidCents,
			},
			Allocate: true,
		}

	case o.Status == orders.StatusPendingBalance && o.DownPaymentPaid && !o.BalancePaid:
		return Classification{
			Outcome: OutcomeRemainingBalance,
			Update: orders.ClassificationUpdate{
				SetBalance:        true,
				NextStatus:        orders.StatusPendingFinalVerification,
				NextPaymentStatus: orders.PaymentReceived,
				PaidCents:         paidCents,
			},
			Allocate: true,
		}

	case !o.DownPaymentPaid && within(paid, half, halfTol):
		// Status stays put: admin confirms before production starts.
		return Classification{
			Outcome: OutcomeDownPayment,
			Update: orders.ClassificationUpdate{
				SetDownPayment: true,
				PaidCents:      paidCents,
			},
		}

	case o.Status == orders.StatusPendingDownpayment && !o.DownPaymentPaid:
		// Amount matched no band; classify by status alone, best effort.
		return Classification{
			Outcome: OutcomeDownPaymentByStatus,
			Update: orders.ClassificationUpdate{
				SetDownPayment: true,
				PaidCents:      paidCents,
			},
		}

	default:
		return unclassified
	}
}
