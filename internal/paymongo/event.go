package paymongo

import (
	"encoding/json"
	"errors"
)

const (
	EventCheckoutPaid  = "checkout_session.payment.paid"
	EventPaymentPaid   = "payment.paid"
	EventPaymentFailed = "payment.failed"
)

var ErrUnparseableEvent = errors.New("unparseable webhook payload")

// Event is the subset of a PayMongo webhook delivery the reconciliation
// engine needs: which event, which checkout session, how much was paid.
type Event struct {
	ID        string
	Type      string
	SessionID string
	PaidCents int64
}

type rawEvent struct {
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			Type string `json:"type"`
			Data struct {
				ID         string `json:"id"`
				Attributes struct {
					Amount        int64 `json:"amount"`
					PaymentIntent struct {
						ID string `json:"id"`
					} `json:"payment_intent"`
					Payments []struct {
						Attributes struct {
							Amount int64  `json:"amount"`
							Status string `json:"status"`
						} `json:"attributes"`
					} `json:"payments"`
					CheckoutSessionID string `json:"checkout_session_id"`
				} `json:"attributes"`
			} `json:"data"`
		} `json:"attributes"`
	} `json:"data"`
}

// ParseEvent decodes the raw webhook body. The raw bytes themselves are
// persisted elsewhere; this only extracts correlation fields.
func ParseEvent(raw []byte) (Event, error) {
	var re rawEvent
	if err := json.Unmarshal(raw, &re); err != nil {
		return Event{}, ErrUnparseableEvent
	}
	if re.Data.ID == "" || re.Data.Attributes.Type == "" {
		return Event{}, ErrUnparseableEvent
	}
	ev := Event{
		ID:   re.Data.ID,
		Type: re.Data.Attributes.Type,
	}
	inner := re.Data.Attributes.Data
	switch ev.Type {
	case EventCheckoutPaid:
		// The resource is the checkout session itself.
		ev.SessionID = inner.ID
		for _, p := range inner.Attributes.Payments {
			if p.Attributes.Status == "paid" {
				ev.PaidCents += p.Attributes.Amount
			}
		}
		if ev.PaidCents == 0 {
			ev.PaidCents = inner.Attributes.Amount
		}
	default:
		// Payment resources carry the session reference explicitly.
		ev.SessionID = inner.Attributes.CheckoutSessionID
		ev.PaidCents = inner.Attributes.Amount
	}
	return ev, nil
}
