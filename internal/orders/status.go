package orders

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "PENDING"
	PaymentReceived PaymentStatus = "RECEIVED"
	PaymentFailed   PaymentStatus = "FAILED"
	PaymentRejected PaymentStatus = "REJECTED"
)

type Status string

// Product order lifecycle.
const (
	StatusProcessing Status = "PROCESSING"
	StatusAccepted   Status = "ACCEPTED"
	StatusShipped    Status = "SHIPPED"
	StatusDelivered  Status = "DELIVERED"
)

// Custom (service) order lifecycle.
const (
	StatusPendingQuote             Status = "PENDING_QUOTE"
	StatusQuoteSent                Status = "QUOTE_SENT"
	StatusPendingDownpayment       Status = "PENDING_DOWNPAYMENT"
	StatusInProduction             Status = "IN_PRODUCTION"
	StatusPendingBalance           Status = "PENDING_BALANCE"
	StatusPendingFinalVerification Status = "PENDING_FINAL_VERIFICATION"
	StatusCompleted                Status = "COMPLETED"
)

const StatusCancelled Status = "CANCELLED"

var productNext = map[Status]map[Status]bool{
	StatusProcessing: {StatusAccepted: true, StatusCancelled: true},
	StatusAccepted:   {StatusShipped: true, StatusCancelled: true},
	StatusShipped:    {StatusDelivered: true, StatusCancelled: true},
	StatusDelivered:  {},
	StatusCancelled:  {},
}

var customNext = map[Status]map[Status]bool{
	StatusPendingQuote:             {StatusQuoteSent: true, StatusCancelled: true},
	StatusQuoteSent:                {StatusPendingDownpayment: true, StatusPendingFinalVerification: true, StatusCancelled: true},
	StatusPendingDownpayment:       {StatusInProduction: true, StatusPendingFinalVerification: true, StatusCancelled: true},
	StatusInProduction:             {StatusPendingBalance: true, StatusPendingFinalVerification: true, StatusCancelled: true},
	StatusPendingBalance:           {StatusPendingFinalVerification: true, StatusCancelled: true},
	StatusPendingFinalVerification: {StatusCompleted: true, StatusCancelled: true},
	StatusCompleted:                {},
	StatusCancelled:                {},
}

// CanTransition reports whether from->to is a legal lifecycle move for the
// given variant. Transitions are monotonic: terminal states have no exits
// and there is no way back.
func CanTransition(kind Kind, from, to Status) bool {
	if kind == KindProduct {
		return productNext[from][to]
	}
	return customNext[from][to]
}

func IsTerminal(kind Kind, s Status) bool {
	if kind == KindProduct {
		return len(productNext[s]) == 0
	}
	return len(customNext[s]) == 0
}
