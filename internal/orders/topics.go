package orders

const (
	TopicPaymentReconciled  = "payment.reconciled"
	TopicAllocationRejected = "inventory.allocation_rejected"
	TopicInventoryAllocated = "inventory.allocated"
)

// Partition key = order_id so every event for one order keeps its ordering.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
