package orders

const (
	TopicWork          = "order.work"
	TopicWorkDLQ       = "order.work.dlq"
	TopicChanges       = "order.changes"
	TopicChangesDLQ    = "order.changes.dlq"
	TopicNotifications = "order.notifications"

	// EventsExchange is the topic exchange domain events are published to;
	// the routing key is the event type.
	EventsExchange = "orders.events"
)

// PartitionKey keeps every message about one order on one partition.
func PartitionKey(id string) []byte { return []byte(id) }
