package model

// Envelope is the usage event payload published to Kafka through the outbox.
type Envelope struct {
	ID         string      `json:"id"`          // usage record ULID
	CustomerID int64       `json:"customer_id"` // customer id
	Usage      UsageRecord `json:"usage"`
}
