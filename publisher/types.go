package publisher

// Sink represents a destination for decoded output (e.g., Kafka, NATS)
type Sink interface {
	// Publish sends a message to the sink
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// Status is a snapshot of a worker for the admin API
type Status struct {
	Slot         string `json:"slot"`
	Plugin       string `json:"plugin"`
	Running      bool   `json:"running"`
	Streaming    bool   `json:"streaming"`
	ConfirmedLSN string `json:"confirmed_lsn"`
	Published    uint64 `json:"published"`
	Restarts     uint64 `json:"restarts"`
	LastError    string `json:"last_error,omitempty"`
}
