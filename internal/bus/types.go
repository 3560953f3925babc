package bus

// EventKind classifies an inbound customer event.
type EventKind string

const (
	KindText     EventKind = "text"
	KindImage    EventKind = "image"
	KindAudio    EventKind = "audio"
	KindDocument EventKind = "document"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case KindText, KindImage, KindAudio, KindDocument:
		return true
	}
	return false
}

// InboundEvent represents a single customer event received from the
// messaging gateway (webhook or bridge), before it is buffered.
type InboundEvent struct {
	CustomerID string            `json:"customer_id"`
	Kind       EventKind         `json:"kind"`
	Payload    string            `json:"payload"`
	Caption    string            `json:"caption,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// OutboundReply represents a reply to be delivered to a customer.
type OutboundReply struct {
	CustomerID string `json:"customer_id"`
	Text       string `json:"text"`
}

// Sender delivers replies to customers. Delivery is fire-and-forget from
// the processing pipeline's perspective: a failed send is logged by the
// caller, never retried into a duplicate completion call.
type Sender interface {
	SendReply(customerID, text string) error
}
