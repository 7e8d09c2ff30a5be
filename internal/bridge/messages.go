package bridge

// Message types spoken between the agent and the consumer surface.
// Anything else arriving on the bridge is ignored.
const (
	TypeConsumerReady    = "consumer-ready"
	TypeRefreshRequest   = "credential-refresh-request"
	TypeCredentialUpdate = "credential-update"
)

// Message is the tagged union carried over the bridge websocket.
type Message struct {
	Type         string `json:"type"`
	Credential   string `json:"credential,omitempty"`
	EndpointBase string `json:"endpointBase,omitempty"`
}

// CredentialUpdate builds the agent→consumer credential push.
func CredentialUpdate(credential, endpointBase string) Message {
	return Message{Type: TypeCredentialUpdate, Credential: credential, EndpointBase: endpointBase}
}

// SendResult describes the outcome of a fire-and-forget send. Delivery
// failure is logged by callers, never retried and never surfaced to the user.
type SendResult int

const (
	Delivered SendResult = iota
	NoTarget
	Failed
)

func (r SendResult) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case NoTarget:
		return "no-target"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}
