package transport

// OnionMessage is the body accepted by a relay's forwarding entry point.
// Message is base64 in JSON.
type OnionMessage struct {
	Message []byte `json:"message"`
}

// DeliveryMessage is the body accepted by a user's delivery entry point.
// Message is base64 in JSON so any plaintext arrives byte for byte. Both
// fields are required; pointers and nil slices mark them missing.
type DeliveryMessage struct {
	Message           []byte `json:"message"`
	DestinationUserID *int   `json:"destinationUserId"`
}

// SendMessageRequest asks a user to send a message through the network
type SendMessageRequest struct {
	Message           string `json:"message"`
	DestinationUserID int    `json:"destinationUserId"`
	PathLength        int    `json:"pathLength,omitempty"`
}

// SuccessResponse is the generic acknowledgement
type SuccessResponse struct {
	Result string `json:"result"`
}

// Success is the acknowledgement body
var Success = SuccessResponse{Result: "success"}
