package store

import "time"

// MessageReceipt records that a client-supplied message id was accepted for a session, so a
// resubmission after a dropped acknowledgement is not processed twice. MessageID is the routed
// message id, empty when nothing was routed.
type MessageReceipt struct {
	SessionID       string    `json:"session_id"`
	ClientMessageID string    `json:"client_message_id"`
	SenderID        string    `json:"sender_id"`
	MessageID       string    `json:"message_id,omitempty"`
	ReceivedAt      time.Time `json:"received_at"`
}

// ReceiptRepo stores message receipts. Client ids are scoped to their session.
type ReceiptRepo interface {
	// LookupReceipt returns the receipt for clientMessageID in sessionID, or ErrNotFound.
	LookupReceipt(sessionID, clientMessageID string) (MessageReceipt, error)
	// SaveReceipt records r and reports false if the client id was already recorded.
	SaveReceipt(r MessageReceipt) (bool, error)
	// DeleteSessionReceipts drops a removed session's receipts.
	DeleteSessionReceipts(sessionID string) (int, error)
}
