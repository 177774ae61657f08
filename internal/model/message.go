package model

import (
	"fmt"
	"time"
)

// Broadcast is the reserved recipient id for messages the relay fans out to
// every connected user. Broadcast bodies stay in plaintext.
const Broadcast = "broadcast"

// SystemSender is the sender id of relay-originated messages. System messages
// carry no signature and are never decrypted.
const SystemSender = "system"

// Status records what the receive path concluded about an inbound message.
// The sender never sets it.
type Status string

const (
	StatusPending          Status = "pending"
	StatusVerified         Status = "verified"
	StatusUnsigned         Status = "unsigned"
	StatusUnverified       Status = "unverified"
	StatusInvalidSignature Status = "invalid_signature"
	StatusDecryptionFailed Status = "decryption_failed"
	StatusDelivered        Status = "delivered"
	StatusError            Status = "error"
)

type (
	// Message is the wire envelope exchanged with the relay. Only set fields
	// are emitted; unknown fields from the relay are ignored.
	Message struct {
		From             string     `json:"from"`
		To               string     `json:"to"`
		Content          string     `json:"content"`
		Timestamp        *time.Time `json:"timestamp,omitempty"`
		Status           Status     `json:"status,omitempty"`
		Signature        string     `json:"signature,omitempty"`
		IsForwardMessage bool       `json:"is_forward_message,omitempty"`
		ID               *int64     `json:"id,omitempty"`
	}

	// EncryptedEnvelope is the structure carried inside Content for direct
	// messages. All fields are base64-encoded bytes.
	EncryptedEnvelope struct {
		EphemeralPublicKey string `json:"ephemeral_public_key"`
		KeyNonce           string `json:"key_nonce"`
		EncryptedKey       string `json:"encrypted_key"`
		DataNonce          string `json:"data_nonce"`
		EncryptedContent   string `json:"encrypted_content"`
	}
)

// SigningString builds the canonical byte string covered by the envelope
// signature: from|to|timestamp_nanoseconds|content. The timestamp must be
// assigned before signing so both sides derive the same string.
func (m *Message) SigningString() []byte {
	var ts int64
	if m.Timestamp != nil {
		ts = m.Timestamp.UnixNano()
	}
	return []byte(fmt.Sprintf("%s|%s|%d|%s", m.From, m.To, ts, m.Content))
}

// Direct reports whether the message is addressed to userID personally,
// i.e. it is a candidate for decryption.
func (m *Message) Direct(userID string) bool {
	return m.To == userID && m.To != Broadcast
}

// Exempt reports whether the message bypasses signature and decryption
// processing entirely (system and forwarded messages).
func (m *Message) Exempt() bool {
	return m.From == SystemSender || m.IsForwardMessage
}
