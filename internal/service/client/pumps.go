package client

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"relaychat/internal/cryptographic/hybrid"
	"relaychat/internal/model"
	"relaychat/internal/utils/log"
)

// keyLookupTimeout bounds the directory fetch a pump may issue per message.
const keyLookupTimeout = 10 * time.Second

// readPump receives frames until the socket dies or shutdown is signalled.
// Signature verification and decryption happen here, synchronously, so a
// consumer never sees a message whose status is not final. Enqueueing blocks
// while the inbound queue is full; that delay is the backpressure that
// throttles a fast sender against a slow consumer.
func (c *Client) readPump(conn *websocket.Conn, done chan struct{}) {
	defer c.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.connLost(conn, done, "read", err)
			return
		}

		msg := &model.Message{}
		if err := json.Unmarshal(data, msg); err != nil {
			log.Error("dropping malformed frame", zap.Error(err))
			continue
		}

		c.finalizeInbound(msg)

		select {
		case c.inbound <- msg:
		case <-c.shutdown:
			return
		}
	}
}

// finalizeInbound applies the receive rules: system and forwarded messages
// pass through untouched; everything else gets its signature checked, and
// direct messages get decrypted. Failures degrade the status, never drop the
// message.
func (c *Client) finalizeInbound(msg *model.Message) {
	if msg.Exempt() {
		return
	}

	if msg.Signature != "" {
		msg.Status = c.verifySignature(msg)
	} else if msg.Status == "" {
		msg.Status = model.StatusUnsigned
	}

	if msg.Direct(c.userID) {
		var env model.EncryptedEnvelope
		if err := json.Unmarshal([]byte(msg.Content), &env); err != nil {
			msg.Status = model.StatusDecryptionFailed
			return
		}
		plaintext, err := hybrid.Decrypt(&env, c.identity.Priv)
		if err != nil {
			// Content stays as received so the application can inspect it.
			msg.Status = model.StatusDecryptionFailed
			return
		}
		msg.Content = string(plaintext)
	}
}

func (c *Client) verifySignature(msg *model.Message) model.Status {
	ctx, cancel := context.WithTimeout(context.Background(), keyLookupTimeout)
	defer cancel()

	pub, err := c.dir.Get(ctx, msg.From)
	if err != nil {
		log.Warn("sender key lookup failed",
			zap.String("from", msg.From), zap.Error(err))
		return model.StatusUnverified
	}

	sig, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil || !ed25519.Verify(pub, msg.SigningString(), sig) {
		return model.StatusInvalidSignature
	}
	return model.StatusVerified
}

// writePump drains the outbound queue and owns the liveness pings. A send
// failure hands the connection to the reconnect loop without re-queueing the
// failed frame; an encryption failure drops only that one message.
func (c *Client) writePump(conn *websocket.Conn, done chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.shutdown:
			return
		case <-done:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.connLost(conn, done, "write", err)
				return
			}
		case msg := <-c.outbound:
			if err := c.prepareOutbound(msg); err != nil {
				log.Error("dropping outbound message",
					zap.String("to", msg.To), zap.Error(err))
				continue
			}
			data, err := json.Marshal(msg)
			if err != nil {
				log.Error("dropping unserializable message", zap.Error(err))
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.connLost(conn, done, "write", err)
				return
			}
		}
	}
}

// prepareOutbound encrypts direct bodies, stamps the timestamp, and signs the
// canonical string. Forwarded messages go out exactly as handed to us.
func (c *Client) prepareOutbound(msg *model.Message) error {
	if msg.From == "" {
		msg.From = c.userID
	}
	if msg.Timestamp == nil {
		now := time.Now().UTC()
		msg.Timestamp = &now
	}
	if msg.IsForwardMessage {
		return nil
	}

	if msg.To == "" {
		return errors.New("message has no recipient")
	}

	if msg.To != model.Broadcast {
		ctx, cancel := context.WithTimeout(context.Background(), keyLookupTimeout)
		pub, err := c.dir.Get(ctx, msg.To)
		cancel()
		if err != nil {
			return fmt.Errorf("recipient key: %w", err)
		}
		env, err := hybrid.Encrypt([]byte(msg.Content), pub)
		if err != nil {
			return fmt.Errorf("encrypt content: %w", err)
		}
		raw, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("marshal envelope: %w", err)
		}
		msg.Content = string(raw)
	}

	sig := c.identity.Sign(msg.SigningString())
	msg.Signature = base64.StdEncoding.EncodeToString(sig)
	return nil
}
