package healer

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/arashi-net/splitstore/internal/blockcodec"
)

// wireHeal is the on-the-wire shape published to the heal subject.
type wireHeal struct {
	Ciphertext []byte          `json:"ciphertext"`
	CryptoKey  [32]byte        `json:"crypto_key"`
	Algo       blockcodec.Algo `json:"algo"`
}

// NATSHealer publishes heal jobs to a NATS subject for a fleet of healer
// workers to re-insert into the network.
type NATSHealer struct {
	conn    *nats.Conn
	subject string
}

// NewNATSHealer connects to url and returns a healer publishing to subject.
func NewNATSHealer(url, subject string) (*NATSHealer, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("healer: connect nats: %w", err)
	}
	return &NATSHealer{conn: conn, subject: subject}, nil
}

// QueueHeal is fire-and-forget: a publish failure is logged, never
// propagated. There is no retry loop inside the core state machine.
func (h *NATSHealer) QueueHeal(ciphertext []byte, cryptoKey [32]byte, algo blockcodec.Algo) {
	payload, err := marshalHeal(ciphertext, cryptoKey, algo)
	if err != nil {
		slog.Error("healer: marshal heal request failed", "error", err)
		return
	}
	if err := h.conn.Publish(h.subject, payload); err != nil {
		slog.Warn("healer: publish heal request failed", "subject", h.subject, "error", err)
	}
}

// Close closes the underlying NATS connection without draining it.
func (h *NATSHealer) Close() {
	h.conn.Close()
}

func marshalHeal(ciphertext []byte, cryptoKey [32]byte, algo blockcodec.Algo) ([]byte, error) {
	return json.Marshal(wireHeal{Ciphertext: ciphertext, CryptoKey: cryptoKey, Algo: algo})
}

var _ Healer = (*NATSHealer)(nil)
