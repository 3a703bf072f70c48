// Package healer implements the Healer collaborator: QueueHeal(bytes,
// cryptoKey, algo) is fire-and-forget — the core never learns whether a
// heal was actually re-inserted into the network.
package healer

import (
	"log/slog"

	"github.com/arashi-net/splitstore/internal/blockcodec"
)

// Healer is the narrow contract the segment/crosssegment packages depend
// on; they never see the transport behind it.
type Healer interface {
	QueueHeal(ciphertext []byte, cryptoKey [32]byte, algo blockcodec.Algo)
}

// Noop discards every heal request. Useful when healing is disabled.
type Noop struct{}

func (Noop) QueueHeal(ciphertext []byte, cryptoKey [32]byte, algo blockcodec.Algo) {}

// HealRequest is the payload handed to a Recording healer or published by
// NATSHealer.
type HealRequest struct {
	Ciphertext []byte
	CryptoKey  [32]byte
	Algo       blockcodec.Algo
}

// Recording collects heal requests on a channel, for tests that need to
// assert which blocks were healed.
type Recording struct {
	C chan HealRequest
}

// NewRecording creates a Recording healer with a buffered channel.
func NewRecording(buffer int) *Recording {
	return &Recording{C: make(chan HealRequest, buffer)}
}

func (r *Recording) QueueHeal(ciphertext []byte, cryptoKey [32]byte, algo blockcodec.Algo) {
	req := HealRequest{Ciphertext: append([]byte(nil), ciphertext...), CryptoKey: cryptoKey, Algo: algo}
	select {
	case r.C <- req:
	default:
		slog.Warn("healer: recording channel full, dropping heal request")
	}
}

var (
	_ Healer = Noop{}
	_ Healer = (*Recording)(nil)
)
