// Package blockcodec implements the block codec (component A): pure
// encode/verify/decode operations over a fixed-length block and a content
// key, with no knowledge of segments, slots, or storage.
package blockcodec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// L is the fixed block length in bytes, matching the standard CHK block size.
const L = 32768

// lengthPrefix is the size, in bytes, of the plaintext length header stored
// inside every block.
const lengthPrefix = 2

// MaxPlaintext is the largest plaintext a single block can carry.
const MaxPlaintext = L - lengthPrefix

// Algo identifies the symmetric cipher used for a block's crypto key.
type Algo byte

// AlgoAESCTR is the only algorithm this module implements.
const AlgoAESCTR Algo = 1

// ErrVerifyFailed is returned when a ciphertext block's derived content key
// does not match the key the caller expected.
var ErrVerifyFailed = errors.New("blockcodec: verify failed")

// ErrDecodeFailed is returned when a verified ciphertext decrypts to an
// internally inconsistent plaintext (bad length header).
var ErrDecodeFailed = errors.New("blockcodec: decode failed")

// ContentKey is the self-certifying routing hash of a ciphertext block.
type ContentKey [32]byte

// ClientKey is everything a fetcher needs to verify and decrypt a block:
// the routing hash plus the symmetric decrypt key and algorithm.
type ClientKey struct {
	Content   ContentKey
	CryptoKey [32]byte
	Algo      Algo
}

// Equal reports whether two client keys name the same block under the same
// decrypt key.
func (k ClientKey) Equal(other ClientKey) bool {
	return k.Content == other.Content && k.CryptoKey == other.CryptoKey && k.Algo == other.Algo
}

func newCipher(key [32]byte, algo Algo) (cipher.Stream, error) {
	if algo != AlgoAESCTR {
		return nil, fmt.Errorf("blockcodec: unsupported algorithm %d", algo)
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("blockcodec: create cipher: %w", err)
	}
	// The crypto key is never reused across blocks (it is derived per
	// plaintext by the caller), so a fixed zero IV is safe here: CTR mode
	// only becomes unsafe when the same (key, IV) pair encrypts twice.
	iv := make([]byte, aes.BlockSize)
	return cipher.NewCTR(block, iv), nil
}

// Pack wraps plaintext in a fixed L-byte buffer: a 2-byte length header
// followed by the plaintext and zero padding out to L. This padded form,
// not the raw plaintext, is the fixed-size unit that FEC operates over and
// that a slot stores on disk.
func Pack(plaintext []byte) ([]byte, error) {
	if len(plaintext) > MaxPlaintext {
		return nil, fmt.Errorf("blockcodec: plaintext too large: %d > %d", len(plaintext), MaxPlaintext)
	}
	padded := make([]byte, L)
	binary.BigEndian.PutUint16(padded[:lengthPrefix], uint16(len(plaintext)))
	copy(padded[lengthPrefix:], plaintext)
	return padded, nil
}

// Unpack reverses Pack, validating the embedded length header.
func Unpack(padded []byte) ([]byte, error) {
	if len(padded) != L {
		return nil, fmt.Errorf("%w: wrong length %d", ErrDecodeFailed, len(padded))
	}
	n := binary.BigEndian.Uint16(padded[:lengthPrefix])
	if int(n) > MaxPlaintext {
		return nil, fmt.Errorf("%w: bogus length %d", ErrDecodeFailed, n)
	}
	plaintext := make([]byte, n)
	copy(plaintext, padded[lengthPrefix:lengthPrefix+int(n)])
	return plaintext, nil
}

// EncryptBlock encrypts an already-packed, fixed L-byte block and derives
// its content key. Deterministic: the same (padded, cryptoKey, algo) always
// yields the same ciphertext and content key.
func EncryptBlock(padded []byte, cryptoKey [32]byte, algo Algo) ([]byte, ClientKey, error) {
	if len(padded) != L {
		return nil, ClientKey{}, fmt.Errorf("blockcodec: padded block must be %d bytes, got %d", L, len(padded))
	}
	stream, err := newCipher(cryptoKey, algo)
	if err != nil {
		return nil, ClientKey{}, err
	}
	ciphertext := make([]byte, L)
	stream.XORKeyStream(ciphertext, padded)

	ck := ClientKey{
		Content:   routingHash(ciphertext),
		CryptoKey: cryptoKey,
		Algo:      algo,
	}
	return ciphertext, ck, nil
}

// DecryptBlock decrypts a verified ciphertext block back into its padded
// L-byte form, without parsing or validating the length header.
func DecryptBlock(ciphertext []byte, cryptoKey [32]byte, algo Algo) ([]byte, error) {
	if len(ciphertext) != L {
		return nil, fmt.Errorf("%w: wrong length %d", ErrDecodeFailed, len(ciphertext))
	}
	stream, err := newCipher(cryptoKey, algo)
	if err != nil {
		return nil, err
	}
	padded := make([]byte, L)
	stream.XORKeyStream(padded, ciphertext)
	return padded, nil
}

// Encode packs and encrypts plaintext in one step: a convenience for
// callers that never need the padded intermediate form on its own.
func Encode(plaintext []byte, cryptoKey [32]byte, algo Algo) ([]byte, ClientKey, error) {
	padded, err := Pack(plaintext)
	if err != nil {
		return nil, ClientKey{}, err
	}
	return EncryptBlock(padded, cryptoKey, algo)
}

// Verify confirms that ciphertext is internally consistent with expected:
// its routing hash must match. It does not decrypt.
func Verify(ciphertext []byte, expected ClientKey) error {
	if len(ciphertext) != L {
		return fmt.Errorf("%w: wrong length %d", ErrVerifyFailed, len(ciphertext))
	}
	got := routingHash(ciphertext)
	if subtle.ConstantTimeCompare(got[:], expected.Content[:]) != 1 {
		return ErrVerifyFailed
	}
	return nil
}

// Decode decrypts and unpacks in one step: a convenience for callers that
// never need the padded intermediate form on its own.
func Decode(ciphertext []byte, cryptoKey [32]byte, algo Algo) ([]byte, error) {
	padded, err := DecryptBlock(ciphertext, cryptoKey, algo)
	if err != nil {
		return nil, err
	}
	return Unpack(padded)
}

func routingHash(ciphertext []byte) ContentKey {
	sum := blake2b.Sum256(ciphertext)
	return ContentKey(sum)
}
