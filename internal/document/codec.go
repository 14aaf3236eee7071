package document

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"
)

// ErrCorrupt marks a durable snapshot that cannot be decoded. Callers must
// treat it as fatal for the affected board: an undecodable snapshot is
// never interpreted as an empty document.
var ErrCorrupt = errors.New("corrupt document snapshot")

// Codec serializes one document kind for durable storage. A codec is
// selected once at room creation based on the board's kind.
type Codec interface {
	Kind() string
	Encode(elements []Element) ([]byte, error)
	Decode(data []byte) ([]Element, error)
}

// WhiteboardCodec stores whiteboard documents as JSON, zstd-compressed and
// sealed with XChaCha20-Poly1305. The random nonce is prefixed to the
// ciphertext.
type WhiteboardCodec struct {
	aead    cipher.AEAD
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func NewWhiteboardCodec(key []byte) (*WhiteboardCodec, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("snapshot cipher: %w", err)
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &WhiteboardCodec{aead: aead, encoder: encoder, decoder: decoder}, nil
}

func (c *WhiteboardCodec) Kind() string {
	return KindWhiteboard
}

func (c *WhiteboardCodec) Encode(elements []Element) ([]byte, error) {
	plain, err := json.Marshal(elements)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	compressed := c.encoder.EncodeAll(plain, nil)

	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(compressed)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("snapshot nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, compressed, nil), nil
}

func (c *WhiteboardCodec) Decode(data []byte) ([]Element, error) {
	if len(data) < c.aead.NonceSize() {
		return nil, fmt.Errorf("%w: truncated", ErrCorrupt)
	}
	nonce, sealed := data[:c.aead.NonceSize()], data[c.aead.NonceSize():]
	compressed, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	plain, err := c.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	var elements []Element
	if err := json.Unmarshal(plain, &elements); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return elements, nil
}
