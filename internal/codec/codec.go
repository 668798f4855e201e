// File: internal/codec/codec.go

// Package codec implements the length-prefixed JSON framing shared by the
// native messaging channel and the local socket channel. Both channels use
// the identical format: a 4-byte little-endian unsigned length followed by
// exactly that many bytes of UTF-8 JSON.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"

	"github.com/projectagentis/bridge/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultMaxMessageSize mirrors the limit the browser imposes on its
// native messaging channel.
const DefaultMaxMessageSize = 10 * 1024 * 1024

var (
	// ErrFrameTruncated reports a stream that closed after a frame began.
	// A clean close before any prefix byte is io.EOF, not this error.
	ErrFrameTruncated = errors.New("stream closed mid-frame")

	// ErrMessageTooLarge reports a frame whose declared or actual length
	// exceeds the configured maximum.
	ErrMessageTooLarge = errors.New("message exceeds size limit")
)

// MalformedPayloadError reports a frame whose bytes are not a valid
// envelope. The frame itself was read completely; the stream remains
// usable.
type MalformedPayloadError struct {
	Reason string
	Err    error
}

func (e *MalformedPayloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed payload: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed payload: %s", e.Reason)
}

func (e *MalformedPayloadError) Unwrap() error { return e.Err }

// ReadFrame reads one framed payload from r. On a declared length above
// max it drains the payload from the stream before returning
// ErrMessageTooLarge, so the caller can keep reading subsequent frames.
func ReadFrame(r io.Reader, max int) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			// Clean shutdown: the peer closed between frames.
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: reading length prefix", ErrFrameTruncated)
		}
		return nil, fmt.Errorf("reading length prefix: %w", err)
	}

	length := int(binary.LittleEndian.Uint32(prefix[:]))
	if length > max {
		if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
			return nil, fmt.Errorf("%w: draining oversized frame of %d bytes: %v", ErrFrameTruncated, length, err)
		}
		return nil, fmt.Errorf("%w: declared length %d, limit %d", ErrMessageTooLarge, length, max)
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: expected %d payload bytes", ErrFrameTruncated, length)
		}
		return nil, fmt.Errorf("reading frame payload: %w", err)
	}
	return payload, nil
}

// WriteFrame writes one framed payload to w.
func WriteFrame(w io.Writer, payload []byte, max int) error {
	if len(payload) > max {
		return fmt.Errorf("%w: payload is %d bytes, limit %d", ErrMessageTooLarge, len(payload), max)
	}

	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("writing length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("writing frame payload: %w", err)
	}
	return nil
}

// Decoder reads envelopes from a framed byte stream.
type Decoder struct {
	r   io.Reader
	max int
}

// NewDecoder returns a Decoder enforcing the given frame size limit.
// A non-positive max falls back to DefaultMaxMessageSize.
func NewDecoder(r io.Reader, max int) *Decoder {
	if max <= 0 {
		max = DefaultMaxMessageSize
	}
	return &Decoder{r: r, max: max}
}

// Decode reads and parses the next envelope. Framing failures surface as
// ErrFrameTruncated/ErrMessageTooLarge; bytes that do not form a valid
// envelope surface as *MalformedPayloadError with the frame consumed.
func (d *Decoder) Decode() (*schemas.Envelope, error) {
	payload, err := ReadFrame(d.r, d.max)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, &MalformedPayloadError{Reason: "zero-length frame"}
	}

	var env schemas.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, &MalformedPayloadError{Reason: "invalid JSON", Err: err}
	}
	if err := env.Validate(); err != nil {
		return nil, &MalformedPayloadError{Reason: "invalid envelope", Err: err}
	}
	return &env, nil
}

// Encoder writes envelopes to a framed byte stream.
type Encoder struct {
	w   io.Writer
	max int
}

// NewEncoder returns an Encoder enforcing the given frame size limit.
// A non-positive max falls back to DefaultMaxMessageSize.
func NewEncoder(w io.Writer, max int) *Encoder {
	if max <= 0 {
		max = DefaultMaxMessageSize
	}
	return &Encoder{w: w, max: max}
}

// Encode serializes and frames one envelope.
func (e *Encoder) Encode(env *schemas.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}
	return WriteFrame(e.w, payload, e.max)
}
