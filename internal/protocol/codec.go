// Package protocol implements the collector wire format: every message is
// a frame of a 4-byte big-endian payload length followed by a UTF-8 JSON
// object whose single top-level key names the message kind.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// headerLength is the size of the big-endian length prefix.
const headerLength = 4

// MaxFrameLength bounds a single payload. Collector replies are tiny; a
// length beyond this means the stream is out of sync.
const MaxFrameLength = 16 * 1024 * 1024

var (
	// ErrMalformedResponse is returned when a frame's declared length cannot
	// describe a valid payload.
	ErrMalformedResponse = errors.New("malformed response")
)

// DecodeError reports a single frame that could not be decoded. The
// connection it arrived on is still usable.
type DecodeError struct {
	Frame []byte
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding frame (%d bytes): %v", len(e.Frame), e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Encode serializes a message into a complete frame.
func Encode(message Message) ([]byte, error) {
	if message.IsZero() {
		return nil, fmt.Errorf("encoding message: empty message")
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", message.Kind(), err)
	}
	if len(payload) > MaxFrameLength {
		return nil, fmt.Errorf("encoding %s: payload length %d exceeds maximum %d", message.Kind(), len(payload), MaxFrameLength)
	}

	frame := make([]byte, headerLength+len(payload))
	binary.BigEndian.PutUint32(frame[:headerLength], uint32(len(payload)))
	copy(frame[headerLength:], payload)
	return frame, nil
}

// Split cuts buf into complete frame payloads. Bytes that do not yet form
// a complete frame are returned as remainder and should be prepended to
// the next read. The returned slices alias buf.
//
// A buffer shorter than a length prefix plus one payload byte is always
// a remainder. A declared length of zero or beyond MaxFrameLength yields
// ErrMalformedResponse along with the frames found before it.
func Split(buf []byte) (frames [][]byte, remainder []byte, err error) {
	for {
		if len(buf) < headerLength+1 {
			return frames, buf, nil
		}

		length := binary.BigEndian.Uint32(buf[:headerLength])
		if length == 0 || length > MaxFrameLength {
			return frames, nil, fmt.Errorf("%w: declared length %d with %d bytes buffered", ErrMalformedResponse, length, len(buf)-headerLength)
		}

		available := len(buf) - headerLength
		switch {
		case available == int(length):
			return append(frames, buf[headerLength:]), nil, nil
		case available > int(length):
			end := headerLength + int(length)
			frames = append(frames, buf[headerLength:end])
			buf = buf[end:]
		default:
			return frames, buf, nil
		}
	}
}

// Decode parses one frame payload into a Response. Objects whose key is
// not a known kind decode to a KindUnknown response rather than an error;
// only payloads that are not JSON objects fail with a *DecodeError.
func Decode(frame []byte) (Response, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return Response{}, &DecodeError{Frame: frame, Err: err}
	}

	unknown := Response{Kind: KindUnknown, Raw: json.RawMessage(frame)}
	if len(envelope) != 1 {
		return unknown, nil
	}

	for key, body := range envelope {
		kind := Kind(key)
		if !kind.Known() && kind != KindFailure {
			return unknown, nil
		}

		var fields struct {
			Result  string `json:"result"`
			Version string `json:"version"`
			Message string `json:"message"`
		}
		if len(body) > 0 && string(body) != "null" {
			if err := json.Unmarshal(body, &fields); err != nil {
				return Response{}, &DecodeError{Frame: frame, Err: err}
			}
		}

		return Response{
			Kind:    kind,
			Result:  fields.Result,
			Version: fields.Version,
			Message: fields.Message,
			Raw:     json.RawMessage(frame),
		}, nil
	}

	return unknown, nil
}
