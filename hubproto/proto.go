// Package hubproto implements the text-based JSON hub protocol spoken by the
// ride-share messaging hub. Every record on the wire is a UTF-8 JSON object
// terminated by the record separator byte 0x1e. A session starts with a
// handshake record; after that, both sides exchange Message envelopes
// (invocations, completions, pings, close).
package hubproto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// RecordSeparator terminates every record on the wire.
const RecordSeparator byte = 0x1e

// Message types. The hub only ever uses this subset.
const (
	TypeInvocation int = 1
	TypeCompletion int = 3
	TypePing       int = 6
	TypeClose      int = 7
)

// MaxRecordLen is a hard limit on a single record. History payloads are the
// largest records seen in practice and stay well under this.
const MaxRecordLen = 1 << 20 // 1 MB

var (
	ErrRecordTooLarge = errors.New("hubproto: record exceeds maximum size")
	ErrNoRecord       = errors.New("hubproto: no complete record in buffer")
	ErrHandshake      = errors.New("hubproto: handshake rejected")
)

// Message is the envelope shared by all post-handshake records.
//
// Invocations (type 1) carry Target and Arguments, and an InvocationID when
// the caller expects a completion. Completions (type 3) carry the matching
// InvocationID plus either Error or Result. Pings (type 6) are empty. Close
// (type 7) may carry Error and AllowReconnect.
type Message struct {
	Type           int               `json:"type"`
	Target         string            `json:"target,omitempty"`
	Arguments      []json.RawMessage `json:"arguments,omitempty"`
	InvocationID   string            `json:"invocationId,omitempty"`
	Error          string            `json:"error,omitempty"`
	Result         json.RawMessage   `json:"result,omitempty"`
	AllowReconnect bool              `json:"allowReconnect,omitempty"`
}

// Encode serializes a message and appends the record separator.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("hubproto: encode: %w", err)
	}
	if len(data) > MaxRecordLen {
		return nil, ErrRecordTooLarge
	}
	return append(data, RecordSeparator), nil
}

// Decode parses one record (without or with its trailing separator).
func Decode(data []byte) (Message, error) {
	data = bytes.TrimSuffix(data, []byte{RecordSeparator})
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("hubproto: decode: %w", err)
	}
	return m, nil
}

// SplitRecords cuts a read buffer into complete records and returns the
// unterminated remainder. A WebSocket frame normally carries whole records,
// but the hub is allowed to batch several into one frame.
func SplitRecords(buf []byte) (records [][]byte, rest []byte) {
	for {
		i := bytes.IndexByte(buf, RecordSeparator)
		if i < 0 {
			return records, buf
		}
		records = append(records, buf[:i])
		buf = buf[i+1:]
	}
}

// HandshakeRequest returns the record that opens every session.
func HandshakeRequest() []byte {
	return append([]byte(`{"protocol":"json","version":1}`), RecordSeparator)
}

// ParseHandshakeResponse validates the server's reply to the handshake.
// An empty object means success; anything with an error field is a refusal.
func ParseHandshakeResponse(data []byte) error {
	data = bytes.TrimSuffix(data, []byte{RecordSeparator})
	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("hubproto: handshake response: %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("%w: %s", ErrHandshake, resp.Error)
	}
	return nil
}
