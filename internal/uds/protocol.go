// Package uds is the control protocol spoken between the CLI and a running
// daemon over a Unix domain socket. Each frame is a 4-byte big-endian length
// followed by that many bytes of JSON.
package uds

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

const ProtocolVersion = 1

// MaxFrameSize caps a single frame payload in either direction.
const MaxFrameSize = 10 * 1024 * 1024

var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

const (
	ErrCodeProtocolMismatch = "PROTOCOL_MISMATCH"
	ErrCodeUnknownCommand   = "UNKNOWN_COMMAND"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeBusy             = "BUSY"
)

type Request struct {
	ID              string          `json:"id,omitempty"`
	ProtocolVersion int             `json:"protocol_version"`
	Command         string          `json:"command"`
	Params          json.RawMessage `json:"params,omitempty"`
}

// Response answers one Request. RequestID echoes Request.ID.
type Response struct {
	RequestID string          `json:"request_id,omitempty"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *ErrorDetail    `json:"error,omitempty"`
}

// ErrorDetail is the failure half of a Response. It satisfies error so
// callers can errors.As on the code.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorDetail) Error() string {
	return e.Code + ": " + e.Message
}

// SocketName is the socket filename of one agent's daemon inside the state dir.
func SocketName(agentID string) string {
	return agentID + ".sock"
}

// NewRequest builds a request with a fresh id and params marshalled to JSON.
func NewRequest(command string, params any) (*Request, error) {
	req := &Request{
		ID:              uuid.NewString(),
		ProtocolVersion: ProtocolVersion,
		Command:         command,
	}
	if params == nil {
		return req, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", command, err)
	}
	req.Params = raw
	return req, nil
}

// DecodeParams unmarshals the request params into v. Empty params leave v untouched.
func (r *Request) DecodeParams(v any) error {
	if len(r.Params) == 0 {
		return nil
	}
	return json.Unmarshal(r.Params, v)
}

func SuccessResponse(data any) *Response {
	if data == nil {
		return &Response{Success: true}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return ErrorResponse(ErrCodeInternal, fmt.Sprintf("marshal response: %v", err))
	}
	return &Response{Success: true, Data: raw}
}

func ErrorResponse(code, message string) *Response {
	return &Response{Error: &ErrorDetail{Code: code, Message: message}}
}

// WriteFrame marshals v and writes it as one frame with a single Write call.
func WriteFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame and unmarshals it into v. A clean end of stream
// before the header is returned as io.EOF.
func ReadFrame(r io.Reader, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("read frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
