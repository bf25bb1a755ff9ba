// Package uds implements the local control socket between the zonekeeper CLI
// and a running daemon. Each connection carries one request frame and one
// response frame; a frame is a big-endian uint32 length followed by JSON.
package uds

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/msageha/zonekeeper/internal/model"
)

const (
	ProtocolVersion = 1

	// DefaultSocketName is the socket filename inside .zonekeeper/.
	DefaultSocketName = "daemon.sock"

	maxFrameSize = 10 << 20
	headerSize   = 4
)

// Protocol level error codes. Domain failures use the codes in model.
const (
	ErrCodeProtocolMismatch = "PROTOCOL_MISMATCH"
	ErrCodeUnknownCommand   = "UNKNOWN_COMMAND"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeValidation       = model.CodeValidation
)

var errFrameTooLarge = errors.New("frame exceeds size limit")

type Request struct {
	ProtocolVersion int             `json:"protocol_version"`
	Command         string          `json:"command"`
	Params          json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// rawJSON marshals v, mapping nil to an absent field.
func rawJSON(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func NewRequest(command string, params any) (*Request, error) {
	raw, err := rawJSON(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", command, err)
	}
	return &Request{ProtocolVersion: ProtocolVersion, Command: command, Params: raw}, nil
}

// DecodeParams fills v from the request params. Missing params leave v as is;
// malformed params are a validation error.
func (r *Request) DecodeParams(v any) error {
	if len(r.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Params, v); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
	}
	return nil
}

func SuccessResponse(data any) *Response {
	raw, err := rawJSON(data)
	if err != nil {
		return ErrorResponse(ErrCodeInternal, "encode response: "+err.Error())
	}
	return &Response{Success: true, Data: raw}
}

func ErrorResponse(code, message string) *Response {
	return &Response{Error: &ErrorDetail{Code: code, Message: message}}
}

// DomainErrorResponse reports err under its model error code.
func DomainErrorResponse(err error) *Response {
	return ErrorResponse(model.ErrorCode(err), err.Error())
}

// WriteFrame encodes v and writes it as a single frame.
func WriteFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(payload) > maxFrameSize {
		return errFrameTooLarge
	}
	frame := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[headerSize:], payload)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame and decodes it into v.
func ReadFrame(r io.Reader, v any) error {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return fmt.Errorf("read frame header: %w", err)
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxFrameSize {
		return fmt.Errorf("%w: %d bytes", errFrameTooLarge, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("read frame body: %w", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}
