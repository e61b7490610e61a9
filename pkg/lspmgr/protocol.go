package lspmgr

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Framing selects the wire framing a language server speaks on stdio.
type Framing string

const (
	// FramingContentLength is the standard LSP base-protocol framing:
	// Content-Length header, blank line, JSON payload.
	FramingContentLength Framing = "content-length"

	// FramingLine is newline-delimited JSON, one message per line. A few
	// non-conforming servers use it; selectable per descriptor.
	FramingLine Framing = "line"
)

// MessageKind classifies a parsed JSON-RPC message.
type MessageKind int

const (
	KindInvalid MessageKind = iota
	KindRequest
	KindNotification
	KindResponse
	KindError
)

// Message is the tagged union of the four JSON-RPC message shapes. Params,
// Result, and Error.Data are kept as raw JSON so payloads pass through the
// gateway byte-for-byte.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Kind reports the message shape. A message with both method and id is a
// request; method without id is a notification; id without method is a
// response, split on the presence of the error member.
func (m *Message) Kind() MessageKind {
	switch {
	case m.Method != "" && m.ID != nil:
		return KindRequest
	case m.Method != "":
		return KindNotification
	case m.ID != nil && m.Error != nil:
		return KindError
	case m.ID != nil:
		return KindResponse
	default:
		return KindInvalid
	}
}

// decodeMessage parses and validates one frame payload.
func decodeMessage(payload []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("lspmgr: decode message: %w", err)
	}
	if msg.JSONRPC != "" && msg.JSONRPC != "2.0" {
		return nil, fmt.Errorf("lspmgr: unsupported jsonrpc version %q", msg.JSONRPC)
	}
	if msg.Kind() == KindInvalid {
		return nil, fmt.Errorf("lspmgr: message has neither method nor id")
	}
	return &msg, nil
}

type outboundRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type outboundNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// errMalformedFrame marks decode failures where the stream itself is still
// healthy and the reader may resync on the next frame.
var errMalformedFrame = errors.New("lspmgr: malformed frame")

// frameCodec reads and writes framed JSON payloads on a server's stdio.
type frameCodec interface {
	Encode(w io.Writer, payload []byte) error
	Decode(r *bufio.Reader) ([]byte, error)
}

func codecFor(f Framing) frameCodec {
	if f == FramingLine {
		return lineCodec{}
	}
	return contentLengthCodec{}
}

type contentLengthCodec struct{}

func (contentLengthCodec) Encode(w io.Writer, payload []byte) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Content-Length: %d\r\n\r\n", len(payload))
	buf.Write(payload)
	_, err := w.Write(buf.Bytes())
	return err
}

func (contentLengthCodec) Decode(r *bufio.Reader) ([]byte, error) {
	length := -1
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return nil, fmt.Errorf("%w: bad Content-Length %q", errMalformedFrame, value)
			}
			length = n
		}
	}
	if length < 0 {
		return nil, fmt.Errorf("%w: missing Content-Length header", errMalformedFrame)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

type lineCodec struct{}

func (lineCodec) Encode(w io.Writer, payload []byte) error {
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, payload...)
	buf = append(buf, '\n')
	_, err := w.Write(buf)
	return err
}

func (lineCodec) Decode(r *bufio.Reader) ([]byte, error) {
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			if err == io.EOF && len(bytes.TrimSpace(line)) > 0 {
				return bytes.TrimSpace(line), nil
			}
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
}
