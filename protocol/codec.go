package protocol

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ErrMalformed is returned when bytes do not decode to a valid message.
var ErrMalformed = errors.New("protocol: malformed message")

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2): the same
// message always encodes to the same bytes.
var encMode cbor.EncMode

// decMode accepts standard CBOR and ignores unknown fields.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// Envelope is the wire form of a Message.
type Envelope struct {
	Op    Op              `cbor:"op"`
	Mount string          `cbor:"mount,omitempty"`
	Req   string          `cbor:"req,omitempty"`
	Body  cbor.RawMessage `cbor:"body"`
}

// Marshal encodes a value with the protocol's deterministic CBOR mode.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Encode converts a message to its envelope.
func Encode(m Message) (Envelope, error) {
	if m.Body == nil {
		return Envelope{}, fmt.Errorf("%w: nil body", ErrMalformed)
	}
	body, err := encMode.Marshal(m.Body)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s body: %w", m.Body.Op(), err)
	}
	return Envelope{Op: m.Body.Op(), Mount: m.Mount, Req: m.Req, Body: body}, nil
}

// Decode converts an envelope back to a message.
func Decode(env Envelope) (Message, error) {
	body, err := decodeBody(env.Op, env.Body)
	if err != nil {
		return Message{}, err
	}
	return Message{Mount: env.Mount, Req: env.Req, Body: body}, nil
}

// MarshalMessage encodes m as a single CBOR data item.
func MarshalMessage(m Message) ([]byte, error) {
	env, err := Encode(m)
	if err != nil {
		return nil, err
	}
	return encMode.Marshal(env)
}

// UnmarshalMessage decodes a message produced by MarshalMessage.
func UnmarshalMessage(data []byte) (Message, error) {
	var env Envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Decode(env)
}

func decodeBody(op Op, raw []byte) (Body, error) {
	switch op {
	case OpMount:
		return decodeAs[Mount](op, raw)
	case OpChunkRequest:
		return decodeAs[ChunkRequest](op, raw)
	case OpChunkDone:
		return decodeAs[ChunkDone](op, raw)
	case OpChunkError:
		return decodeAs[ChunkError](op, raw)
	case OpListDirectory:
		return decodeAs[ListDirectory](op, raw)
	case OpStat:
		return decodeAs[Stat](op, raw)
	case OpOpenFile:
		return decodeAs[OpenFile](op, raw)
	case OpCloseFile:
		return decodeAs[CloseFile](op, raw)
	case OpReadFile:
		return decodeAs[ReadFile](op, raw)
	case OpUnmount:
		return decodeAs[Unmount](op, raw)
	case OpMountDone:
		return decodeAs[MountDone](op, raw)
	case OpListDirectoryDone:
		return decodeAs[ListDirectoryDone](op, raw)
	case OpStatDone:
		return decodeAs[StatDone](op, raw)
	case OpOpenFileDone:
		return decodeAs[OpenFileDone](op, raw)
	case OpCloseFileDone:
		return decodeAs[CloseFileDone](op, raw)
	case OpReadFileDone:
		return decodeAs[ReadFileDone](op, raw)
	case OpUnmountDone:
		return decodeAs[UnmountDone](op, raw)
	case OpError:
		return decodeAs[Error](op, raw)
	case OpInvalid:
	}
	return nil, fmt.Errorf("%w: unknown operation %s", ErrMalformed, op)
}

func decodeAs[T Body](op Op, raw []byte) (Body, error) {
	var v T
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: %s without body", ErrMalformed, op)
	}
	if err := decMode.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %s body: %v", ErrMalformed, op, err)
	}
	return v, nil
}
