package frame

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/protobuf/encoding/protowire"
)

// Codec turns an envelope into a frame body and back.
//
// Decode must be given a pointer to the payload destination.
type Codec interface {
	Name() string
	Encode(id uint64, payload any) ([]byte, error)
	Decode(buf []byte, payload any) (uint64, error)
}

var (
	Binary Codec = binaryCodec{}
	JSON   Codec = jsonCodec{}
)

const (
	fieldID      protowire.Number = 1
	fieldPayload protowire.Number = 2

	// MaxCollectionLen caps the elements of any array or map a binary
	// payload may decode into.
	MaxCollectionLen = 1 << 16
)

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		// this is a software critical error, it should never happen
		panic(err)
	}

	cborDec, err = cbor.DecOptions{
		MaxArrayElements: MaxCollectionLen,
		MaxMapPairs:      MaxCollectionLen,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// binaryCodec lays the envelope out as a protobuf message
// (1: varint id, 2: bytes payload) whose payload is CBOR.
type binaryCodec struct{}

func (binaryCodec) Name() string { return "binary" }

func (binaryCodec) Encode(id uint64, payload any) ([]byte, error) {
	body, err := cborEnc.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}

	buf := make([]byte, 0, len(body)+2*protowire.SizeVarint(uint64(len(body)))+10)
	buf = protowire.AppendTag(buf, fieldID, protowire.VarintType)
	buf = protowire.AppendVarint(buf, id)
	buf = protowire.AppendTag(buf, fieldPayload, protowire.BytesType)
	buf = protowire.AppendBytes(buf, body)
	return buf, nil
}

func (binaryCodec) Decode(buf []byte, payload any) (uint64, error) {
	var (
		id         uint64
		body       []byte
		hasPayload bool
	)

	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if err := protowire.ParseError(n); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrDecode, err)
		}
		buf = buf[n:]

		switch {
		case num == fieldID && typ == protowire.VarintType:
			id, n = protowire.ConsumeVarint(buf)
		case num == fieldPayload && typ == protowire.BytesType:
			body, n = protowire.ConsumeBytes(buf)
			hasPayload = true
		default:
			// unknown fields are skipped for forward compatibility
			n = protowire.ConsumeFieldValue(num, typ, buf)
		}
		if err := protowire.ParseError(n); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrDecode, err)
		}
		buf = buf[n:]
	}

	if !hasPayload {
		return id, fmt.Errorf("%w: missing payload", ErrDecode)
	}

	if err := cborDec.Unmarshal(body, payload); err != nil {
		return id, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return id, nil
}

type jsonEnvelope struct {
	ID      *uint64         `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Encode(id uint64, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}

	buf, err := json.Marshal(jsonEnvelope{ID: &id, Payload: body})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return buf, nil
}

func (jsonCodec) Decode(buf []byte, payload any) (uint64, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(buf, &env); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if env.ID == nil {
		return 0, fmt.Errorf("%w: missing id", ErrDecode)
	}
	if len(env.Payload) == 0 {
		return *env.ID, fmt.Errorf("%w: missing payload", ErrDecode)
	}

	if err := json.Unmarshal(env.Payload, payload); err != nil {
		return *env.ID, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return *env.ID, nil
}

// ByName returns the codec registered under name.
func ByName(name string) (Codec, bool) {
	switch name {
	case "binary", "cbor":
		return Binary, true
	case "json":
		return JSON, true
	default:
		return nil, false
	}
}
