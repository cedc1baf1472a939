package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/tactics-sync/combat-sync/pkg/types"
)

// Websocket subprotocols, one per codec.
const (
	SubprotocolJSON = "tactics.v1+json"
	SubprotocolCBOR = "tactics.v1+cbor"
)

var ErrMalformed = errors.New("malformed message")

// Codec turns wire frames into client messages and server messages into
// frames.
type Codec interface {
	Name() string
	// Binary reports whether frames must be sent as binary websocket
	// messages.
	Binary() bool
	Encode(msg types.ServerMessage) ([]byte, error)
	Decode(data []byte) (types.ClientMessage, error)
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	// Core deterministic encoding: same value, same bytes. Digests depend
	// on it.
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: cbor encoder: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("protocol: cbor decoder: " + err.Error())
	}
}

type jsonCodec struct{}

func JSON() Codec { return jsonCodec{} }

func (jsonCodec) Name() string { return SubprotocolJSON }
func (jsonCodec) Binary() bool { return false }

func (jsonCodec) Encode(msg types.ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (jsonCodec) Decode(data []byte) (types.ClientMessage, error) {
	var m types.ClientMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return types.ClientMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m, validateEnvelope(m)
}

type cborCodec struct{}

func CBOR() Codec { return cborCodec{} }

func (cborCodec) Name() string { return SubprotocolCBOR }
func (cborCodec) Binary() bool { return true }

func (cborCodec) Encode(msg types.ServerMessage) ([]byte, error) {
	return cborEnc.Marshal(msg)
}

func (cborCodec) Decode(data []byte) (types.ClientMessage, error) {
	var m types.ClientMessage
	if err := cborDec.Unmarshal(data, &m); err != nil {
		return types.ClientMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m, validateEnvelope(m)
}

// ForSubprotocol picks the codec negotiated during the websocket handshake.
// An empty subprotocol means JSON.
func ForSubprotocol(name string) (Codec, bool) {
	switch name {
	case "", SubprotocolJSON:
		return JSON(), true
	case SubprotocolCBOR:
		return CBOR(), true
	}
	return nil, false
}

func Subprotocols() []string { return []string{SubprotocolJSON, SubprotocolCBOR} }

func validateEnvelope(m types.ClientMessage) error {
	switch m.Type {
	case types.TypePlayerAction:
		if m.Action == nil {
			return fmt.Errorf("%w: player_action without action", ErrMalformed)
		}
	case types.TypeResync, types.TypeAck, types.TypeStart, types.TypeLeave:
	case "":
		return fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, m.Type)
	}
	return nil
}
