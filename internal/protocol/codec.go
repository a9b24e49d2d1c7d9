package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// WebSocket subprotocols offered by clients to select a codec. A connection
// that negotiates no subprotocol uses JSON.
const (
	SubprotocolJSON    = "duocall.json"
	SubprotocolMsgPack = "duocall.msgpack"
)

// Codec converts messages to and from WebSocket frame payloads.
type Codec interface {
	Subprotocol() string
	// Binary reports whether frames are sent as binary rather than text.
	Binary() bool
	Encode(Message) ([]byte, error)
	Decode([]byte) (Message, error)
}

var (
	JSON    Codec = jsonCodec{}
	MsgPack Codec = msgpackCodec{}
)

// Subprotocols lists the subprotocols a server accepts, in preference order.
func Subprotocols() []string {
	return []string{SubprotocolMsgPack, SubprotocolJSON}
}

// CodecForSubprotocol returns the codec negotiated by subprotocol, falling
// back to JSON.
func CodecForSubprotocol(subprotocol string) Codec {
	if subprotocol == SubprotocolMsgPack {
		return MsgPack
	}
	return JSON
}

type jsonCodec struct{}

func (jsonCodec) Subprotocol() string { return SubprotocolJSON }
func (jsonCodec) Binary() bool        { return false }

func (jsonCodec) Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

func (jsonCodec) Decode(b []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()

	var m Message
	if err := dec.Decode(&m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, invalidf("unexpected trailing data")
	}
	return m, nil
}

type msgpackCodec struct{}

func (msgpackCodec) Subprotocol() string { return SubprotocolMsgPack }
func (msgpackCodec) Binary() bool        { return true }

func (msgpackCodec) Encode(m Message) ([]byte, error) {
	return msgpack.Marshal(&m)
}

func (msgpackCodec) Decode(b []byte) (Message, error) {
	r := bytes.NewReader(b)
	dec := msgpack.NewDecoder(r)
	dec.DisallowUnknownFields(true)

	var m Message
	if err := dec.Decode(&m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if r.Len() != 0 {
		return Message{}, invalidf("unexpected trailing data")
	}
	return m, nil
}
