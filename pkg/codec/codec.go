// Package codec is the single CBOR configuration shared by the daemon and
// the client library. Every frame on the awareness socket goes through it.
//
// Encoding uses Core Deterministic options: map keys are sorted, so the
// same value always encodes to the same bytes. Decoding into an any-typed
// target produces map[string]any rather than the CBOR default of
// map[any]any.
package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// maxNestedLevels bounds how deep a frame may nest. Requests are flat
// structures; anything deeper is a malformed or hostile peer.
const maxNestedLevels = 16

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
		MaxNestedLevels: maxNestedLevels,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v as deterministic CBOR
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Encoder writes a stream of CBOR values.
type Encoder = cbor.Encoder

// Decoder reads a stream of CBOR values. CBOR items are self-delimiting, so
// no length prefix is needed between frames.
type Decoder = cbor.Decoder

// RawMessage holds an undecoded CBOR value for deferred decoding.
type RawMessage = cbor.RawMessage

// NewEncoder returns an encoder writing to w
func NewEncoder(w io.Writer) *Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a decoder reading from r
func NewDecoder(r io.Reader) *Decoder {
	return decMode.NewDecoder(r)
}

// Diagnose returns the CBOR diagnostic notation of data. Used in debug logs.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}
