// Package cbor is the default control.ScalarCodec, encoding a
// control.Fields map as a CBOR map of string keys to integers via
// github.com/whyrusleeping/cbor, the self-describing codec already
// reachable from this dependency pack.
package cbor

import (
	"bytes"

	cbor "github.com/whyrusleeping/cbor/go"

	"github.com/winlink/winlink/pkg/control"
)

// Codec implements control.ScalarCodec over github.com/whyrusleeping/cbor.
type Codec struct{}

// New returns the default CBOR-backed control.ScalarCodec.
func New() Codec { return Codec{} }

func (Codec) EncodeFields(fields control.Fields) ([]byte, error) {
	var buf bytes.Buffer
	if err := cbor.Encode(&buf, map[string]int64(fields)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (Codec) DecodeFields(raw []byte) (control.Fields, error) {
	var decoded map[string]int64
	d := cbor.NewDecoder(bytes.NewReader(raw))
	if err := d.Decode(&decoded); err != nil {
		return nil, err
	}
	return control.Fields(decoded), nil
}
