package ticket

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/jacktea/scistore/pkg/xerrors"
)

// Tickets are stored as zstd compressed CBOR. Manifests repeat long archive
// paths, which compress well.
var (
	encMode cbor.EncMode
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(err)
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(err)
	}
}

// Encode serializes t.
func Encode(t *Ticket) ([]byte, error) {
	raw, err := encMode.Marshal(t)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "ticket.Encode", t.ID, err)
	}
	return encoder.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

// Decode parses data written by Encode.
func Decode(data []byte) (*Ticket, error) {
	raw, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "ticket.Decode", "", err)
	}
	var t Ticket
	if err := cbor.Unmarshal(raw, &t); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "ticket.Decode", "", err)
	}
	return &t, nil
}
