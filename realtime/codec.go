package realtime

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Codec frames Events on the pub/sub transport. Every instance sharing a
// transport must use the same codec.
type Codec interface {
	Name() string
	Marshal(ev Event) ([]byte, error)
	Unmarshal(data []byte, ev *Event) error
}

// JSONCodec is the default, human-readable codec.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(ev Event) ([]byte, error) { return json.Marshal(ev) }

func (JSONCodec) Unmarshal(data []byte, ev *Event) error { return json.Unmarshal(data, ev) }

// CBORCodec encodes with Core Deterministic Encoding (RFC 8949 §4.2). Field names
// come from the json tags. Times are RFC 3339 with nanoseconds so EmittedAt keeps
// its precision.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORCodec builds a CBORCodec.
func NewCBORCodec() (*CBORCodec, error) {
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	enc, err := encOptions.EncMode()
	if err != nil {
		return nil, fmt.Errorf("realtime: cbor encoder: %w", err)
	}

	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("realtime: cbor decoder: %w", err)
	}
	return &CBORCodec{enc: enc, dec: dec}, nil
}

func (c *CBORCodec) Name() string { return "cbor" }

func (c *CBORCodec) Marshal(ev Event) ([]byte, error) { return c.enc.Marshal(ev) }

func (c *CBORCodec) Unmarshal(data []byte, ev *Event) error { return c.dec.Unmarshal(data, ev) }

// CodecByName resolves ARC_FANOUT_CODEC values.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		return NewCBORCodec()
	default:
		return nil, fmt.Errorf("realtime: unknown codec %q", name)
	}
}
