package bus

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Wire format: every Message is a google.protobuf.Struct
//
//	{"type": <string>, "id": <string>, "payload": <struct>}
//
// written with a varint length prefix. Struct numbers are doubles, so the
// opaque JSON bodies of job payloads (training data, options and results)
// travel as string values holding their JSON text and keep every digit.

const (
	fieldType    = "type"
	fieldID      = "id"
	fieldPayload = "payload"
)

// ErrMalformed is returned for envelopes without a type or with an undecodable payload.
var ErrMalformed = errors.New("malformed message envelope")

// Marshal converts m into its wire envelope.
func Marshal(m Message) (*structpb.Struct, error) {
	fields := map[string]*structpb.Value{
		fieldType: structpb.NewStringValue(string(m.Type)),
		fieldID:   structpb.NewStringValue(m.ID),
	}

	body, err := payloadFields(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", m.Type, err)
	}
	if body != nil {
		fields[fieldPayload] = structpb.NewStructValue(body)
	}
	return &structpb.Struct{Fields: fields}, nil
}

func payloadFields(p Payload) (*structpb.Struct, error) {
	if p == nil {
		return nil, nil
	}
	var raw []byte
	if r, ok := p.(*Raw); ok {
		raw = r.Body
	} else {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	fields := make(map[string]*structpb.Value, len(m))
	for k, v := range m {
		if isOpaque(p, k) {
			fields[k] = structpb.NewStringValue(string(v))
			continue
		}
		var x any
		if err := json.Unmarshal(v, &x); err != nil {
			return nil, err
		}
		val, err := structpb.NewValue(x)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		fields[k] = val
	}
	return &structpb.Struct{Fields: fields}, nil
}

// payloadJSON rebuilds the JSON body of p from its wire fields.
func payloadJSON(p Payload, body *structpb.Struct) ([]byte, error) {
	m := make(map[string]json.RawMessage, len(body.GetFields()))
	for k, v := range body.GetFields() {
		if s, ok := v.GetKind().(*structpb.Value_StringValue); ok && isOpaque(p, k) {
			m[k] = json.RawMessage(s.StringValue)
			continue
		}
		b, err := protojson.Marshal(v)
		if err != nil {
			return nil, err
		}
		m[k] = b
	}
	return json.Marshal(m)
}

// opaquer is implemented by payloads carrying caller JSON the bus must not
// reinterpret.
type opaquer interface {
	opaqueFields() []string
}

func isOpaque(p Payload, field string) bool {
	o, ok := p.(opaquer)
	return ok && slices.Contains(o.opaqueFields(), field)
}

// Unmarshal decodes a wire envelope. Unknown types decode to a *Raw payload
// so routing can drop them with a log line.
func Unmarshal(s *structpb.Struct) (Message, error) {
	t := Type(s.GetFields()[fieldType].GetStringValue())
	if t == "" {
		return Message{}, ErrMalformed
	}
	m := Message{Type: t, ID: s.GetFields()[fieldID].GetStringValue()}

	p := newPayload(t)
	var raw []byte
	if body := s.GetFields()[fieldPayload].GetStructValue(); body != nil {
		b, err := payloadJSON(p, body)
		if err != nil {
			return Message{}, fmt.Errorf("%w: %s payload: %v", ErrMalformed, t, err)
		}
		raw = b
	}

	if p == nil {
		m.Payload = &Raw{Body: raw}
		return m, nil
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, p); err != nil {
			return Message{}, fmt.Errorf("%w: %s payload: %v", ErrMalformed, t, err)
		}
	}
	m.Payload = p
	return m, nil
}

// Encoder writes length-delimited envelopes. Safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one message.
func (e *Encoder) Encode(m Message) error {
	s, err := Marshal(m)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = protodelim.MarshalTo(e.w, s)
	return err
}

// Decoder reads length-delimited envelopes.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Decode reads the next message. It returns io.EOF at a clean end of stream.
func (d *Decoder) Decode() (Message, error) {
	var s structpb.Struct
	if err := protodelim.UnmarshalFrom(d.r, &s); err != nil {
		return Message{}, err
	}
	return Unmarshal(&s)
}
