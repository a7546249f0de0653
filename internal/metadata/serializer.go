package metadata

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// ErrMalformed is wrapped by every Unmarshal failure so that backends can
// classify bad stored metadata as corruption.
var ErrMalformed = errors.New("malformed metadata")

// Serializer converts metadata to and from its persisted representation.
// Backends receive one at construction time instead of relying on a
// process-wide registration.
type Serializer interface {
	// Name identifies the encoding, e.g. "json"
	Name() string
	// Marshal encodes normalized metadata
	Marshal(Metadata) ([]byte, error)
	// Unmarshal decodes and normalizes metadata
	Unmarshal([]byte) (Metadata, error)
}

// ByName returns the serializer registered under name. An empty name
// selects JSON.
func ByName(name string) (Serializer, error) {
	switch name {
	case "", "json":
		return JSON(), nil
	case "gob":
		return Gob(), nil
	case "yaml", "yml":
		return YAML(), nil
	default:
		return nil, fmt.Errorf("unknown metadata serializer %q", name)
	}
}

// Names lists the available serializer names.
func Names() []string {
	return []string{"json", "gob", "yaml"}
}

func malformed(format string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrMalformed, format, err)
}

func decoded(format string, raw map[string]any) (Metadata, error) {
	md, err := New(raw)
	if err != nil {
		return nil, malformed(format, err)
	}
	return md, nil
}

// --------------------------------------------------------------------------
// JSON
// --------------------------------------------------------------------------

// JSON returns a serializer using encoding/json. Numbers are decoded
// exactly: integral values come back as int64.
func JSON() Serializer { return jsonSerializer{} }

type jsonSerializer struct{}

func (jsonSerializer) Name() string { return "json" }

func (jsonSerializer) Marshal(m Metadata) ([]byte, error) {
	if m == nil {
		m = Metadata{}
	}
	return json.Marshal(map[string]any(m))
}

func (jsonSerializer) Unmarshal(b []byte) (Metadata, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, malformed("json", err)
	}
	if raw == nil {
		return nil, malformed("json", errors.New("not an object"))
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, malformed("json", errors.New("trailing data after object"))
	}
	return decoded("json", raw)
}

// --------------------------------------------------------------------------
// gob
// --------------------------------------------------------------------------

// Gob returns a serializer using Go's binary gob format. Integer and float
// types are preserved exactly.
func Gob() Serializer { return gobSerializer{} }

type gobSerializer struct{}

func init() {
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

func (gobSerializer) Name() string { return "gob" }

func (gobSerializer) Marshal(m Metadata) ([]byte, error) {
	if m == nil {
		m = Metadata{}
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(map[string]any(m)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobSerializer) Unmarshal(b []byte) (Metadata, error) {
	var raw map[string]any
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&raw); err != nil {
		return nil, malformed("gob", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return decoded("gob", raw)
}

// --------------------------------------------------------------------------
// YAML
// --------------------------------------------------------------------------

// YAML returns a serializer using gopkg.in/yaml.v3.
func YAML() Serializer { return yamlSerializer{} }

type yamlSerializer struct{}

func (yamlSerializer) Name() string { return "yaml" }

func (yamlSerializer) Marshal(m Metadata) ([]byte, error) {
	if m == nil {
		m = Metadata{}
	}
	return yaml.Marshal(map[string]any(m))
}

func (yamlSerializer) Unmarshal(b []byte) (Metadata, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, malformed("yaml", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return decoded("yaml", raw)
}
