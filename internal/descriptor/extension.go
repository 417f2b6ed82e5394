package descriptor

import (
	"encoding/json"
	"fmt"
	"maps"
	"sync"
)

// Extension carries backend specific attributes on a JobTemplate or JobInfo.
// It is identified by the backend that understands it and survives Clone,
// Equal and JSON encoding unchanged.
type Extension interface {
	// Backend returns the name of the backend the extension belongs to.
	Backend() string

	// CloneExtension returns a deep copy.
	CloneExtension() Extension

	// EqualExtension reports whether other holds the same attributes.
	EqualExtension(other Extension) bool
}

// ExtensionFactory returns a new zero value of a registered extension, ready
// for JSON decoding.
type ExtensionFactory func() Extension

type extensionKey struct {
	backend string
	kind    string
}

var (
	extensionsMu sync.RWMutex
	extensions   = map[extensionKey]ExtensionFactory{}
)

// Extension kinds.
const (
	ExtensionKindTemplate = "template"
	ExtensionKindInfo     = "info"
)

// RegisterExtension makes an extension decodable from the wire. Backends call
// it from init.
func RegisterExtension(backend, kind string, factory ExtensionFactory) {
	extensionsMu.Lock()
	defer extensionsMu.Unlock()

	extensions[extensionKey{backend, kind}] = factory
}

// Describer is implemented by extensions that describe their attributes.
type Describer interface {
	// Attributes returns a description of each attribute by name.
	Attributes() map[string]string
}

// Attributes returns the descriptions of the attributes of the kind of
// extension registered for backend. It is empty if there is no such
// extension or it does not implement Describer.
func Attributes(backend, kind string) map[string]string {
	extensionsMu.RLock()
	factory, ok := extensions[extensionKey{backend, kind}]
	extensionsMu.RUnlock()

	if !ok {
		return map[string]string{}
	}

	d, ok := factory().(Describer)
	if !ok {
		return map[string]string{}
	}

	return maps.Clone(d.Attributes())
}

type extensionEnvelope struct {
	Backend string          `json:"backend"`
	Data    json.RawMessage `json:"data"`
}

func encodeExtension(ext Extension) (*extensionEnvelope, error) {
	if ext == nil {
		return nil, nil
	}

	data, err := json.Marshal(ext)
	if err != nil {
		return nil, fmt.Errorf("marshal %s extension: %w", ext.Backend(), err)
	}

	return &extensionEnvelope{Backend: ext.Backend(), Data: data}, nil
}

func decodeExtension(kind string, env *extensionEnvelope) (Extension, error) {
	if env == nil {
		return nil, nil
	}

	extensionsMu.RLock()
	factory, ok := extensions[extensionKey{env.Backend, kind}]
	extensionsMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("no %s extension registered for backend %q", kind, env.Backend)
	}

	ext := factory()
	if err := json.Unmarshal(env.Data, ext); err != nil {
		return nil, fmt.Errorf("unmarshal %s extension: %w", env.Backend, err)
	}

	return ext, nil
}

func cloneExtension(ext Extension) Extension {
	if ext == nil {
		return nil
	}

	return ext.CloneExtension()
}

func equalExtension(a, b Extension) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	return a.Backend() == b.Backend() && a.EqualExtension(b)
}
