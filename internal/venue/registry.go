// registry.go maps configured exchange names to adapter constructors.
package venue

import (
	"sort"

	"exchange-engine/internal/exerr"
)

// Constructor builds an adapter from its gateway base URL.
type Constructor func(baseURL string) Adapter

var registry = map[string]Constructor{
	"generic": func(baseURL string) Adapter { return NewGeneric(baseURL) },
}

// Register adds a venue constructor. Integrations register themselves from
// an init function; the last registration of a name wins.
func Register(name string, ctor Constructor) {
	registry[name] = ctor
}

// Resolve builds the adapter for a configured exchange name.
func Resolve(name, baseURL string) (Adapter, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, exerr.New(exerr.KindConfiguration, "unknown exchange %q, available: %v", name, Names())
	}
	return ctor(baseURL), nil
}

// Names lists the registered venues, sorted.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
