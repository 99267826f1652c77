package strategy

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"meridian/internal/domain"
)

// ErrUnknownStrategy is returned by Registry.New for an unregistered ID.
var ErrUnknownStrategy = errors.New("unknown strategy")

// DefaultID is used when no strategy is configured.
const DefaultID = "sma_crossover"

// Factory builds a strategy from its parameters. It returns an error for
// invalid parameters.
type Factory func(Params) (Strategy, error)

// Registry maps stable strategy IDs to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// NormalizeID lower-cases id and maps dashes to underscores, so
// "SMA-Crossover" and "sma_crossover" name the same strategy.
func NormalizeID(id string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(id)), "-", "_")
}

// Register adds a factory under id. Registering the same ID twice is an
// error.
func (r *Registry) Register(id string, f Factory) error {
	key := NormalizeID(id)
	if key == "" {
		return errors.New("strategy id must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[key]; dup {
		return fmt.Errorf("duplicate strategy id %q", key)
	}
	r.factories[key] = f
	return nil
}

// New builds the strategy registered under id, or DefaultID when id is
// blank.
func (r *Registry) New(id string, params Params) (Strategy, error) {
	key := NormalizeID(id)
	if key == "" {
		key = DefaultID
	}
	r.mu.RLock()
	f, ok := r.factories[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q, supported: %s", ErrUnknownStrategy, id, strings.Join(r.List(), ", "))
	}
	s, err := f(params)
	if err != nil {
		return nil, fmt.Errorf("building strategy %s: %w", key, err)
	}
	return s, nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[NormalizeID(id)]
	return ok
}

// List returns the registered IDs, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ---------------------------------------------------------------------------
// Params
// ---------------------------------------------------------------------------

// Params carries free-form strategy parameters, usually decoded from the
// trading.params section of the YAML config.
type Params map[string]any

// Float returns key as a float64, or def when absent. Integers and numeric
// strings are accepted.
func (p Params) Float(key string, def float64) (float64, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("param %s: %q is not a number", key, n)
		}
		return f, nil
	}
	return 0, fmt.Errorf("param %s: unsupported type %T", key, v)
}

// Int returns key as an int, or def when absent. Floats must be integral.
func (p Params) Int(key string, def int) (int, error) {
	f, err := p.Float(key, float64(def))
	if err != nil {
		return 0, err
	}
	if f != float64(int(f)) {
		return 0, fmt.Errorf("param %s: %g is not an integer", key, f)
	}
	return int(f), nil
}

// Bool returns key as a bool, or def when absent.
func (p Params) Bool(key string, def bool) (bool, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		if err != nil {
			return false, fmt.Errorf("param %s: %q is not a bool", key, b)
		}
		return parsed, nil
	}
	return false, fmt.Errorf("param %s: unsupported type %T", key, v)
}

// Strings returns key as a normalized symbol-style string list. A single
// comma-separated string is split.
func (p Params) Strings(key string) []string {
	switch v := p[key].(type) {
	case []string:
		return domain.NormalizeSymbols(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return domain.NormalizeSymbols(out)
	case string:
		return domain.NormalizeSymbols(strings.Split(v, ","))
	}
	return nil
}
