// Package ruleset loads a YAML limit ruleset from disk into a running
// decision engine, re-registering its limits whenever the file changes.
// A limit removed from the file stays registered.
package ruleset

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ratelimitd/limitador/internal/limit"
)

// fileLimit is the YAML shape of one limit entry.
type fileLimit struct {
	Namespace  string   `yaml:"namespace"`
	Max        uint64   `yaml:"max"`
	Seconds    uint64   `yaml:"seconds"`
	Conditions []string `yaml:"conditions"`
	Variables  []string `yaml:"variables"`
}

type file struct {
	Limits []fileLimit `yaml:"limits"`
}

// Parse decodes a ruleset YAML document into Limit values.
func Parse(data []byte) ([]limit.Limit, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("ruleset: parse yaml: %w", err)
	}
	out := make([]limit.Limit, 0, len(f.Limits))
	for _, fl := range f.Limits {
		if fl.Namespace == "" {
			return nil, fmt.Errorf("ruleset: limit missing namespace")
		}
		out = append(out, limit.New(fl.Namespace, fl.Max, fl.Seconds, fl.Conditions, fl.Variables))
	}
	return out, nil
}

// ParseFile reads and parses the ruleset file at path.
func ParseFile(path string) ([]limit.Limit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ruleset: read %s: %w", path, err)
	}
	return Parse(data)
}

// Registrar is the subset of the decision engine the loader drives —
// registering a limit that is already present (per limit.Limit.Equal)
// replaces that entry in place (picking up a changed Max) instead of adding a
// duplicate, so the loader never needs to diff explicitly; it just
// re-registers everything it reads.
type Registrar interface {
	RegisterLimit(ctx context.Context, l limit.Limit) error
}

// LoadInto parses path and registers every limit it contains with r.
func LoadInto(ctx context.Context, path string, r Registrar) error {
	limits, err := ParseFile(path)
	if err != nil {
		return err
	}
	for _, l := range limits {
		if err := r.RegisterLimit(ctx, l); err != nil {
			return fmt.Errorf("ruleset: register %q: %w", l.Namespace, err)
		}
	}
	return nil
}

// debounceReload is the minimum gap enforced between two consecutive
// reloads triggered by filesystem events; overridden in tests to keep them
// fast.
var debounceReload = 200 * time.Millisecond
