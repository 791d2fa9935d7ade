package workpkg

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Complexity ranks how demanding a package is. Higher values are assigned first.
type Complexity int

const (
	Trivial Complexity = iota
	Simple
	Medium
	Complex
	Critical
)

var complexityNames = [...]string{"trivial", "simple", "medium", "complex", "critical"}

// String returns the lower-case name of c.
func (c Complexity) String() string {
	if c < Trivial || c > Critical {
		return "complexity(" + strconv.Itoa(int(c)) + ")"
	}
	return complexityNames[c]
}

// Valid reports whether c is one of the defined tiers.
func (c Complexity) Valid() bool { return c >= Trivial && c <= Critical }

// ParseComplexity accepts a tier name or its integer value. Empty means Trivial,
// the same as an omitted field.
func ParseComplexity(raw string) (Complexity, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		return Trivial, nil
	}
	for i, name := range complexityNames {
		if value == name {
			return Complexity(i), nil
		}
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("unknown complexity %q", raw)
	}
	c := Complexity(n)
	if !c.Valid() {
		return 0, fmt.Errorf("complexity %d out of range 0-4", n)
	}
	return c, nil
}

// MarshalText encodes the tier name.
func (c Complexity) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("invalid complexity %d", int(c))
	}
	return []byte(c.String()), nil
}

// UnmarshalText accepts a name or an integer. TOML integers arrive here too.
func (c *Complexity) UnmarshalText(text []byte) error {
	parsed, err := ParseComplexity(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// UnmarshalJSON accepts a JSON string or number.
func (c *Complexity) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		parsed := Complexity(n)
		if !parsed.Valid() {
			return fmt.Errorf("complexity %d out of range 0-4", n)
		}
		*c = parsed
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("complexity must be a name or integer: %w", err)
	}
	return c.UnmarshalText([]byte(s))
}

// UnmarshalYAML accepts a scalar name or integer.
func (c *Complexity) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: complexity must be a scalar", node.Line)
	}
	return c.UnmarshalText([]byte(node.Value))
}
