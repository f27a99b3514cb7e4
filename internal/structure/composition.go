package structure

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/exp/maps"
)

// Composition maps a species label to its atom count.
type Composition map[string]int

// ParseFormula reads formulas like "Na4H4" or "CuAl2". Repeated symbols add up.
func ParseFormula(formula string) (Composition, error) {
	formula = strings.TrimSpace(formula)
	if formula == "" {
		return nil, fmt.Errorf("empty formula")
	}
	out := Composition{}
	runes := []rune(formula)
	for i := 0; i < len(runes); {
		if !unicode.IsUpper(runes[i]) {
			return nil, fmt.Errorf("invalid formula %q at offset %d", formula, i)
		}
		j := i + 1
		for j < len(runes) && unicode.IsLower(runes[j]) {
			j++
		}
		symbol := string(runes[i:j])
		k := j
		for k < len(runes) && unicode.IsDigit(runes[k]) {
			k++
		}
		count := 1
		if k > j {
			n, err := strconv.Atoi(string(runes[j:k]))
			if err != nil {
				return nil, fmt.Errorf("invalid count in formula %q: %w", formula, err)
			}
			count = n
		}
		if count <= 0 {
			return nil, fmt.Errorf("invalid count for %s in formula %q", symbol, formula)
		}
		out[symbol] += count
		i = k
	}
	return out, nil
}

// Species returns the labels in sorted order.
func (c Composition) Species() []string {
	keys := maps.Keys(c)
	slices.Sort(keys)
	return keys
}

func (c Composition) Total() int {
	total := 0
	for _, n := range c {
		total += n
	}
	return total
}

// Equal ignores zero-count entries.
func (c Composition) Equal(other Composition) bool {
	for sp, n := range c {
		if other[sp] != n {
			return false
		}
	}
	for sp, n := range other {
		if c[sp] != n {
			return false
		}
	}
	return true
}

func (c Composition) Clone() Composition {
	out := make(Composition, len(c))
	for sp, n := range c {
		if n != 0 {
			out[sp] = n
		}
	}
	return out
}

func (c Composition) Validate() error {
	if len(c) == 0 {
		return fmt.Errorf("composition is empty")
	}
	for _, sp := range c.Species() {
		if sp == "" {
			return fmt.Errorf("composition has an empty species label")
		}
		if c[sp] <= 0 {
			return fmt.Errorf("species %s count must be > 0, got %d", sp, c[sp])
		}
	}
	return nil
}

func (c Composition) String() string {
	var b strings.Builder
	for _, sp := range c.Species() {
		if c[sp] == 0 {
			continue
		}
		b.WriteString(sp)
		if c[sp] != 1 {
			b.WriteString(strconv.Itoa(c[sp]))
		}
	}
	return b.String()
}
