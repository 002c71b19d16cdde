// Package asset enumerates the instrument classes tracked by the portfolio
// ledger and the market-data aggregator.
package asset

import (
	"errors"
	"fmt"
	"strings"
)

// Class is the canonical instrument class of a holding.
type Class string

// Supported instrument classes. Everything outside this set is rejected at
// the parsing boundary.
const (
	Stock  Class = "stock"
	ETF    Class = "etf"
	Crypto Class = "crypto"
	Empty  Class = ""
)

var errInvalidClass = errors.New("invalid asset class")

var supported = Classes{Stock, ETF, Crypto}

// Classes is a slice of Class types
type Classes []Class

// New parses a raw string into a supported Class.
func New(raw string) (Class, error) {
	c := Class(strings.ToLower(strings.TrimSpace(raw)))
	if !c.IsValid() {
		return Empty, fmt.Errorf("%w: %q", errInvalidClass, raw)
	}
	return c, nil
}

// Supported returns the full list of supported classes.
func Supported() Classes {
	return supported
}

// String implements the stringer interface.
func (c Class) String() string {
	return string(c)
}

// IsValid reports whether the class is one of the supported set.
func (c Class) IsValid() bool {
	return supported.Contains(c)
}

// Strings returns the classes as a string slice.
func (c Classes) Strings() []string {
	out := make([]string, len(c))
	for i := range c {
		out[i] = c[i].String()
	}
	return out
}

// Contains reports whether the list holds the exact class.
func (c Classes) Contains(in Class) bool {
	for i := range c {
		if c[i] == in {
			return true
		}
	}
	return false
}

// JoinToString joins the classes with the supplied separator.
func (c Classes) JoinToString(separator string) string {
	return strings.Join(c.Strings(), separator)
}
