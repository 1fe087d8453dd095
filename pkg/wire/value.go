// wire/value.go
package wire

import (
	"fmt"
	"reflect"
)

// StateValue is the value of an ESHET state: either Known(v) or Unknown.
//
// The zero StateValue is Unknown. A Known value may itself hold nil, which is
// distinct from Unknown: "published as null" versus "never published".
type StateValue struct {
	value any
	known bool
}

// Unknown is the state value for a state that has no value.
var Unknown = StateValue{}

// Known wraps v as a known state value.
func Known(v any) StateValue {
	return StateValue{value: v, known: true}
}

// Get returns the wrapped value and whether the state is known.
func (s StateValue) Get() (any, bool) {
	return s.value, s.known
}

// IsKnown reports whether the state has a value.
func (s StateValue) IsKnown() bool {
	return s.known
}

// Equal reports whether two state values are the same, comparing known values
// deeply.
func (s StateValue) Equal(other StateValue) bool {
	if s.known != other.known {
		return false
	}
	return !s.known || reflect.DeepEqual(s.value, other.value)
}

func (s StateValue) String() string {
	if !s.known {
		return "Unknown"
	}
	return fmt.Sprintf("Known(%v)", s.value)
}
