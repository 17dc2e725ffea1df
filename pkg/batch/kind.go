// Package batch models asynchronous batch operations on a cloud-storage
// provider: the job handle that identifies one in-flight operation, the raw
// status shapes reported by the provider, and the pure logic that normalizes
// per-item outcomes and classifies a status into a polling decision.
package batch

import (
	"fmt"
	"strings"
)

// OperationKind identifies which batch operation a job handle refers to.
//
// The set is closed; the zero value is invalid.
type OperationKind int

const (
	KindCopy OperationKind = iota + 1
	KindMove
	KindDelete
)

var kindNames = map[OperationKind]string{
	KindCopy:   "copy",
	KindMove:   "move",
	KindDelete: "delete",
}

// Kinds returns every valid operation kind.
func Kinds() []OperationKind {
	return []OperationKind{KindCopy, KindMove, KindDelete}
}

// String returns the wire name of the kind ("copy", "move", "delete").
func (k OperationKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("OperationKind(%d)", int(k))
}

// Valid reports whether k is one of the defined kinds.
func (k OperationKind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// IsRelocation reports whether the kind reports results as relocation
// entries (copy and move share that payload shape).
func (k OperationKind) IsRelocation() bool {
	return k == KindCopy || k == KindMove
}

// ParseOperationKind parses a wire name into an OperationKind.
func ParseOperationKind(s string) (OperationKind, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == norm {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown operation kind %q (expected copy, move or delete)", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k OperationKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid operation kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *OperationKind) UnmarshalText(text []byte) error {
	parsed, err := ParseOperationKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
