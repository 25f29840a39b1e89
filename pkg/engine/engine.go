// Package engine describes the capability the scoring service needs from a
// model evaluation engine. The service never depends on a concrete model
// format; it compiles uploads through an Engine and talks to the resulting
// Handle only through the interfaces below.
package engine

import (
	"context"
	"fmt"
)

// Engine turns a raw model definition into an evaluatable Handle.
type Engine interface {
	// Compile parses src. The filename is informational and may be used to
	// pick a syntax.
	Compile(ctx context.Context, filename string, src []byte) (Handle, error)
}

// Handle is a compiled, ready-to-evaluate model.
type Handle interface {
	// Verify checks the compiled model for internal consistency.
	Verify() error

	// ActiveInputs returns the inputs the model reads, in the order the
	// definition declares them.
	ActiveInputs() []InputField

	// Targets returns the fields the model produces, in declaration order.
	Targets() []FieldSpec

	// Evaluate runs the model. The args map is keyed by input field name and
	// holds values returned by InputField.Prepare. Result values may be
	// Computable.
	Evaluate(ctx context.Context, args map[string]Value) (map[string]any, error)

	// Describe returns a short human readable summary of the model.
	Describe() string
}

// InputField is an input the model expects.
type InputField interface {
	Spec() FieldSpec

	// Prepare converts a caller supplied value into the engine's
	// representation. Missing is passed when the caller did not supply one.
	Prepare(raw any) (Value, error)
}

// Value is a prepared argument. Its concrete type belongs to the engine.
type Value any

// FieldSpec names an input or output variable of a model.
type FieldSpec struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

func (f FieldSpec) String() string {
	return fmt.Sprintf("%s(%s)", f.Name, f.Type)
}

// Computable is implemented by results that are computed on demand.
type Computable interface {
	Result() (any, error)
}

type missing struct{}

func (missing) String() string { return "<missing>" }

// Missing is passed to InputField.Prepare for inputs absent from a request.
var Missing any = missing{}

// IsMissing reports whether v is the Missing sentinel.
func IsMissing(v any) bool {
	_, ok := v.(missing)
	return ok
}
