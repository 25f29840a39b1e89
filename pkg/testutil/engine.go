package testutil

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/3FT-io/scorer/pkg/engine"
)

// FakeEngine compiles any payload into a FakeHandle configured by its
// fields. It counts compilations.
type FakeEngine struct {
	CompileErr   error
	CompilePanic any
	Handle       *FakeHandle

	compiles atomic.Int64
}

func (e *FakeEngine) Compile(ctx context.Context, filename string, src []byte) (engine.Handle, error) {
	e.compiles.Add(1)
	if e.CompilePanic != nil {
		panic(e.CompilePanic)
	}
	if e.CompileErr != nil {
		return nil, e.CompileErr
	}
	if e.Handle == nil {
		return &FakeHandle{Summary: string(src)}, nil
	}
	return e.Handle, nil
}

// Compiles returns how many times Compile was called.
func (e *FakeEngine) Compiles() int64 {
	return e.compiles.Load()
}

// FakeHandle returns canned values. Evaluate records the arguments it saw.
type FakeHandle struct {
	Summary     string
	Inputs      []FakeInput
	Outputs     []engine.FieldSpec
	Results     map[string]any
	VerifyErr   error
	EvaluateErr error
	EvalPanic   any

	evaluations atomic.Int64
	lastArgs    atomic.Value
}

func (h *FakeHandle) Verify() error { return h.VerifyErr }

func (h *FakeHandle) ActiveInputs() []engine.InputField {
	fields := make([]engine.InputField, 0, len(h.Inputs))
	for _, in := range h.Inputs {
		fields = append(fields, in)
	}
	return fields
}

func (h *FakeHandle) Targets() []engine.FieldSpec { return h.Outputs }

func (h *FakeHandle) Describe() string { return h.Summary }

func (h *FakeHandle) Evaluate(ctx context.Context, args map[string]engine.Value) (map[string]any, error) {
	h.evaluations.Add(1)
	h.lastArgs.Store(args)
	if h.EvalPanic != nil {
		panic(h.EvalPanic)
	}
	if h.EvaluateErr != nil {
		return nil, h.EvaluateErr
	}
	return h.Results, nil
}

// Evaluations returns how many times Evaluate was called.
func (h *FakeHandle) Evaluations() int64 {
	return h.evaluations.Load()
}

// LastArgs returns the arguments of the most recent Evaluate call.
func (h *FakeHandle) LastArgs() map[string]engine.Value {
	args, _ := h.lastArgs.Load().(map[string]engine.Value)
	return args
}

// FakeInput passes values through unchanged. Missing values are prepared as
// nil unless PrepareErr is set.
type FakeInput struct {
	Name       string
	PrepareErr error
}

func (f FakeInput) Spec() engine.FieldSpec {
	return engine.FieldSpec{Name: f.Name, Type: "any"}
}

func (f FakeInput) Prepare(raw any) (engine.Value, error) {
	if f.PrepareErr != nil {
		return nil, f.PrepareErr
	}
	if engine.IsMissing(raw) {
		return nil, nil
	}
	return raw, nil
}

// Computed is a Computable result.
type Computed struct {
	Value any
	Err   error
}

func (c Computed) Result() (any, error) {
	return c.Value, c.Err
}

// ErrEngine is a generic engine failure for tests.
var ErrEngine = errors.New("engine failure")
