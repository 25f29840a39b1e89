package hclmodel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"

	"github.com/3FT-io/scorer/pkg/engine"
)

const inputVariable = "input"

// Model is a compiled HCL model definition. It is immutable once compiled
// and safe for concurrent evaluation.
type Model struct {
	name        string
	function    string
	description string
	hasHeader   bool

	inputs  []*inputField
	outputs []*output
	active  []*inputField
}

var _ engine.Handle = (*Model)(nil)

type inputField struct {
	spec    engine.FieldSpec
	ty      cty.Type
	missing *cty.Value
}

type output struct {
	spec engine.FieldSpec
	ty   cty.Type
	expr hcl.Expression
}

// Verify checks the definition: a single model block, at least one output,
// unique field names and outputs that only read declared inputs and call
// known functions.
func (m *Model) Verify() error {
	var errs []error

	if !m.hasHeader {
		errs = append(errs, errors.New("model block is missing"))
	}
	if len(m.outputs) == 0 {
		errs = append(errs, errors.New("model declares no outputs"))
	}

	declared := make(map[string]bool, len(m.inputs))
	for _, in := range m.inputs {
		if declared[in.spec.Name] {
			errs = append(errs, fmt.Errorf("input %q declared more than once", in.spec.Name))
		}
		declared[in.spec.Name] = true
	}

	seen := make(map[string]bool, len(m.outputs))
	for _, out := range m.outputs {
		if seen[out.spec.Name] {
			errs = append(errs, fmt.Errorf("output %q declared more than once", out.spec.Name))
		}
		seen[out.spec.Name] = true

		for _, traversal := range out.expr.Variables() {
			name, ok := inputName(traversal)
			if !ok {
				errs = append(errs, fmt.Errorf("output %q: references must have the form input.<name>, got %s", out.spec.Name, traversal.RootName()))
				continue
			}
			if !declared[name] {
				errs = append(errs, fmt.Errorf("output %q: reference to undeclared input %q", out.spec.Name, name))
			}
		}

		for _, fn := range calledFunctions(out.expr) {
			if _, ok := functions[fn]; !ok {
				errs = append(errs, fmt.Errorf("output %q: call to unknown function %q", out.spec.Name, fn))
			}
		}
	}

	return errors.Join(errs...)
}

// ActiveInputs returns the inputs referenced by at least one output.
func (m *Model) ActiveInputs() []engine.InputField {
	fields := make([]engine.InputField, 0, len(m.active))
	for _, in := range m.active {
		fields = append(fields, in)
	}
	return fields
}

// Targets returns every declared output.
func (m *Model) Targets() []engine.FieldSpec {
	specs := make([]engine.FieldSpec, 0, len(m.outputs))
	for _, out := range m.outputs {
		specs = append(specs, out.spec)
	}
	return specs
}

// Describe returns e.g. `Regression model "price": linear price model (1 inputs, 1 outputs)`.
func (m *Model) Describe() string {
	function := m.function
	if function == "" {
		function = "generic"
	}
	first, size := utf8.DecodeRuneInString(function)
	function = string(unicode.ToUpper(first)) + function[size:]

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s model %q", function, m.name)
	if m.description != "" {
		fmt.Fprintf(&sb, ": %s", m.description)
	}
	fmt.Fprintf(&sb, " (%d inputs, %d outputs)", len(m.active), len(m.outputs))
	return sb.String()
}

// Evaluate binds the prepared arguments and returns one lazily computed
// result per output. Arguments for inputs the model does not read are
// ignored; active inputs without an argument are null.
func (m *Model) Evaluate(ctx context.Context, args map[string]engine.Value) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vals := make(map[string]cty.Value, len(m.active))
	for _, in := range m.active {
		arg, ok := args[in.spec.Name]
		if !ok || arg == nil {
			vals[in.spec.Name] = cty.NullVal(in.ty)
			continue
		}
		val, ok := arg.(cty.Value)
		if !ok {
			return nil, fmt.Errorf("argument %q was not prepared by this engine (got %T)", in.spec.Name, arg)
		}
		vals[in.spec.Name] = val
	}

	inputs := cty.EmptyObjectVal
	if len(vals) > 0 {
		inputs = cty.ObjectVal(vals)
	}

	evalCtx := &hcl.EvalContext{
		Variables: map[string]cty.Value{inputVariable: inputs},
		Functions: functions,
	}

	results := make(map[string]any, len(m.outputs))
	for _, out := range m.outputs {
		results[out.spec.Name] = &result{output: out, ctx: evalCtx}
	}
	return results, nil
}

// calledFunctions lists the functions an expression calls. Only native
// syntax expressions can be inspected; JSON syntax calls surface at
// evaluation.
func calledFunctions(expr hcl.Expression) []string {
	node, ok := expr.(hclsyntax.Expression)
	if !ok {
		return nil
	}

	var names []string
	hclsyntax.VisitAll(node, func(n hclsyntax.Node) hcl.Diagnostics {
		if call, ok := n.(*hclsyntax.FunctionCallExpr); ok {
			names = append(names, call.Name)
		}
		return nil
	})
	return names
}

func (m *Model) referencedInputs() []*inputField {
	used := make(map[string]bool)
	for _, out := range m.outputs {
		for _, traversal := range out.expr.Variables() {
			if name, ok := inputName(traversal); ok {
				used[name] = true
			}
		}
	}

	var active []*inputField
	seen := make(map[string]bool)
	for _, in := range m.inputs {
		if used[in.spec.Name] && !seen[in.spec.Name] {
			active = append(active, in)
			seen[in.spec.Name] = true
		}
	}
	return active
}

// inputName extracts <name> from a traversal of the form input.<name> or
// input["<name>"].
func inputName(t hcl.Traversal) (string, bool) {
	if t.RootName() != inputVariable || len(t) < 2 {
		return "", false
	}
	switch step := t[1].(type) {
	case hcl.TraverseAttr:
		return step.Name, true
	case hcl.TraverseIndex:
		if step.Key.Type() == cty.String && step.Key.IsKnown() && !step.Key.IsNull() {
			return step.Key.AsString(), true
		}
	}
	return "", false
}

func (f *inputField) Spec() engine.FieldSpec {
	return f.spec
}

// Prepare converts a caller value to the declared type. Missing values are
// replaced by the declared missing value, or null when there is none.
func (f *inputField) Prepare(raw any) (engine.Value, error) {
	if engine.IsMissing(raw) {
		if f.missing != nil {
			return *f.missing, nil
		}
		return cty.NullVal(f.ty), nil
	}

	val, err := toCtyValue(raw)
	if err != nil {
		return nil, fmt.Errorf("input %q: %w", f.spec.Name, err)
	}
	converted, err := convert.Convert(val, f.ty)
	if err != nil {
		return nil, fmt.Errorf("input %q: cannot use value as %s: %w", f.spec.Name, typeName(f.ty), err)
	}
	return converted, nil
}

// result evaluates an output expression on first use.
type result struct {
	output *output
	ctx    *hcl.EvalContext
}

func (r *result) Result() (any, error) {
	val, diags := r.output.expr.Value(r.ctx)
	if diags.HasErrors() {
		return nil, fmt.Errorf("output %q: %w", r.output.spec.Name, diags)
	}
	if r.output.ty != cty.DynamicPseudoType {
		converted, err := convert.Convert(val, r.output.ty)
		if err != nil {
			return nil, fmt.Errorf("output %q: result is not a %s: %w", r.output.spec.Name, typeName(r.output.ty), err)
		}
		val = converted
	}
	return ctyToNative(val)
}
