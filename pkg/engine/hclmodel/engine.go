// Package hclmodel is an evaluation engine for models written as HCL
// definitions. A definition declares the model, its inputs and its outputs;
// every output is an HCL expression over the inputs:
//
//	model "price" {
//	  function    = "regression"
//	  description = "linear price model"
//	}
//
//	input "rooms" {
//	  type    = number
//	  missing = 1
//	}
//
//	output "price" {
//	  type  = number
//	  value = 25000 + input.rooms * 12000
//	}
//
// Definitions may also use the HCL JSON syntax; files ending in .json or
// payloads starting with '{' are parsed that way.
package hclmodel

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"

	"github.com/3FT-io/scorer/pkg/engine"
)

// definitionFile is the decoded shape of a model definition.
type definitionFile struct {
	Model   *modelBlock    `hcl:"model,block"`
	Inputs  []*inputBlock  `hcl:"input,block"`
	Outputs []*outputBlock `hcl:"output,block"`
}

type modelBlock struct {
	Name        string `hcl:"name,label"`
	Function    string `hcl:"function,optional"`
	Description string `hcl:"description,optional"`
}

type inputBlock struct {
	Name        string         `hcl:"name,label"`
	Type        hcl.Expression `hcl:"type"`
	Missing     hcl.Expression `hcl:"missing,optional"`
	Description string         `hcl:"description,optional"`
}

type outputBlock struct {
	Name        string         `hcl:"name,label"`
	Type        hcl.Expression `hcl:"type,optional"`
	Value       hcl.Expression `hcl:"value"`
	Description string         `hcl:"description,optional"`
}

// Engine compiles HCL model definitions. The zero value is ready to use.
type Engine struct{}

var _ engine.Engine = (*Engine)(nil)

// New returns an HCL model engine.
func New() *Engine {
	return &Engine{}
}

// Compile parses and decodes src into a *Model. The result still needs
// Verify before it is safe to evaluate.
func (e *Engine) Compile(ctx context.Context, filename string, src []byte) (engine.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(src)) == 0 {
		return nil, fmt.Errorf("model definition %s is empty", filename)
	}

	parser := hclparse.NewParser()

	var (
		file  *hcl.File
		diags hcl.Diagnostics
	)
	if isJSON(filename, src) {
		file, diags = parser.ParseJSON(src, filename)
	} else {
		file, diags = parser.ParseHCL(src, filename)
	}
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse model definition %s: %w", filename, diags)
	}

	var root definitionFile
	if diags := gohcl.DecodeBody(file.Body, nil, &root); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode model definition %s: %w", filename, diags)
	}

	return translate(&root)
}

func isJSON(filename string, src []byte) bool {
	if strings.EqualFold(filepath.Ext(filename), ".json") {
		return true
	}
	trimmed := bytes.TrimSpace(src)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// translate resolves types and missing-value replacements of the decoded
// blocks and works out which inputs the outputs actually read.
func translate(root *definitionFile) (*Model, error) {
	m := &Model{}
	if root.Model != nil {
		m.name = root.Model.Name
		m.function = root.Model.Function
		m.description = root.Model.Description
		m.hasHeader = true
	}

	for _, in := range root.Inputs {
		ty, err := parseType(in.Type, false)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", in.Name, err)
		}

		field := &inputField{
			spec: engine.FieldSpec{Name: in.Name, Type: typeName(ty), Description: in.Description},
			ty:   ty,
		}

		if in.Missing != nil {
			val, diags := in.Missing.Value(nil)
			if diags.HasErrors() {
				return nil, fmt.Errorf("input %q: invalid missing value: %w", in.Name, diags)
			}
			if !val.IsNull() {
				converted, err := convert.Convert(val, ty)
				if err != nil {
					return nil, fmt.Errorf("input %q: missing value does not match type %s: %w", in.Name, typeName(ty), err)
				}
				field.missing = &converted
			}
		}

		m.inputs = append(m.inputs, field)
	}

	for _, out := range root.Outputs {
		ty, err := parseType(out.Type, true)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", out.Name, err)
		}
		m.outputs = append(m.outputs, &output{
			spec: engine.FieldSpec{Name: out.Name, Type: typeName(ty), Description: out.Description},
			ty:   ty,
			expr: out.Value,
		})
	}

	m.active = m.referencedInputs()
	return m, nil
}

// parseType reads a type keyword. Both `type = number` and `type = "number"`
// are accepted. An absent optional type yields cty.DynamicPseudoType.
func parseType(expr hcl.Expression, optional bool) (cty.Type, error) {
	if expr == nil {
		if optional {
			return cty.DynamicPseudoType, nil
		}
		return cty.NilType, fmt.Errorf("type is required")
	}

	keyword := hcl.ExprAsKeyword(expr)
	if keyword == "" {
		val, diags := expr.Value(nil)
		if diags.HasErrors() {
			return cty.NilType, fmt.Errorf("invalid type: %w", diags)
		}
		switch {
		case val.IsNull():
			if optional {
				return cty.DynamicPseudoType, nil
			}
			return cty.NilType, fmt.Errorf("type is required")
		case val.Type() == cty.String:
			keyword = val.AsString()
		default:
			return cty.NilType, fmt.Errorf("type must be a keyword, got %s", val.Type().FriendlyName())
		}
	}

	switch keyword {
	case "string":
		return cty.String, nil
	case "number":
		return cty.Number, nil
	case "bool":
		return cty.Bool, nil
	case "any":
		return cty.DynamicPseudoType, nil
	default:
		return cty.NilType, fmt.Errorf("unsupported type %q, expected string, number, bool or any", keyword)
	}
}

func typeName(ty cty.Type) string {
	if ty == cty.DynamicPseudoType {
		return "any"
	}
	return ty.FriendlyName()
}
