package testutil

import (
	"bytes"
	"mime/multipart"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/3FT-io/scorer/pkg/engine"
)

// LinearModel reads inputs a and b and produces y = a*2 + b.
const LinearModel = `
model "linear" {
  function    = "regression"
  description = "doubles a and adds b"
}

input "a" {
  type = number
}

input "b" {
  type = number
}

output "y" {
  type  = number
  value = input.a * 2 + input.b
}
`

// LinearModelWithDefault is LinearModel with b defaulting to 10 when absent.
const LinearModelWithDefault = `
model "linear" {
  function = "regression"
}

input "a" {
  type = number
}

input "b" {
  type    = number
  missing = 10
}

output "y" {
  type  = number
  value = input.a * 2 + input.b
}
`

// ClassifierModel has a different shape than LinearModel, for replacement
// tests.
const ClassifierModel = `
model "threshold" {
  function = "classification"
}

input "score" {
  type = number
}

output "label" {
  type  = string
  value = input.score >= 0.5 ? "positive" : "negative"
}

output "probability" {
  type  = number
  value = sigmoid(input.score)
}
`

// LinearModelJSON is LinearModel in HCL JSON syntax.
const LinearModelJSON = `{
  "model": {
    "linear": {
      "function": "regression"
    }
  },
  "input": {
    "a": {"type": "number"},
    "b": {"type": "number"}
  },
  "output": {
    "y": {"type": "number", "value": "${input.a * 2 + input.b}"}
  }
}`

// CreateTempDir creates a temporary directory and returns its path along with a cleanup function
func CreateTempDir(t *testing.T, prefix string) (string, func()) {
	tmpDir, err := os.MkdirTemp("", prefix)
	require.NoError(t, err)

	cleanup := func() {
		os.RemoveAll(tmpDir)
	}

	return tmpDir, cleanup
}

// CreateTestFile creates a temporary file with the given content and returns its path
func CreateTestFile(t *testing.T, dir, name, content string) string {
	path := filepath.Join(dir, name)
	err := os.WriteFile(path, []byte(content), 0644)
	require.NoError(t, err)
	return path
}

// MultipartUpload builds a multipart body with the model file under field
// "model" and params as plain form fields. An empty filename leaves the file
// out.
func MultipartUpload(t *testing.T, filename, content string, params map[string]string) (*bytes.Buffer, string) {
	var b bytes.Buffer
	writer := multipart.NewWriter(&b)

	if filename != "" {
		fileWriter, err := writer.CreateFormFile("model", filename)
		require.NoError(t, err)
		_, err = fileWriter.Write([]byte(content))
		require.NoError(t, err)
	}

	for k, v := range params {
		require.NoError(t, writer.WriteField(k, v))
	}

	require.NoError(t, writer.Close())
	return &b, writer.FormDataContentType()
}

// ParseFieldSpecs decodes the YAML field listing of an extended summary.
func ParseFieldSpecs(t *testing.T, text string) []engine.FieldSpec {
	var specs []engine.FieldSpec
	require.NoError(t, yaml.Unmarshal([]byte(text), &specs))
	return specs
}
