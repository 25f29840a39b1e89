package core

import (
	"crypto/sha256"
	"fmt"
	"maps"
	"time"

	"github.com/3FT-io/scorer/pkg/engine"
)

// ModelRecord is a deployed model. Records are never modified after they are
// stored; a redeploy stores a new record.
type ModelRecord struct {
	ModelID      string
	DeploymentID string
	Filename     string
	Digest       string
	DeployedAt   time.Time
	Parameters   AdditionalParameters
	Handle       engine.Handle
}

// Upload is a model definition received from a caller.
type Upload struct {
	Filename string
	Content  []byte
}

// CalculateDigest returns the hex sha256 of the upload content.
func (u *Upload) CalculateDigest() string {
	h := sha256.New()
	h.Write(u.Content)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// AdditionalParameters is free-form metadata attached at deploy time. It
// distinguishes "not provided" from "provided but empty".
type AdditionalParameters struct {
	values  map[string]string
	present bool
}

// SomeParameters returns parameters holding a copy of values. A nil map is
// treated as present and empty.
func SomeParameters(values map[string]string) AdditionalParameters {
	copied := make(map[string]string, len(values))
	maps.Copy(copied, values)
	return AdditionalParameters{values: copied, present: true}
}

// NoParameters returns absent parameters.
func NoParameters() AdditionalParameters {
	return AdditionalParameters{}
}

// Get returns a copy of the parameters and whether they were provided.
func (p AdditionalParameters) Get() (map[string]string, bool) {
	if !p.present {
		return nil, false
	}
	return maps.Clone(p.values), true
}

// Present reports whether parameters were provided.
func (p AdditionalParameters) Present() bool {
	return p.present
}

// ModelSummary is the description of a deployed model. InputFields and
// OutputFields are only set for extended summaries.
type ModelSummary struct {
	Summary      string `json:"summary"`
	InputFields  string `json:"inputFields,omitempty"`
	OutputFields string `json:"outputFields,omitempty"`
}

// ScoringResult maps output field names to computed values.
type ScoringResult map[string]any
