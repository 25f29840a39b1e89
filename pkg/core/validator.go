package core

import (
	"strings"

	"go.uber.org/zap"

	"github.com/3FT-io/scorer/pkg/engine"
)

// Validator checks request data before the registry is touched.
type Validator struct {
	logger *zap.Logger
}

// NewValidator creates a validator that logs rejected requests to logger.
func NewValidator(logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{logger: logger}
}

// ValidateModelID rejects empty and whitespace-only ids.
func (v *Validator) ValidateModelID(modelID string) error {
	if strings.TrimSpace(modelID) == "" {
		v.logger.Error("Model id is not valid, it is empty", zap.String("model_id", modelID))
		return NewError(KindInvalidArgument, modelID, "model id is empty", nil)
	}
	return nil
}

// ValidateUpload rejects a missing or empty upload.
func (v *Validator) ValidateUpload(modelID string, upload *Upload) error {
	if upload == nil || len(upload.Content) == 0 {
		v.logger.Error("No file uploaded", zap.String("model_id", modelID))
		return NewError(KindInvalidArgument, modelID, "nothing is uploaded", nil)
	}
	return nil
}

// ValidateInputFields rejects a nil or empty input mapping.
func (v *Validator) ValidateInputFields(modelID string, fields map[string]any) error {
	if len(fields) == 0 {
		v.logger.Error("Model input fields are empty", zap.String("model_id", modelID))
		return NewError(KindInvalidArgument, modelID, "model input fields are empty", nil)
	}
	return nil
}

// ValidateHandle rejects a record without an evaluation handle.
func (v *Validator) ValidateHandle(handle engine.Handle, modelID string) error {
	if handle == nil {
		v.logger.Error("Model does not have an evaluator", zap.String("model_id", modelID))
		return NewError(KindInvalidArgument, modelID, "model does not have an evaluator", nil)
	}
	return nil
}
