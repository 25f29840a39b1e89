package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/3FT-io/scorer/pkg/engine"
	"github.com/3FT-io/scorer/pkg/metrics"
)

// ModelService deploys models into a Registry and scores requests against
// them. It holds no state of its own besides the registry and the summary
// cache and is safe for concurrent use.
type ModelService struct {
	engine    engine.Engine
	registry  *Registry
	validator *Validator
	logger    *zap.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	summaries *SummaryCache
	now       func() time.Time
}

// Option configures a ModelService.
type Option func(*ModelService)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(s *ModelService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records deploys and scores on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *ModelService) { s.metrics = m }
}

// WithTracer opens a span per operation on tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *ModelService) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithSummaryCache caches rendered summaries.
func WithSummaryCache(cache *SummaryCache) Option {
	return func(s *ModelService) { s.summaries = cache }
}

// NewModelService creates a model service backed by registry.
func NewModelService(eng engine.Engine, registry *Registry, opts ...Option) *ModelService {
	s := &ModelService{
		engine:   eng,
		registry: registry,
		logger:   zap.NewNop(),
		tracer:   noop.NewTracerProvider().Tracer("noop"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.validator = NewValidator(s.logger)
	s.metrics.TrackDeployedModels(registry.Len)
	return s
}

// Deploy compiles and verifies upload and stores the result under modelID,
// replacing any model deployed under the same id. Nothing is stored when
// compilation or verification fails.
func (s *ModelService) Deploy(ctx context.Context, modelID string, upload *Upload, params AdditionalParameters) (err error) {
	ctx, span := s.startSpan(ctx, "model.deploy", modelID)
	defer func() {
		s.endSpan(span, err)
		s.metrics.RecordDeploy(err)
	}()

	if err := s.validator.ValidateModelID(modelID); err != nil {
		return err
	}
	if err := s.validator.ValidateUpload(modelID, upload); err != nil {
		return err
	}

	handle, err := s.buildHandle(ctx, upload)
	if err != nil {
		s.logger.Error("Exception during unmarshalling and verification of model",
			zap.String("model_id", modelID), zap.String("filename", upload.Filename), zap.Error(err))
		return NewError(KindEvaluatorCreation, modelID, "exception during unmarshalling and verification of model", err)
	}

	record := &ModelRecord{
		ModelID:      modelID,
		DeploymentID: uuid.New().String(),
		Filename:     upload.Filename,
		Digest:       upload.CalculateDigest(),
		DeployedAt:   s.now(),
		Parameters:   params,
		Handle:       handle,
	}

	if previous, replaced := s.registry.Put(modelID, record); replaced {
		s.summaries.forget(previous)
	}
	s.logger.Info("Model deployed",
		zap.String("model_id", modelID),
		zap.String("deployment_id", record.DeploymentID),
		zap.String("filename", record.Filename),
		zap.String("digest", record.Digest))
	return nil
}

// buildHandle runs the expensive compile and verify steps. It holds no lock.
func (s *ModelService) buildHandle(ctx context.Context, upload *Upload) (handle engine.Handle, err error) {
	err = guard(func() error {
		compiled, err := s.engine.Compile(ctx, upload.Filename, upload.Content)
		if err != nil {
			return fmt.Errorf("compile: %w", err)
		}
		if compiled == nil {
			return errors.New("compile: engine returned no handle")
		}
		if err := compiled.Verify(); err != nil {
			return fmt.Errorf("verify: %w", err)
		}
		handle = compiled
		return nil
	})
	if err != nil {
		return nil, err
	}
	return handle, nil
}

// GetSummary describes the model deployed under modelID. Extended summaries
// also list its input and output fields.
func (s *ModelService) GetSummary(ctx context.Context, modelID string, extended bool) (summary *ModelSummary, err error) {
	_, span := s.startSpan(ctx, "model.summary", modelID)
	defer func() { s.endSpan(span, err) }()

	if err := s.validator.ValidateModelID(modelID); err != nil {
		return nil, err
	}

	summary, err = s.summarize(modelID, extended)
	if err != nil {
		s.logger.Error("Exception during retrieval of summary", zap.String("model_id", modelID), zap.Error(err))
		return nil, NewError(KindSummary, modelID, "exception during retrieval of summary", err)
	}

	s.logger.Info("Model summary prepared",
		zap.String("model_id", modelID), zap.Bool("extended", extended), zap.String("summary", summary.Summary))
	return summary, nil
}

func (s *ModelService) summarize(modelID string, extended bool) (*ModelSummary, error) {
	record, err := s.registry.Get(modelID)
	if err != nil {
		return nil, err
	}
	if err := s.validator.ValidateHandle(record.Handle, modelID); err != nil {
		return nil, err
	}
	if cached, ok := s.summaries.get(record, extended); ok {
		return cached, nil
	}

	summary := &ModelSummary{}
	err = guard(func() error {
		summary.Summary = record.Handle.Describe()
		if !extended {
			return nil
		}

		inputs := record.Handle.ActiveInputs()
		specs := make([]engine.FieldSpec, 0, len(inputs))
		for _, in := range inputs {
			specs = append(specs, in.Spec())
		}
		rendered, err := renderFields(specs)
		if err != nil {
			return fmt.Errorf("render input fields: %w", err)
		}
		summary.InputFields = rendered

		rendered, err = renderFields(record.Handle.Targets())
		if err != nil {
			return fmt.Errorf("render output fields: %w", err)
		}
		summary.OutputFields = rendered
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.summaries.put(record, extended, summary)
	return summary, nil
}

func renderFields(specs []engine.FieldSpec) (string, error) {
	if specs == nil {
		specs = []engine.FieldSpec{}
	}
	out, err := yaml.Marshal(specs)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Score evaluates the model deployed under modelID against fields. Inputs
// the model expects but fields lacks or holds as nil are passed to the engine
// as missing.
func (s *ModelService) Score(ctx context.Context, modelID string, fields map[string]any) (result ScoringResult, err error) {
	ctx, span := s.startSpan(ctx, "model.score", modelID)
	start := time.Now()
	defer func() {
		s.endSpan(span, err)
		s.metrics.RecordScore(err, time.Since(start))
	}()

	if err := s.validator.ValidateModelID(modelID); err != nil {
		return nil, err
	}
	if err := s.validator.ValidateInputFields(modelID, fields); err != nil {
		return nil, err
	}

	result, err = s.score(ctx, modelID, fields)
	if err != nil {
		s.logger.Error("Exception during preparation of input parameters or scoring of values",
			zap.String("model_id", modelID), zap.Error(err))
		return nil, NewError(KindScoring, modelID, "exception during preparation of input parameters or scoring of values", err)
	}

	s.logger.Info("Model scored", zap.String("model_id", modelID), zap.Any("result", result))
	return result, nil
}

func (s *ModelService) score(ctx context.Context, modelID string, fields map[string]any) (ScoringResult, error) {
	record, err := s.registry.Get(modelID)
	if err != nil {
		return nil, err
	}
	handle := record.Handle
	if err := s.validator.ValidateHandle(handle, modelID); err != nil {
		return nil, err
	}

	var result ScoringResult
	err = guard(func() error {
		args, err := s.prepareArguments(modelID, handle, fields)
		if err != nil {
			return err
		}

		raw, err := handle.Evaluate(ctx, args)
		if err != nil {
			return fmt.Errorf("evaluate: %w", err)
		}

		targets := handle.Targets()
		result = make(ScoringResult, len(targets))
		for _, target := range targets {
			value := raw[target.Name]
			if computable, ok := value.(engine.Computable); ok {
				value, err = computable.Result()
				if err != nil {
					return fmt.Errorf("compute %q: %w", target.Name, err)
				}
			}
			result[target.Name] = value
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// prepareArguments maps request fields onto the inputs the model declares.
func (s *ModelService) prepareArguments(modelID string, handle engine.Handle, fields map[string]any) (map[string]engine.Value, error) {
	inputs := handle.ActiveInputs()
	args := make(map[string]engine.Value, len(inputs))

	for _, in := range inputs {
		name := in.Spec().Name

		raw, ok := fields[name]
		if !ok || raw == nil {
			s.logger.Warn("Model value not found for field", zap.String("model_id", modelID), zap.String("field", name))
			raw = engine.Missing
		}

		prepared, err := in.Prepare(raw)
		if err != nil {
			return nil, fmt.Errorf("prepare %q: %w", name, err)
		}
		args[name] = prepared
	}
	return args, nil
}

// Undeploy removes the model deployed under modelID.
func (s *ModelService) Undeploy(ctx context.Context, modelID string) (err error) {
	_, span := s.startSpan(ctx, "model.undeploy", modelID)
	defer func() {
		s.endSpan(span, err)
		s.metrics.RecordUndeploy(err)
	}()

	if err := s.validator.ValidateModelID(modelID); err != nil {
		return err
	}

	removed, err := s.registry.Remove(modelID)
	if err != nil {
		return err
	}
	s.summaries.forget(removed)
	return nil
}

// UndeployAll removes every model.
func (s *ModelService) UndeployAll(ctx context.Context) {
	_, span := s.startSpan(ctx, "model.undeploy_all", "")
	defer span.End()

	s.registry.Clear()
	s.summaries.flush()
	s.logger.Info("All models removed")
}

// ListModelIDs returns the ids of all deployed models.
func (s *ModelService) ListModelIDs(ctx context.Context) []string {
	return s.registry.ListIDs()
}

// ListAdditionalParameters returns the additional parameters of every model
// deployed with some, keyed by model id.
func (s *ModelService) ListAdditionalParameters(ctx context.Context) (map[string]map[string]string, error) {
	params, err := s.registry.ListAdditionalParameters()
	if err != nil {
		if _, ok := KindOf(err); !ok {
			err = NewError(KindAdditionalParameters, "", "exception during preparation of additional parameters", err)
		}
		return nil, err
	}
	return params, nil
}

// GetAdditionalParameters returns the additional parameters of the model
// deployed under modelID, or an empty map when it was deployed without any.
func (s *ModelService) GetAdditionalParameters(ctx context.Context, modelID string) (map[string]string, error) {
	if err := s.validator.ValidateModelID(modelID); err != nil {
		return nil, err
	}

	record, err := s.registry.Get(modelID)
	if err != nil {
		return nil, err
	}

	var result map[string]string
	err = guard(func() error {
		params, present := record.Parameters.Get()
		if !present {
			params = map[string]string{}
		}
		result = params
		return nil
	})
	if err != nil {
		s.logger.Error("Exception during retrieval of additional parameters", zap.String("model_id", modelID), zap.Error(err))
		return nil, NewError(KindAdditionalParameters, modelID, "exception during retrieval of additional parameters", err)
	}

	s.logger.Info("Additional parameters fetched", zap.String("model_id", modelID), zap.Any("result", result))
	return result, nil
}

func (s *ModelService) startSpan(ctx context.Context, name, modelID string) (context.Context, trace.Span) {
	if modelID == "" {
		return s.tracer.Start(ctx, name)
	}
	return s.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("model.id", modelID)))
}

func (s *ModelService) endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// guard runs fn and turns a panic inside the engine into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("engine panic: %v", p)
		}
	}()
	return fn()
}
