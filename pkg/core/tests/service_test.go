package core_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/3FT-io/scorer/pkg/core"
	"github.com/3FT-io/scorer/pkg/engine"
	"github.com/3FT-io/scorer/pkg/engine/hclmodel"
	"github.com/3FT-io/scorer/pkg/metrics"
	"github.com/3FT-io/scorer/pkg/testutil"
)

func setupTestService(t *testing.T, eng engine.Engine, opts ...core.Option) *core.ModelService {
	logger := zaptest.NewLogger(t)
	opts = append([]core.Option{core.WithLogger(logger)}, opts...)
	return core.NewModelService(eng, core.NewRegistry(logger), opts...)
}

func upload(name, content string) *core.Upload {
	return &core.Upload{Filename: name, Content: []byte(content)}
}

func deployLinear(t *testing.T, service *core.ModelService, modelID string, params core.AdditionalParameters) {
	err := service.Deploy(context.Background(), modelID, upload("linear.hcl", testutil.LinearModel), params)
	require.NoError(t, err)
}

func TestDeployAndScore(t *testing.T) {
	service := setupTestService(t, hclmodel.New())
	ctx := context.Background()

	deployLinear(t, service, "m1", core.NoParameters())
	assert.Equal(t, []string{"m1"}, service.ListModelIDs(ctx))

	result, err := service.Score(ctx, "m1", map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, core.ScoringResult{"y": 4.0}, result)
}

func TestDeployJSONDefinition(t *testing.T) {
	service := setupTestService(t, hclmodel.New())
	ctx := context.Background()

	err := service.Deploy(ctx, "m1", upload("linear.json", testutil.LinearModelJSON), core.NoParameters())
	require.NoError(t, err)

	result, err := service.Score(ctx, "m1", map[string]any{"a": 3, "b": 1})
	require.NoError(t, err)
	assert.Equal(t, core.ScoringResult{"y": 7.0}, result)
}

func TestDeployReplacesModel(t *testing.T) {
	service := setupTestService(t, hclmodel.New())
	ctx := context.Background()

	deployLinear(t, service, "m", core.NoParameters())
	err := service.Deploy(ctx, "m", upload("threshold.hcl", testutil.ClassifierModel), core.NoParameters())
	require.NoError(t, err)

	assert.Equal(t, []string{"m"}, service.ListModelIDs(ctx))

	summary, err := service.GetSummary(ctx, "m", false)
	require.NoError(t, err)
	assert.Equal(t, `Classification model "threshold" (1 inputs, 2 outputs)`, summary.Summary)

	result, err := service.Score(ctx, "m", map[string]any{"score": 0.8})
	require.NoError(t, err)
	assert.Equal(t, "positive", result["label"])
	assert.InDelta(t, 0.68997, result["probability"], 1e-5)
}

func TestDeployRejectsInvalidDefinition(t *testing.T) {
	tests := []struct {
		name       string
		definition string
	}{
		{name: "syntax error", definition: `model "broken" {`},
		{name: "undeclared input", definition: `
model "bad" {}

output "y" {
  value = input.z
}
`},
		{name: "no model block", definition: `
input "a" {
  type = number
}

output "y" {
  value = input.a
}
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := setupTestService(t, hclmodel.New())
			err := service.Deploy(context.Background(), "m1", upload("bad.hcl", tt.definition), core.NoParameters())
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrEvaluatorCreation)

			kind, ok := core.KindOf(err)
			require.True(t, ok)
			assert.Equal(t, core.KindEvaluatorCreation, kind)
			assert.Empty(t, service.ListModelIDs(context.Background()))
		})
	}
}

func TestFailedRedeployKeepsPreviousModel(t *testing.T) {
	service := setupTestService(t, hclmodel.New())
	ctx := context.Background()

	deployLinear(t, service, "m1", core.NoParameters())
	err := service.Deploy(ctx, "m1", upload("bad.hcl", "not a model {"), core.NoParameters())
	assert.ErrorIs(t, err, core.ErrEvaluatorCreation)

	result, err := service.Score(ctx, "m1", map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, 4.0, result["y"])
}

func TestDeployValidation(t *testing.T) {
	eng := &testutil.FakeEngine{}
	service := setupTestService(t, eng)
	ctx := context.Background()

	tests := []struct {
		name    string
		modelID string
		upload  *core.Upload
	}{
		{name: "empty id", modelID: "", upload: upload("m.hcl", "x")},
		{name: "blank id", modelID: "   ", upload: upload("m.hcl", "x")},
		{name: "no upload", modelID: "m1", upload: nil},
		{name: "empty upload", modelID: "m1", upload: upload("m.hcl", "")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := service.Deploy(ctx, tt.modelID, tt.upload, core.NoParameters())
			assert.ErrorIs(t, err, core.ErrInvalidArgument)
		})
	}

	assert.Zero(t, eng.Compiles())
	assert.Empty(t, service.ListModelIDs(ctx))
}

func TestDeployRejectsUnknownFunction(t *testing.T) {
	service := setupTestService(t, hclmodel.New())

	definition := `
model "x" {}

input "a" {
  type = number
}

output "y" {
  value = nosuchfn(input.a)
}
`
	err := service.Deploy(context.Background(), "m1", upload("x.hcl", definition), core.NoParameters())
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrEvaluatorCreation)
	assert.Contains(t, err.Error(), "nosuchfn")
	assert.Empty(t, service.ListModelIDs(context.Background()))
}

func TestDeployRecoversFromEnginePanic(t *testing.T) {
	service := setupTestService(t, &testutil.FakeEngine{CompilePanic: "boom"})

	err := service.Deploy(context.Background(), "m1", upload("m.hcl", "x"), core.NoParameters())
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrEvaluatorCreation)
	assert.Contains(t, err.Error(), "boom")
}

func TestDeployVerifyFailure(t *testing.T) {
	eng := &testutil.FakeEngine{Handle: &testutil.FakeHandle{VerifyErr: testutil.ErrEngine}}
	service := setupTestService(t, eng)

	err := service.Deploy(context.Background(), "m1", upload("m.hcl", "x"), core.NoParameters())
	assert.ErrorIs(t, err, core.ErrEvaluatorCreation)
	assert.ErrorIs(t, err, testutil.ErrEngine)
}

func TestUndeploy(t *testing.T) {
	service := setupTestService(t, hclmodel.New())
	ctx := context.Background()

	deployLinear(t, service, "m1", core.NoParameters())
	require.NoError(t, service.Undeploy(ctx, "m1"))
	assert.Empty(t, service.ListModelIDs(ctx))

	_, err := service.Score(ctx, "m1", map[string]any{"a": 1})
	assert.ErrorIs(t, err, core.ErrScoring)
}

func TestUndeployUnknownModel(t *testing.T) {
	service := setupTestService(t, hclmodel.New())

	err := service.Undeploy(context.Background(), "ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrModelNotFound)

	err = service.Undeploy(context.Background(), " ")
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
}

func TestUndeployAll(t *testing.T) {
	service := setupTestService(t, hclmodel.New())
	ctx := context.Background()

	// Empty registry first.
	service.UndeployAll(ctx)
	assert.Empty(t, service.ListModelIDs(ctx))

	for i := 0; i < 3; i++ {
		deployLinear(t, service, fmt.Sprintf("m%d", i), core.NoParameters())
	}
	service.UndeployAll(ctx)
	assert.Empty(t, service.ListModelIDs(ctx))
}

func TestScoreRejectsEmptyFields(t *testing.T) {
	handle := &testutil.FakeHandle{Inputs: []testutil.FakeInput{{Name: "a"}}}
	service := setupTestService(t, &testutil.FakeEngine{Handle: handle})
	ctx := context.Background()
	require.NoError(t, service.Deploy(ctx, "m1", upload("m", "x"), core.NoParameters()))

	for _, fields := range []map[string]any{nil, {}} {
		_, err := service.Score(ctx, "m1", fields)
		assert.ErrorIs(t, err, core.ErrInvalidArgument)
	}
	assert.Zero(t, handle.Evaluations())
}

func TestScoreWithMissingField(t *testing.T) {
	t.Run("engine receives missing input", func(t *testing.T) {
		handle := &testutil.FakeHandle{
			Inputs:  []testutil.FakeInput{{Name: "a"}, {Name: "b"}},
			Outputs: []engine.FieldSpec{{Name: "y", Type: "number"}},
			Results: map[string]any{"y": 2.0},
		}
		service := setupTestService(t, &testutil.FakeEngine{Handle: handle})
		ctx := context.Background()
		require.NoError(t, service.Deploy(ctx, "m1", upload("m", "x"), core.NoParameters()))

		result, err := service.Score(ctx, "m1", map[string]any{"a": 1})
		require.NoError(t, err)
		assert.Equal(t, core.ScoringResult{"y": 2.0}, result)

		assert.EqualValues(t, 1, handle.Evaluations())
		args := handle.LastArgs()
		assert.Equal(t, 1, args["a"])
		assert.Contains(t, args, "b")
		assert.Nil(t, args["b"])
	})

	t.Run("declared replacement value is used", func(t *testing.T) {
		service := setupTestService(t, hclmodel.New())
		ctx := context.Background()
		err := service.Deploy(ctx, "m1", upload("linear.hcl", testutil.LinearModelWithDefault), core.NoParameters())
		require.NoError(t, err)

		result, err := service.Score(ctx, "m1", map[string]any{"a": 1})
		require.NoError(t, err)
		assert.Equal(t, core.ScoringResult{"y": 12.0}, result)
	})

	t.Run("no replacement surfaces as scoring error", func(t *testing.T) {
		service := setupTestService(t, hclmodel.New())
		ctx := context.Background()
		deployLinear(t, service, "m1", core.NoParameters())

		_, err := service.Score(ctx, "m1", map[string]any{"a": 1})
		require.Error(t, err)
		assert.ErrorIs(t, err, core.ErrScoring)
		assert.NotErrorIs(t, err, core.ErrInvalidArgument)
	})
}

func TestScoreTreatsNullFieldAsMissing(t *testing.T) {
	obsCore, logs := observer.New(zapcore.WarnLevel)
	logger := zap.New(obsCore)
	service := core.NewModelService(hclmodel.New(), core.NewRegistry(logger), core.WithLogger(logger))
	ctx := context.Background()

	err := service.Deploy(ctx, "m1", upload("linear.hcl", testutil.LinearModelWithDefault), core.NoParameters())
	require.NoError(t, err)

	result, err := service.Score(ctx, "m1", map[string]any{"a": 1, "b": nil})
	require.NoError(t, err)
	assert.Equal(t, core.ScoringResult{"y": 12.0}, result)

	entries := logs.FilterMessage("Model value not found for field").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "b", entries[0].ContextMap()["field"])
}

func TestScoreFailuresAreScoringErrors(t *testing.T) {
	tests := []struct {
		name   string
		handle *testutil.FakeHandle
		cause  error
	}{
		{
			name:   "evaluate error",
			handle: &testutil.FakeHandle{Inputs: []testutil.FakeInput{{Name: "a"}}, EvaluateErr: testutil.ErrEngine},
			cause:  testutil.ErrEngine,
		},
		{
			name:   "prepare error",
			handle: &testutil.FakeHandle{Inputs: []testutil.FakeInput{{Name: "a", PrepareErr: testutil.ErrEngine}}},
			cause:  testutil.ErrEngine,
		},
		{
			name: "computed result error",
			handle: &testutil.FakeHandle{
				Inputs:  []testutil.FakeInput{{Name: "a"}},
				Outputs: []engine.FieldSpec{{Name: "y"}},
				Results: map[string]any{"y": testutil.Computed{Err: testutil.ErrEngine}},
			},
			cause: testutil.ErrEngine,
		},
		{
			name:   "evaluate panic",
			handle: &testutil.FakeHandle{Inputs: []testutil.FakeInput{{Name: "a"}}, EvalPanic: "kaboom"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := setupTestService(t, &testutil.FakeEngine{Handle: tt.handle})
			ctx := context.Background()
			require.NoError(t, service.Deploy(ctx, "m1", upload("m", "x"), core.NoParameters()))

			_, err := service.Score(ctx, "m1", map[string]any{"a": 1})
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrScoring)
			if tt.cause != nil {
				assert.ErrorIs(t, err, tt.cause)
			}
		})
	}
}

func TestScoreUnknownModelPreservesCause(t *testing.T) {
	service := setupTestService(t, hclmodel.New())

	_, err := service.Score(context.Background(), "ghost", map[string]any{"a": 1})
	require.Error(t, err)

	kind, ok := core.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, core.KindScoring, kind)
	assert.ErrorIs(t, err, core.ErrModelNotFound)
}

func TestScoreUnwrapsComputedResults(t *testing.T) {
	handle := &testutil.FakeHandle{
		Inputs:  []testutil.FakeInput{{Name: "a"}},
		Outputs: []engine.FieldSpec{{Name: "y"}, {Name: "z"}},
		Results: map[string]any{"y": testutil.Computed{Value: 3.5}, "z": "plain"},
	}
	service := setupTestService(t, &testutil.FakeEngine{Handle: handle})
	ctx := context.Background()
	require.NoError(t, service.Deploy(ctx, "m1", upload("m", "x"), core.NoParameters()))

	result, err := service.Score(ctx, "m1", map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, core.ScoringResult{"y": 3.5, "z": "plain"}, result)
}

func TestGetSummary(t *testing.T) {
	service := setupTestService(t, hclmodel.New())
	ctx := context.Background()
	deployLinear(t, service, "m1", core.NoParameters())

	summary, err := service.GetSummary(ctx, "m1", false)
	require.NoError(t, err)
	assert.Equal(t, `Regression model "linear": doubles a and adds b (2 inputs, 1 outputs)`, summary.Summary)
	assert.Empty(t, summary.InputFields)
	assert.Empty(t, summary.OutputFields)

	extended, err := service.GetSummary(ctx, "m1", true)
	require.NoError(t, err)
	assert.Equal(t, summary.Summary, extended.Summary)
	assert.Equal(t, []engine.FieldSpec{
		{Name: "a", Type: "number"},
		{Name: "b", Type: "number"},
	}, testutil.ParseFieldSpecs(t, extended.InputFields))
	assert.Equal(t, []engine.FieldSpec{
		{Name: "y", Type: "number"},
	}, testutil.ParseFieldSpecs(t, extended.OutputFields))
}

func TestGetSummaryErrors(t *testing.T) {
	service := setupTestService(t, hclmodel.New())
	ctx := context.Background()

	_, err := service.GetSummary(ctx, "", false)
	assert.ErrorIs(t, err, core.ErrInvalidArgument)

	_, err = service.GetSummary(ctx, "ghost", true)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrSummary)
	assert.ErrorIs(t, err, core.ErrModelNotFound)
}

func TestSummaryCacheFollowsDeployments(t *testing.T) {
	cache := core.NewSummaryCache(core.DefaultSummaryTTL, core.DefaultCleanupInterval)
	service := setupTestService(t, hclmodel.New(), core.WithSummaryCache(cache))
	ctx := context.Background()

	deployLinear(t, service, "m", core.NoParameters())
	_, err := service.GetSummary(ctx, "m", false)
	require.NoError(t, err)
	_, err = service.GetSummary(ctx, "m", true)
	require.NoError(t, err)
	assert.Equal(t, 2, cache.Len())

	// Served from cache.
	_, err = service.GetSummary(ctx, "m", true)
	require.NoError(t, err)
	assert.Equal(t, 2, cache.Len())

	err = service.Deploy(ctx, "m", upload("threshold.hcl", testutil.ClassifierModel), core.NoParameters())
	require.NoError(t, err)
	assert.Equal(t, 0, cache.Len())

	summary, err := service.GetSummary(ctx, "m", false)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(summary.Summary, "Classification"))

	require.NoError(t, service.Undeploy(ctx, "m"))
	assert.Equal(t, 0, cache.Len())

	deployLinear(t, service, "m", core.NoParameters())
	_, err = service.GetSummary(ctx, "m", false)
	require.NoError(t, err)
	service.UndeployAll(ctx)
	assert.Equal(t, 0, cache.Len())
}

func TestAdditionalParameters(t *testing.T) {
	service := setupTestService(t, hclmodel.New())
	ctx := context.Background()

	deployLinear(t, service, "m1", core.SomeParameters(map[string]string{"team": "x"}))
	deployLinear(t, service, "m2", core.NoParameters())

	all, err := service.ListAdditionalParameters(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]map[string]string{"m1": {"team": "x"}}, all)

	params, err := service.GetAdditionalParameters(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"team": "x"}, params)

	params, err = service.GetAdditionalParameters(ctx, "m2")
	require.NoError(t, err)
	assert.NotNil(t, params)
	assert.Empty(t, params)

	_, err = service.GetAdditionalParameters(ctx, "ghost")
	assert.ErrorIs(t, err, core.ErrModelNotFound)

	_, err = service.GetAdditionalParameters(ctx, "")
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
}

func TestAdditionalParametersAreCopied(t *testing.T) {
	service := setupTestService(t, hclmodel.New())
	ctx := context.Background()

	source := map[string]string{"team": "x"}
	deployLinear(t, service, "m1", core.SomeParameters(source))
	source["team"] = "changed"

	params, err := service.GetAdditionalParameters(ctx, "m1")
	require.NoError(t, err)
	params["team"] = "mutated"

	again, err := service.GetAdditionalParameters(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "x", again["team"])
}

func TestConcurrentDeploys(t *testing.T) {
	service := setupTestService(t, hclmodel.New())
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := service.Deploy(ctx, fmt.Sprintf("m%02d", i), upload("linear.hcl", testutil.LinearModel), core.NoParameters())
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	ids := service.ListModelIDs(ctx)
	require.Len(t, ids, n)
	for i, id := range ids {
		assert.Equal(t, fmt.Sprintf("m%02d", i), id)
	}
}

func TestConcurrentRedeployAndScore(t *testing.T) {
	service := setupTestService(t, hclmodel.New())
	ctx := context.Background()
	deployLinear(t, service, "m", core.NoParameters())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			definition := testutil.LinearModel
			if i%2 == 1 {
				definition = testutil.LinearModelWithDefault
			}
			assert.NoError(t, service.Deploy(ctx, "m", upload("linear.hcl", definition), core.NoParameters()))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			result, err := service.Score(ctx, "m", map[string]any{"a": 1, "b": 2})
			if assert.NoError(t, err) {
				assert.Equal(t, 4.0, result["y"])
			}
		}
	}()
	wg.Wait()
}

func TestServiceMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	service := setupTestService(t, hclmodel.New(), core.WithMetrics(m))
	ctx := context.Background()

	deployLinear(t, service, "m1", core.NoParameters())
	deployLinear(t, service, "m2", core.NoParameters())
	assert.Error(t, service.Deploy(ctx, "m3", upload("bad.hcl", "{{"), core.NoParameters()))
	assert.Error(t, service.Undeploy(ctx, "ghost"))
	require.NoError(t, service.Undeploy(ctx, "m2"))
	_, err = service.Score(ctx, "m1", map[string]any{"a": 1, "b": 1})
	require.NoError(t, err)

	expected := `
# HELP model_registry_deploy_total Counter of model deploy requests broken out by outcome.
# TYPE model_registry_deploy_total counter
model_registry_deploy_total{outcome="failure"} 1
model_registry_deploy_total{outcome="success"} 2
# HELP model_registry_undeploy_total Counter of model undeploy requests broken out by outcome.
# TYPE model_registry_undeploy_total counter
model_registry_undeploy_total{outcome="failure"} 1
model_registry_undeploy_total{outcome="success"} 1
# HELP model_registry_score_total Counter of scoring requests broken out by outcome.
# TYPE model_registry_score_total counter
model_registry_score_total{outcome="success"} 1
# HELP model_registry_deployed_models Number of models currently deployed.
# TYPE model_registry_deployed_models gauge
model_registry_deployed_models 1
`
	err = promtest.GatherAndCompare(reg, strings.NewReader(expected),
		"model_registry_deploy_total",
		"model_registry_undeploy_total",
		"model_registry_score_total",
		"model_registry_deployed_models",
	)
	assert.NoError(t, err)
}

func TestDeployedModelsGaugeAfterConcurrentChanges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	service := setupTestService(t, hclmodel.New(), core.WithMetrics(m))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("m%02d", i)
			assert.NoError(t, service.Deploy(ctx, id, upload("linear.hcl", testutil.LinearModel), core.NoParameters()))
			if i%2 == 0 {
				assert.NoError(t, service.Undeploy(ctx, id))
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, service.ListModelIDs(ctx), 8)
	expected := `
# HELP model_registry_deployed_models Number of models currently deployed.
# TYPE model_registry_deployed_models gauge
model_registry_deployed_models 8
`
	assert.NoError(t, promtest.GatherAndCompare(reg, strings.NewReader(expected), "model_registry_deployed_models"))
}

func TestServiceSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { provider.Shutdown(context.Background()) })

	service := setupTestService(t, hclmodel.New(), core.WithTracer(provider.Tracer("test")))
	ctx := context.Background()

	deployLinear(t, service, "m1", core.NoParameters())
	_, err := service.Score(ctx, "ghost", map[string]any{"a": 1})
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "model.deploy", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, "model.score", spans[1].Name())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}
