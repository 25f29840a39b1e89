package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/3FT-io/scorer/pkg/config"
	"github.com/3FT-io/scorer/pkg/core"
)

const (
	// ModelFormField is the multipart field carrying the model definition.
	ModelFormField = "model"

	modelIDVar            = "modelId"
	extendedSummaryParam  = "extended"
	welcomeMessage        = "Model scoring service is up"
	defaultMaxUploadBytes = 32 << 20
)

type API struct {
	service       *core.ModelService
	logger        *zap.Logger
	server        *http.Server
	gatherer      prometheus.Gatherer
	maxUploadSize int64
}

// APIResponse is the success envelope.
type APIResponse struct {
	Data    interface{} `json:"data"`
	Success bool        `json:"success"`
}

// ErrorResponse is the failure envelope. ExceptionType is null for failures
// that are not model service errors.
type ErrorResponse struct {
	Data             interface{} `json:"data"`
	Success          bool        `json:"success"`
	ExceptionType    *string     `json:"exceptionType"`
	ExceptionMessage string      `json:"exceptionMessage"`
}

// ScoreRequest is the body of a scoring request.
type ScoreRequest struct {
	Fields map[string]interface{} `json:"fields"`
}

func NewAPI(service *core.ModelService, cfg *config.Config, logger *zap.Logger, gatherer prometheus.Gatherer) (*API, error) {
	if service == nil {
		return nil, errors.New("model service is required")
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	api := &API{
		service:       service,
		logger:        logger,
		gatherer:      gatherer,
		maxUploadSize: cfg.MaxUploadSize,
	}
	if api.maxUploadSize <= 0 {
		api.maxUploadSize = defaultMaxUploadBytes
	}

	router := mux.NewRouter()
	router.Use(api.requestID, api.accessLog)
	api.setupRoutes(router)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", requestIDHeader},
		ExposedHeaders:   []string{"Content-Length", requestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	})

	api.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.ListenAddress, cfg.APIPort),
		Handler:      corsHandler.Handler(api.recoverer(router)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return api, nil
}

func (api *API) setupRoutes(router *mux.Router) {
	router.HandleFunc("/", api.Welcome).Methods("GET")
	router.HandleFunc("/health", api.HealthCheck).Methods("GET")
	router.Handle("/metrics", promhttp.HandlerFor(api.gatherer, promhttp.HandlerOpts{})).Methods("GET")

	// Fixed paths first so they are not taken for model ids.
	models := router.PathPrefix("/model").Subrouter()
	models.HandleFunc("/ids", api.ListModelIDs).Methods("GET")
	models.HandleFunc("/additionals", api.ListAdditionalParameters).Methods("GET")
	models.HandleFunc("/", api.UndeployAll).Methods("DELETE")
	models.HandleFunc("/{modelId}", api.Deploy).Methods("POST")
	models.HandleFunc("/{modelId}", api.GetSummary).Methods("GET")
	models.HandleFunc("/{modelId}", api.Undeploy).Methods("DELETE")
	models.HandleFunc("/{modelId}/score", api.Score).Methods("POST")
	models.HandleFunc("/{modelId}/additional", api.GetAdditionalParameters).Methods("GET")
}

// Handler returns the fully wrapped HTTP handler.
func (api *API) Handler() http.Handler {
	return api.server.Handler
}

func (api *API) Start() error {
	api.logger.Info("Starting API server", zap.String("addr", api.server.Addr))
	return api.server.ListenAndServe()
}

func (api *API) Stop(ctx context.Context) error {
	return api.server.Shutdown(ctx)
}

// Welcome handler
func (api *API) Welcome(w http.ResponseWriter, r *http.Request) {
	api.sendResponse(w, r, welcomeMessage)
}

// Health check handler
func (api *API) HealthCheck(w http.ResponseWriter, r *http.Request) {
	api.sendResponse(w, r, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// Deploy handler. The definition comes in the "model" multipart field; all
// other form and query parameters become additional parameters.
func (api *API) Deploy(w http.ResponseWriter, r *http.Request) {
	modelID := mux.Vars(r)[modelIDVar]

	r.Body = http.MaxBytesReader(w, r.Body, api.maxUploadSize)
	if err := r.ParseMultipartForm(api.maxUploadSize); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		api.sendError(w, r, core.NewError(core.KindInvalidArgument, modelID, "failed to parse upload form", err))
		return
	}

	upload, err := readUpload(r)
	if err != nil {
		api.sendError(w, r, core.NewError(core.KindInvalidArgument, modelID, "failed to read uploaded model", err))
		return
	}

	if err := api.service.Deploy(r.Context(), modelID, upload, additionalParameters(r)); err != nil {
		api.sendError(w, r, err)
		return
	}
	api.sendResponse(w, r, true)
}

// readUpload returns nil when no file was sent.
func readUpload(r *http.Request) (*core.Upload, error) {
	if r.MultipartForm == nil {
		return nil, nil
	}
	file, header, err := r.FormFile(ModelFormField)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}
	return &core.Upload{Filename: header.Filename, Content: content}, nil
}

// additionalParameters collects every request parameter except the model
// file. Parameters are absent when the request carries none.
func additionalParameters(r *http.Request) core.AdditionalParameters {
	values := make(map[string]string)
	for key, vals := range r.Form {
		if key == ModelFormField || key == modelIDVar || len(vals) == 0 {
			continue
		}
		values[key] = vals[0]
	}
	if len(values) == 0 {
		return core.NoParameters()
	}
	return core.SomeParameters(values)
}

// Summary handler
func (api *API) GetSummary(w http.ResponseWriter, r *http.Request) {
	modelID := mux.Vars(r)[modelIDVar]

	extended := false
	if raw := r.URL.Query().Get(extendedSummaryParam); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			api.logger.Debug("Ignoring invalid extended parameter", zap.String("value", raw))
		}
		extended = parsed
	}

	summary, err := api.service.GetSummary(r.Context(), modelID, extended)
	if err != nil {
		api.sendError(w, r, err)
		return
	}
	api.sendResponse(w, r, summary)
}

// Undeploy handler
func (api *API) Undeploy(w http.ResponseWriter, r *http.Request) {
	if err := api.service.Undeploy(r.Context(), mux.Vars(r)[modelIDVar]); err != nil {
		api.sendError(w, r, err)
		return
	}
	api.sendResponse(w, r, true)
}

// Undeploy-all handler
func (api *API) UndeployAll(w http.ResponseWriter, r *http.Request) {
	api.service.UndeployAll(r.Context())
	api.sendResponse(w, r, true)
}

// Score handler
func (api *API) Score(w http.ResponseWriter, r *http.Request) {
	modelID := mux.Vars(r)[modelIDVar]

	var req ScoreRequest
	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	if err := decoder.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		api.sendError(w, r, core.NewError(core.KindInvalidArgument, modelID, "malformed scoring request", err))
		return
	}

	result, err := api.service.Score(r.Context(), modelID, req.Fields)
	if err != nil {
		api.sendError(w, r, err)
		return
	}
	api.sendResponse(w, r, result)
}

// List ids handler
func (api *API) ListModelIDs(w http.ResponseWriter, r *http.Request) {
	api.sendResponse(w, r, api.service.ListModelIDs(r.Context()))
}

// List additional parameters handler
func (api *API) ListAdditionalParameters(w http.ResponseWriter, r *http.Request) {
	params, err := api.service.ListAdditionalParameters(r.Context())
	if err != nil {
		api.sendError(w, r, err)
		return
	}
	api.sendResponse(w, r, params)
}

// Additional parameters handler
func (api *API) GetAdditionalParameters(w http.ResponseWriter, r *http.Request) {
	params, err := api.service.GetAdditionalParameters(r.Context(), mux.Vars(r)[modelIDVar])
	if err != nil {
		api.sendError(w, r, err)
		return
	}
	api.sendResponse(w, r, params)
}

// Helper functions
func (api *API) sendResponse(w http.ResponseWriter, r *http.Request, data interface{}) {
	body, err := json.Marshal(APIResponse{Data: data, Success: true})
	if err != nil {
		api.sendError(w, r, fmt.Errorf("failed to encode response: %w", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(append(body, '\n'))
}

// sendError maps model service errors to 400 and everything else to 500.
func (api *API) sendError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var exceptionType *string
	if kind, ok := core.KindOf(err); ok {
		status = http.StatusBadRequest
		k := string(kind)
		exceptionType = &k
	}

	api.logger.Error("Request failed",
		zap.String("request_id", requestIDFrom(r.Context())),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.Error(err))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Success:          false,
		ExceptionType:    exceptionType,
		ExceptionMessage: err.Error(),
	})
}
