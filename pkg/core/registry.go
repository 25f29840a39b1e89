package core

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registry holds deployed models keyed by model id. Every single-key
// operation is atomic and operations on different keys do not block each
// other. Listings are snapshots and may miss concurrent changes.
type Registry struct {
	records sync.Map // model id -> *ModelRecord
	logger  *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{logger: logger}
}

// Put stores record under modelID, replacing any previous record in a single
// swap. The replaced record, if any, is returned.
func (r *Registry) Put(modelID string, record *ModelRecord) (*ModelRecord, bool) {
	previous, loaded := r.records.Swap(modelID, record)
	if !loaded {
		return nil, false
	}

	old, _ := previous.(*ModelRecord)
	fields := []zap.Field{zap.String("model_id", modelID)}
	if old != nil {
		fields = append(fields, zap.String("replaced_deployment_id", old.DeploymentID))
	}
	r.logger.Info("Model replaced with new model", fields...)
	return old, true
}

// Get returns the record stored under modelID.
func (r *Registry) Get(modelID string) (*ModelRecord, error) {
	value, ok := r.records.Load(modelID)
	if !ok {
		r.logger.Error("Given model id is not deployed", zap.String("model_id", modelID))
		return nil, NewError(KindModelNotFound, modelID, "given model id is not deployed: "+modelID, nil)
	}
	record, ok := value.(*ModelRecord)
	if !ok || record == nil {
		return nil, NewError(KindModelNotFound, modelID, "given model id is not deployed: "+modelID,
			fmt.Errorf("registry entry has unexpected type %T", value))
	}
	return record, nil
}

// Remove deletes the record stored under modelID and returns it.
func (r *Registry) Remove(modelID string) (*ModelRecord, error) {
	value, loaded := r.records.LoadAndDelete(modelID)
	if !loaded {
		r.logger.Error("Given model id is not deployed", zap.String("model_id", modelID))
		return nil, NewError(KindModelNotFound, modelID, "given model id is not deployed: "+modelID, nil)
	}
	r.logger.Info("Model removed", zap.String("model_id", modelID))
	record, _ := value.(*ModelRecord)
	return record, nil
}

// Clear removes every record.
func (r *Registry) Clear() {
	r.records.Clear()
}

// ListIDs returns the ids present at the time of the call, sorted.
func (r *Registry) ListIDs() []string {
	ids := make([]string, 0)
	r.records.Range(func(key, _ any) bool {
		if id, ok := key.(string); ok {
			ids = append(ids, id)
		}
		return true
	})
	sort.Strings(ids)
	return ids
}

// Len returns the number of records at the time of the call.
func (r *Registry) Len() int {
	n := 0
	r.records.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// ListAdditionalParameters returns the parameters of every record that has
// them. Records deployed without parameters are left out.
func (r *Registry) ListAdditionalParameters() (result map[string]map[string]string, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Exception during preparation of additional parameters", zap.Any("panic", p))
			result = nil
			err = NewError(KindAdditionalParameters, "", "exception during preparation of additional parameters",
				fmt.Errorf("panic: %v", p))
		}
	}()

	result = make(map[string]map[string]string)
	var traversalErr error
	r.records.Range(func(key, value any) bool {
		id, ok := key.(string)
		record, recOK := value.(*ModelRecord)
		if !ok || !recOK || record == nil {
			traversalErr = fmt.Errorf("registry entry %v has unexpected type %T", key, value)
			return false
		}
		if params, present := record.Parameters.Get(); present {
			result[id] = params
		}
		return true
	})
	if traversalErr != nil {
		r.logger.Error("Exception during preparation of additional parameters", zap.Error(traversalErr))
		return nil, NewError(KindAdditionalParameters, "", "exception during preparation of additional parameters", traversalErr)
	}
	return result, nil
}
