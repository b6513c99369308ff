package main

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ---------------------------------------------------------------------------
// Extension service
// ---------------------------------------------------------------------------

// extensionService coordinates the field-definition registry and the value
// store. It is the only component that talks to both; the two backends share
// no transaction, so every invariant between them is enforced here at write
// time.
type extensionService struct {
	registry fieldRegistry
	values   valueStore
	log      *zap.Logger

	cacheTTL    time.Duration
	cacheMu     sync.RWMutex
	schemaCache map[objectKind]schemaCacheItem
}

type schemaCacheItem struct {
	defs    []fieldDefinition
	expires time.Time
}

func newExtensionService(registry fieldRegistry, values valueStore, cacheTTL time.Duration, log *zap.Logger) *extensionService {
	return &extensionService{
		registry:    registry,
		values:      values,
		log:         log,
		cacheTTL:    cacheTTL,
		schemaCache: make(map[objectKind]schemaCacheItem),
	}
}

type createFieldRequest struct {
	Object      string `json:"$object"`
	Type        string `json:"$type"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Mandatory   bool   `json:"mandatory"`
	MinLen      *int64 `json:"min_len"`
	MaxLen      *int64 `json:"max_len"`
}

// CreateFieldDefinition validates and registers a new extension field.
func (s *extensionService) CreateFieldDefinition(ctx context.Context, req createFieldRequest) (fieldDefinition, error) {
	if strings.TrimSpace(req.Name) == "" {
		return fieldDefinition{}, validationError("'name' is a mandatory field")
	}
	object, ok := parseObjectKind(req.Object)
	if !ok {
		return fieldDefinition{}, validationErrorf("there is no object type '%s'", req.Object)
	}
	fieldType, ok := parseFieldValueKind(req.Type)
	if !ok {
		return fieldDefinition{}, validationErrorf("there is no field type '%s'", req.Type)
	}

	if fieldType != fieldTypeString && (req.MinLen != nil || req.MaxLen != nil) {
		return fieldDefinition{}, validationError("length constraints are only valid for string fields")
	}
	if req.MinLen != nil && *req.MinLen < 0 {
		return fieldDefinition{}, validationError("'min_len' must not be negative")
	}
	if req.MaxLen != nil && *req.MaxLen < 0 {
		return fieldDefinition{}, validationError("'max_len' must not be negative")
	}
	if req.MinLen != nil && req.MaxLen != nil && *req.MinLen > *req.MaxLen {
		return fieldDefinition{}, validationError("'min_len' must not exceed 'max_len'")
	}

	name := strings.TrimSpace(req.Name)
	existing, err := s.registry.GetDefinition(ctx, object, name)
	if err != nil {
		return fieldDefinition{}, err
	}
	if existing != nil {
		return fieldDefinition{}, errDuplicateField
	}

	def := fieldDefinition{
		Object:      object,
		Type:        fieldType,
		Name:        name,
		Mandatory:   req.Mandatory,
		Description: strings.TrimSpace(req.Description),
		MinLen:      req.MinLen,
		MaxLen:      req.MaxLen,
	}
	created, err := s.registry.CreateDefinition(ctx, def)
	if err != nil {
		if isUniqueViolation(err) {
			return fieldDefinition{}, errDuplicateField
		}
		return fieldDefinition{}, err
	}
	s.invalidateSchemaCache(object)
	s.log.Info("registered extension field",
		zap.String("object", string(object)),
		zap.String("field", name),
		zap.String("type", string(fieldType)))
	return created, nil
}

// FieldsForObject returns the full extension schema for an object kind. The
// schema is the hot read path, so results are cached for cacheTTL and
// invalidated whenever a field is registered for the kind.
func (s *extensionService) FieldsForObject(ctx context.Context, object objectKind) ([]fieldDefinition, error) {
	if defs, ok := s.getSchemaCache(object); ok {
		return defs, nil
	}
	defs, err := s.registry.ListDefinitions(ctx, object)
	if err != nil {
		return nil, err
	}
	s.setSchemaCache(object, defs)
	return defs, nil
}

func (s *extensionService) getSchemaCache(object objectKind) ([]fieldDefinition, bool) {
	if s.cacheTTL <= 0 {
		return nil, false
	}
	s.cacheMu.RLock()
	item, ok := s.schemaCache[object]
	s.cacheMu.RUnlock()
	if !ok || time.Now().After(item.expires) {
		return nil, false
	}
	return item.defs, true
}

func (s *extensionService) setSchemaCache(object objectKind, defs []fieldDefinition) {
	if s.cacheTTL <= 0 {
		return
	}
	s.cacheMu.Lock()
	s.schemaCache[object] = schemaCacheItem{defs: defs, expires: time.Now().Add(s.cacheTTL)}
	s.cacheMu.Unlock()
}

func (s *extensionService) invalidateSchemaCache(object objectKind) {
	s.cacheMu.Lock()
	delete(s.schemaCache, object)
	s.cacheMu.Unlock()
}

// AttachCustomFields validates every (name, value) pair against the registry
// and writes the whole set to the value store as one batch. The first unknown
// or mismatched field fails the operation before anything is written; a batch
// write that fails partway is surfaced as-is, with no cleanup — the two
// stores have no shared transaction.
func (s *extensionService) AttachCustomFields(ctx context.Context, object objectKind, entityRef string, fields map[string]customValue) error {
	if len(fields) == 0 {
		return nil
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]fieldValue, 0, len(fields))
	for _, name := range names {
		def, err := s.registry.GetDefinition(ctx, object, name)
		if err != nil {
			return err
		}
		if def == nil {
			return unknownFieldError{name: name}
		}
		value := fields[name]
		if err := checkValueAgainst(def, value); err != nil {
			return err
		}
		entries = append(entries, fieldValue{EntityRef: entityRef, FieldName: name, Value: value})
	}

	return s.values.PutValues(ctx, object, entries)
}

// checkValueAgainst rejects values whose kind does not match the declared
// field type, and enforces string length bounds when declared.
func checkValueAgainst(def *fieldDefinition, value customValue) error {
	if value.Kind != def.Type {
		return validationErrorf("custom field '%s' expects a %s value", def.Name, def.Type)
	}
	if def.Type == fieldTypeString {
		length := int64(len(value.Str))
		if def.MinLen != nil && length < *def.MinLen {
			return validationErrorf("custom field '%s' must be at least %d characters", def.Name, *def.MinLen)
		}
		if def.MaxLen != nil && length > *def.MaxLen {
			return validationErrorf("custom field '%s' must be at most %d characters", def.Name, *def.MaxLen)
		}
	}
	return nil
}

// ValuesView returns every custom-field value stored for the entity, keyed by
// field name. Entity detail handlers merge this map into their responses.
func (s *extensionService) ValuesView(ctx context.Context, object objectKind, entityRef string) (map[string]customValue, error) {
	stored, err := s.values.GetValues(ctx, object, entityRef)
	if err != nil {
		return nil, err
	}
	view := make(map[string]customValue, len(stored))
	for _, entry := range stored {
		view[entry.FieldName] = entry.Value
	}
	return view, nil
}

// customFieldsOrEmpty is the read path used by detail views: a value-store
// failure degrades to an empty map rather than failing the whole response.
func (s *extensionService) customFieldsOrEmpty(ctx context.Context, object objectKind, entityRef string) map[string]customValue {
	view, err := s.ValuesView(ctx, object, entityRef)
	if err != nil {
		s.log.Warn("could not load custom fields",
			zap.String("object", string(object)),
			zap.String("entity_ref", entityRef),
			zap.Error(err))
		return map[string]customValue{}
	}
	return view
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

func (s *server) handleExtensions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if !requireRoles(w, r, roleAdmin) {
		return
	}

	var req createFieldRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	def, err := s.extensions.CreateFieldDefinition(r.Context(), req)
	if err != nil {
		writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": def.ID})
}

func (s *server) handleExtensionsByObject(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if !requireRoles(w, r, roleAdmin, roleReader) {
		return
	}

	segment := strings.TrimPrefix(r.URL.Path, "/extensions/")
	object, ok := parseObjectKind(segment)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "there is no object type '" + segment + "'"})
		return
	}
	defs, err := s.extensions.FieldsForObject(r.Context(), object)
	if err != nil {
		writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": defs})
}
