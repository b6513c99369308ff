package main

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// countingValueStore wraps another value store and counts calls, so tests can
// assert which operations touched the document store.
type countingValueStore struct {
	inner    valueStore
	putCalls int
	getCalls int
}

func (s *countingValueStore) EnsureCollections(kinds []objectKind) error {
	return s.inner.EnsureCollections(kinds)
}

func (s *countingValueStore) PutValues(ctx context.Context, object objectKind, entries []fieldValue) error {
	s.putCalls++
	return s.inner.PutValues(ctx, object, entries)
}

func (s *countingValueStore) GetValues(ctx context.Context, object objectKind, entityRef string) ([]fieldValue, error) {
	s.getCalls++
	return s.inner.GetValues(ctx, object, entityRef)
}

// memoryValueStore is a plain in-memory value store for service-level tests.
type memoryValueStore struct {
	values map[objectKind]map[string]fieldValue
}

func newMemoryValueStore() *memoryValueStore {
	return &memoryValueStore{values: make(map[objectKind]map[string]fieldValue)}
}

func (s *memoryValueStore) EnsureCollections(kinds []objectKind) error {
	for _, kind := range kinds {
		if s.values[kind] == nil {
			s.values[kind] = make(map[string]fieldValue)
		}
	}
	return nil
}

func (s *memoryValueStore) PutValues(_ context.Context, object objectKind, entries []fieldValue) error {
	if s.values[object] == nil {
		s.values[object] = make(map[string]fieldValue)
	}
	for _, entry := range entries {
		s.values[object][entry.EntityRef+"\x00"+entry.FieldName] = entry
	}
	return nil
}

func (s *memoryValueStore) GetValues(_ context.Context, object objectKind, entityRef string) ([]fieldValue, error) {
	entries := make([]fieldValue, 0)
	for _, entry := range s.values[object] {
		if entry.EntityRef == entityRef {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func newTestExtensionService() (*extensionService, *countingValueStore) {
	counting := &countingValueStore{inner: newMemoryValueStore()}
	return newExtensionService(newFieldRegistry(nil), counting, 0, zap.NewNop()), counting
}

// countingRegistry wraps another registry and counts list calls, so tests can
// tell cache hits from registry reads.
type countingRegistry struct {
	fieldRegistry
	listCalls int
}

func (r *countingRegistry) ListDefinitions(ctx context.Context, object objectKind) ([]fieldDefinition, error) {
	r.listCalls++
	return r.fieldRegistry.ListDefinitions(ctx, object)
}

// racingRegistry simulates two concurrent registrations passing the duplicate
// check: the lookup sees nothing, then the insert hits the unique index.
type racingRegistry struct {
	fieldRegistry
}

func (r *racingRegistry) CreateDefinition(context.Context, fieldDefinition) (fieldDefinition, error) {
	return fieldDefinition{}, &pgconn.PgError{Code: "23505"}
}

func TestCreateFieldDefinitionMapsConstraintRaceToDuplicate(t *testing.T) {
	svc := newExtensionService(
		&racingRegistry{fieldRegistry: newFieldRegistry(nil)},
		newMemoryValueStore(), 0, zap.NewNop())

	_, err := svc.CreateFieldDefinition(context.Background(), createFieldRequest{
		Object: "product", Type: "int", Name: "warranty_months",
	})
	require.ErrorIs(t, err, errDuplicateField)
}

func TestSchemaListIsCachedAndInvalidated(t *testing.T) {
	registry := &countingRegistry{fieldRegistry: newFieldRegistry(nil)}
	svc := newExtensionService(registry, newMemoryValueStore(), time.Minute, zap.NewNop())
	ctx := context.Background()

	_, err := svc.CreateFieldDefinition(ctx, createFieldRequest{
		Object: "product", Type: "int", Name: "warranty_months",
	})
	require.NoError(t, err)

	_, err = svc.FieldsForObject(ctx, objectProduct)
	require.NoError(t, err)
	_, err = svc.FieldsForObject(ctx, objectProduct)
	require.NoError(t, err)
	require.Equal(t, 1, registry.listCalls, "second list should hit the cache")

	_, err = svc.CreateFieldDefinition(ctx, createFieldRequest{
		Object: "product", Type: "string", Name: "origin",
	})
	require.NoError(t, err)

	defs, err := svc.FieldsForObject(ctx, objectProduct)
	require.NoError(t, err)
	require.Equal(t, 2, registry.listCalls, "registration must invalidate the cached schema")
	require.Len(t, defs, 2)
}

func TestCreateFieldDefinitionRejectsDuplicatePerObject(t *testing.T) {
	svc, _ := newTestExtensionService()
	ctx := context.Background()

	_, err := svc.CreateFieldDefinition(ctx, createFieldRequest{
		Object: "product", Type: "int", Name: "warranty_months",
	})
	require.NoError(t, err)

	_, err = svc.CreateFieldDefinition(ctx, createFieldRequest{
		Object: "product", Type: "int", Name: "warranty_months",
	})
	require.ErrorIs(t, err, errDuplicateField)

	// Uniqueness is scoped per object kind: the same name is free on
	// another kind.
	_, err = svc.CreateFieldDefinition(ctx, createFieldRequest{
		Object: "category", Type: "int", Name: "warranty_months",
	})
	require.NoError(t, err)
}

func TestCreateFieldDefinitionValidation(t *testing.T) {
	svc, _ := newTestExtensionService()
	ctx := context.Background()

	_, err := svc.CreateFieldDefinition(ctx, createFieldRequest{Object: "product", Type: "int"})
	require.Error(t, err, "empty name must be rejected")

	_, err = svc.CreateFieldDefinition(ctx, createFieldRequest{Object: "gadget", Type: "int", Name: "x"})
	require.Error(t, err, "unknown object kind must be rejected")

	_, err = svc.CreateFieldDefinition(ctx, createFieldRequest{Object: "product", Type: "float", Name: "x"})
	require.Error(t, err, "unknown field type must be rejected")

	minLen, maxLen := int64(10), int64(2)
	_, err = svc.CreateFieldDefinition(ctx, createFieldRequest{
		Object: "product", Type: "string", Name: "x", MinLen: &minLen, MaxLen: &maxLen,
	})
	require.Error(t, err, "min_len above max_len must be rejected")

	_, err = svc.CreateFieldDefinition(ctx, createFieldRequest{
		Object: "product", Type: "int", Name: "x", MaxLen: &maxLen,
	})
	require.Error(t, err, "length constraints on int fields must be rejected")
}

func TestAttachRejectsUnknownFieldWithoutWrites(t *testing.T) {
	svc, counting := newTestExtensionService()
	ctx := context.Background()

	err := svc.AttachCustomFields(ctx, objectProduct, "ref-1", map[string]customValue{
		"nonexistent": stringValue("x"),
	})
	var unknown unknownFieldError
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, "nonexistent", unknown.name)
	require.Zero(t, counting.putCalls, "no values may be written for a rejected attach")

	view, err := svc.ValuesView(ctx, objectProduct, "ref-1")
	require.NoError(t, err)
	require.Empty(t, view)
}

func TestAttachEmptyIsFastPath(t *testing.T) {
	svc, counting := newTestExtensionService()
	ctx := context.Background()

	require.NoError(t, svc.AttachCustomFields(ctx, objectCategory, "ref-1", nil))
	require.NoError(t, svc.AttachCustomFields(ctx, objectCategory, "ref-1", map[string]customValue{}))
	require.Zero(t, counting.putCalls, "empty attach must not touch the value store")
}

func TestAttachRoundTrip(t *testing.T) {
	svc, _ := newTestExtensionService()
	ctx := context.Background()

	_, err := svc.CreateFieldDefinition(ctx, createFieldRequest{
		Object: "category", Type: "int", Name: "priority",
	})
	require.NoError(t, err)

	err = svc.AttachCustomFields(ctx, objectCategory, "cat-1", map[string]customValue{
		"priority": intValue(7),
	})
	require.NoError(t, err)

	view, err := svc.ValuesView(ctx, objectCategory, "cat-1")
	require.NoError(t, err)
	require.Equal(t, map[string]customValue{"priority": intValue(7)}, view)
}

func TestAttachRejectsKindMismatch(t *testing.T) {
	svc, counting := newTestExtensionService()
	ctx := context.Background()

	_, err := svc.CreateFieldDefinition(ctx, createFieldRequest{
		Object: "product", Type: "int", Name: "warranty_months",
	})
	require.NoError(t, err)

	err = svc.AttachCustomFields(ctx, objectProduct, "prod-1", map[string]customValue{
		"warranty_months": stringValue("twelve"),
	})
	var vErr validationError
	require.ErrorAs(t, err, &vErr)
	require.Zero(t, counting.putCalls)
}

func TestAttachEnforcesStringLengthBounds(t *testing.T) {
	svc, _ := newTestExtensionService()
	ctx := context.Background()

	minLen, maxLen := int64(1), int64(5)
	_, err := svc.CreateFieldDefinition(ctx, createFieldRequest{
		Object: "category", Type: "string", Name: "seo_slug", MinLen: &minLen, MaxLen: &maxLen,
	})
	require.NoError(t, err)

	err = svc.AttachCustomFields(ctx, objectCategory, "cat-1", map[string]customValue{
		"seo_slug": stringValue(""),
	})
	require.Error(t, err, "below min_len must be rejected")

	err = svc.AttachCustomFields(ctx, objectCategory, "cat-1", map[string]customValue{
		"seo_slug": stringValue("much-too-long"),
	})
	require.Error(t, err, "above max_len must be rejected")

	err = svc.AttachCustomFields(ctx, objectCategory, "cat-1", map[string]customValue{
		"seo_slug": stringValue("ok"),
	})
	require.NoError(t, err)
}

func TestAttachUpsertsOnReattach(t *testing.T) {
	svc, _ := newTestExtensionService()
	ctx := context.Background()

	_, err := svc.CreateFieldDefinition(ctx, createFieldRequest{
		Object: "category", Type: "int", Name: "priority",
	})
	require.NoError(t, err)

	require.NoError(t, svc.AttachCustomFields(ctx, objectCategory, "cat-1", map[string]customValue{
		"priority": intValue(1),
	}))
	require.NoError(t, svc.AttachCustomFields(ctx, objectCategory, "cat-1", map[string]customValue{
		"priority": intValue(2),
	}))

	view, err := svc.ValuesView(ctx, objectCategory, "cat-1")
	require.NoError(t, err)
	require.Equal(t, intValue(2), view["priority"])
}

func TestFieldsForObjectListsDefinitions(t *testing.T) {
	svc, _ := newTestExtensionService()
	ctx := context.Background()

	_, err := svc.CreateFieldDefinition(ctx, createFieldRequest{
		Object: "product", Type: "int", Name: "warranty_months",
	})
	require.NoError(t, err)
	_, err = svc.CreateFieldDefinition(ctx, createFieldRequest{
		Object: "product", Type: "string", Name: "origin",
	})
	require.NoError(t, err)

	defs, err := svc.FieldsForObject(ctx, objectProduct)
	require.NoError(t, err)
	require.Len(t, defs, 2)

	names := []string{defs[0].Name, defs[1].Name}
	require.ElementsMatch(t, []string{"warranty_months", "origin"}, names)

	defs, err = svc.FieldsForObject(ctx, objectCategory)
	require.NoError(t, err)
	require.Empty(t, defs)
}
