package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func newTestBoltStore(t *testing.T) *boltValueStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "values.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := newBoltValueStore(db)
	require.NoError(t, store.EnsureCollections(objectKinds))
	return store
}

func TestBoltStorePutGetRoundTrip(t *testing.T) {
	store := newTestBoltStore(t)
	ctx := context.Background()

	entries := []fieldValue{
		{EntityRef: "cat-1", FieldName: "priority", Value: intValue(7)},
		{EntityRef: "cat-1", FieldName: "seo_slug", Value: stringValue("summer-sale")},
		{EntityRef: "cat-2", FieldName: "priority", Value: intValue(1)},
	}
	require.NoError(t, store.PutValues(ctx, objectCategory, entries))

	got, err := store.GetValues(ctx, objectCategory, "cat-1")
	require.NoError(t, err)
	require.Len(t, got, 2)

	byName := make(map[string]customValue)
	for _, entry := range got {
		require.Equal(t, "cat-1", entry.EntityRef)
		byName[entry.FieldName] = entry.Value
	}
	require.Equal(t, intValue(7), byName["priority"])
	require.Equal(t, stringValue("summer-sale"), byName["seo_slug"])

	other, err := store.GetValues(ctx, objectCategory, "cat-2")
	require.NoError(t, err)
	require.Len(t, other, 1)
}

func TestBoltStoreKeepsObjectKindsApart(t *testing.T) {
	store := newTestBoltStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutValues(ctx, objectProduct, []fieldValue{
		{EntityRef: "ref-1", FieldName: "origin", Value: stringValue("DE")},
	}))

	got, err := store.GetValues(ctx, objectCategory, "ref-1")
	require.NoError(t, err)
	require.Empty(t, got, "values written for products must not leak into categories")
}

func TestBoltStoreUpsertsByEntityAndField(t *testing.T) {
	store := newTestBoltStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutValues(ctx, objectProduct, []fieldValue{
		{EntityRef: "prod-1", FieldName: "warranty_months", Value: intValue(12)},
	}))
	require.NoError(t, store.PutValues(ctx, objectProduct, []fieldValue{
		{EntityRef: "prod-1", FieldName: "warranty_months", Value: intValue(24)},
	}))

	got, err := store.GetValues(ctx, objectProduct, "prod-1")
	require.NoError(t, err)
	require.Len(t, got, 1, "re-attaching the same field must replace, not append")
	require.Equal(t, intValue(24), got[0].Value)
}

func TestBoltStorePrefixScanDoesNotMatchSiblingRefs(t *testing.T) {
	store := newTestBoltStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutValues(ctx, objectProduct, []fieldValue{
		{EntityRef: "prod-1", FieldName: "origin", Value: stringValue("DE")},
		{EntityRef: "prod-10", FieldName: "origin", Value: stringValue("FR")},
	}))

	got, err := store.GetValues(ctx, objectProduct, "prod-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, stringValue("DE"), got[0].Value)
}
