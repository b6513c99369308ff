package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

func newTestServer(t *testing.T) (*server, http.Handler, *countingValueStore) {
	t.Helper()
	cfg := config{
		Port:      "0",
		JWTSecret: "test-secret",
		TokenTTL:  time.Hour,
	}
	values := &countingValueStore{inner: newTestBoltStore(t)}
	srv := newServer(cfg, zap.NewNop(), nil, values)
	return srv, srv.routes(), values
}

func tokenFor(t *testing.T, srv *server, roles ...string) string {
	t.Helper()
	token, err := srv.issueToken(portalUser{Email: "tester@example.com", Roles: roles})
	require.NoError(t, err)
	return token
}

func doRequest(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealthzIsPublic(t *testing.T) {
	_, handler, _ := newTestServer(t)

	rec := doRequest(t, handler, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "memory", decodeBody(t, rec)["mode"])
}

func TestAuthRejectsMissingAndInvalidTokens(t *testing.T) {
	_, handler, _ := newTestServer(t)

	rec := doRequest(t, handler, http.MethodGet, "/categories", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, handler, http.MethodGet, "/categories", "not-a-jwt", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthRejectsInsufficientRole(t *testing.T) {
	srv, handler, _ := newTestServer(t)
	reader := tokenFor(t, srv, roleReader)

	rec := doRequest(t, handler, http.MethodPost, "/extensions", reader, createFieldRequest{
		Object: "product", Type: "int", Name: "warranty_months",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSigninIssuesUsableToken(t *testing.T) {
	srv, handler, _ := newTestServer(t)

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, srv.portalUsers.create(context.Background(), portalUser{
		ID:       uuid.NewString(),
		Email:    "merchant@example.com",
		Password: string(hash),
		Roles:    []string{roleReader},
	}))

	rec := doRequest(t, handler, http.MethodPost, "/portal/signin", "", signinRequest{
		Email: "merchant@example.com", Password: "wrong",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, handler, http.MethodPost, "/portal/signin", "", signinRequest{
		Email: "merchant@example.com", Password: "s3cret",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	token, _ := decodeBody(t, rec)["jwt"].(string)
	require.NotEmpty(t, token)

	rec = doRequest(t, handler, http.MethodGet, "/categories", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRegisterFieldThenListSchema(t *testing.T) {
	srv, handler, _ := newTestServer(t)
	admin := tokenFor(t, srv, roleAdmin)

	rec := doRequest(t, handler, http.MethodPost, "/extensions", admin, createFieldRequest{
		Object: "product", Type: "int", Name: "warranty_months",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NotEmpty(t, decodeBody(t, rec)["id"])

	// The object segment resolves case-insensitively.
	for _, path := range []string{"/extensions/product", "/extensions/Product", "/extensions/PRODUCT"} {
		rec = doRequest(t, handler, http.MethodGet, path, admin, nil)
		require.Equal(t, http.StatusOK, rec.Code, path)

		var body struct {
			Items []fieldDefinition `json:"items"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Len(t, body.Items, 1)
		require.Equal(t, "warranty_months", body.Items[0].Name)
	}

	rec = doRequest(t, handler, http.MethodGet, "/extensions/warehouse", admin, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegisterFieldRejectsDuplicate(t *testing.T) {
	srv, handler, _ := newTestServer(t)
	admin := tokenFor(t, srv, roleAdmin)

	minLen, maxLen := int64(1), int64(80)
	req := createFieldRequest{
		Object: "category", Type: "string", Name: "seo_slug", MinLen: &minLen, MaxLen: &maxLen,
	}
	rec := doRequest(t, handler, http.MethodPost, "/extensions", admin, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, handler, http.MethodPost, "/extensions", admin, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	require.Contains(t, body, "error")
	require.NotContains(t, body, "id")
}

func TestProductCreateAttachesCustomFields(t *testing.T) {
	srv, handler, _ := newTestServer(t)
	admin := tokenFor(t, srv, roleAdmin)

	rec := doRequest(t, handler, http.MethodPost, "/extensions", admin, createFieldRequest{
		Object: "product", Type: "int", Name: "warranty_months",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, handler, http.MethodPost, "/products", admin, map[string]any{
		"product_name":        "Espresso Machine",
		"product_description": "19 bar pump",
		"custom_fields":       map[string]any{"warranty_months": 12},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	productID, _ := decodeBody(t, rec)["id"].(string)
	require.NotEmpty(t, productID)

	rec = doRequest(t, handler, http.MethodGet, "/products/"+productID, admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Item struct {
			Name         string                 `json:"product_name"`
			CustomFields map[string]customValue `json:"custom_fields"`
		} `json:"item"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "Espresso Machine", body.Item.Name)
	require.Equal(t, intValue(12), body.Item.CustomFields["warranty_months"])
}

func TestProductCreateRejectsUnregisteredField(t *testing.T) {
	srv, handler, values := newTestServer(t)
	admin := tokenFor(t, srv, roleAdmin)

	rec := doRequest(t, handler, http.MethodPost, "/products", admin, map[string]any{
		"product_name":        "Espresso Machine",
		"product_description": "19 bar pump",
		"custom_fields":       map[string]any{"made_up": "x"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, decodeBody(t, rec)["error"], "made_up")
	require.Zero(t, values.putCalls, "a rejected attach must not write any values")
}

func TestProductCreateRejectsNullFieldValue(t *testing.T) {
	srv, handler, values := newTestServer(t)
	admin := tokenFor(t, srv, roleAdmin)

	rec := doRequest(t, handler, http.MethodPost, "/extensions", admin, createFieldRequest{
		Object: "product", Type: "string", Name: "origin",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, handler, http.MethodPost, "/products", admin, map[string]any{
		"product_name":        "Espresso Machine",
		"product_description": "19 bar pump",
		"custom_fields":       map[string]any{"origin": nil},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code, "null is not a storable value, even for a registered field")
	require.Zero(t, values.putCalls)
}

func TestCategoryDetailMergesCustomFields(t *testing.T) {
	srv, handler, _ := newTestServer(t)
	admin := tokenFor(t, srv, roleAdmin)

	minLen, maxLen := int64(1), int64(80)
	rec := doRequest(t, handler, http.MethodPost, "/extensions", admin, createFieldRequest{
		Object: "category", Type: "string", Name: "seo_slug", MinLen: &minLen, MaxLen: &maxLen,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, handler, http.MethodPost, "/categories", admin, map[string]any{
		"category_name":      "Summer Sale",
		"category_reference": "summer-sale",
		"custom_fields":      map[string]any{"seo_slug": "summer-sale-2026"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	categoryID, _ := decodeBody(t, rec)["id"].(string)
	require.NotEmpty(t, categoryID)

	// The detail view resolves by id and by reference alike.
	for _, key := range []string{categoryID, "summer-sale"} {
		rec = doRequest(t, handler, http.MethodGet, "/categories/"+key, admin, nil)
		require.Equal(t, http.StatusOK, rec.Code, key)

		var body struct {
			Item struct {
				Reference    string                 `json:"category_reference"`
				CustomFields map[string]customValue `json:"custom_fields"`
			} `json:"item"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Equal(t, "summer-sale", body.Item.Reference)
		require.Equal(t, stringValue("summer-sale-2026"), body.Item.CustomFields["seo_slug"])
	}
}

func TestCategoryCreateRejectsDuplicateReference(t *testing.T) {
	srv, handler, _ := newTestServer(t)
	admin := tokenFor(t, srv, roleAdmin)

	req := map[string]any{
		"category_name":      "Summer Sale",
		"category_reference": "summer-sale",
	}
	rec := doRequest(t, handler, http.MethodPost, "/categories", admin, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, handler, http.MethodPost, "/categories", admin, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
