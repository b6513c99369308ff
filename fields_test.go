package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestParseObjectKindIsCaseInsensitive(t *testing.T) {
	for _, segment := range []string{"product", "Product", "PRODUCT", " product "} {
		kind, ok := parseObjectKind(segment)
		if !ok {
			t.Fatalf("parseObjectKind(%q) did not resolve", segment)
		}
		if kind != objectProduct {
			t.Fatalf("parseObjectKind(%q) = %q, want %q", segment, kind, objectProduct)
		}
	}

	if _, ok := parseObjectKind("warehouse"); ok {
		t.Fatal("parseObjectKind accepted an unknown kind")
	}
}

func TestCustomValueJSONRoundTrip(t *testing.T) {
	payload := []byte(`{"seo_slug":"summer-sale","priority":7}`)

	var fields map[string]customValue
	if err := json.Unmarshal(payload, &fields); err != nil {
		t.Fatalf("unmarshal returned error: %v", err)
	}
	if got := fields["seo_slug"]; got != stringValue("summer-sale") {
		t.Fatalf("seo_slug decoded as %+v", got)
	}
	if got := fields["priority"]; got != intValue(7) {
		t.Fatalf("priority decoded as %+v", got)
	}

	out, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("marshal returned error: %v", err)
	}
	var round map[string]customValue
	if err := json.Unmarshal(out, &round); err != nil {
		t.Fatalf("re-unmarshal returned error: %v", err)
	}
	if round["priority"] != intValue(7) || round["seo_slug"] != stringValue("summer-sale") {
		t.Fatalf("round trip mismatch: %+v", round)
	}
}

func TestCustomValueRejectsNonScalars(t *testing.T) {
	for _, payload := range []string{`3.5`, `true`, `{"a":1}`, `[1,2]`, `null`, ` null `} {
		var v customValue
		if err := json.Unmarshal([]byte(payload), &v); err == nil {
			t.Fatalf("expected %s to be rejected", payload)
		}
	}

	// null inside a field map must fail the whole decode, not silently
	// become an empty string.
	var fields map[string]customValue
	if err := json.Unmarshal([]byte(`{"seo_slug":null}`), &fields); err == nil {
		t.Fatal("expected a null field value to be rejected")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	wrapped := fmt.Errorf("insert category: %w", &pgconn.PgError{Code: "23505"})
	if !isUniqueViolation(wrapped) {
		t.Fatal("wrapped 23505 should be recognized")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Fatal("foreign-key violations are not duplicates")
	}
	if isUniqueViolation(errors.New("connection refused")) {
		t.Fatal("plain errors are not duplicates")
	}
}

func TestStatusForSeparatesCallerAndStoreFailures(t *testing.T) {
	if got := statusFor(validationError("bad input")); got != http.StatusBadRequest {
		t.Fatalf("validation error mapped to %d", got)
	}
	if got := statusFor(errDuplicateField); got != http.StatusBadRequest {
		t.Fatalf("duplicate error mapped to %d", got)
	}
	if got := statusFor(unknownFieldError{name: "x"}); got != http.StatusBadRequest {
		t.Fatalf("unknown field error mapped to %d", got)
	}
	if got := statusFor(errors.New("connection refused")); got != http.StatusInternalServerError {
		t.Fatalf("store failure mapped to %d", got)
	}
}
