package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ---------------------------------------------------------------------------
// Object kinds
// ---------------------------------------------------------------------------

// objectKind identifies one of the four entity families that can carry
// custom-field extensions. The set is closed: both the metadata catalog and
// the document store are partitioned by it.
type objectKind string

const (
	objectProduct   objectKind = "product"
	objectCategory  objectKind = "category"
	objectInventory objectKind = "inventory"
	objectPricebook objectKind = "pricebook"
)

var objectKinds = []objectKind{objectProduct, objectCategory, objectInventory, objectPricebook}

// parseObjectKind maps a path segment to an object kind, case-insensitively.
func parseObjectKind(s string) (objectKind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "product":
		return objectProduct, true
	case "category":
		return objectCategory, true
	case "inventory":
		return objectInventory, true
	case "pricebook":
		return objectPricebook, true
	}
	return "", false
}

// ---------------------------------------------------------------------------
// Field value kinds
// ---------------------------------------------------------------------------

type fieldValueKind string

const (
	fieldTypeString fieldValueKind = "string"
	fieldTypeInt    fieldValueKind = "int"
)

func parseFieldValueKind(s string) (fieldValueKind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "string":
		return fieldTypeString, true
	case "int":
		return fieldTypeInt, true
	}
	return "", false
}

// ---------------------------------------------------------------------------
// Field definitions
// ---------------------------------------------------------------------------

// fieldDefinition is one registered custom attribute of one object kind.
// Identity is (Object, Name); definitions are append-only and immutable.
// MinLen/MaxLen are only meaningful when Type is fieldTypeString.
type fieldDefinition struct {
	ID          string         `json:"id"`
	Object      objectKind     `json:"$object"`
	Type        fieldValueKind `json:"$type"`
	Name        string         `json:"name"`
	Mandatory   bool           `json:"mandatory"`
	Description string         `json:"description,omitempty"`
	MinLen      *int64         `json:"min_len,omitempty"`
	MaxLen      *int64         `json:"max_len,omitempty"`
}

// ---------------------------------------------------------------------------
// Custom values
// ---------------------------------------------------------------------------

// customValue is a tagged union of the supported scalar kinds. On the wire it
// is a bare JSON scalar; in memory the kind tag is explicit so validation and
// storage dispatch never have to re-infer it.
type customValue struct {
	Kind fieldValueKind
	Str  string
	Int  int64
}

func stringValue(s string) customValue { return customValue{Kind: fieldTypeString, Str: s} }
func intValue(n int64) customValue     { return customValue{Kind: fieldTypeInt, Int: n} }

func (v customValue) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case fieldTypeString:
		return json.Marshal(v.Str)
	case fieldTypeInt:
		return json.Marshal(v.Int)
	}
	return nil, fmt.Errorf("unsupported custom value kind %q", v.Kind)
}

func (v *customValue) UnmarshalJSON(data []byte) error {
	// Unmarshaling null into a string is a no-op that reports success, so
	// null has to be rejected before the string branch sees it.
	if string(bytes.TrimSpace(data)) == "null" {
		return errors.New("custom field values must be strings or whole numbers")
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*v = stringValue(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		i, err := strconv.ParseInt(n.String(), 10, 64)
		if err != nil {
			return fmt.Errorf("custom field values must be strings or whole numbers, got %s", n)
		}
		*v = intValue(i)
		return nil
	}
	return errors.New("custom field values must be strings or whole numbers")
}

// fieldValue is one stored (entity_reference, field_name, value) triple, the
// unit the document store works in.
type fieldValue struct {
	EntityRef string
	FieldName string
	Value     customValue
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// validationError marks caller input that failed a structural check. The
// caller can recover by correcting the payload.
type validationError string

func (e validationError) Error() string { return string(e) }

func validationErrorf(format string, args ...any) validationError {
	return validationError(fmt.Sprintf(format, args...))
}

// errDuplicateField reports an existing definition for (object, name).
var errDuplicateField = errors.New("field with that name already exists on the provided object type")

// unknownFieldError reports an attach request naming a field with no
// registered definition.
type unknownFieldError struct{ name string }

func (e unknownFieldError) Error() string {
	return fmt.Sprintf("custom field with name '%s' does not exist", e.name)
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation. Reference and name uniqueness are guarded check-then-insert, so
// two concurrent creates can both pass the check; the constraint is the
// backstop and its error still belongs to the caller, not the 500 class.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// statusFor maps an error to an HTTP status class: caller mistakes are 400,
// everything else is treated as a persistence failure and reported as 500.
func statusFor(err error) int {
	var vErr validationError
	var uErr unknownFieldError
	switch {
	case errors.As(err, &vErr), errors.As(err, &uErr), errors.Is(err, errDuplicateField):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
