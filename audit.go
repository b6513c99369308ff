package main

import (
	"context"
	"database/sql"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Audit log
// ---------------------------------------------------------------------------

type auditEntry struct {
	ID        string    `json:"id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Category  string    `json:"category,omitempty"`
	File      string    `json:"file,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type createAuditEntryRequest struct {
	Level    string `json:"level"`
	Message  string `json:"message"`
	Category string `json:"category"`
	File     string `json:"file"`
}

func normalizeLogLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "info":
		return "info"
	case "warn":
		return "warn"
	case "error":
		return "error"
	}
	return ""
}

type auditStore struct {
	db      *sql.DB
	mu      sync.RWMutex
	entries []auditEntry
}

func newAuditStore(db *sql.DB) *auditStore {
	return &auditStore{db: db}
}

func (s *auditStore) append(ctx context.Context, entry auditEntry) error {
	if s.db == nil {
		s.mu.Lock()
		s.entries = append(s.entries, entry)
		s.mu.Unlock()
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (id, level, message, category, file, created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		entry.ID, entry.Level, entry.Message, nilIfEmpty(entry.Category), nilIfEmpty(entry.File), entry.CreatedAt)
	return err
}

func (s *auditStore) recent(ctx context.Context, limit int) ([]auditEntry, error) {
	if s.db == nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		start := len(s.entries) - limit
		if start < 0 {
			start = 0
		}
		items := make([]auditEntry, 0, limit)
		for i := len(s.entries) - 1; i >= start; i-- {
			items = append(items, s.entries[i])
		}
		return items, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, level, message, category, file, created_at FROM audit_logs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]auditEntry, 0, limit)
	for rows.Next() {
		var entry auditEntry
		var category, file sql.NullString
		if err := rows.Scan(&entry.ID, &entry.Level, &entry.Message, &category, &file, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.Category = category.String
		entry.File = file.String
		items = append(items, entry)
	}
	return items, rows.Err()
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

func (s *server) handleLogs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		if !requireRoles(w, r, roleAdmin, roleEditor, roleReader) {
			return
		}
		var req createAuditEntryRequest
		if err := decodeJSON(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		level := normalizeLogLevel(req.Level)
		if level == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "'level' must be one of info, warn, error"})
			return
		}
		if strings.TrimSpace(req.Message) == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "'message' is a mandatory field"})
			return
		}

		entry := auditEntry{
			ID:        uuid.NewString(),
			Level:     level,
			Message:   strings.TrimSpace(req.Message),
			Category:  strings.TrimSpace(req.Category),
			File:      strings.TrimSpace(req.File),
			CreatedAt: time.Now().UTC(),
		}
		if err := s.audit.append(r.Context(), entry); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": entry.ID})
	case http.MethodGet:
		if !requireRoles(w, r, roleAdmin) {
			return
		}
		items, err := s.audit.recent(r.Context(), 100)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}
