package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// ---------------------------------------------------------------------------
// Portal users
// ---------------------------------------------------------------------------

const (
	roleReader = "READER"
	roleEditor = "EDITOR"
	roleAdmin  = "ADMIN"
)

func validRole(role string) bool {
	switch role {
	case roleReader, roleEditor, roleAdmin:
		return true
	}
	return false
}

type portalUser struct {
	ID        string   `json:"id"`
	Email     string   `json:"email"`
	FirstName string   `json:"first_name"`
	LastName  string   `json:"last_name"`
	Password  string   `json:"-"`
	Roles     []string `json:"roles"`
}

type createPortalUserRequest struct {
	Email     string   `json:"email"`
	FirstName string   `json:"first_name"`
	LastName  string   `json:"last_name"`
	Password  string   `json:"password"`
	Roles     []string `json:"roles"`
}

func (req createPortalUserRequest) validate() error {
	if strings.TrimSpace(req.Email) == "" {
		return validationError("'email' is a mandatory field")
	}
	if strings.TrimSpace(req.FirstName) == "" {
		return validationError("'first_name' is a mandatory field")
	}
	if strings.TrimSpace(req.LastName) == "" {
		return validationError("'last_name' is a mandatory field")
	}
	if req.Password == "" {
		return validationError("'password' is a mandatory field")
	}
	if len(req.Password) <= 4 {
		return validationError("'password' should be longer than 4 symbols")
	}
	for _, role := range req.Roles {
		if !validRole(role) {
			return validationErrorf("there is no role '%s'", role)
		}
	}
	return nil
}

type signinRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// portalUserStore persists portal users in Postgres, or in memory when the
// service runs without a database.
type portalUserStore struct {
	db      *sql.DB
	mu      sync.RWMutex
	byID    map[string]portalUser
	byEmail map[string]string
}

func newPortalUserStore(db *sql.DB) *portalUserStore {
	return &portalUserStore{
		db:      db,
		byID:    make(map[string]portalUser),
		byEmail: make(map[string]string),
	}
}

func (s *portalUserStore) create(ctx context.Context, user portalUser) error {
	if s.db == nil {
		s.mu.Lock()
		s.byID[user.ID] = user
		s.byEmail[user.Email] = user.ID
		s.mu.Unlock()
		return nil
	}
	q := `INSERT INTO portal_users (id, email, first_name, last_name, password, roles)
		VALUES ($1,$2,$3,$4,$5,$6)`
	_, err := s.db.ExecContext(ctx, q, user.ID, user.Email, user.FirstName, user.LastName,
		user.Password, strings.Join(user.Roles, ","))
	return err
}

func (s *portalUserStore) getByID(ctx context.Context, id string) (portalUser, error) {
	if s.db == nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		user, ok := s.byID[id]
		if !ok {
			return portalUser{}, sql.ErrNoRows
		}
		return user, nil
	}
	q := `SELECT id, email, first_name, last_name, password, roles FROM portal_users WHERE id = $1`
	return scanPortalUser(s.db.QueryRowContext(ctx, q, id))
}

func (s *portalUserStore) getByEmail(ctx context.Context, email string) (portalUser, error) {
	if s.db == nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		id, ok := s.byEmail[email]
		if !ok {
			return portalUser{}, sql.ErrNoRows
		}
		return s.byID[id], nil
	}
	q := `SELECT id, email, first_name, last_name, password, roles FROM portal_users WHERE email = $1`
	return scanPortalUser(s.db.QueryRowContext(ctx, q, email))
}

func scanPortalUser(row rowScanner) (portalUser, error) {
	var user portalUser
	var roles string
	if err := row.Scan(&user.ID, &user.Email, &user.FirstName, &user.LastName,
		&user.Password, &roles); err != nil {
		return portalUser{}, err
	}
	if roles != "" {
		user.Roles = strings.Split(roles, ",")
	}
	return user, nil
}

// ---------------------------------------------------------------------------
// JWT
// ---------------------------------------------------------------------------

type jwtClaims struct {
	Email string   `json:"email"`
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

func (c jwtClaims) hasAnyRole(roles ...string) bool {
	for _, have := range c.Roles {
		for _, want := range roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

type claimsContextKey struct{}

func claimsFrom(r *http.Request) (jwtClaims, bool) {
	claims, ok := r.Context().Value(claimsContextKey{}).(jwtClaims)
	return claims, ok
}

func (s *server) issueToken(user portalUser) (string, error) {
	claims := jwtClaims{
		Email: user.Email,
		Roles: user.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.cfg.TokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.cfg.JWTSecret))
}

// withAuth rejects requests without a valid bearer token and stores the
// parsed claims in the request context.
func (s *server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
			return
		}

		var claims jwtClaims
		_, err := jwt.ParseWithClaims(parts[1], &claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(s.cfg.JWTSecret), nil
		})
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRoles is the shared role gate for handlers; it writes the response
// itself when access is denied.
func requireRoles(w http.ResponseWriter, r *http.Request, roles ...string) bool {
	claims, ok := claimsFrom(r)
	if !ok || !claims.hasAnyRole(roles...) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "not enough permissions"})
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

func (s *server) handleSignin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	var req signinRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "'email' and 'password' are mandatory fields"})
		return
	}

	user, err := s.portalUsers.getByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "no matching credentials"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)) != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "no matching credentials"})
		return
	}

	token, err := s.issueToken(user)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "there was an error logging in"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"jwt": token})
}

func (s *server) handlePortalUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if !requireRoles(w, r, roleAdmin) {
		return
	}

	var req createPortalUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := req.validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if _, err := s.portalUsers.getByEmail(r.Context(), req.Email); err == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user with that email already exists"})
		return
	} else if !errors.Is(err, sql.ErrNoRows) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "there was an error creating a portal user"})
		return
	}
	user := portalUser{
		ID:        uuid.NewString(),
		Email:     strings.TrimSpace(req.Email),
		FirstName: strings.TrimSpace(req.FirstName),
		LastName:  strings.TrimSpace(req.LastName),
		Password:  string(hash),
		Roles:     req.Roles,
	}
	if err := s.portalUsers.create(r.Context(), user); err != nil {
		if isUniqueViolation(err) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user with that email already exists"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": user.ID})
}

func (s *server) handlePortalUserByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if !requireRoles(w, r, roleAdmin) {
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/portal/users/")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing id"})
		return
	}
	user, err := s.portalUsers.getByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "portal user with id '" + id + "' was not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": user})
}
