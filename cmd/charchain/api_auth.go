package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

const authSchema = `
CREATE TABLE IF NOT EXISTS charchain_api_keys (
    id            INTEGER   PRIMARY KEY,
    key_hash      TEXT      NOT NULL UNIQUE,
    scopes        TEXT      NOT NULL,
    description   TEXT      NOT NULL
);
`

// authHeader carries the raw API key on every /api request.
const authHeader = "charchain-auth"

// API key scopes. scopeMaster grants every other scope.
const (
	scopeMaster         = "*"
	scopeModelsRead     = "models:read"
	scopeModelsWrite    = "models:write"
	scopeModelsGenerate = "models:generate"
	scopeServerRead     = "server:read"
	scopeServerControl  = "server:control"
	scopeAuthManage     = "auth:manage"
)

var knownScopes = map[string]struct{}{
	scopeMaster:         {},
	scopeModelsRead:     {},
	scopeModelsWrite:    {},
	scopeModelsGenerate: {},
	scopeServerRead:     {},
	scopeServerControl:  {},
	scopeAuthManage:     {},
}

var errInvalidScopes = errors.New("invalid scopes")

type contextKey string

const contextKeyPermissions = contextKey("permissions")

// Permissions holds the authentication info for a request.
type Permissions struct {
	KeyID    int
	ScopeSet map[string]struct{}
}

// AuthAPI authenticates API requests and manages API keys.
type AuthAPI struct {
	db     *sql.DB
	logger *slog.Logger
}

func setupAuthSchema(db *sql.DB) error {
	if _, err := db.Exec(authSchema); err != nil {
		return fmt.Errorf("could not create api key schema: %w", err)
	}
	return nil
}

func NewAuthAPI(db *sql.DB, logger *slog.Logger) *AuthAPI {
	return &AuthAPI{
		db:     db,
		logger: logger,
	}
}

// RegisterRoutes sets up the routing for all /api/auth endpoints.
func (a *AuthAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/auth/me", a.handleCheckMe)
	mux.HandleFunc("/api/auth/keys", a.handleKeys)
	mux.HandleFunc("/api/auth/keys/", a.handleKeyByID)
}

// APIKeyInfo is the structure returned when listing keys.
type APIKeyInfo struct {
	ID          int      `json:"id"`
	Scopes      []string `json:"scopes"`
	Description string   `json:"description"`
}

// CreateKeyRequest is the expected JSON body for creating a new key.
type CreateKeyRequest struct {
	Scopes      []string `json:"scopes"`
	Description string   `json:"description"`
}

// CreateKeyResponse is the JSON response after creating a key. RawKey is
// only ever shown here; the database keeps its hash.
type CreateKeyResponse struct {
	ID     int      `json:"id"`
	RawKey string   `json:"raw_key"`
	Scopes []string `json:"scopes"`
}

// Authenticate rejects any request without a known key in the charchain-auth
// header and stores the key's scopes in the request context.
func (a *AuthAPI) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get(authHeader)
		if apiKey == "" {
			respondWithError(w, http.StatusUnauthorized, "Missing API key")
			return
		}

		var id int
		var scopesStr string
		err := a.db.QueryRowContext(r.Context(), "SELECT id, scopes FROM charchain_api_keys WHERE key_hash = ?", hashAPIKey(apiKey)).Scan(&id, &scopesStr)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				a.logger.Warn("Rejected request with unknown API key", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
				respondWithError(w, http.StatusUnauthorized, "Invalid API key")
				return
			}
			a.logger.Error("Authenticate failed to query API key", "error", err)
			respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
			return
		}

		scopes := strings.Fields(scopesStr)
		scopeSet := make(map[string]struct{}, len(scopes))
		for _, s := range scopes {
			scopeSet[s] = struct{}{}
		}

		ctx := context.WithValue(r.Context(), contextKeyPermissions, &Permissions{KeyID: id, ScopeSet: scopeSet})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *AuthAPI) handleKeys(w http.ResponseWriter, r *http.Request) {
	if !requireScope(w, r, scopeAuthManage) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		keys, err := listAPIKeys(r.Context(), a.db)
		if err != nil {
			a.logger.Error("Failed to list API keys", "error", err)
			respondWithError(w, http.StatusInternalServerError, "Database query failed")
			return
		}
		respondWithJSON(w, http.StatusOK, keys)
	case http.MethodPost:
		var req CreateKeyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondWithError(w, http.StatusBadRequest, "Invalid JSON request body")
			return
		}
		created, err := createAPIKey(r.Context(), a.db, req.Scopes, req.Description)
		if err != nil {
			if errors.Is(err, errInvalidScopes) {
				respondWithError(w, http.StatusBadRequest, err.Error())
				return
			}
			a.logger.Error("Failed to create API key", "error", err)
			respondWithError(w, http.StatusInternalServerError, "Failed to save new key")
			return
		}
		a.logger.Info("API key created", "id", created.ID, "scopes", strings.Join(created.Scopes, " "))
		respondWithJSON(w, http.StatusCreated, created)
	default:
		w.Header().Set("Allow", "GET, POST")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (a *AuthAPI) handleKeyByID(w http.ResponseWriter, r *http.Request) {
	if !requireScope(w, r, scopeAuthManage) {
		return
	}
	idStr := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/auth/keys/"), "/")
	id, err := strconv.Atoi(idStr)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid key ID format in URL")
		return
	}
	if r.Method != http.MethodDelete {
		w.Header().Set("Allow", "DELETE")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed for this key resource")
		return
	}

	// A key cannot delete itself.
	if perms, _ := r.Context().Value(contextKeyPermissions).(*Permissions); perms != nil && perms.KeyID == id {
		respondWithError(w, http.StatusBadRequest, "Cannot delete the key used for this request")
		return
	}

	deleted, err := deleteAPIKey(r.Context(), a.db, id)
	if err != nil {
		a.logger.Error("Failed to delete API key", "id", id, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to delete key")
		return
	}
	if !deleted {
		respondWithError(w, http.StatusNotFound, "Key not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *AuthAPI) handleCheckMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	perms, ok := r.Context().Value(contextKeyPermissions).(*Permissions)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Invalid or missing API key")
		return
	}
	scopes := make([]string, 0, len(perms.ScopeSet))
	for s := range perms.ScopeSet {
		scopes = append(scopes, s)
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"id":     perms.KeyID,
		"scopes": scopes,
	})
}

// createAPIKey stores a new random key and returns it in clear text. The
// first key ever created always gets the master scope.
func createAPIKey(ctx context.Context, db *sql.DB, scopes []string, description string) (CreateKeyResponse, error) {
	for _, s := range scopes {
		if _, ok := knownScopes[s]; !ok {
			return CreateKeyResponse{}, fmt.Errorf("%w: unknown scope %q", errInvalidScopes, s)
		}
	}

	rawKey, err := generateAPIKey()
	if err != nil {
		return CreateKeyResponse{}, err
	}

	var keyCount int
	if err = db.QueryRowContext(ctx, "SELECT COUNT(*) FROM charchain_api_keys").Scan(&keyCount); err != nil {
		return CreateKeyResponse{}, fmt.Errorf("failed to count api keys: %w", err)
	}
	if keyCount == 0 {
		scopes = []string{scopeMaster}
	}
	if len(scopes) == 0 {
		return CreateKeyResponse{}, fmt.Errorf("%w: at least one scope is required", errInvalidScopes)
	}

	var id int
	err = db.QueryRowContext(ctx,
		`INSERT INTO charchain_api_keys (key_hash, description, scopes) VALUES (?, ?, ?) RETURNING id`,
		hashAPIKey(rawKey), description, strings.Join(scopes, " ")).Scan(&id)
	if err != nil {
		return CreateKeyResponse{}, fmt.Errorf("failed to insert api key: %w", err)
	}
	return CreateKeyResponse{ID: id, RawKey: rawKey, Scopes: scopes}, nil
}

func listAPIKeys(ctx context.Context, db *sql.DB) ([]APIKeyInfo, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, description, scopes FROM charchain_api_keys ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	keys := make([]APIKeyInfo, 0)
	for rows.Next() {
		var key APIKeyInfo
		var scopesStr string
		if err = rows.Scan(&key.ID, &key.Description, &scopesStr); err != nil {
			return nil, err
		}
		key.Scopes = strings.Fields(scopesStr)
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func deleteAPIKey(ctx context.Context, db *sql.DB, id int) (bool, error) {
	res, err := db.ExecContext(ctx, "DELETE FROM charchain_api_keys WHERE id = ?", id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// hasScope checks if the permission set in the request context includes a required scope.
func hasScope(r *http.Request, requiredScope string) bool {
	perms, ok := r.Context().Value(contextKeyPermissions).(*Permissions)
	if !ok {
		return false
	}
	if _, isMaster := perms.ScopeSet[scopeMaster]; isMaster {
		return true
	}
	_, has := perms.ScopeSet[requiredScope]
	return has
}

// requireScope writes a 403 and reports false when the request lacks scope.
func requireScope(w http.ResponseWriter, r *http.Request, scope string) bool {
	if hasScope(r, scope) {
		return true
	}
	respondWithError(w, http.StatusForbidden, fmt.Sprintf("Forbidden: requires '%s' scope", scope))
	return false
}

func generateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return "chch_" + hex.EncodeToString(b), nil
}

func hashAPIKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			fmt.Printf("ERROR: Failed to encode JSON response: %v\n", err)
		}
	}
}
