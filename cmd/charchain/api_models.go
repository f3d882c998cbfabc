package main

import (
	"bufio"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/CTAG07/charchain/pkg/charmodel"
	"github.com/CTAG07/charchain/pkg/store"
)

// ModelAPI holds the dependencies for the model API handlers.
type ModelAPI struct {
	store  *store.Store
	config *Config
	logger *slog.Logger

	// mu guards cache and every loaded model; a Model is not safe for concurrent use.
	mu    sync.Mutex
	cache map[string]*charmodel.Model
}

// NewModelAPI creates a new instance of the ModelAPI.
func NewModelAPI(s *store.Store, config *Config, logger *slog.Logger) *ModelAPI {
	return &ModelAPI{
		store:  s,
		config: config,
		logger: logger,
		cache:  make(map[string]*charmodel.Model),
	}
}

// RegisterRoutes sets up the routing for all /api endpoints.
func (m *ModelAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/models", m.handleListAndCreateModels)
	mux.HandleFunc("/api/models/", m.handleModelByName)
	mux.HandleFunc("/api/import", m.handleImport)
	mux.HandleFunc("/api/stats", m.handleStats)
}

type CreateModelRequest struct {
	Name         string `json:"name"`
	WindowLength int    `json:"window_length"`
}

type GenerateRequest struct {
	SeedText string `json:"seed_text"`
	Length   int    `json:"length"`
	Stream   bool   `json:"stream"`
}

type GenerateResponse struct {
	Text   string `json:"text"`
	Length int    `json:"length"`
}

type PruneRequest struct {
	MinFreq int `json:"min_freq"`
}

type PruneResponse struct {
	RecordsRemoved int64 `json:"records_removed"`
}

// handleListAndCreateModels handles GET for listing and POST for creating models.
func (m *ModelAPI) handleListAndCreateModels(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !requireScope(w, r, scopeModelsRead) {
			return
		}
		stats, err := m.store.GetStats(r.Context())
		if err != nil {
			m.logger.Error("Failed to get model infos", "error", err)
			respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve models: %v", err))
			return
		}
		respondWithJSON(w, http.StatusOK, stats.Models)

	case http.MethodPost:
		if !requireScope(w, r, scopeModelsWrite) {
			return
		}
		var req CreateModelRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondWithError(w, http.StatusBadRequest, "Invalid JSON request body")
			return
		}
		if req.WindowLength == 0 {
			req.WindowLength = m.config.Model.WindowLength
		}
		if req.Name == "" || strings.Contains(req.Name, "/") || req.WindowLength < 0 {
			respondWithError(w, http.StatusBadRequest, "A model name without '/' and a positive window length are required")
			return
		}

		model := store.ModelInfo{Name: req.Name, WindowLength: req.WindowLength}
		if err := m.store.InsertModel(r.Context(), model); err != nil {
			m.logger.Error("Failed to insert new model", "name", req.Name, "error", err)
			respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to create model: %v", err))
			return
		}
		newModel, err := m.store.GetModelInfo(r.Context(), req.Name)
		if err != nil {
			m.logger.Error("Failed to retrieve newly created model", "name", req.Name, "error", err)
			respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to verify model creation: %v", err))
			return
		}
		respondWithJSON(w, http.StatusCreated, newModel)
	default:
		w.Header().Set("Allow", "GET, POST")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// modelAction is the method and scope a per-model endpoint requires.
type modelAction struct {
	method string
	scope  string
}

var modelActions = map[string]modelAction{
	"":         {http.MethodDelete, scopeModelsWrite},
	"train":    {http.MethodPost, scopeModelsWrite},
	"generate": {http.MethodPost, scopeModelsGenerate},
	"prune":    {http.MethodPost, scopeModelsWrite},
	"export":   {http.MethodGet, scopeModelsRead},
}

// handleModelByName routes actions for a specific model, e.g., train, generate, prune, export, delete.
func (m *ModelAPI) handleModelByName(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/models/")
	modelName, action, _ := strings.Cut(path, "/")

	if modelName == "" {
		respondWithError(w, http.StatusBadRequest, "Model name not specified")
		return
	}

	required, ok := modelActions[action]
	if !ok {
		respondWithError(w, http.StatusNotFound, "Action not found")
		return
	}
	if r.Method != required.method {
		w.Header().Set("Allow", required.method)
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, required.scope) {
		return
	}

	model, err := m.store.GetModelInfo(r.Context(), modelName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondWithError(w, http.StatusNotFound, "Model not found")
			return
		}
		m.logger.Error("Failed to get model info by name", "name", modelName, "error", err)
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Database error: %v", err))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch action {
	case "":
		m.handleDelete(w, r, model)
	case "train":
		m.handleTrain(w, r, model)
	case "generate":
		m.handleGenerate(w, r, model)
	case "prune":
		m.handlePrune(w, r, model)
	case "export":
		m.handleExport(w, r, model)
	}
}

func (m *ModelAPI) handleDelete(w http.ResponseWriter, r *http.Request, info store.ModelInfo) {
	if err := m.store.RemoveModel(r.Context(), info); err != nil {
		m.logger.Error("Failed to remove model", "name", info.Name, "error", err)
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to remove model: %v", err))
		return
	}
	delete(m.cache, info.Name)
	w.WriteHeader(http.StatusNoContent)
}

// loadModel returns the cached in-memory model, loading it from the store on
// first use. The caller must hold m.mu.
func (m *ModelAPI) loadModel(r *http.Request, info store.ModelInfo) (*charmodel.Model, error) {
	if cached, ok := m.cache[info.Name]; ok {
		return cached, nil
	}
	loaded, err := m.store.LoadModel(r.Context(), info)
	if err != nil {
		return nil, err
	}
	loaded.SetLogger(m.logger)
	m.cache[info.Name] = loaded
	return loaded, nil
}

func (m *ModelAPI) handleTrain(w http.ResponseWriter, r *http.Request, info store.ModelInfo) {
	model, err := m.loadModel(r, info)
	if err != nil {
		m.logger.Error("Failed to load model", "name", info.Name, "error", err)
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load model: %v", err))
		return
	}

	body := http.MaxBytesReader(w, r.Body, m.config.Server.MaxTrainBytes)
	if err = model.Train(r.Context(), bufio.NewReader(body)); err != nil {
		m.logger.Error("Failed to train model", "name", info.Name, "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondWithError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("Training text exceeds %d bytes", tooLarge.Limit))
			return
		}
		if errors.Is(err, charmodel.ErrInvalidText) {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Training failed: %v", err))
		return
	}
	if err = m.store.SaveModel(r.Context(), info, model); err != nil {
		// The cached copy no longer matches the database.
		delete(m.cache, info.Name)
		m.logger.Error("Failed to save model", "name", info.Name, "error", err)
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to save model: %v", err))
		return
	}
	respondWithJSON(w, http.StatusOK, model.Stats())
}

func (m *ModelAPI) handleGenerate(w http.ResponseWriter, r *http.Request, info store.ModelInfo) {
	req := GenerateRequest{Length: m.config.Model.GenerateLength}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid JSON request body")
		return
	}
	if req.Length < 0 || req.Length > m.config.Model.MaxGenerateLength {
		respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Length must be between 0 and %d", m.config.Model.MaxGenerateLength))
		return
	}

	model, err := m.loadModel(r, info)
	if err != nil {
		m.logger.Error("Failed to load model", "name", info.Name, "error", err)
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load model: %v", err))
		return
	}

	if !req.Stream {
		text := model.Generate(req.SeedText, req.Length)
		respondWithJSON(w, http.StatusOK, GenerateResponse{Text: text, Length: utf8.RuneCountInString(text)})
		return
	}

	// flushEvery is how many characters are buffered between flushes.
	const flushEvery = 64
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	bw := bufio.NewWriter(w)
	n := 0
	for c := range model.GenerateStream(r.Context(), req.SeedText, req.Length) {
		_, _ = bw.WriteRune(c)
		n++
		if n%flushEvery == 0 && flusher != nil {
			_ = bw.Flush()
			flusher.Flush()
		}
	}
	_ = bw.Flush()
}

func (m *ModelAPI) handlePrune(w http.ResponseWriter, r *http.Request, info store.ModelInfo) {
	var req PruneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid JSON request body")
		return
	}
	removed, err := m.store.PruneModel(r.Context(), info, req.MinFreq)
	if err != nil {
		m.logger.Error("Failed to prune model", "name", info.Name, "error", err)
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Pruning failed: %v", err))
		return
	}
	// Reload on next use so probabilities reflect the pruned counts.
	delete(m.cache, info.Name)
	respondWithJSON(w, http.StatusOK, PruneResponse{RecordsRemoved: removed})
}

func (m *ModelAPI) handleExport(w http.ResponseWriter, r *http.Request, info store.ModelInfo) {
	model, err := m.loadModel(r, info)
	if err != nil {
		m.logger.Error("Failed to load model", "name", info.Name, "error", err)
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load model: %v", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s.json\"", info.Name))
	if err = model.Export(w); err != nil {
		m.logger.Error("Failed to export model", "name", info.Name, "error", err)
	}
}

// handleImport imports a model from an uploaded JSON file, replacing any
// stored model with the name given in the "name" query parameter.
func (m *ModelAPI) handleImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeModelsWrite) {
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" || strings.Contains(name, "/") {
		respondWithError(w, http.StatusBadRequest, "A model name without '/' is required in the 'name' query parameter")
		return
	}

	body := http.MaxBytesReader(w, r.Body, m.config.Server.MaxImportBytes)
	imported, err := charmodel.Import(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondWithError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("Model file exceeds %d bytes", tooLarge.Limit))
			return
		}
		respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Import failed: %v", err))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	info, err := m.store.GetOrCreateModel(r.Context(), name, imported.WindowLength())
	if err != nil {
		if errors.Is(err, charmodel.ErrWindowMismatch) {
			respondWithError(w, http.StatusConflict, err.Error())
			return
		}
		m.logger.Error("Failed to get or create model", "name", name, "error", err)
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Import failed: %v", err))
		return
	}
	if err = m.store.SaveModel(r.Context(), info, imported); err != nil {
		m.logger.Error("Failed to save imported model", "name", name, "error", err)
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Import failed: %v", err))
		return
	}
	delete(m.cache, name)
	respondWithJSON(w, http.StatusCreated, info)
}

// handleStats returns statistics for every stored model.
func (m *ModelAPI) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeModelsRead) {
		return
	}
	stats, err := m.store.GetStats(r.Context())
	if err != nil {
		m.logger.Error("Failed to get stats", "error", err)
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve stats: %v", err))
		return
	}
	respondWithJSON(w, http.StatusOK, stats)
}
