// Package handler implements the HTTP API for the exam drill cycle.
package handler

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/avklimov/boardprep/internal/i18n"
	"github.com/avklimov/boardprep/internal/ingest"
	"github.com/avklimov/boardprep/internal/model"
	"github.com/avklimov/boardprep/internal/store"
)

//go:embed static/index.html
var staticFS embed.FS

// LLM is the slice of the language-model client the handlers need. Tests
// substitute a fake so no handler test touches the network.
type LLM interface {
	GenerateQuestions(ctx context.Context, docText string, count int, excludedTopics []string) ([]model.Question, error)
	ScoreAnswers(ctx context.Context, questions []model.Question, answers []string) ([]model.Evaluation, error)
	Transcribe(ctx context.Context, audio io.Reader, mimeType string) (string, error)
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store     *store.Store
	llm       LLM
	extractor *ingest.Extractor
	config    model.Config

	// One mutex per session serializes the generate/evaluate/transcribe
	// calls, so two tabs cannot race a session through a phase change.
	sessionLocks sync.Map
}

// New creates a new Handler.
func New(s *store.Store, l LLM, e *ingest.Extractor, cfg model.Config) *Handler {
	return &Handler{store: s, llm: l, extractor: e, config: cfg}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.handleIndex)
	r.Get("/state", h.handleState)
	r.Post("/upload", h.handleUpload)
	r.Post("/generate", h.handleGenerate)
	r.Post("/answers/{index}", h.handleAnswer)
	r.Post("/answers/{index}/audio", h.handleAudio)
	r.Post("/evaluate", h.handleEvaluate)
	r.Post("/rounds", h.handleNewRound)
}

func (h *Handler) lockSession(id int64) func() {
	v, _ := h.sessionLocks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	page, err := staticFS.ReadFile("static/index.html")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(page)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// errorResponse is the JSON body of every non-2xx reply.
type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps an error to an HTTP status and a localized message.
func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msgID := "ErrInternal"

	switch {
	case errors.Is(err, model.ErrEmptyDocument):
		status, msgID = http.StatusBadRequest, "ErrEmptyDocument"
	case errors.Is(err, model.ErrGenerationParse):
		status, msgID = http.StatusBadGateway, "ErrGenerationParse"
	case errors.Is(err, model.ErrService):
		status, msgID = http.StatusBadGateway, "ErrService"
	case errors.Is(err, model.ErrLengthMismatch):
		status, msgID = http.StatusConflict, "ErrLengthMismatch"
	case errors.Is(err, model.ErrNothingToEvaluate):
		status, msgID = http.StatusConflict, "ErrNothingToEvaluate"
	case errors.Is(err, model.ErrIndexOutOfRange):
		status, msgID = http.StatusBadRequest, "ErrIndexOutOfRange"
	case errors.Is(err, ingest.ErrNotPDF):
		status, msgID = http.StatusBadRequest, "ErrNotPDF"
	case errors.Is(err, ingest.ErrEmptyUpload):
		status, msgID = http.StatusBadRequest, "ErrEmptyUpload"
	case errors.Is(err, ingest.ErrTooLarge):
		status, msgID = http.StatusRequestEntityTooLarge, "ErrTooLarge"
	case errors.Is(err, errBadRequest):
		status, msgID = http.StatusBadRequest, "ErrBadRequest"
	}

	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	} else {
		slog.Info("request rejected", "error", err, "status", status)
	}

	msg := i18n.T(ctx, msgID)
	if msgID == "ErrTooLarge" {
		msg = i18n.Td(ctx, msgID, map[string]any{"MaxMB": h.config.MaxUploadMB})
	}
	writeJSON(w, status, errorResponse{Error: msg})
}
