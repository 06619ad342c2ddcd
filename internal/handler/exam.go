package handler

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"

	"github.com/avklimov/boardprep/internal/i18n"
	"github.com/avklimov/boardprep/internal/llm"
	"github.com/avklimov/boardprep/internal/model"
)

// handleUpload accepts a multipart PDF, extracts its text and attaches it to
// the session. An extraction that yields no text is still accepted; the reply
// carries an OCR warning instead of an error.
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := model.SessionFromContext(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, h.extractor.MaxBytes()+1024)
	if err := r.ParseMultipartForm(h.extractor.MaxBytes()); err != nil {
		h.writeError(ctx, w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	file, header, err := r.FormFile("document")
	if err != nil {
		h.writeError(ctx, w, fmt.Errorf("%w: missing document field: %v", errBadRequest, err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	text, err := h.extractor.Extract(header.Filename, data)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	if err := h.store.SetDocument(sess.ID, header.Filename, text); err != nil {
		h.writeError(ctx, w, err)
		return
	}
	slog.Info("document uploaded", "session_id", sess.ID, "name", header.Filename, "text_len", len(text))

	resp := map[string]any{
		"message":  i18n.Td(ctx, "UploadedDocument", map[string]any{"Name": header.Filename}),
		"doc_name": header.Filename,
	}
	if text == "" {
		resp["warning"] = i18n.T(ctx, "WarnNoTextExtracted")
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGenerate asks the LLM for a fresh question set, excluding every topic
// already used in this session. A failed call rolls the phase back and leaves
// the session exactly as it was.
func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := model.SessionFromContext(ctx)
	defer h.lockSession(sess.ID)()

	count := h.config.DefaultCount
	if raw := strings.TrimSpace(r.FormValue("count")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(ctx, w, fmt.Errorf("%w: bad count %q", errBadRequest, raw))
			return
		}
		count = n
	}
	if count < 1 {
		count = 1
	}
	if count > llm.MaxQuestions {
		count = llm.MaxQuestions
	}

	if strings.TrimSpace(sess.DocText) == "" {
		h.writeError(ctx, w, model.ErrEmptyDocument)
		return
	}

	used, err := h.store.UsedTopics(sess.ID)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	prev := sess.Phase
	if err := h.store.UpdatePhase(sess.ID, model.PhaseGenerating); err != nil {
		h.writeError(ctx, w, err)
		return
	}

	questions, err := h.llm.GenerateQuestions(ctx, sess.DocText, count, used)
	if err != nil {
		h.rollbackPhase(sess.ID, prev)
		h.writeError(ctx, w, err)
		return
	}

	set, err := h.store.CreateQuestionSet(sess.ID, questions)
	if err != nil {
		h.rollbackPhase(sess.ID, prev)
		h.writeError(ctx, w, err)
		return
	}
	slog.Info("question set created", "session_id", sess.ID, "set_id", set.SetID, "questions", len(set.Questions))

	writeJSON(w, http.StatusOK, map[string]any{
		"message": i18n.Tp(ctx, "QuestionsGenerated", len(set.Questions)),
		"set":     redactSet(set, model.PhaseAwaitingAnswers),
	})
}

// answerRequest is the body of POST /answers/{index}.
type answerRequest struct {
	Text string `json:"text"`
}

// handleAnswer overwrites the typed answer at the given index.
func (h *Handler) handleAnswer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := model.SessionFromContext(ctx)

	index, err := answerIndex(r)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(ctx, w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	if err := h.store.SetAnswer(sess.ID, index, req.Text); err != nil {
		h.writeError(ctx, w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"answer":    req.Text,
		"input_key": inputKey(sess.Round, index),
	})
}

// handleAudio transcribes a dictated recording and appends it to the answer
// at the given index. Redelivery of the same recording is a no-op: the
// payload hash is checked before any transcription call.
func (h *Handler) handleAudio(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := model.SessionFromContext(ctx)
	defer h.lockSession(sess.ID)()

	index, err := answerIndex(r)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.extractor.MaxBytes()+1024)
	if err := r.ParseMultipartForm(h.extractor.MaxBytes()); err != nil {
		h.writeError(ctx, w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	file, header, err := r.FormFile("audio")
	if err != nil {
		h.writeError(ctx, w, fmt.Errorf("%w: missing audio field: %v", errBadRequest, err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	sum := sha256.Sum256(data)
	audioHash := hex.EncodeToString(sum[:])

	// Same payload as last time: skip the transcription call entirely.
	last, err := h.store.LastAudioHash(sess.ID, index)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	if last == audioHash {
		h.writeAudioReply(ctx, w, sess, index, "", true)
		return
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = mimetype.Detect(data).String()
	}

	transcript, err := h.llm.Transcribe(ctx, bytes.NewReader(data), mimeType)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	merged, already, err := h.store.AppendTranscript(sess.ID, index, transcript, audioHash)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	h.writeAudioReply(ctx, w, sess, index, merged, already)
}

// writeAudioReply reports the merged answer; when the recording was already
// consumed the current answer is re-read so the client still sees it.
func (h *Handler) writeAudioReply(ctx context.Context, w http.ResponseWriter, sess *model.StudySession, index int, merged string, already bool) {
	if already {
		answers, err := h.store.Answers(sess.ID)
		if err != nil {
			h.writeError(ctx, w, err)
			return
		}
		if index < len(answers) {
			merged = answers[index]
		}
	}

	resp := map[string]any{
		"answer":              merged,
		"already_transcribed": already,
		"input_key":           inputKey(sess.Round, index),
	}
	if already {
		resp["message"] = i18n.T(ctx, "InfoAlreadyTranscribed")
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleEvaluate scores every answer of the active set in one batched call.
// On failure the phase rolls back and any prior scores are flagged stale
// rather than deleted.
func (h *Handler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := model.SessionFromContext(ctx)
	defer h.lockSession(sess.ID)()

	set, err := h.store.ActiveSet(sess.ID)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	if set == nil {
		h.writeError(ctx, w, model.ErrNothingToEvaluate)
		return
	}
	answers, err := h.store.Answers(sess.ID)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	prev := sess.Phase
	if err := h.store.UpdatePhase(sess.ID, model.PhaseEvaluating); err != nil {
		h.writeError(ctx, w, err)
		return
	}

	evals, err := h.llm.ScoreAnswers(ctx, set.Questions, answers)
	if err != nil {
		h.rollbackPhase(sess.ID, prev)
		if prev == model.PhaseEvaluated {
			if serr := h.store.MarkEvaluationsStale(sess.ID); serr != nil {
				slog.Error("mark evaluations stale", "session_id", sess.ID, "error", serr)
			}
		}
		h.writeError(ctx, w, err)
		return
	}

	if err := h.store.SaveEvaluations(sess.ID, evals); err != nil {
		h.rollbackPhase(sess.ID, prev)
		h.writeError(ctx, w, err)
		return
	}

	summary, err := model.Summarize(evals)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	slog.Info("set evaluated", "session_id", sess.ID, "set_id", set.SetID, "total", summary.Total, "max", summary.Max)

	writeJSON(w, http.StatusOK, map[string]any{
		"evaluations": evals,
		"summary":     summary,
		"set":         redactSet(set, model.PhaseEvaluated),
		"message": i18n.Td(ctx, "ScoreSummary", map[string]any{
			"Total":      summary.Total,
			"Max":        summary.Max,
			"Percentage": summary.Percentage,
		}),
	})
}

// handleNewRound discards the active set and starts a fresh round. The topic
// ledger and set history survive; only the working surface is cleared.
func (h *Handler) handleNewRound(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := model.SessionFromContext(ctx)
	defer h.lockSession(sess.ID)()

	if err := h.store.StartNewRound(sess.ID); err != nil {
		h.writeError(ctx, w, err)
		return
	}
	slog.Info("new round", "session_id", sess.ID, "round", sess.Round+1)

	h.writeState(ctx, w, sess.ID)
}

// handleState returns the full aligned snapshot of the session.
func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := model.SessionFromContext(ctx)
	h.writeState(ctx, w, sess.ID)
}

func (h *Handler) writeState(ctx context.Context, w http.ResponseWriter, sessionID int64) {
	view, err := h.store.SessionView(sessionID)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	view.Set = redactSet(view.Set, view.Session.Phase)

	keys := make([]string, len(view.Answers))
	for i := range view.Answers {
		keys[i] = inputKey(view.Session.Round, i)
	}

	resp := map[string]any{
		"view":       view,
		"input_keys": keys,
	}
	if len(view.Evaluations) > 0 {
		if summary, err := model.Summarize(view.Evaluations); err == nil {
			resp["summary"] = summary
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// errBadRequest covers malformed requests that never reach the stores.
var errBadRequest = errors.New("bad request")

func answerIndex(r *http.Request) (int, error) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		return 0, fmt.Errorf("%w: bad index %q", model.ErrIndexOutOfRange, chi.URLParam(r, "index"))
	}
	return index, nil
}

// inputKey namespaces a UI input by round, so a stale field from a discarded
// round never reads as current.
func inputKey(round, index int) string {
	return fmt.Sprintf("ans_%d_%d", round, index)
}

// redactSet blanks the answer keys unless the set has been evaluated, so a
// client cannot peek at the expected answers mid-round.
func redactSet(set *model.QuestionSet, phase model.Phase) *model.QuestionSet {
	if set == nil || phase == model.PhaseEvaluated {
		return set
	}
	clone := *set
	clone.Questions = make([]model.Question, len(set.Questions))
	for i, q := range set.Questions {
		q.AnswerKey = ""
		clone.Questions[i] = q
	}
	return &clone
}

// rollbackPhase restores the pre-call phase after a failed external call.
func (h *Handler) rollbackPhase(sessionID int64, prev model.Phase) {
	if err := h.store.UpdatePhase(sessionID, prev); err != nil {
		slog.Error("phase rollback failed", "session_id", sessionID, "phase", prev, "error", err)
	}
}
