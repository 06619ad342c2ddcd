package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/avklimov/boardprep/internal/i18n"
	"github.com/avklimov/boardprep/internal/ingest"
	"github.com/avklimov/boardprep/internal/model"
	"github.com/avklimov/boardprep/internal/store"
)

// fakeLLM lets each test script the model's behavior without a network.
type fakeLLM struct {
	generateFn      func(count int, excluded []string) ([]model.Question, error)
	scoreFn         func(questions []model.Question, answers []string) ([]model.Evaluation, error)
	transcribeFn    func() (string, error)
	transcribeCalls int
}

func (f *fakeLLM) GenerateQuestions(_ context.Context, _ string, count int, excluded []string) ([]model.Question, error) {
	if f.generateFn != nil {
		return f.generateFn(count, excluded)
	}
	questions := make([]model.Question, count)
	for i := range questions {
		questions[i] = model.Question{
			Topic:     fmt.Sprintf("Topic %d", i),
			Question:  fmt.Sprintf("Question %d?", i),
			AnswerKey: fmt.Sprintf("Key %d", i),
		}
	}
	return questions, nil
}

func (f *fakeLLM) ScoreAnswers(_ context.Context, questions []model.Question, answers []string) ([]model.Evaluation, error) {
	if f.scoreFn != nil {
		return f.scoreFn(questions, answers)
	}
	evals := make([]model.Evaluation, len(questions))
	for i := range evals {
		evals[i] = model.Evaluation{Score: 7, Feedback: "solid", ModelAnswer: "ideal"}
	}
	return evals, nil
}

func (f *fakeLLM) Transcribe(_ context.Context, _ io.Reader, _ string) (string, error) {
	f.transcribeCalls++
	if f.transcribeFn != nil {
		return f.transcribeFn()
	}
	return "dictated text", nil
}

// testClient drives the router while carrying the session cookie like a
// browser would.
type testClient struct {
	t       *testing.T
	handler http.Handler
	cookies []*http.Cookie
}

func newTestEnv(t *testing.T, fake *fakeLLM) (*testClient, *store.Store) {
	t.Helper()
	if err := i18n.Init("en"); err != nil {
		t.Fatalf("i18n.Init: %v", err)
	}
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := model.Config{
		DefaultCount: 3,
		MaxUploadMB:  4,
		SessionTTL:   time.Hour,
		Lang:         "en",
	}
	h := New(s, fake, ingest.New(cfg.MaxUploadMB), cfg)

	r := chi.NewRouter()
	r.Use(i18n.Middleware("en"))
	r.Use(h.SessionMiddleware)
	h.Routes(r)

	return &testClient{t: t, handler: r}, s
}

func (c *testClient) do(method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	c.t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for _, ck := range c.cookies {
		req.AddCookie(ck)
	}
	rec := httptest.NewRecorder()
	c.handler.ServeHTTP(rec, req)
	if cks := rec.Result().Cookies(); len(cks) > 0 {
		c.cookies = cks
	}
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

type stateResponse struct {
	View      model.SessionView `json:"view"`
	InputKeys []string          `json:"input_keys"`
	Summary   *model.Summary    `json:"summary"`
}

func (c *testClient) state() stateResponse {
	c.t.Helper()
	rec := c.do(http.MethodGet, "/state", nil, "")
	if rec.Code != http.StatusOK {
		c.t.Fatalf("GET /state: status %d: %s", rec.Code, rec.Body.String())
	}
	var resp stateResponse
	decodeBody(c.t, rec, &resp)
	return resp
}

// seedDocument attaches manual text directly, bypassing PDF extraction.
func seedDocument(t *testing.T, s *store.Store, c *testClient) int64 {
	t.Helper()
	view := c.state()
	id := view.View.Session.ID
	if err := s.SetDocument(id, "trauma.pdf", "chapter one: the airway"); err != nil {
		t.Fatalf("SetDocument: %v", err)
	}
	return id
}

func formBody(t *testing.T, fields map[string]string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func audioBody(t *testing.T, payload []byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("audio", "dictation.webm")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	fw.Write(payload)
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestGenerateFlow(t *testing.T) {
	c, s := newTestEnv(t, &fakeLLM{})
	seedDocument(t, s, c)

	body, ct := formBody(t, map[string]string{"count": "3"})
	rec := c.do(http.MethodPost, "/generate", body, ct)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /generate: status %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Message string            `json:"message"`
		Set     model.QuestionSet `json:"set"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.Set.Questions) != 3 {
		t.Fatalf("expected 3 questions, got %d", len(resp.Set.Questions))
	}
	// Answer keys stay hidden until evaluation.
	for _, q := range resp.Set.Questions {
		if q.AnswerKey != "" {
			t.Errorf("answer key leaked before evaluation: %+v", q)
		}
	}

	view := c.state()
	if view.View.Session.Phase != model.PhaseAwaitingAnswers {
		t.Errorf("phase = %s, want awaiting_answers", view.View.Session.Phase)
	}
	if len(view.View.Answers) != 3 {
		t.Errorf("expected 3 empty answer slots, got %d", len(view.View.Answers))
	}
	if len(view.InputKeys) != 3 || view.InputKeys[0] != "ans_1_0" {
		t.Errorf("unexpected input keys %v", view.InputKeys)
	}
}

func TestGenerateWithoutDocument(t *testing.T) {
	c, _ := newTestEnv(t, &fakeLLM{})

	rec := c.do(http.MethodPost, "/generate", nil, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGenerateRollbackOnFailure(t *testing.T) {
	fake := &fakeLLM{
		generateFn: func(int, []string) ([]model.Question, error) {
			return nil, fmt.Errorf("%w: model down", model.ErrService)
		},
	}
	c, s := newTestEnv(t, fake)
	seedDocument(t, s, c)

	rec := c.do(http.MethodPost, "/generate", nil, "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", rec.Code, rec.Body.String())
	}

	view := c.state()
	if view.View.Session.Phase != model.PhaseIdle {
		t.Errorf("phase = %s, want idle after rollback", view.View.Session.Phase)
	}
	if view.View.Set != nil {
		t.Error("failed generation must not leave a set behind")
	}
	if len(view.View.UsedTopics) != 0 {
		t.Errorf("failed generation must not touch the topic ledger, got %v", view.View.UsedTopics)
	}
}

func TestGenerateExcludesUsedTopics(t *testing.T) {
	var seenExcluded []string
	fake := &fakeLLM{}
	fake.generateFn = func(count int, excluded []string) ([]model.Question, error) {
		seenExcluded = excluded
		questions := make([]model.Question, count)
		for i := range questions {
			questions[i] = model.Question{
				Topic:     fmt.Sprintf("Round topic %v %d", len(excluded), i),
				Question:  "Q?",
				AnswerKey: "K",
			}
		}
		return questions, nil
	}
	c, s := newTestEnv(t, fake)
	seedDocument(t, s, c)

	body, ct := formBody(t, map[string]string{"count": "2"})
	if rec := c.do(http.MethodPost, "/generate", body, ct); rec.Code != http.StatusOK {
		t.Fatalf("first generate: %d", rec.Code)
	}
	body, ct = formBody(t, map[string]string{"count": "2"})
	if rec := c.do(http.MethodPost, "/generate", body, ct); rec.Code != http.StatusOK {
		t.Fatalf("second generate: %d", rec.Code)
	}

	if len(seenExcluded) != 2 {
		t.Fatalf("second generation should exclude the first round's 2 topics, got %v", seenExcluded)
	}
}

func TestAnswerAndEvaluate(t *testing.T) {
	fake := &fakeLLM{
		scoreFn: func(questions []model.Question, answers []string) ([]model.Evaluation, error) {
			if len(answers) != len(questions) {
				return nil, model.ErrLengthMismatch
			}
			evals := make([]model.Evaluation, len(questions))
			for i := range evals {
				evals[i] = model.Evaluation{Score: 8, Feedback: "good", ModelAnswer: "ideal"}
			}
			return evals, nil
		},
	}
	c, s := newTestEnv(t, fake)
	seedDocument(t, s, c)

	body, ct := formBody(t, map[string]string{"count": "2"})
	if rec := c.do(http.MethodPost, "/generate", body, ct); rec.Code != http.StatusOK {
		t.Fatalf("generate: %d", rec.Code)
	}

	rec := c.do(http.MethodPost, "/answers/0", strings.NewReader(`{"text":"secure the airway"}`), "application/json")
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /answers/0: %d: %s", rec.Code, rec.Body.String())
	}

	rec = c.do(http.MethodPost, "/answers/9", strings.NewReader(`{"text":"x"}`), "application/json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("out-of-range answer: expected 400, got %d", rec.Code)
	}

	rec = c.do(http.MethodPost, "/evaluate", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /evaluate: %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Summary model.Summary `json:"summary"`
	}
	decodeBody(t, rec, &resp)
	if resp.Summary.Total != 16 || resp.Summary.Max != 20 {
		t.Errorf("summary = %+v, want 16/20", resp.Summary)
	}

	view := c.state()
	if view.View.Session.Phase != model.PhaseEvaluated {
		t.Errorf("phase = %s, want evaluated", view.View.Session.Phase)
	}
	// Answer keys are revealed once scored.
	if view.View.Set.Questions[0].AnswerKey == "" {
		t.Error("answer key should be visible after evaluation")
	}
	if view.Summary == nil || view.Summary.Total != 16 {
		t.Errorf("state summary = %+v", view.Summary)
	}
}

func TestEvaluateWithoutSet(t *testing.T) {
	c, _ := newTestEnv(t, &fakeLLM{})

	rec := c.do(http.MethodPost, "/evaluate", nil, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestEvaluateFailureKeepsOldScoresStale(t *testing.T) {
	fail := false
	fake := &fakeLLM{
		scoreFn: func(questions []model.Question, _ []string) ([]model.Evaluation, error) {
			if fail {
				return nil, fmt.Errorf("%w: model down", model.ErrService)
			}
			evals := make([]model.Evaluation, len(questions))
			for i := range evals {
				evals[i] = model.Evaluation{Score: 5, Feedback: "f", ModelAnswer: "m"}
			}
			return evals, nil
		},
	}
	c, s := newTestEnv(t, fake)
	seedDocument(t, s, c)

	body, ct := formBody(t, map[string]string{"count": "1"})
	c.do(http.MethodPost, "/generate", body, ct)
	if rec := c.do(http.MethodPost, "/evaluate", nil, ""); rec.Code != http.StatusOK {
		t.Fatalf("first evaluate: %d", rec.Code)
	}

	fail = true
	if rec := c.do(http.MethodPost, "/evaluate", nil, ""); rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}

	view := c.state()
	if view.View.Session.Phase != model.PhaseEvaluated {
		t.Errorf("phase = %s, want rollback to evaluated", view.View.Session.Phase)
	}
	if len(view.View.Evaluations) != 1 {
		t.Fatalf("prior evaluations must survive a failed re-run, got %d", len(view.View.Evaluations))
	}
	if !view.View.Session.EvaluationsStale {
		t.Error("surviving evaluations should be flagged stale")
	}
}

func TestAudioTranscriptionIdempotent(t *testing.T) {
	fake := &fakeLLM{transcribeFn: func() (string, error) { return "first take", nil }}
	c, s := newTestEnv(t, fake)
	seedDocument(t, s, c)

	body, ct := formBody(t, map[string]string{"count": "1"})
	c.do(http.MethodPost, "/generate", body, ct)

	payload := []byte("RIFF-fake-audio-payload")
	aBody, aCT := audioBody(t, payload)
	rec := c.do(http.MethodPost, "/answers/0/audio", aBody, aCT)
	if rec.Code != http.StatusOK {
		t.Fatalf("audio: %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Answer  string `json:"answer"`
		Already bool   `json:"already_transcribed"`
	}
	decodeBody(t, rec, &resp)
	if resp.Answer != "first take" || resp.Already {
		t.Fatalf("first delivery: %+v", resp)
	}

	// Redeliver the identical payload: no new transcription call, answer
	// unchanged.
	aBody, aCT = audioBody(t, payload)
	rec = c.do(http.MethodPost, "/answers/0/audio", aBody, aCT)
	decodeBody(t, rec, &resp)
	if !resp.Already || resp.Answer != "first take" {
		t.Fatalf("redelivery: %+v", resp)
	}
	if fake.transcribeCalls != 1 {
		t.Errorf("transcribe called %d times, want 1", fake.transcribeCalls)
	}

	// A different recording appends with a space join.
	fake.transcribeFn = func() (string, error) { return "second take", nil }
	aBody, aCT = audioBody(t, []byte("different-audio-bytes"))
	rec = c.do(http.MethodPost, "/answers/0/audio", aBody, aCT)
	decodeBody(t, rec, &resp)
	if resp.Answer != "first take second take" {
		t.Errorf("merged answer = %q", resp.Answer)
	}
}

func TestNewRoundPreservesLedger(t *testing.T) {
	c, s := newTestEnv(t, &fakeLLM{})
	seedDocument(t, s, c)

	body, ct := formBody(t, map[string]string{"count": "2"})
	c.do(http.MethodPost, "/generate", body, ct)

	rec := c.do(http.MethodPost, "/rounds", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /rounds: %d: %s", rec.Code, rec.Body.String())
	}

	view := c.state()
	if view.View.Session.Round != 2 {
		t.Errorf("round = %d, want 2", view.View.Session.Round)
	}
	if view.View.Set != nil {
		t.Error("new round must clear the active set")
	}
	if len(view.View.UsedTopics) != 2 {
		t.Errorf("topic ledger must survive a new round, got %v", view.View.UsedTopics)
	}
	if view.View.Session.Phase != model.PhaseIdle {
		t.Errorf("phase = %s, want idle", view.View.Session.Phase)
	}
}

func TestSessionIsolation(t *testing.T) {
	fake := &fakeLLM{}
	if err := i18n.Init("en"); err != nil {
		t.Fatalf("i18n.Init: %v", err)
	}
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := model.Config{DefaultCount: 3, MaxUploadMB: 4, SessionTTL: time.Hour, Lang: "en"}
	h := New(s, fake, ingest.New(cfg.MaxUploadMB), cfg)
	r := chi.NewRouter()
	r.Use(i18n.Middleware("en"))
	r.Use(h.SessionMiddleware)
	h.Routes(r)

	a := &testClient{t: t, handler: r}
	b := &testClient{t: t, handler: r}

	idA := a.state().View.Session.ID
	idB := b.state().View.Session.ID
	if idA == idB {
		t.Fatal("two browsers must get distinct sessions")
	}

	// A session cookie pins the same session across requests.
	if again := a.state().View.Session.ID; again != idA {
		t.Errorf("session changed between requests: %d then %d", idA, again)
	}
}

func TestUploadRejectsNonPDF(t *testing.T) {
	c, _ := newTestEnv(t, &fakeLLM{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("document", "notes.pdf")
	fw.Write([]byte("plain text pretending to be a pdf"))
	mw.Close()

	rec := c.do(http.MethodPost, "/upload", &buf, mw.FormDataContentType())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Error string `json:"error"`
	}
	decodeBody(t, rec, &resp)
	if resp.Error == "" {
		t.Error("expected a localized error message")
	}
}

func TestIndexServesPage(t *testing.T) {
	c, _ := newTestEnv(t, &fakeLLM{})

	rec := c.do(http.MethodGet, "/", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "BoardPrep") {
		t.Error("index page missing title")
	}
}
