package model

import (
	"context"
	"time"
)

// Phase represents the state of a study session's exam cycle.
type Phase string

const (
	// PhaseIdle means no question set is active.
	PhaseIdle Phase = "idle"
	// PhaseGenerating means a generation call is in flight.
	PhaseGenerating Phase = "generating"
	// PhaseAwaitingAnswers means a question set is active and not yet scored.
	PhaseAwaitingAnswers Phase = "awaiting_answers"
	// PhaseEvaluating means a scoring call is in flight.
	PhaseEvaluating Phase = "evaluating"
	// PhaseEvaluated means the active set has been scored.
	PhaseEvaluated Phase = "evaluated"
)

// phaseTransitions names every legal phase transition. Transient phases
// (generating, evaluating) may roll back to the phase the session held before
// the external call started; a failed call must leave the session unchanged.
var phaseTransitions = map[Phase][]Phase{
	PhaseIdle:            {PhaseGenerating},
	PhaseGenerating:      {PhaseAwaitingAnswers, PhaseIdle, PhaseEvaluated},
	PhaseAwaitingAnswers: {PhaseEvaluating, PhaseGenerating, PhaseIdle},
	PhaseEvaluating:      {PhaseEvaluated, PhaseAwaitingAnswers},
	PhaseEvaluated:       {PhaseEvaluating, PhaseGenerating, PhaseIdle},
}

// CanTransition reports whether moving from p to next is a named transition.
func (p Phase) CanTransition(next Phase) bool {
	for _, t := range phaseTransitions[p] {
		if t == next {
			return true
		}
	}
	return false
}

// Question is one generated short-answer question. Immutable once generated.
type Question struct {
	ID        int64  `json:"id"`
	Topic     string `json:"topic"`
	Question  string `json:"question"`
	AnswerKey string `json:"answer_key"`
}

// QuestionSet is one round's batch of questions. Created atomically on a
// successful generation, appended to session history, never mutated after.
type QuestionSet struct {
	ID        int64      `json:"id"`
	SessionID int64      `json:"session_id"`
	SetID     int64      `json:"set_id"`
	Questions []Question `json:"questions"`
	CreatedAt time.Time  `json:"created_at"`
}

// Topics returns the non-empty topic labels of the set, in question order.
func (s QuestionSet) Topics() []string {
	var topics []string
	for _, q := range s.Questions {
		if q.Topic != "" {
			topics = append(topics, q.Topic)
		}
	}
	return topics
}

// Evaluation is the LLM's score for one answer, positionally aligned with the
// active set's questions. Overwritten wholesale on each evaluation run.
type Evaluation struct {
	Score       int    `json:"score"`
	Feedback    string `json:"feedback"`
	ModelAnswer string `json:"model_answer"`
}

// StudySession is one user's isolated session state.
type StudySession struct {
	ID               int64     `json:"id"`
	Token            string    `json:"-"`
	Round            int       `json:"round"`
	Phase            Phase     `json:"phase"`
	DocName          string    `json:"doc_name"`
	DocText          string    `json:"-"`
	ActiveSetID      *int64    `json:"active_set_id,omitempty"`
	EvaluationsStale bool      `json:"evaluations_stale"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"-"`
}

// SessionView is a full aligned snapshot of a session for rendering.
type SessionView struct {
	Session     StudySession `json:"session"`
	Set         *QuestionSet `json:"set,omitempty"`
	Answers     []string     `json:"answers"`
	Evaluations []Evaluation `json:"evaluations"`
	UsedTopics  []string     `json:"used_topics"`
}

// Config holds runtime parameters set via CLI flags.
type Config struct {
	DefaultCount  int           // questions per generation when the form omits a count
	MaxUploadMB   int64         // upload size cap in megabytes
	SessionTTL    time.Duration // browser session lifetime
	Lang          string        // default UI language
	BasePath      string        // URL prefix for sub-path deployments
	SecureCookies bool          // Set Secure flag on session cookies
}

type sessionCtxKey struct{}

// ContextWithSession stores a study session in the request context.
func ContextWithSession(ctx context.Context, s *StudySession) context.Context {
	return context.WithValue(ctx, sessionCtxKey{}, s)
}

// SessionFromContext retrieves the study session from context, or nil.
func SessionFromContext(ctx context.Context) *StudySession {
	s, _ := ctx.Value(sessionCtxKey{}).(*StudySession)
	return s
}
