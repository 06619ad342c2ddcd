// Package store holds all session state in SQLite. The database defaults to
// :memory:, so nothing survives the process: it is working memory with a
// schema, not a durability layer. Every session's ledger, active set, answers
// and evaluations live in tables keyed by session id, which keeps concurrent
// browser sessions fully isolated from each other.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/avklimov/boardprep/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	// A single connection: the in-memory database vanishes per-connection
	// otherwise, and session actions are serialized anyway.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS study_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		token TEXT NOT NULL UNIQUE,
		round INTEGER NOT NULL DEFAULT 1,
		phase TEXT NOT NULL DEFAULT 'idle',
		doc_name TEXT NOT NULL DEFAULT '',
		doc_text TEXT NOT NULL DEFAULT '',
		active_set_id INTEGER,
		evaluations_stale INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS question_sets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL,
		set_id INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES study_sessions(id),
		UNIQUE (session_id, set_id)
	);

	CREATE TABLE IF NOT EXISTS questions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		question_set_id INTEGER NOT NULL,
		position INTEGER NOT NULL,
		topic TEXT NOT NULL DEFAULT '',
		question TEXT NOT NULL,
		answer_key TEXT NOT NULL,
		FOREIGN KEY (question_set_id) REFERENCES question_sets(id),
		UNIQUE (question_set_id, position)
	);

	CREATE TABLE IF NOT EXISTS answers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		question_set_id INTEGER NOT NULL,
		position INTEGER NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		last_audio_hash TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (question_set_id) REFERENCES question_sets(id),
		UNIQUE (question_set_id, position)
	);

	CREATE TABLE IF NOT EXISTS evaluations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		question_set_id INTEGER NOT NULL,
		position INTEGER NOT NULL,
		score INTEGER NOT NULL DEFAULT 0,
		feedback TEXT NOT NULL DEFAULT '',
		model_answer TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (question_set_id) REFERENCES question_sets(id),
		UNIQUE (question_set_id, position)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SetDocument attaches an extracted document to the session.
func (s *Store) SetDocument(sessionID int64, name, text string) error {
	_, err := s.db.Exec(
		`UPDATE study_sessions SET doc_name = ?, doc_text = ? WHERE id = ?`,
		name, text, sessionID,
	)
	return err
}

// CreateQuestionSet commits a new question set atomically: it assigns the next
// per-session set_id, stores the questions in order, creates empty answer
// slots of matching length, and marks the set active. Nothing is written for
// an empty batch, so a failed generation never touches the ledger.
func (s *Store) CreateQuestionSet(sessionID int64, questions []model.Question) (*model.QuestionSet, error) {
	if len(questions) == 0 {
		return nil, fmt.Errorf("refusing to commit empty question set: %w", model.ErrGenerationParse)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var nextSetID int64
	err = tx.QueryRow(
		`SELECT COALESCE(MAX(set_id), 0) + 1 FROM question_sets WHERE session_id = ?`, sessionID,
	).Scan(&nextSetID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	res, err := tx.Exec(
		`INSERT INTO question_sets (session_id, set_id, created_at) VALUES (?, ?, ?)`,
		sessionID, nextSetID, now,
	)
	if err != nil {
		return nil, err
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	set := &model.QuestionSet{
		ID:        rowID,
		SessionID: sessionID,
		SetID:     nextSetID,
		CreatedAt: now,
	}
	for i, q := range questions {
		qres, err := tx.Exec(
			`INSERT INTO questions (question_set_id, position, topic, question, answer_key) VALUES (?, ?, ?, ?, ?)`,
			rowID, i, q.Topic, q.Question, q.AnswerKey,
		)
		if err != nil {
			return nil, err
		}
		q.ID, err = qres.LastInsertId()
		if err != nil {
			return nil, err
		}
		set.Questions = append(set.Questions, q)

		_, err = tx.Exec(
			`INSERT INTO answers (question_set_id, position) VALUES (?, ?)`,
			rowID, i,
		)
		if err != nil {
			return nil, err
		}
	}

	_, err = tx.Exec(
		`UPDATE study_sessions SET active_set_id = ?, phase = ?, evaluations_stale = 0 WHERE id = ?`,
		rowID, model.PhaseAwaitingAnswers, sessionID,
	)
	if err != nil {
		return nil, err
	}

	return set, tx.Commit()
}

// ActiveSet returns the session's active question set, or nil if none.
func (s *Store) ActiveSet(sessionID int64) (*model.QuestionSet, error) {
	setRowID, err := s.activeSetRowID(sessionID)
	if err != nil || setRowID == 0 {
		return nil, err
	}
	return s.getSet(setRowID)
}

func (s *Store) activeSetRowID(sessionID int64) (int64, error) {
	var rowID sql.NullInt64
	err := s.db.QueryRow(
		`SELECT active_set_id FROM study_sessions WHERE id = ?`, sessionID,
	).Scan(&rowID)
	if err != nil {
		return 0, err
	}
	if !rowID.Valid {
		return 0, nil
	}
	return rowID.Int64, nil
}

func (s *Store) getSet(setRowID int64) (*model.QuestionSet, error) {
	var set model.QuestionSet
	err := s.db.QueryRow(
		`SELECT id, session_id, set_id, created_at FROM question_sets WHERE id = ?`, setRowID,
	).Scan(&set.ID, &set.SessionID, &set.SetID, &set.CreatedAt)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(
		`SELECT id, topic, question, answer_key FROM questions WHERE question_set_id = ? ORDER BY position`, setRowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var q model.Question
		if err := rows.Scan(&q.ID, &q.Topic, &q.Question, &q.AnswerKey); err != nil {
			return nil, err
		}
		set.Questions = append(set.Questions, q)
	}
	return &set, rows.Err()
}

// History returns all question sets of a session in set_id order. History is
// never deleted within a session; it backs the topic ledger.
func (s *Store) History(sessionID int64) ([]model.QuestionSet, error) {
	rows, err := s.db.Query(
		`SELECT id FROM question_sets WHERE session_id = ? ORDER BY set_id`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rowIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		rowIDs = append(rowIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var sets []model.QuestionSet
	for _, id := range rowIDs {
		set, err := s.getSet(id)
		if err != nil {
			return nil, err
		}
		sets = append(sets, *set)
	}
	return sets, nil
}

// UsedTopics returns the deduplicated union of topic labels across all
// historical question sets of the session, sorted for deterministic prompts.
func (s *Store) UsedTopics(sessionID int64) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT q.topic
		 FROM questions q JOIN question_sets qs ON q.question_set_id = qs.id
		 WHERE qs.session_id = ? AND q.topic != ''
		 ORDER BY q.topic`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var topics []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		topics = append(topics, t)
	}
	return topics, rows.Err()
}

// activeSetSize returns the active set's row id and question count. Zero
// count means no active set.
func (s *Store) activeSetSize(sessionID int64) (setRowID int64, count int, err error) {
	setRowID, err = s.activeSetRowID(sessionID)
	if err != nil || setRowID == 0 {
		return 0, 0, err
	}
	err = s.db.QueryRow(
		`SELECT COUNT(*) FROM questions WHERE question_set_id = ?`, setRowID,
	).Scan(&count)
	return setRowID, count, err
}

// SetAnswer overwrites the answer at the given index (last-write-wins).
func (s *Store) SetAnswer(sessionID int64, index int, text string) error {
	setRowID, count, err := s.activeSetSize(sessionID)
	if err != nil {
		return err
	}
	if index < 0 || index >= count {
		return fmt.Errorf("index %d with %d questions: %w", index, count, model.ErrIndexOutOfRange)
	}
	_, err = s.db.Exec(
		`UPDATE answers SET text = ? WHERE question_set_id = ? AND position = ?`,
		text, setRowID, index,
	)
	if err != nil {
		return err
	}
	return s.markStaleIfEvaluated(sessionID, setRowID)
}

// AppendTranscript merges dictated text into the answer at the given index:
// space-joined append, never replacement. The SHA-256 of the audio payload is
// remembered per index so re-delivery of the same recording is a no-op;
// already reports that case.
func (s *Store) AppendTranscript(sessionID int64, index int, transcript, audioHash string) (merged string, already bool, err error) {
	setRowID, count, err := s.activeSetSize(sessionID)
	if err != nil {
		return "", false, err
	}
	if index < 0 || index >= count {
		return "", false, fmt.Errorf("index %d with %d questions: %w", index, count, model.ErrIndexOutOfRange)
	}

	var current, lastHash string
	err = s.db.QueryRow(
		`SELECT text, last_audio_hash FROM answers WHERE question_set_id = ? AND position = ?`,
		setRowID, index,
	).Scan(&current, &lastHash)
	if err != nil {
		return "", false, err
	}

	if audioHash != "" && lastHash == audioHash {
		return current, true, nil
	}

	merged = transcript
	if current != "" {
		merged = current + " " + transcript
	}
	_, err = s.db.Exec(
		`UPDATE answers SET text = ?, last_audio_hash = ? WHERE question_set_id = ? AND position = ?`,
		merged, audioHash, setRowID, index,
	)
	if err != nil {
		return "", false, err
	}
	return merged, false, s.markStaleIfEvaluated(sessionID, setRowID)
}

// LastAudioHash returns the hash of the last consumed recording for an index,
// letting callers skip the transcription call for a re-delivered payload.
func (s *Store) LastAudioHash(sessionID int64, index int) (string, error) {
	setRowID, count, err := s.activeSetSize(sessionID)
	if err != nil {
		return "", err
	}
	if index < 0 || index >= count {
		return "", fmt.Errorf("index %d with %d questions: %w", index, count, model.ErrIndexOutOfRange)
	}
	var hash string
	err = s.db.QueryRow(
		`SELECT last_audio_hash FROM answers WHERE question_set_id = ? AND position = ?`,
		setRowID, index,
	).Scan(&hash)
	return hash, err
}

// Answers returns the answer texts of the active set in question order. The
// result always has exactly as many entries as the active set has questions.
func (s *Store) Answers(sessionID int64) ([]string, error) {
	setRowID, count, err := s.activeSetSize(sessionID)
	if err != nil || setRowID == 0 {
		return nil, err
	}
	rows, err := s.db.Query(
		`SELECT text FROM answers WHERE question_set_id = ? ORDER BY position`, setRowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	answers := make([]string, 0, count)
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

// SaveEvaluations overwrites the active set's evaluations wholesale. The batch
// must align one-to-one with the set's questions.
func (s *Store) SaveEvaluations(sessionID int64, evals []model.Evaluation) error {
	setRowID, count, err := s.activeSetSize(sessionID)
	if err != nil {
		return err
	}
	if setRowID == 0 {
		return model.ErrNothingToEvaluate
	}
	if len(evals) != count {
		return fmt.Errorf("%d evaluations for %d questions: %w", len(evals), count, model.ErrLengthMismatch)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM evaluations WHERE question_set_id = ?`, setRowID); err != nil {
		return err
	}
	for i, e := range evals {
		_, err := tx.Exec(
			`INSERT INTO evaluations (question_set_id, position, score, feedback, model_answer) VALUES (?, ?, ?, ?, ?)`,
			setRowID, i, e.Score, e.Feedback, e.ModelAnswer,
		)
		if err != nil {
			return err
		}
	}
	_, err = tx.Exec(
		`UPDATE study_sessions SET phase = ?, evaluations_stale = 0 WHERE id = ?`,
		model.PhaseEvaluated, sessionID,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Evaluations returns the active set's evaluations in question order, or an
// empty slice if the set has not been scored.
func (s *Store) Evaluations(sessionID int64) ([]model.Evaluation, error) {
	setRowID, _, err := s.activeSetSize(sessionID)
	if err != nil || setRowID == 0 {
		return nil, err
	}
	rows, err := s.db.Query(
		`SELECT score, feedback, model_answer FROM evaluations WHERE question_set_id = ? ORDER BY position`, setRowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var evals []model.Evaluation
	for rows.Next() {
		var e model.Evaluation
		if err := rows.Scan(&e.Score, &e.Feedback, &e.ModelAnswer); err != nil {
			return nil, err
		}
		evals = append(evals, e)
	}
	return evals, rows.Err()
}

// markStaleIfEvaluated flags prior evaluation results as stale once an answer
// changes after a successful evaluation.
func (s *Store) markStaleIfEvaluated(sessionID, setRowID int64) error {
	var n int
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM evaluations WHERE question_set_id = ?`, setRowID,
	).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	_, err := s.db.Exec(`UPDATE study_sessions SET evaluations_stale = 1 WHERE id = ?`, sessionID)
	return err
}

// MarkEvaluationsStale flags retained results after a failed evaluation run.
func (s *Store) MarkEvaluationsStale(sessionID int64) error {
	_, err := s.db.Exec(`UPDATE study_sessions SET evaluations_stale = 1 WHERE id = ?`, sessionID)
	return err
}

// StartNewRound increments the round counter and detaches the active set,
// clearing answers and evaluations from view. History and the topic ledger are
// preserved. The round counter namespaces UI input keys, so inputs from the
// discarded round can never be read as current.
func (s *Store) StartNewRound(sessionID int64) error {
	_, err := s.db.Exec(
		`UPDATE study_sessions SET round = round + 1, active_set_id = NULL, phase = ?, evaluations_stale = 0 WHERE id = ?`,
		model.PhaseIdle, sessionID,
	)
	return err
}

// UpdatePhase moves the session to the named phase, validating the transition.
func (s *Store) UpdatePhase(sessionID int64, next model.Phase) error {
	var current model.Phase
	err := s.db.QueryRow(`SELECT phase FROM study_sessions WHERE id = ?`, sessionID).Scan(&current)
	if err != nil {
		return err
	}
	if current == next {
		return nil
	}
	if !current.CanTransition(next) {
		return fmt.Errorf("invalid phase transition %s -> %s", current, next)
	}
	_, err = s.db.Exec(`UPDATE study_sessions SET phase = ? WHERE id = ?`, next, sessionID)
	return err
}

// SessionView assembles a full aligned snapshot of a session.
func (s *Store) SessionView(sessionID int64) (*model.SessionView, error) {
	sess, err := s.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	view := &model.SessionView{
		Session:     *sess,
		Answers:     []string{},
		Evaluations: []model.Evaluation{},
		UsedTopics:  []string{},
	}

	set, err := s.ActiveSet(sessionID)
	if err != nil {
		return nil, err
	}
	if set != nil {
		view.Set = set
		answers, err := s.Answers(sessionID)
		if err != nil {
			return nil, err
		}
		view.Answers = answers
		evals, err := s.Evaluations(sessionID)
		if err != nil {
			return nil, err
		}
		if evals != nil {
			view.Evaluations = evals
		}
	}

	topics, err := s.UsedTopics(sessionID)
	if err != nil {
		return nil, err
	}
	if topics != nil {
		view.UsedTopics = topics
	}
	return view, nil
}
