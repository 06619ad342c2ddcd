package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"time"

	"github.com/avklimov/boardprep/internal/model"
)

// CreateSession creates a fresh study session addressed by a random browser
// token. Expired sessions are swept opportunistically here; there is no
// background reaper.
func (s *Store) CreateSession(ttl time.Duration) (*model.StudySession, error) {
	_ = s.cleanupExpiredSessions()

	token, err := generateToken()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	res, err := s.db.Exec(
		`INSERT INTO study_sessions (token, round, phase, created_at, expires_at) VALUES (?, 1, ?, ?, ?)`,
		token, model.PhaseIdle, now, now.Add(ttl),
	)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &model.StudySession{
		ID:        id,
		Token:     token,
		Round:     1,
		Phase:     model.PhaseIdle,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}, nil
}

// GetSessionByToken returns the session for a browser token, or nil if the
// token is unknown or expired. Expired sessions are removed on access.
func (s *Store) GetSessionByToken(token string) (*model.StudySession, error) {
	sess, err := s.scanSession(s.db.QueryRow(
		`SELECT id, token, round, phase, doc_name, doc_text, active_set_id, evaluations_stale, created_at, expires_at
		 FROM study_sessions WHERE token = ?`, token,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if time.Now().After(sess.ExpiresAt) {
		_ = s.deleteSession(sess.ID)
		return nil, nil
	}
	return sess, nil
}

// GetSession returns a session by id.
func (s *Store) GetSession(id int64) (*model.StudySession, error) {
	return s.scanSession(s.db.QueryRow(
		`SELECT id, token, round, phase, doc_name, doc_text, active_set_id, evaluations_stale, created_at, expires_at
		 FROM study_sessions WHERE id = ?`, id,
	))
}

func (s *Store) scanSession(row *sql.Row) (*model.StudySession, error) {
	var sess model.StudySession
	var activeSet sql.NullInt64
	var stale int
	err := row.Scan(
		&sess.ID, &sess.Token, &sess.Round, &sess.Phase, &sess.DocName, &sess.DocText,
		&activeSet, &stale, &sess.CreatedAt, &sess.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	if activeSet.Valid {
		sess.ActiveSetID = &activeSet.Int64
	}
	sess.EvaluationsStale = stale != 0
	return &sess, nil
}

// deleteSession removes a session and everything keyed to it.
func (s *Store) deleteSession(id int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM evaluations WHERE question_set_id IN (SELECT id FROM question_sets WHERE session_id = ?)`,
		`DELETE FROM answers WHERE question_set_id IN (SELECT id FROM question_sets WHERE session_id = ?)`,
		`DELETE FROM questions WHERE question_set_id IN (SELECT id FROM question_sets WHERE session_id = ?)`,
		`DELETE FROM question_sets WHERE session_id = ?`,
		`DELETE FROM study_sessions WHERE id = ?`,
	} {
		if _, err := tx.Exec(q, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) cleanupExpiredSessions() error {
	rows, err := s.db.Query(`SELECT id FROM study_sessions WHERE expires_at < ?`, time.Now())
	if err != nil {
		return err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.deleteSession(id); err != nil {
			return err
		}
	}
	return nil
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
