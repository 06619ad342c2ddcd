package handler

import (
	"log/slog"
	"net/http"

	"github.com/avklimov/boardprep/internal/model"
)

const sessionCookie = "bp_session"

// SessionMiddleware resolves the browser's session cookie into a study
// session, creating a fresh one when the cookie is missing or expired. The
// resolved session rides in the request context.
func (h *Handler) SessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var sess *model.StudySession

		if c, err := r.Cookie(sessionCookie); err == nil {
			sess, err = h.store.GetSessionByToken(c.Value)
			if err != nil {
				h.writeError(r.Context(), w, err)
				return
			}
		}

		if sess == nil {
			var err error
			sess, err = h.store.CreateSession(h.config.SessionTTL)
			if err != nil {
				h.writeError(r.Context(), w, err)
				return
			}
			h.setSessionCookie(w, sess.Token)
			slog.Info("created session", "session_id", sess.ID)
		}

		ctx := model.ContextWithSession(r.Context(), sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, token string) {
	path := h.config.BasePath
	if path == "" {
		path = "/"
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     path,
		MaxAge:   int(h.config.SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.config.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}
