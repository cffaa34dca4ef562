package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/synapsis-swarm/synapsis/internal/models"
	"github.com/synapsis-swarm/synapsis/internal/swarm"
)

// SessionCookie carries the opaque login token.
const SessionCookie = "synapsis_session"

type ctxKey int

const (
	ctxUser ctxKey = iota
	ctxSourceDomain
)

// userFrom returns the authenticated user, nil when anonymous.
func userFrom(ctx context.Context) *models.User {
	u, _ := ctx.Value(ctxUser).(*models.User)
	return u
}

// sourceDomainFrom returns the verified federation source domain.
func sourceDomainFrom(ctx context.Context) string {
	d, _ := ctx.Value(ctxSourceDomain).(string)
	return d
}

// sessionToken extracts the token from cookie or Authorization header.
func sessionToken(r *http.Request) string {
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// withSession attaches the user when a valid session accompanies the
// request; anonymous requests pass through.
func (s *Server) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := sessionToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		u, err := s.identity.UserFromToken(r.Context(), token)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxUser, u)))
	})
}

// requireUser rejects anonymous requests.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userFrom(r.Context()) == nil {
			s.writeError(w, r, models.ErrAuthRequired)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireNodeSignature authenticates federation requests. The body is
// read for verification and restored for the handler.
func (s *Server) requireNodeSignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 4<<20))
		if err != nil {
			s.writeError(w, r, models.ErrValidation)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		source := r.Header.Get(swarm.HeaderSourceDomain)
		err = s.registry.VerifyInbound(r.Context(), body,
			source,
			r.Header.Get(swarm.HeaderTimestamp),
			r.Header.Get(swarm.HeaderSignature))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxSourceDomain, source)))
	})
}

// instrument records request counts and latency per route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.HTTPRequests.WithLabelValues(route, statusClass(ww.status)).Inc()
		s.metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func statusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}
