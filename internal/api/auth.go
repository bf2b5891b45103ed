package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/BTreeMap/CoursePipe/internal/models"
	"github.com/BTreeMap/CoursePipe/internal/util"
)

// Header names
const (
	HeaderUserID    = "X-User-ID"
	HeaderRequestID = "X-Request-ID"
)

// RoleAdmin is the token role allowed to manage course scenarios.
const RoleAdmin = "admin"

var (
	errMissingCredentials = errors.New("missing credentials")
	errInvalidToken       = errors.New("invalid token")
)

type ctxKey int

const (
	userIDKey ctxKey = iota
	requestIDKey
	adminKey
)

// userClaims are the bearer token claims: the user id in sub and an optional role.
type userClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// principal is the authenticated caller.
type principal struct {
	userID uuid.UUID
	role   string
}

// withRequestID tags every request with a correlation id, reusing the caller's when sent.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = util.GenerateRequestID()
		}
		w.Header().Set(HeaderRequestID, id)
		slog.Debug("Server.withRequestID: request received", "requestID", id, "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// authenticated resolves the calling user before invoking next.
func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.principal(r)
		if err != nil {
			slog.Warn("Server.authenticated: rejected request", "path", r.URL.Path, "error", err)
			writeJSONResponse(w, http.StatusUnauthorized, models.Error("Unauthorized: "+err.Error()))
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, p.userID)
		ctx = context.WithValue(ctx, adminKey, s.isAdmin(p))
		next(w, r.WithContext(ctx))
	}
}

// adminOnly rejects authenticated callers that are not scenario admins. Wrap it inside
// authenticated.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if admin, _ := r.Context().Value(adminKey).(bool); !admin {
			slog.Warn("Server.adminOnly: forbidden", "path", r.URL.Path, "userID", userIDFrom(r.Context()))
			writeJSONResponse(w, http.StatusForbidden, models.Error("Forbidden: admin access required"))
			return
		}
		next(w, r)
	}
}

func (s *Server) isAdmin(p principal) bool {
	if p.role == RoleAdmin {
		return true
	}
	_, ok := s.admins[p.userID]
	return ok
}

func (s *Server) principal(r *http.Request) (principal, error) {
	if s.jwtSecret == nil {
		raw := strings.TrimSpace(r.Header.Get(HeaderUserID))
		if raw == "" {
			return principal{}, fmt.Errorf("%w: %s header is required", errMissingCredentials, HeaderUserID)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return principal{}, fmt.Errorf("%s must be a UUID", HeaderUserID)
		}
		return principal{userID: id}, nil
	}

	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return principal{}, fmt.Errorf("%w: bearer token is required", errMissingCredentials)
	}
	return parseToken(strings.TrimSpace(token), s.jwtSecret)
}

// parseToken verifies an HS256 token. The subject must be a user id.
func parseToken(token string, secret []byte) (principal, error) {
	claims := &userClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return principal{}, fmt.Errorf("%w: %v", errInvalidToken, err)
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return principal{}, fmt.Errorf("%w: subject is not a UUID", errInvalidToken)
	}
	return principal{userID: id, role: claims.Role}, nil
}

func userIDFrom(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(userIDKey).(uuid.UUID)
	return id
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
