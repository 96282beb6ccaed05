package realtime

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"doorguard/internal/config"
)

var (
	ErrNoToken       = errors.New("missing bearer token")
	ErrBadToken      = errors.New("invalid token")
	ErrWrongRole     = errors.New("role not permitted on realtime channel")
	ErrNotConfigured = errors.New("realtime authentication not configured")
)

type principal struct {
	Session string
	Group   string
}

// authenticate resolves the handshake bearer token to a subscriber
// group. The reserved static sync token joins the automation channel
// without a directory lookup; anything else must be a valid JWT whose
// role claim is security.
func authenticate(r *http.Request, cfg config.RealtimeConfig) (principal, error) {
	token := bearerToken(r)
	if token == "" {
		return principal{}, ErrNoToken
	}
	if cfg.SyncToken != "" && token == cfg.SyncToken {
		return principal{Session: uuid.NewString(), Group: GroupUserSync}, nil
	}
	if cfg.JWTSecret == "" {
		return principal{}, ErrNotConfigured
	}
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrBadToken
		}
		return []byte(cfg.JWTSecret), nil
	})
	if err != nil || !parsed.Valid {
		return principal{}, ErrBadToken
	}
	role, _ := claims["role"].(string)
	if role != GroupSecurity {
		return principal{}, ErrWrongRole
	}
	session := uuid.NewString()
	if sub, _ := claims["sub"].(string); sub != "" {
		session = sub + "/" + session
	}
	return principal{Session: session, Group: GroupSecurity}, nil
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		}
	}
	return r.URL.Query().Get("token")
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The dashboard and the automation script run on other origins.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Handler upgrades an authenticated request to a realtime session.
func (h *Hub) Handler(ctx context.Context, cfg *config.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		current := cfg.Get().Realtime
		if !current.Enabled {
			http.Error(w, "realtime disabled", http.StatusServiceUnavailable)
			return
		}
		p, err := authenticate(r, current)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			if h.logger != nil {
				h.logger.Warn("websocket upgrade failed", "err", err)
			}
			return
		}
		c := newClient(h, conn, p.Session, p.Group)
		h.register <- c
		c.start(ctx)
	}
}
