package handler

import (
	"time"

	"github.com/redis/go-redis/v9"

	"microblog/auth"
	"microblog/domain"
	"microblog/feed"
	"microblog/store"
)

const (
	// SessionKey is where the session middleware leaves the parsed claims.
	SessionKey = "session"

	codeWindow = 10 * time.Minute
)

type Handler struct {
	DB            *store.DB
	Auth          *auth.Service
	Sessions      *auth.Sessions
	Hub           *feed.Hub
	Redis         *redis.Client
	Client        domain.ClientConfig
	Environment   string
	CodeRateLimit int
	CodeTTL       time.Duration
}

func (h *Handler) codeTTL() time.Duration {
	if h.CodeTTL > 0 {
		return h.CodeTTL
	}
	return auth.DefaultCodeTTL
}
