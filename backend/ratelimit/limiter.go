// Package ratelimit guards the HTTP lobby reads and the websocket
// upgrade path with per-IP rate limits, backed by Redis when available
// and falling back to an in-process store otherwise so a Redis outage
// degrades the limiter rather than the whole server.
package ratelimit

import (
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// Limiter wraps the two rate budgets this server enforces: the lobby
// HTTP reads (§4.8) and websocket upgrade attempts (§6).
type Limiter struct {
	api *limiter.Limiter
	ws  *limiter.Limiter
}

// New builds a Limiter. redisClient may be nil, in which case both
// budgets are tracked in an in-process memory store.
func New(redisClient *redis.Client, apiRate, wsRate string) (*Limiter, error) {
	store, err := newStore(redisClient)
	if err != nil {
		return nil, err
	}

	apiR, err := limiter.NewRateFromFormatted(apiRate)
	if err != nil {
		return nil, fmt.Errorf("invalid api rate %q: %w", apiRate, err)
	}
	wsR, err := limiter.NewRateFromFormatted(wsRate)
	if err != nil {
		return nil, fmt.Errorf("invalid ws rate %q: %w", wsRate, err)
	}

	return &Limiter{
		api: limiter.New(store, apiR),
		ws:  limiter.New(store, wsR),
	}, nil
}

func newStore(redisClient *redis.Client) (limiter.Store, error) {
	if redisClient == nil {
		return memory.NewStore(), nil
	}
	s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
		Prefix: "jumpjumpjump:limiter",
	})
	if err != nil {
		return nil, fmt.Errorf("redis limiter store: %w", err)
	}
	return s, nil
}

// APIMiddleware rate-limits the /api/rooms* lobby reads by client IP.
func (l *Limiter) APIMiddleware(next http.Handler) http.Handler {
	return stdlib.NewMiddleware(l.api).Handler(next)
}

// WSMiddleware rate-limits websocket upgrade attempts by client IP,
// ahead of the gorilla/websocket handshake.
func (l *Limiter) WSMiddleware(next http.Handler) http.Handler {
	return stdlib.NewMiddleware(l.ws).Handler(next)
}
