package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/weightx/exchange-engine/internal/apperr"
	"github.com/weightx/exchange-engine/internal/model"
)

// UserHeader carries the caller's user ID.
const UserHeader = "X-User-ID"

type ctxKey struct{}

// UserFrom returns the authenticated caller, if any.
func UserFrom(ctx context.Context) (*model.User, bool) {
	u, ok := ctx.Value(ctxKey{}).(*model.User)
	return u, ok
}

// UserLookup resolves a user ID.
type UserLookup interface {
	User(ctx context.Context, id string) (*model.User, error)
}

// UserCache keeps recently seen users in memory. Roles never change, and a
// seller's coefficients are read through the service, so a short TTL is
// enough.
type UserCache struct {
	c   *ristretto.Cache
	ttl time.Duration
}

func NewUserCache(maxUsers int64, ttl time.Duration) (*UserCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     maxUsers,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &UserCache{c: c, ttl: ttl}, nil
}

func (c *UserCache) Get(id string) (*model.User, bool) {
	v, ok := c.c.Get(id)
	if !ok {
		return nil, false
	}
	u, ok := v.(*model.User)
	return u, ok
}

func (c *UserCache) Set(u *model.User) { c.c.SetWithTTL(u.ID, u, 1, c.ttl) }

func (c *UserCache) Del(id string) { c.c.Del(id) }

// Identify resolves the X-User-ID header into a user on the request
// context. Requests without the header pass through anonymously; an unknown
// ID is rejected with 401.
func Identify(users UserLookup, cache *UserCache) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(UserHeader)
			if id == "" {
				next.ServeHTTP(w, r)
				return
			}

			u, ok := cache.Get(id)
			if !ok {
				var err error
				u, err = users.User(r.Context(), id)
				switch {
				case errors.Is(err, apperr.ErrNotFound):
					writeError(w, "unknown user", http.StatusUnauthorized)
					return
				case err != nil:
					writeErr(w, err)
					return
				}
				cache.Set(u)
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, u)))
		})
	}
}

// RequireRole rejects anonymous callers with 401 and callers of another
// role with 403. An empty role admits any authenticated user.
func RequireRole(role model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, ok := UserFrom(r.Context())
			if !ok {
				writeError(w, UserHeader+" header is required", http.StatusUnauthorized)
				return
			}
			if role != "" && u.Role != role {
				writeError(w, "only "+string(role)+"s may call this endpoint", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
