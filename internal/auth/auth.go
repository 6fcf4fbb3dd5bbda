// Package auth holds the token store for both planes (the data-plane
// bearer allow-list and the admin token) and the admin cookie
// middleware. The data-plane bearer check itself is done by the
// router's dispatcher through TokenStore.IsAllowed.
package auth

import (
	"crypto/subtle"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
)

// TokenStore holds the data-plane allow-list and the admin token.
// Hot reload swaps the values in place.
type TokenStore struct {
	mu            sync.RWMutex
	allowedTokens map[string]struct{}
	adminToken    string
}

// NewTokenStore creates a store from the configured token lists.
func NewTokenStore(allowedTokens []string, adminToken string) *TokenStore {
	s := &TokenStore{}
	s.Update(allowedTokens, adminToken)
	return s
}

// Update replaces the token sets, used on hot reload.
func (s *TokenStore) Update(allowedTokens []string, adminToken string) {
	allowed := make(map[string]struct{}, len(allowedTokens))
	for _, t := range allowedTokens {
		allowed[t] = struct{}{}
	}
	s.mu.Lock()
	s.allowedTokens = allowed
	s.adminToken = adminToken
	s.mu.Unlock()
}

// IsAllowed reports whether the bearer token is on the allow-list.
func (s *TokenStore) IsAllowed(token string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.allowedTokens[token]
	return ok
}

// IsAdmin reports whether the cookie value matches the admin token.
func (s *TokenStore) IsAdmin(token string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.adminToken == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) == 1
}

// AdminMiddleware authenticates admin-plane requests via the
// auth_token cookie.
func AdminMiddleware(store *TokenStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("auth_token")
		if !store.IsAdmin(token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Unauthorized"})
			return
		}
		c.Next()
	}
}
