// Package tokens caches member tokens and delegates validity checks to
// Trello. The cache is never a source of truth: a token stays cached
// until Trello definitively rejects it.
package tokens

import (
	"context"
	"errors"
	"sync"

	"github.com/shohag/cardhook/internal/trello"
)

type Store struct {
	client *trello.Client

	mu     sync.RWMutex
	tokens map[string]string
}

func NewStore(client *trello.Client) *Store {
	return &Store{
		client: client,
		tokens: map[string]string{},
	}
}

// Validate asks Trello who the token belongs to. On success the token is
// cached for that member. A definite rejection evicts any cached token
// for the member; a transport failure leaves the cache alone.
func (s *Store) Validate(ctx context.Context, token string) (string, error) {
	member, err := s.client.Member(ctx, token)
	if err != nil {
		if errors.Is(err, trello.ErrTokenRejected) {
			s.evictToken(token)
		}
		return "", err
	}
	s.Put(member, token)
	return member, nil
}

func (s *Store) Put(member, token string) {
	s.mu.Lock()
	s.tokens[member] = token
	s.mu.Unlock()
}

func (s *Store) Get(member string) (string, bool) {
	s.mu.RLock()
	token, ok := s.tokens[member]
	s.mu.RUnlock()
	return token, ok
}

// Evict drops the cached token for a member after an upstream rejection.
func (s *Store) Evict(member string) {
	s.mu.Lock()
	delete(s.tokens, member)
	s.mu.Unlock()
}

func (s *Store) evictToken(token string) {
	s.mu.Lock()
	for member, t := range s.tokens {
		if t == token {
			delete(s.tokens, member)
		}
	}
	s.mu.Unlock()
}
