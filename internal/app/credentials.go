package app

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/neomorfeo/seatdesk/internal/domain"
)

// CredentialStore is a read-through cache of the partner's saved payment
// credentials, shared by every screen that lists them.
type CredentialStore struct {
	source  domain.CredentialSource
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time
	group   singleflight.Group

	mu         sync.Mutex
	cached     *domain.CredentialList
	fetchedAt  time.Time
	generation uint64
}

// NewCredentialStore creates a store that refreshes from source after ttl.
func NewCredentialStore(source domain.CredentialSource, ttl time.Duration) *CredentialStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CredentialStore{
		source:  source,
		ttl:     ttl,
		timeout: 10 * time.Second,
		now:     time.Now,
	}
}

// List returns the credentials on file, from cache when fresh. Concurrent
// misses share one fetch; a caller whose context ends stops waiting without
// failing the others.
func (s *CredentialStore) List(ctx context.Context) (domain.CredentialList, error) {
	s.mu.Lock()
	if s.cached != nil && s.now().Sub(s.fetchedAt) < s.ttl {
		list := *s.cached
		s.mu.Unlock()
		return list, nil
	}
	gen := s.generation
	s.mu.Unlock()

	ch := s.group.DoChan("credentials", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		return s.source.ListCredentials(fetchCtx)
	})

	var list domain.CredentialList
	select {
	case <-ctx.Done():
		return domain.CredentialList{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.CredentialList{}, res.Err
		}
		list = res.Val.(domain.CredentialList)
	}

	s.mu.Lock()
	// A fetch that raced with Invalidate may predate the new credential.
	if gen == s.generation {
		s.cached = &list
		s.fetchedAt = s.now()
	}
	s.mu.Unlock()

	return list, nil
}

// Default returns the default credential, if one is on file.
func (s *CredentialStore) Default(ctx context.Context) (domain.StoredCredential, bool, error) {
	list, err := s.List(ctx)
	if err != nil {
		return domain.StoredCredential{}, false, err
	}
	c, ok := list.Default()
	return c, ok, nil
}

// Invalidate drops the cached list so the next read goes to the backend.
func (s *CredentialStore) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = nil
	s.generation++
}

// Reset clears the cache on logout.
func (s *CredentialStore) Reset() {
	s.Invalidate()
}
