package services

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lib/pq"

	"github.com/goldenpath/registry/internal/db/models"
)

// memKeyStore is an APIKeyStore with the uniqueness rules of the api_keys table.
type memKeyStore struct {
	mu   sync.Mutex
	keys map[string]*models.APIKey

	candidateCalls atomic.Int32
	lastPrefix     atomic.Value
	touches        atomic.Int32
	err            error
}

func newMemKeyStore() *memKeyStore {
	return &memKeyStore{keys: map[string]*models.APIKey{}}
}

func (s *memKeyStore) Create(_ context.Context, k *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	for _, existing := range s.keys {
		if existing.SecretHash == k.SecretHash {
			return &pq.Error{Code: "23505"}
		}
	}
	cp := *k
	s.keys[k.KeyID] = &cp
	return nil
}

func (s *memKeyStore) ActiveCandidates(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.candidateCalls.Add(1)
	s.lastPrefix.Store(prefix)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.Active && (prefix == "" || k.DisplayPrefix == prefix) {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memKeyStore) ListByAccount(_ context.Context, accountID string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.AccountID == accountID {
			cp := *k
			cp.SecretHash = ""
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *memKeyStore) TouchLastUsed(_ context.Context, keyID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.touches.Add(1)
	if k, ok := s.keys[keyID]; ok {
		k.LastUsedAt = &at
	}
	return nil
}

func (s *memKeyStore) Deactivate(_ context.Context, keyID, accountID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[keyID]
	if !ok || k.AccountID != accountID {
		return false, s.err
	}
	k.Active = false
	return true, s.err
}

func (s *memKeyStore) Delete(_ context.Context, keyID, accountID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[keyID]
	if !ok || k.AccountID != accountID {
		return false, s.err
	}
	delete(s.keys, keyID)
	return true, s.err
}

func (s *memKeyStore) get(keyID string) *models.APIKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[keyID]; ok {
		cp := *k
		return &cp
	}
	return nil
}

// memAccountRepo is an AccountRepository with the unique constraints of the
// accounts table. Every method is atomic, like a single SQL statement.
type memAccountRepo struct {
	mu       sync.Mutex
	accounts map[string]*models.Account

	// createDelay widens the window between lookup and insert.
	createDelay time.Duration
	creates     atomic.Int32
	err         error
}

func newMemAccountRepo() *memAccountRepo {
	return &memAccountRepo{accounts: map[string]*models.Account{}}
}

func (r *memAccountRepo) GetByID(_ context.Context, id string) (*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	if a, ok := r.accounts[id]; ok {
		cp := *a
		return &cp, nil
	}
	return nil, nil
}

func (r *memAccountRepo) GetByEmail(_ context.Context, email string) (*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	for _, a := range r.accounts {
		if a.Email == email {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memAccountRepo) Create(_ context.Context, a *models.Account) error {
	if r.createDelay > 0 {
		time.Sleep(r.createDelay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if _, ok := r.accounts[a.AccountID]; ok {
		return &pq.Error{Code: "23505", Constraint: "accounts_pkey"}
	}
	for _, existing := range r.accounts {
		if existing.Email == a.Email {
			return &pq.Error{Code: "23505", Constraint: "accounts_email_key"}
		}
		if existing.Namespace == a.Namespace {
			return &pq.Error{Code: "23505", Constraint: "accounts_namespace_key"}
		}
	}
	r.creates.Add(1)
	cp := *a
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	r.accounts[a.AccountID] = &cp
	return nil
}

func (r *memAccountRepo) LinkSubject(_ context.Context, email, subject string) (*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	for id, a := range r.accounts {
		if a.Email != email {
			continue
		}
		if id != subject {
			if _, taken := r.accounts[subject]; taken {
				return nil, &pq.Error{Code: "23505", Constraint: "accounts_pkey"}
			}
			delete(r.accounts, id)
			a.AccountID = subject
			r.accounts[subject] = a
		}
		a.EmailVerified = true
		cp := *a
		return &cp, nil
	}
	return nil, nil
}

func (r *memAccountRepo) NamespacesWithBase(_ context.Context, base string) (map[string]bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	taken := map[string]bool{}
	for _, a := range r.accounts {
		rest, ok := strings.CutPrefix(a.Namespace, base)
		if ok && strings.Trim(rest, "0123456789") == "" {
			taken[a.Namespace] = true
		}
	}
	return taken, nil
}

func (r *memAccountRepo) UpdateProfile(_ context.Context, id string, name, bio, gh *string) (*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	a, ok := r.accounts[id]
	if !ok {
		return nil, nil
	}
	if name != nil {
		a.Name = name
	}
	if bio != nil {
		a.Bio = bio
	}
	if gh != nil {
		a.GitHubUsername = gh
	}
	cp := *a
	return &cp, nil
}

func (r *memAccountRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.accounts)
}

func (r *memAccountRepo) put(a *models.Account) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *a
	r.accounts[a.AccountID] = &cp
}

// fakeClock is a settable clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
