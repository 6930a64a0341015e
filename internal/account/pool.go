package account

import (
	"context"
	"errors"
	"fmt"
	"hash"
	"hash/fnv"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

var (
	ErrNotFound = errors.New("account not found")
	ErrExists   = errors.New("account already exists")
)

// Store is the keyed account collection the scheduler reads and mutates.
type Store interface {
	List() []Account
	Get(id string) (Account, error)
	// Update applies mutate to a private copy of the account, persists it and
	// publishes it atomically. A mutate error aborts the update.
	Update(ctx context.Context, id string, mutate func(*Account) error) (Account, error)
	Remove(ctx context.Context, id string) error
}

// Persister writes account records to durable storage.
type Persister interface {
	SaveAccount(ctx context.Context, acc Account) error
	DeleteAccount(ctx context.Context, id string) error
}

// Loader reads every persisted account. Implementations skip records they
// cannot decode instead of failing the whole load.
type Loader interface {
	LoadAccounts(ctx context.Context) ([]Account, error)
}

const numShards = 32

// entry owns one account. Writers serialize on mu; readers load cur without
// locking and always observe a complete record.
type entry struct {
	mu      sync.Mutex
	cur     atomic.Pointer[Account]
	removed bool
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Pool is the in-memory, sharded implementation of Store. Writes to one
// account never block readers or writers of another.
type Pool struct {
	shards    [numShards]*shard
	persister Persister
}

var _ Store = (*Pool)(nil)

var hasherPool = sync.Pool{
	New: func() any { return fnv.New64a() },
}

func shardIndex(id string) uint64 {
	h := hasherPool.Get().(hash.Hash64)
	h.Reset()
	h.Write([]byte(id))
	sum := h.Sum64()
	hasherPool.Put(h)
	return sum % numShards
}

// NewPool creates an empty pool. A nil persister keeps everything in memory.
func NewPool(persister Persister) *Pool {
	p := &Pool{persister: persister}
	for i := range p.shards {
		p.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return p
}

func (p *Pool) shardFor(id string) *shard {
	return p.shards[shardIndex(id)]
}

func (p *Pool) lookup(id string) *entry {
	s := p.shardFor(id)
	s.mu.RLock()
	e := s.entries[id]
	s.mu.RUnlock()
	return e
}

// Load replaces nothing: it inserts every account returned by loader that is
// not already present and reports how many were added.
func (p *Pool) Load(ctx context.Context, loader Loader) (int, error) {
	accounts, err := loader.LoadAccounts(ctx)
	if err != nil {
		return 0, fmt.Errorf("load accounts: %w", err)
	}
	added := 0
	for _, acc := range accounts {
		if err := p.insert(acc); err != nil {
			log.WithField("account_id", acc.ID).Warnf("⚠️ Skipping account at load: %v", err)
			continue
		}
		added++
	}
	log.Printf("📦 Loaded %d accounts into pool", added)
	return added, nil
}

// Add inserts a new account and persists it.
func (p *Pool) Add(ctx context.Context, acc Account) (Account, error) {
	if strings.TrimSpace(acc.ID) == "" {
		return Account{}, errors.New("account id is required")
	}
	acc = acc.Clone()
	acc.ProtectedModels = ModelSet(acc.ProtectedModels)
	if p.persister != nil {
		if p.lookup(acc.ID) != nil {
			return Account{}, fmt.Errorf("%w: %s", ErrExists, acc.ID)
		}
		if err := p.persister.SaveAccount(ctx, acc); err != nil {
			return Account{}, fmt.Errorf("persist account %s: %w", acc.ID, err)
		}
	}
	if err := p.insert(acc); err != nil {
		return Account{}, err
	}
	return acc.Clone(), nil
}

func (p *Pool) insert(acc Account) error {
	if strings.TrimSpace(acc.ID) == "" {
		return errors.New("account id is required")
	}
	acc.ProtectedModels = ModelSet(acc.ProtectedModels)
	s := p.shardFor(acc.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[acc.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, acc.ID)
	}
	e := &entry{}
	e.cur.Store(&acc)
	s.entries[acc.ID] = e
	return nil
}

// List returns copies of every account ordered by id.
func (p *Pool) List() []Account {
	var out []Account
	for _, s := range p.shards {
		s.mu.RLock()
		for _, e := range s.entries {
			if acc := e.cur.Load(); acc != nil {
				out = append(out, acc.Clone())
			}
		}
		s.mu.RUnlock()
	}
	slices.SortFunc(out, func(a, b Account) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Get returns a copy of the account.
func (p *Pool) Get(id string) (Account, error) {
	e := p.lookup(id)
	if e == nil {
		return Account{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	acc := e.cur.Load()
	if acc == nil {
		return Account{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return acc.Clone(), nil
}

// Update implements Store.
func (p *Pool) Update(ctx context.Context, id string, mutate func(*Account) error) (Account, error) {
	e := p.lookup(id)
	if e == nil {
		return Account{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return Account{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	next := e.cur.Load().Clone()
	if err := mutate(&next); err != nil {
		return Account{}, err
	}
	next.ID = id
	next.ProtectedModels = ModelSet(next.ProtectedModels)

	if p.persister != nil {
		if err := p.persister.SaveAccount(ctx, next); err != nil {
			return Account{}, fmt.Errorf("persist account %s: %w", id, err)
		}
	}
	e.cur.Store(&next)
	return next.Clone(), nil
}

// Remove deletes the account from storage and from the pool.
func (p *Pool) Remove(ctx context.Context, id string) error {
	e := p.lookup(id)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if p.persister != nil {
		if err := p.persister.DeleteAccount(ctx, id); err != nil {
			return fmt.Errorf("delete account %s: %w", id, err)
		}
	}
	e.removed = true

	s := p.shardFor(id)
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
	return nil
}

// Len returns the number of accounts in the pool.
func (p *Pool) Len() int {
	n := 0
	for _, s := range p.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}
