package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/gagliardetto/solana-go"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
// Transactions are serialized by a single writer lock.
type MemoryStore struct {
	mints    map[solana.PublicKey]*Mint
	accounts map[solana.PublicKey]*TokenAccount
	data     map[solana.PublicKey]*DataAccount
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mints:    make(map[solana.PublicKey]*Mint),
		accounts: make(map[solana.PublicKey]*TokenAccount),
		data:     make(map[solana.PublicKey]*DataAccount),
	}
}

func (m *MemoryStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		store:    m,
		mints:    make(map[solana.PublicKey]*Mint),
		accounts: make(map[solana.PublicKey]*TokenAccount),
		data:     make(map[solana.PublicKey]*DataAccount),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (m *MemoryStore) TokenAccount(ctx context.Context, addr solana.PublicKey) (*TokenAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[addr]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) DataAccount(ctx context.Context, addr solana.PublicKey) (*DataAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.data[addr]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return copyData(d), nil
}

func (m *MemoryStore) DataAccountsByOwner(ctx context.Context, owner, after solana.PublicKey, limit int) ([]*DataAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	start := ""
	if !after.IsZero() {
		start = after.String()
	}

	var result []*DataAccount
	for _, d := range m.data {
		if d.Owner.Equals(owner) && d.Address.String() > start {
			result = append(result, copyData(d))
		}
	}
	// Same order as the Postgres store: base58 text, byte-wise.
	sort.Slice(result, func(i, j int) bool {
		return result[i].Address.String() < result[j].Address.String()
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// memTx stages writes over the committed maps. A nil value marks a deletion.
type memTx struct {
	store    *MemoryStore
	mints    map[solana.PublicKey]*Mint
	accounts map[solana.PublicKey]*TokenAccount
	data     map[solana.PublicKey]*DataAccount
}

func (t *memTx) Mint(ctx context.Context, addr solana.PublicKey) (*Mint, error) {
	if mt, ok := t.mints[addr]; ok {
		cp := *mt
		return &cp, nil
	}
	mt, ok := t.store.mints[addr]
	if !ok {
		return nil, ErrMintNotFound
	}
	cp := *mt
	return &cp, nil
}

func (t *memTx) PutMint(ctx context.Context, mt *Mint) error {
	cp := *mt
	t.mints[mt.Address] = &cp
	return nil
}

func (t *memTx) TokenAccount(ctx context.Context, addr solana.PublicKey) (*TokenAccount, error) {
	if a, ok := t.accounts[addr]; ok {
		if a == nil {
			return nil, ErrAccountNotFound
		}
		cp := *a
		return &cp, nil
	}
	a, ok := t.store.accounts[addr]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (t *memTx) PutTokenAccount(ctx context.Context, a *TokenAccount) error {
	cp := *a
	t.accounts[a.Address] = &cp
	return nil
}

func (t *memTx) DeleteTokenAccount(ctx context.Context, addr solana.PublicKey) error {
	if _, err := t.TokenAccount(ctx, addr); err != nil {
		return err
	}
	t.accounts[addr] = nil
	return nil
}

func (t *memTx) DataAccount(ctx context.Context, addr solana.PublicKey) (*DataAccount, error) {
	if d, ok := t.data[addr]; ok {
		if d == nil {
			return nil, ErrAccountNotFound
		}
		return copyData(d), nil
	}
	d, ok := t.store.data[addr]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return copyData(d), nil
}

func (t *memTx) PutDataAccount(ctx context.Context, d *DataAccount) error {
	t.data[d.Address] = copyData(d)
	return nil
}

func (t *memTx) DeleteDataAccount(ctx context.Context, addr solana.PublicKey) error {
	if _, err := t.DataAccount(ctx, addr); err != nil {
		return err
	}
	t.data[addr] = nil
	return nil
}

// commit applies staged writes. Caller holds the store write lock.
func (t *memTx) commit() {
	for k, v := range t.mints {
		t.store.mints[k] = v
	}
	for k, v := range t.accounts {
		if v == nil {
			delete(t.store.accounts, k)
			continue
		}
		t.store.accounts[k] = v
	}
	for k, v := range t.data {
		if v == nil {
			delete(t.store.data, k)
			continue
		}
		t.store.data[k] = v
	}
}

func copyData(d *DataAccount) *DataAccount {
	cp := *d
	cp.Data = append([]byte(nil), d.Data...)
	return &cp
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
