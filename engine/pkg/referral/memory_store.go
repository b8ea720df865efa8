package referral

import (
	"context"
	"fmt"
	"sync"

	"github.com/malbeclabs/incentives/engine/pkg/incentive"
)

// MemoryStore keeps the referral ledger in process memory. Writers are
// serialized and every write records an undo step so a failed transaction
// leaves no trace.
type MemoryStore struct {
	mu            sync.RWMutex
	stats         incentive.GlobalStats
	codes         map[string]Code
	codesByOwner  map[string][]string
	relationships map[string]Relationship
	referrers     map[string]ReferrerStats
	claims        []Claim
	claimsByOwner map[string][]int64
	tiers         map[int]Tier
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a store seeded with tiers, or DefaultTiers if none
// are given.
func NewMemoryStore(tiers ...Tier) *MemoryStore {
	if len(tiers) == 0 {
		tiers = DefaultTiers()
	}
	s := &MemoryStore{
		stats:         incentive.NewGlobalStats(incentive.ScopeReferral),
		codes:         make(map[string]Code),
		codesByOwner:  make(map[string][]string),
		relationships: make(map[string]Relationship),
		referrers:     make(map[string]ReferrerStats),
		claimsByOwner: make(map[string][]int64),
		tiers:         make(map[int]Tier),
	}
	for _, t := range tiers {
		s.tiers[t.Number] = t
	}
	return s
}

func (s *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{s: s, writable: true}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *MemoryStore) View(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&memoryTx{s: s})
}

type memoryTx struct {
	s        *MemoryStore
	writable bool
	undo     []func()
}

func (tx *memoryTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (tx *memoryTx) checkWritable() error {
	if !tx.writable {
		return fmt.Errorf("write in read-only transaction")
	}
	return nil
}

func (tx *memoryTx) Stats(ctx context.Context) (incentive.GlobalStats, error) {
	return tx.s.stats, nil
}

func (tx *memoryTx) PutStats(ctx context.Context, stats incentive.GlobalStats) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	prev := tx.s.stats
	tx.s.stats = stats
	tx.undo = append(tx.undo, func() { tx.s.stats = prev })
	return nil
}

func (tx *memoryTx) Code(ctx context.Context, code string) (Code, bool, error) {
	c, ok := tx.s.codes[code]
	return c, ok, nil
}

func (tx *memoryTx) ActiveCode(ctx context.Context, owner string) (Code, bool, error) {
	owned := tx.s.codesByOwner[owner]
	for i := len(owned) - 1; i >= 0; i-- {
		if c := tx.s.codes[owned[i]]; c.Active {
			return c, true, nil
		}
	}
	return Code{}, false, nil
}

func (tx *memoryTx) InsertCode(ctx context.Context, c Code) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	if _, ok := tx.s.codes[c.Code]; ok {
		return fmt.Errorf("%w: %s", ErrCodeTaken, c.Code)
	}
	tx.s.codes[c.Code] = c
	n := len(tx.s.codesByOwner[c.Owner])
	tx.s.codesByOwner[c.Owner] = append(tx.s.codesByOwner[c.Owner], c.Code)
	tx.undo = append(tx.undo, func() {
		delete(tx.s.codes, c.Code)
		tx.s.codesByOwner[c.Owner] = tx.s.codesByOwner[c.Owner][:n]
	})
	return nil
}

func (tx *memoryTx) PutCode(ctx context.Context, c Code) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	prev, ok := tx.s.codes[c.Code]
	if !ok {
		return fmt.Errorf("%w: unknown code %s", incentive.ErrCodeNotActive, c.Code)
	}
	tx.s.codes[c.Code] = c
	tx.undo = append(tx.undo, func() { tx.s.codes[c.Code] = prev })
	return nil
}

func (tx *memoryTx) TotalCodes(ctx context.Context) (int64, error) {
	return int64(len(tx.s.codes)), nil
}

func (tx *memoryTx) Relationship(ctx context.Context, referee string) (Relationship, bool, error) {
	r, ok := tx.s.relationships[referee]
	return r, ok, nil
}

func (tx *memoryTx) InsertRelationship(ctx context.Context, r Relationship) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	if _, ok := tx.s.relationships[r.Referee]; ok {
		return fmt.Errorf("%w: %s", incentive.ErrAlreadyReferred, r.Referee)
	}
	tx.s.relationships[r.Referee] = r
	tx.undo = append(tx.undo, func() { delete(tx.s.relationships, r.Referee) })
	return nil
}

func (tx *memoryTx) PutRelationship(ctx context.Context, r Relationship) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	prev, ok := tx.s.relationships[r.Referee]
	if !ok {
		return fmt.Errorf("%w: %s", incentive.ErrRelationshipNotFound, r.Referee)
	}
	tx.s.relationships[r.Referee] = r
	tx.undo = append(tx.undo, func() { tx.s.relationships[r.Referee] = prev })
	return nil
}

func (tx *memoryTx) ReferrerStats(ctx context.Context, referrer string) (ReferrerStats, error) {
	if st, ok := tx.s.referrers[referrer]; ok {
		return st, nil
	}
	return NewReferrerStats(referrer), nil
}

func (tx *memoryTx) PutReferrerStats(ctx context.Context, st ReferrerStats) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	prev, existed := tx.s.referrers[st.Referrer]
	tx.s.referrers[st.Referrer] = st
	tx.undo = append(tx.undo, func() {
		if existed {
			tx.s.referrers[st.Referrer] = prev
		} else {
			delete(tx.s.referrers, st.Referrer)
		}
	})
	return nil
}

func (tx *memoryTx) InsertClaim(ctx context.Context, c Claim) (int64, error) {
	if err := tx.checkWritable(); err != nil {
		return 0, err
	}
	c.Index = int64(len(tx.s.claims)) + 1
	tx.s.claims = append(tx.s.claims, c)
	n := len(tx.s.claimsByOwner[c.Owner])
	tx.s.claimsByOwner[c.Owner] = append(tx.s.claimsByOwner[c.Owner], c.Index)
	tx.undo = append(tx.undo, func() {
		tx.s.claims = tx.s.claims[:c.Index-1]
		tx.s.claimsByOwner[c.Owner] = tx.s.claimsByOwner[c.Owner][:n]
	})
	return c.Index, nil
}

func (tx *memoryTx) Claim(ctx context.Context, index int64) (Claim, error) {
	if index < 1 || index > int64(len(tx.s.claims)) {
		return Claim{}, fmt.Errorf("%w: %d", incentive.ErrClaimNotFound, index)
	}
	return tx.s.claims[index-1], nil
}

func (tx *memoryTx) PutClaim(ctx context.Context, c Claim) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	if c.Index < 1 || c.Index > int64(len(tx.s.claims)) {
		return fmt.Errorf("%w: %d", incentive.ErrClaimNotFound, c.Index)
	}
	prev := tx.s.claims[c.Index-1]
	tx.s.claims[c.Index-1] = c
	tx.undo = append(tx.undo, func() { tx.s.claims[c.Index-1] = prev })
	return nil
}

func (tx *memoryTx) Claims(ctx context.Context, owner string, offset, limit int) ([]Claim, int, error) {
	indexes := tx.s.claimsByOwner[owner]
	out := []Claim{}
	for i := offset; i < len(indexes) && len(out) < limit; i++ {
		out = append(out, tx.s.claims[indexes[i]-1])
	}
	return out, len(indexes), nil
}

func (tx *memoryTx) Tiers(ctx context.Context) ([]Tier, error) {
	tiers := make([]Tier, 0, len(tx.s.tiers))
	for _, t := range tx.s.tiers {
		tiers = append(tiers, t)
	}
	sortTiers(tiers)
	return tiers, nil
}

func (tx *memoryTx) PutTier(ctx context.Context, t Tier) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	prev, existed := tx.s.tiers[t.Number]
	tx.s.tiers[t.Number] = t
	tx.undo = append(tx.undo, func() {
		if existed {
			tx.s.tiers[t.Number] = prev
		} else {
			delete(tx.s.tiers, t.Number)
		}
	})
	return nil
}
