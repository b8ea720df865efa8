package rewards

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/malbeclabs/incentives/engine/pkg/incentive"
)

// MemoryStore keeps the ledger in process memory. Writers are serialized and
// every write records an undo step so a failed transaction leaves no trace.
type MemoryStore struct {
	mu         sync.RWMutex
	stats      incentive.GlobalStats
	rewards    map[uuid.UUID]Record
	byPeriod   map[string]uuid.UUID
	byOperator map[string][]uuid.UUID
	operators  map[string]OperatorAccount
	slashes    map[string][]SlashEvent
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stats:      incentive.NewGlobalStats(incentive.ScopeRewards),
		rewards:    make(map[uuid.UUID]Record),
		byPeriod:   make(map[string]uuid.UUID),
		byOperator: make(map[string][]uuid.UUID),
		operators:  make(map[string]OperatorAccount),
		slashes:    make(map[string][]SlashEvent),
	}
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

func periodKey(operatorID, period string) string {
	return operatorID + "\x00" + period
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

func (tx *memoryTx) Reward(ctx context.Context, id uuid.UUID) (Record, error) {
	r, ok := tx.s.rewards[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", incentive.ErrRewardNotFound, id)
	}
	return r, nil
}

func (tx *memoryTx) RewardByPeriod(ctx context.Context, operatorID, period string) (Record, bool, error) {
	id, ok := tx.s.byPeriod[periodKey(operatorID, period)]
	if !ok {
		return Record{}, false, nil
	}
	return tx.s.rewards[id], true, nil
}

func (tx *memoryTx) InsertReward(ctx context.Context, r Record) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	key := periodKey(r.OperatorID, r.Period)
	if _, ok := tx.s.byPeriod[key]; ok {
		return fmt.Errorf("%w: operator %s period %s", incentive.ErrRewardAlreadyExists, r.OperatorID, r.Period)
	}
	if _, ok := tx.s.rewards[r.ID]; ok {
		return fmt.Errorf("%w: id %s", incentive.ErrRewardAlreadyExists, r.ID)
	}
	tx.s.rewards[r.ID] = r
	tx.s.byPeriod[key] = r.ID
	n := len(tx.s.byOperator[r.OperatorID])
	tx.s.byOperator[r.OperatorID] = append(tx.s.byOperator[r.OperatorID], r.ID)
	tx.undo = append(tx.undo, func() {
		delete(tx.s.rewards, r.ID)
		delete(tx.s.byPeriod, key)
		tx.s.byOperator[r.OperatorID] = tx.s.byOperator[r.OperatorID][:n]
	})
	return nil
}

func (tx *memoryTx) PutReward(ctx context.Context, r Record) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	prev, ok := tx.s.rewards[r.ID]
	if !ok {
		return fmt.Errorf("%w: %s", incentive.ErrRewardNotFound, r.ID)
	}
	tx.s.rewards[r.ID] = r
	tx.undo = append(tx.undo, func() { tx.s.rewards[r.ID] = prev })
	return nil
}

func (tx *memoryTx) RewardHistory(ctx context.Context, operatorID string, offset, limit int) ([]Record, int, error) {
	ids := tx.s.byOperator[operatorID]
	total := len(ids)
	out := []Record{}
	for i := total - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, tx.s.rewards[ids[i]])
	}
	return out, total, nil
}

func (tx *memoryTx) Operator(ctx context.Context, id string) (OperatorAccount, bool, error) {
	a, ok := tx.s.operators[id]
	return a, ok, nil
}

func (tx *memoryTx) PutOperator(ctx context.Context, a OperatorAccount) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	prev, existed := tx.s.operators[a.ID]
	tx.s.operators[a.ID] = a
	tx.undo = append(tx.undo, func() {
		if existed {
			tx.s.operators[a.ID] = prev
		} else {
			delete(tx.s.operators, a.ID)
		}
	})
	return nil
}

func (tx *memoryTx) InsertSlash(ctx context.Context, e SlashEvent) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	n := len(tx.s.slashes[e.OperatorID])
	tx.s.slashes[e.OperatorID] = append(tx.s.slashes[e.OperatorID], e)
	tx.undo = append(tx.undo, func() {
		tx.s.slashes[e.OperatorID] = tx.s.slashes[e.OperatorID][:n]
	})
	return nil
}

func (tx *memoryTx) SlashHistory(ctx context.Context, operatorID string, offset, limit int) ([]SlashEvent, int, error) {
	events := tx.s.slashes[operatorID]
	total := len(events)
	out := []SlashEvent{}
	for i := total - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, events[i])
	}
	return out, total, nil
}
