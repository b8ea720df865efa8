package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/malbeclabs/incentives/engine/pkg/incentive"
)

// Memory is an IdentityRegistry backed by a map.
type Memory struct {
	mu           sync.RWMutex
	participants map[string]incentive.Participant
}

var _ incentive.IdentityRegistry = (*Memory)(nil)

func NewMemory(participants ...incentive.Participant) *Memory {
	m := &Memory{participants: make(map[string]incentive.Participant)}
	for _, p := range participants {
		m.participants[p.ID] = p
	}
	return m
}

func (m *Memory) Register(_ context.Context, p incentive.Participant) error {
	if p.ID == "" {
		return fmt.Errorf("participant id is required")
	}
	switch p.Role {
	case incentive.ParticipantOperator, incentive.ParticipantUser:
	default:
		return fmt.Errorf("unknown participant role %q", p.Role)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.participants[p.ID] = p
	return nil
}

func (m *Memory) Lookup(_ context.Context, id string) (incentive.Participant, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.participants[id]
	return p, ok, nil
}

// Operators creates operator participants for the given ids.
func Operators(ids ...string) []incentive.Participant {
	return participants(incentive.ParticipantOperator, ids)
}

// Users creates user participants for the given ids.
func Users(ids ...string) []incentive.Participant {
	return participants(incentive.ParticipantUser, ids)
}

func participants(role incentive.ParticipantRole, ids []string) []incentive.Participant {
	out := make([]incentive.Participant, 0, len(ids))
	for _, id := range ids {
		out = append(out, incentive.Participant{ID: id, Role: role})
	}
	return out
}
