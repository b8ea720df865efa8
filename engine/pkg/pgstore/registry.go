package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/malbeclabs/incentives/engine/pkg/incentive"
)

// Registry is an IdentityRegistry over the participants table.
type Registry struct {
	db *DB
}

var _ incentive.IdentityRegistry = (*Registry)(nil)

func NewRegistry(db *DB) *Registry {
	return &Registry{db: db}
}

func (r *Registry) Lookup(ctx context.Context, id string) (incentive.Participant, bool, error) {
	p := incentive.Participant{ID: id}
	var role string
	err := r.db.pool.QueryRow(ctx, `SELECT role FROM participants WHERE id = $1`, id).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return incentive.Participant{}, false, nil
	}
	if err != nil {
		return p, false, fmt.Errorf("failed to look up participant: %w", err)
	}
	p.Role = incentive.ParticipantRole(role)
	return p, true, nil
}

// Register adds or re-roles a participant.
func (r *Registry) Register(ctx context.Context, p incentive.Participant) error {
	if p.ID == "" {
		return errors.New("participant id is required")
	}
	switch p.Role {
	case incentive.ParticipantOperator, incentive.ParticipantUser:
	default:
		return fmt.Errorf("unknown participant role %q", p.Role)
	}
	_, err := r.db.pool.Exec(ctx, `INSERT INTO participants (id, role) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET role = EXCLUDED.role`, p.ID, string(p.Role))
	if err != nil {
		return fmt.Errorf("failed to register participant: %w", err)
	}
	return nil
}
