package referral

import (
	"context"
	"errors"

	"github.com/malbeclabs/incentives/engine/pkg/incentive"
)

// ErrCodeTaken is returned by InsertCode when the code string already exists.
var ErrCodeTaken = errors.New("referral code already taken")

// Store persists the referral ledger. Update runs fn in a read-write
// transaction that is rolled back when fn returns an error; View runs fn
// against a consistent read-only snapshot.
type Store interface {
	Update(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(tx Tx) error) error
}

type Tx interface {
	Stats(ctx context.Context) (incentive.GlobalStats, error)
	PutStats(ctx context.Context, stats incentive.GlobalStats) error

	Code(ctx context.Context, code string) (Code, bool, error)
	// ActiveCode returns the most recent code of owner still flagged active,
	// expired or not.
	ActiveCode(ctx context.Context, owner string) (Code, bool, error)
	InsertCode(ctx context.Context, c Code) error
	PutCode(ctx context.Context, c Code) error
	TotalCodes(ctx context.Context) (int64, error)

	Relationship(ctx context.Context, referee string) (Relationship, bool, error)
	// InsertRelationship returns incentive.ErrAlreadyReferred if the referee
	// already has a relationship.
	InsertRelationship(ctx context.Context, r Relationship) error
	PutRelationship(ctx context.Context, r Relationship) error

	// ReferrerStats returns zeroed stats for an unknown referrer.
	ReferrerStats(ctx context.Context, referrer string) (ReferrerStats, error)
	PutReferrerStats(ctx context.Context, s ReferrerStats) error

	// InsertClaim assigns the next claim index and returns it.
	InsertClaim(ctx context.Context, c Claim) (int64, error)
	// Claim returns incentive.ErrClaimNotFound if index is unknown.
	Claim(ctx context.Context, index int64) (Claim, error)
	PutClaim(ctx context.Context, c Claim) error
	// Claims lists the claims of owner in index order.
	Claims(ctx context.Context, owner string, offset, limit int) ([]Claim, int, error)

	// Tiers returns the reward ladder ordered by tier number.
	Tiers(ctx context.Context) ([]Tier, error)
	PutTier(ctx context.Context, t Tier) error
}
