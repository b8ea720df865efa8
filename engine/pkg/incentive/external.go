package incentive

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrDuplicateReference is returned by a TokenLedger when a transfer with the
// same reference has already been applied. Callers treat it as success.
var ErrDuplicateReference = errors.New("transfer reference already applied")

// TransferRequest moves Amount of Token from one account to another.
// Reference is an idempotency key: a ledger applies each reference at most once.
type TransferRequest struct {
	Token     string
	From      string
	To        string
	Amount    decimal.Decimal
	Reference string
}

// TransferError names the request of a batch that the ledger rejected.
type TransferError struct {
	Index int
	Err   error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %d: %v", e.Index, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// TokenLedger is the external ledger holding the payout token.
type TokenLedger interface {
	BalanceOf(ctx context.Context, token, account string) (decimal.Decimal, error)
	Transfer(ctx context.Context, req TransferRequest) error
	// TransferBatch applies every request or none of them. Requests whose
	// reference was already applied are skipped; a rejected request is
	// reported as a *TransferError.
	TransferBatch(ctx context.Context, reqs []TransferRequest) error
}

// Payment is one payout from the reward pool.
type Payment struct {
	To        string
	Amount    decimal.Decimal
	Reference string
}

// ParticipantRole distinguishes node operators from ordinary users.
type ParticipantRole string

const (
	ParticipantOperator ParticipantRole = "operator"
	ParticipantUser     ParticipantRole = "user"
)

// Participant is a registered account as seen by the identity registry.
type Participant struct {
	ID   string          `json:"id"`
	Role ParticipantRole `json:"role"`
}

// IdentityRegistry confirms whether an account is a registered participant.
type IdentityRegistry interface {
	Lookup(ctx context.Context, id string) (Participant, bool, error)
}

// IsOperator reports whether id resolves to a registered operator.
func IsOperator(ctx context.Context, reg IdentityRegistry, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	p, ok, err := reg.Lookup(ctx, id)
	if err != nil || !ok {
		return false, err
	}
	return p.Role == ParticipantOperator, nil
}

// IsRegistered reports whether id resolves to any registered participant.
func IsRegistered(ctx context.Context, reg IdentityRegistry, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	_, ok, err := reg.Lookup(ctx, id)
	return ok, err
}
