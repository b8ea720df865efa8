// Package tokenledger provides an in-process TokenLedger used for local runs
// and tests. Production deployments plug in the marketplace's token ledger.
package tokenledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/malbeclabs/incentives/engine/pkg/incentive"
	"github.com/shopspring/decimal"
)

// ErrInsufficientFunds is returned when the source account cannot cover a transfer.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Memory is a TokenLedger keeping balances in memory.
type Memory struct {
	mu       sync.Mutex
	balances map[string]map[string]decimal.Decimal
	applied  map[string]struct{}

	// failNext and failRefs inject transfer failures to exercise rollback paths.
	failNext error
	failRefs map[string]error
}

var _ incentive.TokenLedger = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		balances: make(map[string]map[string]decimal.Decimal),
		applied:  make(map[string]struct{}),
		failRefs: make(map[string]error),
	}
}

func (m *Memory) BalanceOf(_ context.Context, token, account string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance(token, account), nil
}

func (m *Memory) Transfer(_ context.Context, req incentive.TransferRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.injected(req.Reference); err != nil {
		return err
	}
	if m.isApplied(req.Reference) {
		return incentive.ErrDuplicateReference
	}
	if err := check(req, m.balance(req.Token, req.From)); err != nil {
		return err
	}
	m.set(req.Token, req.From, m.balance(req.Token, req.From).Sub(req.Amount))
	m.set(req.Token, req.To, m.balance(req.Token, req.To).Add(req.Amount))
	if req.Reference != "" {
		m.applied[req.Reference] = struct{}{}
	}
	return nil
}

type balanceKey struct {
	token   string
	account string
}

// TransferBatch stages every request against a scratch copy of the touched
// balances and applies them only when all of them pass.
func (m *Memory) TransferBatch(_ context.Context, reqs []incentive.TransferRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	staged := make(map[balanceKey]decimal.Decimal)
	refs := make(map[string]struct{})
	balance := func(token, account string) decimal.Decimal {
		if b, ok := staged[balanceKey{token, account}]; ok {
			return b
		}
		return m.balance(token, account)
	}

	for i, req := range reqs {
		if err := m.injected(req.Reference); err != nil {
			return &incentive.TransferError{Index: i, Err: err}
		}
		if req.Reference != "" {
			if _, ok := refs[req.Reference]; ok || m.isApplied(req.Reference) {
				continue
			}
			refs[req.Reference] = struct{}{}
		}
		from := balance(req.Token, req.From)
		if err := check(req, from); err != nil {
			return &incentive.TransferError{Index: i, Err: err}
		}
		staged[balanceKey{req.Token, req.From}] = from.Sub(req.Amount)
		staged[balanceKey{req.Token, req.To}] = balance(req.Token, req.To).Add(req.Amount)
	}

	for k, b := range staged {
		m.set(k.token, k.account, b)
	}
	for ref := range refs {
		m.applied[ref] = struct{}{}
	}
	return nil
}

func check(req incentive.TransferRequest, from decimal.Decimal) error {
	if !req.Amount.IsPositive() {
		return fmt.Errorf("transfer amount must be positive, got %s", req.Amount)
	}
	if from.LessThan(req.Amount) {
		return fmt.Errorf("%w: %s has %s %s, needs %s", ErrInsufficientFunds, req.From, from, req.Token, req.Amount)
	}
	return nil
}

// Credit adds amount to an account out of thin air. Used to seed balances.
func (m *Memory) Credit(token, account string, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(token, account, m.balance(token, account).Add(amount))
}

// FailNextTransfer makes the next transfer, batched or not, return err.
func (m *Memory) FailNextTransfer(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// FailTransfer makes the next transfer carrying reference return err.
func (m *Memory) FailTransfer(reference string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failRefs[reference] = err
}

func (m *Memory) injected(reference string) error {
	if err := m.failNext; err != nil {
		m.failNext = nil
		return err
	}
	if err, ok := m.failRefs[reference]; ok && reference != "" {
		delete(m.failRefs, reference)
		return err
	}
	return nil
}

func (m *Memory) isApplied(reference string) bool {
	if reference == "" {
		return false
	}
	_, ok := m.applied[reference]
	return ok
}

// Applied reports whether a transfer reference has been applied.
func (m *Memory) Applied(reference string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.applied[reference]
	return ok
}

func (m *Memory) balance(token, account string) decimal.Decimal {
	if b, ok := m.balances[token][account]; ok {
		return b
	}
	return decimal.Zero
}

func (m *Memory) set(token, account string, amount decimal.Decimal) {
	if m.balances[token] == nil {
		m.balances[token] = make(map[string]decimal.Decimal)
	}
	m.balances[token][account] = amount
}
