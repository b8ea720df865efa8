package treasury

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/incentives/engine/pkg/incentive"
	"github.com/malbeclabs/incentives/engine/pkg/metrics"
	"github.com/malbeclabs/incentives/engine/pkg/notify"
	"github.com/shopspring/decimal"
)

type Config struct {
	Logger      *slog.Logger
	Clock       clockwork.Clock
	Ledger      incentive.TokenLedger
	Configs     incentive.ConfigStore
	Authorizer  incentive.Authorizer
	PoolAccount string

	// Notifier receives low-balance and failed-payout alerts. Optional.
	Notifier notify.Notifier
	// AlertTimeout bounds the delivery of one alert. Defaults to 10s.
	AlertTimeout time.Duration
	// LowBalanceThreshold triggers an alert when the pool drops below it.
	// Zero disables the alert.
	LowBalanceThreshold decimal.Decimal
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("token ledger is required")
	}
	if cfg.Configs == nil {
		return errors.New("config store is required")
	}
	if cfg.Authorizer == nil {
		return errors.New("authorizer is required")
	}
	if cfg.PoolAccount == "" {
		return errors.New("pool account is required")
	}
	if cfg.LowBalanceThreshold.IsNegative() {
		return errors.New("low balance threshold must not be negative")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.NewLog(cfg.Logger)
	}
	if cfg.AlertTimeout <= 0 {
		cfg.AlertTimeout = 10 * time.Second
	}
	return nil
}

// Treasury is the funded pool both ledgers pay from.
type Treasury struct {
	log *slog.Logger
	cfg Config

	alertMu  sync.Mutex
	alertLow bool
	alerts   sync.WaitGroup
}

func New(cfg Config) (*Treasury, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Treasury{log: cfg.Logger, cfg: cfg}, nil
}

func (t *Treasury) PoolAccount() string {
	return t.cfg.PoolAccount
}

// RewardToken returns the token currently used for payouts.
func (t *Treasury) RewardToken(ctx context.Context) (string, error) {
	cfg, err := t.cfg.Configs.LoadConfig(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load incentive config: %w", err)
	}
	return cfg.RewardToken, nil
}

// Balance returns the pool balance of the reward token.
func (t *Treasury) Balance(ctx context.Context) (decimal.Decimal, error) {
	token, err := t.RewardToken(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	balance, err := t.cfg.Ledger.BalanceOf(ctx, token, t.cfg.PoolAccount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query pool balance: %w", err)
	}
	metrics.SetPoolBalance(token, balance)
	return balance, nil
}

// EnsureAvailable fails with ErrInsufficientBalance unless the pool holds
// at least amount.
func (t *Treasury) EnsureAvailable(ctx context.Context, amount decimal.Decimal) error {
	balance, err := t.Balance(ctx)
	if err != nil {
		return err
	}
	if balance.LessThan(amount) {
		t.alert(ctx, notify.Alert{
			Title:    "Payout blocked by pool balance",
			Text:     "a payout could not be covered by the reward pool",
			Severity: notify.SeverityError,
			Fields:   map[string]string{"balance": balance.String(), "required": amount.String()},
		})
		return fmt.Errorf("%w: pool holds %s, payout needs %s", incentive.ErrInsufficientBalance, balance, amount)
	}
	return nil
}

// Pay transfers amount from the pool to account. reference makes the
// transfer idempotent: a reference already applied is treated as paid.
func (t *Treasury) Pay(ctx context.Context, to string, amount decimal.Decimal, reference string) error {
	if err := t.EnsureAvailable(ctx, amount); err != nil {
		return err
	}
	token, err := t.RewardToken(ctx)
	if err != nil {
		return err
	}
	err = t.cfg.Ledger.Transfer(ctx, incentive.TransferRequest{
		Token:     token,
		From:      t.cfg.PoolAccount,
		To:        to,
		Amount:    amount,
		Reference: reference,
	})
	if errors.Is(err, incentive.ErrDuplicateReference) {
		t.log.Warn("treasury: payout reference already applied", "reference", reference, "to", to)
		return nil
	}
	if err != nil {
		t.payoutFailed(ctx, amount, 1, err)
		return fmt.Errorf("failed to pay %s to %s: %w", amount, to, err)
	}
	t.log.Debug("treasury: paid", "to", to, "amount", amount, "reference", reference)
	t.checkLowBalance(ctx)
	return nil
}

// PayAll sends payments as one ledger batch: either every payment lands or
// none does. The pool must cover their sum. Payments whose reference was
// already applied are skipped by the ledger.
func (t *Treasury) PayAll(ctx context.Context, payments []incentive.Payment) error {
	if len(payments) == 0 {
		return nil
	}
	total := decimal.Zero
	for _, p := range payments {
		total = total.Add(p.Amount)
	}
	if err := t.EnsureAvailable(ctx, total); err != nil {
		return err
	}
	token, err := t.RewardToken(ctx)
	if err != nil {
		return err
	}
	reqs := make([]incentive.TransferRequest, 0, len(payments))
	for _, p := range payments {
		reqs = append(reqs, incentive.TransferRequest{
			Token:     token,
			From:      t.cfg.PoolAccount,
			To:        p.To,
			Amount:    p.Amount,
			Reference: p.Reference,
		})
	}
	if err := t.cfg.Ledger.TransferBatch(ctx, reqs); err != nil {
		t.payoutFailed(ctx, total, len(payments), err)
		return fmt.Errorf("failed to pay %d payouts totalling %s: %w", len(payments), total, err)
	}
	t.log.Debug("treasury: paid batch", "count", len(payments), "amount", total)
	t.checkLowBalance(ctx)
	return nil
}

func (t *Treasury) payoutFailed(ctx context.Context, amount decimal.Decimal, count int, err error) {
	t.alert(ctx, notify.Alert{
		Title:    "Payout failed",
		Text:     "the token ledger rejected a payout from the reward pool",
		Severity: notify.SeverityError,
		Fields: map[string]string{
			"amount":   amount.String(),
			"payments": strconv.Itoa(count),
			"error":    err.Error(),
		},
	})
}

// FundRewards deposits amount of the reward token from the caller into the pool.
func (t *Treasury) FundRewards(ctx context.Context, amount decimal.Decimal) error {
	if err := incentive.Require(ctx, t.cfg.Authorizer, incentive.RoleAdmin); err != nil {
		return err
	}
	if err := incentive.ValidateAmount(amount); err != nil {
		return err
	}
	token, err := t.RewardToken(ctx)
	if err != nil {
		return err
	}
	caller := incentive.CallerFromContext(ctx)
	if err := t.transfer(ctx, token, caller, t.cfg.PoolAccount, amount, "fund"); err != nil {
		return err
	}
	t.log.Info("treasury: pool funded", "caller", caller, "token", token, "amount", amount)
	t.checkLowBalance(ctx)
	return nil
}

// WithdrawTokens drains amount of the reward token from the pool to the caller.
func (t *Treasury) WithdrawTokens(ctx context.Context, amount decimal.Decimal) error {
	if err := incentive.Require(ctx, t.cfg.Authorizer, incentive.RoleAdmin); err != nil {
		return err
	}
	if err := incentive.ValidateAmount(amount); err != nil {
		return err
	}
	if err := t.EnsureAvailable(ctx, amount); err != nil {
		return err
	}
	token, err := t.RewardToken(ctx)
	if err != nil {
		return err
	}
	caller := incentive.CallerFromContext(ctx)
	if err := t.transfer(ctx, token, t.cfg.PoolAccount, caller, amount, "withdraw"); err != nil {
		return err
	}
	t.log.Info("treasury: tokens withdrawn", "caller", caller, "token", token, "amount", amount)
	t.checkLowBalance(ctx)
	return nil
}

// EmergencyWithdrawToken recovers a stray token sent to the pool. The reward
// token is excluded; use WithdrawTokens for it.
func (t *Treasury) EmergencyWithdrawToken(ctx context.Context, token string, amount decimal.Decimal) error {
	if err := incentive.Require(ctx, t.cfg.Authorizer, incentive.RoleAdmin); err != nil {
		return err
	}
	if err := incentive.ValidateAmount(amount); err != nil {
		return err
	}
	rewardToken, err := t.RewardToken(ctx)
	if err != nil {
		return err
	}
	if token == "" || token == rewardToken {
		return fmt.Errorf("%w: emergency withdrawal requires a token other than the reward token", incentive.ErrInvalidToken)
	}
	balance, err := t.cfg.Ledger.BalanceOf(ctx, token, t.cfg.PoolAccount)
	if err != nil {
		return fmt.Errorf("failed to query pool balance: %w", err)
	}
	if balance.LessThan(amount) {
		return fmt.Errorf("%w: pool holds %s %s", incentive.ErrInsufficientBalance, balance, token)
	}
	caller := incentive.CallerFromContext(ctx)
	if err := t.transfer(ctx, token, t.cfg.PoolAccount, caller, amount, "emergency"); err != nil {
		return err
	}
	t.log.Warn("treasury: emergency withdrawal", "caller", caller, "token", token, "amount", amount)
	return nil
}

// SetRewardToken switches the token used for payouts.
func (t *Treasury) SetRewardToken(ctx context.Context, token string) error {
	if err := incentive.Require(ctx, t.cfg.Authorizer, incentive.RoleAdmin); err != nil {
		return err
	}
	if token == "" {
		return fmt.Errorf("%w: token is required", incentive.ErrInvalidToken)
	}
	now := t.cfg.Clock.Now().UTC()
	if _, err := t.cfg.Configs.UpdateConfig(ctx, func(c *incentive.Config) error {
		c.RewardToken = token
		c.UpdatedAt = now
		return nil
	}); err != nil {
		return err
	}
	t.log.Info("treasury: reward token set", "token", token)
	return nil
}

func (t *Treasury) transfer(ctx context.Context, token, from, to string, amount decimal.Decimal, kind string) error {
	if from == "" || to == "" {
		return fmt.Errorf("%w: no caller identity", incentive.ErrNotAuthorized)
	}
	err := t.cfg.Ledger.Transfer(ctx, incentive.TransferRequest{
		Token:     token,
		From:      from,
		To:        to,
		Amount:    amount,
		Reference: kind + ":" + uuid.NewString(),
	})
	if err != nil {
		return fmt.Errorf("failed to %s %s %s: %w", kind, amount, token, err)
	}
	return nil
}

// checkLowBalance alerts once when the pool crosses below the threshold and
// re-arms when it is funded above it again.
func (t *Treasury) checkLowBalance(ctx context.Context) {
	if t.cfg.LowBalanceThreshold.IsZero() {
		return
	}
	balance, err := t.Balance(ctx)
	if err != nil {
		t.log.Warn("treasury: failed to check pool balance", "error", err)
		return
	}
	low := balance.LessThan(t.cfg.LowBalanceThreshold)

	t.alertMu.Lock()
	fire := low && !t.alertLow
	t.alertLow = low
	t.alertMu.Unlock()

	if fire {
		t.alert(ctx, notify.Alert{
			Title:    "Reward pool balance low",
			Text:     "pool balance dropped below the configured threshold",
			Severity: notify.SeverityWarning,
			Fields: map[string]string{
				"balance":   balance.String(),
				"threshold": t.cfg.LowBalanceThreshold.String(),
				"pool":      t.cfg.PoolAccount,
			},
		})
	}
}

// alert delivers a in the background. Callers are often inside a ledger
// transaction, which must not wait on the notifier.
func (t *Treasury) alert(ctx context.Context, a notify.Alert) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.cfg.AlertTimeout)
	t.alerts.Go(func() {
		defer cancel()
		if err := t.cfg.Notifier.Notify(ctx, a); err != nil {
			t.log.Warn("treasury: failed to send alert", "title", a.Title, "error", err)
		}
	})
}

// WaitAlerts blocks until every alert raised so far has been delivered or
// has timed out.
func (t *Treasury) WaitAlerts() {
	t.alerts.Wait()
}
