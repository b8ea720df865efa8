package incentive

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jonboulle/clockwork"
)

type AdminConfig struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	Configs    ConfigStore
	Authorizer Authorizer
}

func (cfg *AdminConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Configs == nil {
		return errors.New("config store is required")
	}
	if cfg.Authorizer == nil {
		return errors.New("authorizer is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Admin owns the pause switch shared by both ledgers.
type Admin struct {
	log *slog.Logger
	cfg AdminConfig
}

func NewAdmin(cfg AdminConfig) (*Admin, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Admin{log: cfg.Logger, cfg: cfg}, nil
}

func (a *Admin) Pause(ctx context.Context) error {
	return a.setPaused(ctx, true)
}

func (a *Admin) Unpause(ctx context.Context) error {
	return a.setPaused(ctx, false)
}

func (a *Admin) setPaused(ctx context.Context, paused bool) error {
	if err := Require(ctx, a.cfg.Authorizer, RoleAdmin); err != nil {
		return err
	}
	now := a.cfg.Clock.Now().UTC()
	if _, err := a.cfg.Configs.UpdateConfig(ctx, func(c *Config) error {
		c.Paused = paused
		c.UpdatedAt = now
		return nil
	}); err != nil {
		return err
	}
	a.log.Info("incentive/admin: pause state changed", "paused", paused, "caller", CallerFromContext(ctx))
	return nil
}

// Config returns the current incentive configuration.
func (a *Admin) Config(ctx context.Context) (Config, error) {
	return a.cfg.Configs.LoadConfig(ctx)
}
