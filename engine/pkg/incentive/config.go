package incentive

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	DefaultCodeExpiry           = 365 * 24 * time.Hour
	DefaultMinVerificationDelay = 7 * 24 * time.Hour
	DefaultMinRewardInterval    = 24 * time.Hour
	DefaultRewardToken          = "INC"
)

// Config is the process-wide, admin-mutable incentive configuration.
type Config struct {
	CodeExpiry           time.Duration `json:"code_expiry"`
	MinVerificationDelay time.Duration `json:"min_verification_delay"`
	AutoRewardEnabled    bool          `json:"auto_reward_enabled"`
	MinRewardInterval    time.Duration `json:"min_reward_interval"`
	Paused               bool          `json:"paused"`
	RewardToken          string        `json:"reward_token"`
	UpdatedAt            time.Time     `json:"updated_at"`
}

func DefaultConfig() Config {
	return Config{
		CodeExpiry:           DefaultCodeExpiry,
		MinVerificationDelay: DefaultMinVerificationDelay,
		AutoRewardEnabled:    true,
		MinRewardInterval:    DefaultMinRewardInterval,
		RewardToken:          DefaultRewardToken,
	}
}

func (c Config) Validate() error {
	if c.CodeExpiry <= 0 {
		return fmt.Errorf("%w: code expiry must be greater than 0", ErrInvalidConfig)
	}
	if c.MinVerificationDelay < 0 {
		return fmt.Errorf("%w: verification delay must not be negative", ErrInvalidConfig)
	}
	if c.MinRewardInterval < 0 {
		return fmt.Errorf("%w: reward interval must not be negative", ErrInvalidConfig)
	}
	if c.RewardToken == "" {
		return fmt.Errorf("%w: reward token is required", ErrInvalidConfig)
	}
	return nil
}

// ConfigStore persists the singleton Config.
type ConfigStore interface {
	LoadConfig(ctx context.Context) (Config, error)
	// UpdateConfig applies fn to the stored config atomically. The result is
	// validated before it is saved.
	UpdateConfig(ctx context.Context, fn func(*Config) error) (Config, error)
}

// MemoryConfigStore keeps the config in process memory.
type MemoryConfigStore struct {
	mu  sync.RWMutex
	cfg Config
}

func NewMemoryConfigStore(initial Config) *MemoryConfigStore {
	return &MemoryConfigStore{cfg: initial}
}

func (s *MemoryConfigStore) LoadConfig(_ context.Context) (Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg, nil
}

func (s *MemoryConfigStore) UpdateConfig(_ context.Context, fn func(*Config) error) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cfg
	if err := fn(&next); err != nil {
		return s.cfg, err
	}
	if err := next.Validate(); err != nil {
		return s.cfg, err
	}
	s.cfg = next
	return next, nil
}

// CheckNotPaused loads the config and fails with ErrPaused if mutations are
// suspended. The loaded config is returned for the caller's gates.
func CheckNotPaused(ctx context.Context, store ConfigStore) (Config, error) {
	cfg, err := store.LoadConfig(ctx)
	if err != nil {
		return Config{}, fmt.Errorf("failed to load incentive config: %w", err)
	}
	if cfg.Paused {
		return cfg, ErrPaused
	}
	return cfg, nil
}
