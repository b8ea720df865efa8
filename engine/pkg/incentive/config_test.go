package incentive

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	incentivestesting "github.com/malbeclabs/incentives/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

func TestIncentives_Incentive_Config(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()
		cfg := DefaultConfig()
		require.NoError(t, cfg.Validate())
		require.Equal(t, 365*24*time.Hour, cfg.CodeExpiry)
		require.Equal(t, 7*24*time.Hour, cfg.MinVerificationDelay)
		require.Equal(t, 24*time.Hour, cfg.MinRewardInterval)
		require.True(t, cfg.AutoRewardEnabled)
		require.False(t, cfg.Paused)
	})

	t.Run("update is atomic and validated", func(t *testing.T) {
		t.Parallel()
		s := NewMemoryConfigStore(DefaultConfig())

		_, err := s.UpdateConfig(ctx, func(c *Config) error {
			c.RewardToken = ""
			return nil
		})
		require.ErrorIs(t, err, ErrInvalidConfig)

		boom := errors.New("boom")
		_, err = s.UpdateConfig(ctx, func(c *Config) error {
			c.Paused = true
			return boom
		})
		require.ErrorIs(t, err, boom)

		cfg, err := s.LoadConfig(ctx)
		require.NoError(t, err)
		require.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("pause gate", func(t *testing.T) {
		t.Parallel()
		s := NewMemoryConfigStore(DefaultConfig())
		clock := clockwork.NewFakeClock()
		admin, err := NewAdmin(AdminConfig{
			Logger:     incentivestesting.NewLogger(),
			Clock:      clock,
			Configs:    s,
			Authorizer: NewRoleAuthorizer(map[string][]Role{"root": {RoleAdmin}, "dist": {RoleDistributor}}),
		})
		require.NoError(t, err)

		_, err = CheckNotPaused(ctx, s)
		require.NoError(t, err)

		require.ErrorIs(t, admin.Pause(WithCaller(ctx, "dist")), ErrNotAuthorized)
		require.NoError(t, admin.Pause(WithCaller(ctx, "root")))
		_, err = CheckNotPaused(ctx, s)
		require.ErrorIs(t, err, ErrPaused)

		cfg, err := admin.Config(ctx)
		require.NoError(t, err)
		require.True(t, cfg.Paused)
		require.Equal(t, clock.Now().UTC(), cfg.UpdatedAt)

		require.NoError(t, admin.Unpause(WithCaller(ctx, "root")))
		_, err = CheckNotPaused(ctx, s)
		require.NoError(t, err)
	})

	t.Run("admin config requires a logger", func(t *testing.T) {
		t.Parallel()
		_, err := NewAdmin(AdminConfig{Configs: NewMemoryConfigStore(DefaultConfig()), Authorizer: NewRoleAuthorizer(nil)})
		require.EqualError(t, err, "logger is required")
	})
}
