package incentive

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIncentives_Incentive_RoleAuthorizer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	a := NewRoleAuthorizer(map[string][]Role{
		"calc":  {RoleRewardCalculator},
		"root":  {RoleAdmin},
		"multi": {RoleRewardCalculator, RoleDistributor},
	})

	require.NoError(t, a.Authorize(ctx, "calc", RoleRewardCalculator))
	require.ErrorIs(t, a.Authorize(ctx, "calc", RoleDistributor), ErrNotAuthorized)
	require.ErrorIs(t, a.Authorize(ctx, "calc", RoleAdmin), ErrNotAuthorized)
	require.ErrorIs(t, a.Authorize(ctx, "", RoleRewardCalculator), ErrNotAuthorized)
	require.ErrorIs(t, a.Authorize(ctx, "nobody", RoleRewardCalculator), ErrNotAuthorized)

	for _, r := range []Role{RoleRewardCalculator, RoleDistributor, RoleAdmin} {
		require.NoError(t, a.Authorize(ctx, "root", r))
	}
	require.True(t, a.HasRole("multi", RoleDistributor))

	t.Run("grant and revoke", func(t *testing.T) {
		a.Grant("calc", RoleDistributor)
		require.True(t, a.HasRole("calc", RoleDistributor))
		a.Revoke("calc", RoleDistributor)
		require.False(t, a.HasRole("calc", RoleDistributor))
		a.Revoke("unknown", RoleAdmin)
	})

	t.Run("caller from context", func(t *testing.T) {
		require.Equal(t, "", CallerFromContext(ctx))
		cctx := WithCaller(ctx, "calc")
		require.Equal(t, "calc", CallerFromContext(cctx))
		require.NoError(t, Require(cctx, a, RoleRewardCalculator))
		require.ErrorIs(t, Require(ctx, a, RoleRewardCalculator), ErrNotAuthorized)
	})
}

func TestIncentives_Incentive_ParseRole(t *testing.T) {
	t.Parallel()

	r, err := ParseRole("distributor")
	require.NoError(t, err)
	require.Equal(t, RoleDistributor, r)

	_, err = ParseRole("root")
	require.Error(t, err)
}
