package incentive

import (
	"errors"
)

// Rewards ledger errors.
var (
	ErrInvalidScore        = errors.New("invalid score")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidOperator     = errors.New("invalid operator")
	ErrInvalidPeriod       = errors.New("invalid period")
	ErrInvalidRewardType   = errors.New("invalid reward type")
	ErrIntervalTooShort    = errors.New("reward interval too short")
	ErrRewardAlreadyExists = errors.New("reward already exists")
	ErrRewardNotFound      = errors.New("reward not found")
	ErrAlreadyDistributed  = errors.New("reward already distributed")
)

// Referral ledger errors.
var (
	ErrUserNotRegistered       = errors.New("user not registered")
	ErrDuplicateCode           = errors.New("referrer already has an active code")
	ErrCodeNotActive           = errors.New("referral code not active")
	ErrCodeExpired             = errors.New("referral code expired")
	ErrCannotReferSelf         = errors.New("cannot refer self")
	ErrAlreadyReferred         = errors.New("referee already referred")
	ErrRelationshipNotFound    = errors.New("referral relationship not found")
	ErrNotPending              = errors.New("referral relationship not pending")
	ErrVerificationDelayNotMet = errors.New("verification delay not met")
	ErrNoActiveTier            = errors.New("no active reward tier")
	ErrInvalidTier             = errors.New("invalid reward tier")
	ErrAlreadyClaimed          = errors.New("reward already claimed")
	ErrClaimNotFound           = errors.New("claim not found")
)

// Shared errors.
var (
	ErrInsufficientBalance = errors.New("insufficient pool balance")
	ErrNotAuthorized       = errors.New("not authorized")
	ErrPaused              = errors.New("incentives paused")
	ErrInvalidToken        = errors.New("invalid token")
	ErrInvalidConfig       = errors.New("invalid incentive config")
)

// Category groups errors by how a caller should react to them.
type Category string

const (
	// CategoryValidation is bad input; the caller must correct the request.
	CategoryValidation Category = "validation"
	// CategoryNotFound means the referenced entity does not exist.
	CategoryNotFound Category = "not_found"
	// CategoryStateConflict is permanent for the entity; do not retry as-is.
	CategoryStateConflict Category = "state_conflict"
	// CategoryTimingGate means a time gate is closed; retry later.
	CategoryTimingGate Category = "timing_gate"
	// CategoryResource means the pool cannot cover the payout; fund and retry.
	CategoryResource Category = "resource"
	// CategoryAuthorization means the caller lacks the capability.
	CategoryAuthorization Category = "authorization"
	// CategoryUnknown is an unclassified, usually infrastructure, error.
	CategoryUnknown Category = "unknown"
)

var categories = []struct {
	err      error
	category Category
	code     string
}{
	{ErrInvalidScore, CategoryValidation, "invalid_score"},
	{ErrInvalidAmount, CategoryValidation, "invalid_amount"},
	{ErrInvalidOperator, CategoryValidation, "invalid_operator"},
	{ErrInvalidPeriod, CategoryValidation, "invalid_period"},
	{ErrInvalidRewardType, CategoryValidation, "invalid_reward_type"},
	{ErrUserNotRegistered, CategoryValidation, "user_not_registered"},
	{ErrCannotReferSelf, CategoryValidation, "cannot_refer_self"},
	{ErrInvalidTier, CategoryValidation, "invalid_tier"},
	{ErrInvalidToken, CategoryValidation, "invalid_token"},
	{ErrInvalidConfig, CategoryValidation, "invalid_config"},

	{ErrRewardNotFound, CategoryNotFound, "reward_not_found"},
	{ErrRelationshipNotFound, CategoryNotFound, "relationship_not_found"},
	{ErrClaimNotFound, CategoryNotFound, "claim_not_found"},

	{ErrRewardAlreadyExists, CategoryStateConflict, "reward_already_exists"},
	{ErrAlreadyDistributed, CategoryStateConflict, "already_distributed"},
	{ErrDuplicateCode, CategoryStateConflict, "duplicate_code"},
	{ErrCodeNotActive, CategoryStateConflict, "code_not_active"},
	{ErrAlreadyReferred, CategoryStateConflict, "already_referred"},
	{ErrNotPending, CategoryStateConflict, "not_pending"},
	{ErrNoActiveTier, CategoryStateConflict, "no_active_tier"},
	{ErrAlreadyClaimed, CategoryStateConflict, "already_claimed"},

	{ErrIntervalTooShort, CategoryTimingGate, "interval_too_short"},
	{ErrVerificationDelayNotMet, CategoryTimingGate, "verification_delay_not_met"},
	{ErrCodeExpired, CategoryTimingGate, "code_expired"},
	{ErrPaused, CategoryTimingGate, "paused"},

	{ErrInsufficientBalance, CategoryResource, "insufficient_balance"},

	{ErrNotAuthorized, CategoryAuthorization, "not_authorized"},
}

// Classify determines the category of an error returned by the engine.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	for _, c := range categories {
		if errors.Is(err, c.err) {
			return c.category
		}
	}
	return CategoryUnknown
}

// Retryable reports whether retrying the same call later may succeed
// without changing the request.
func Retryable(err error) bool {
	switch Classify(err) {
	case CategoryTimingGate, CategoryResource:
		return true
	default:
		return false
	}
}

// Code returns a stable machine-readable code for the sentinel that err
// wraps, or "internal" if it wraps none.
func Code(err error) string {
	for _, c := range categories {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}
