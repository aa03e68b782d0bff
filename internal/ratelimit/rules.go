package ratelimit

import (
	"errors"
	"time"

	"github.com/Proton-105/xo-arena/pkg/config"
)

// ErrNoRule reports an event without a configured limit.
var ErrNoRule = errors.New("no rate limit rule for event")

// Rules resolves configured limits for gateway events.
type Rules struct {
	config    config.RateLimitConfig
	whitelist map[string]struct{}
}

// NewRules constructs rate limiting rules from configuration settings.
func NewRules(cfg config.RateLimitConfig) *Rules {
	whitelist := make(map[string]struct{}, len(cfg.Whitelist))
	for _, id := range cfg.Whitelist {
		whitelist[id] = struct{}{}
	}
	return &Rules{config: cfg, whitelist: whitelist}
}

// Enabled reports whether limits are enforced at all.
func (r *Rules) Enabled() bool {
	return r != nil && r.config.Enabled
}

// IsWhitelisted returns true if userID bypasses rate limits.
func (r *Rules) IsWhitelisted(userID string) bool {
	_, ok := r.whitelist[userID]
	return ok
}

// GetEventLimit returns the limit and window for an inbound event name.
func (r *Rules) GetEventLimit(event string) (int, time.Duration, error) {
	var rule config.RateLimitRule
	switch event {
	case "create_match":
		rule = r.config.Events.CreateMatch
	case "join_match", "accept_invite":
		rule = r.config.Events.JoinMatch
	case "move":
		rule = r.config.Events.Move
	case "invite":
		rule = r.config.Events.Invite
	}
	if rule.Limit == 0 && rule.Window == "" {
		return 0, 0, ErrNoRule
	}
	return parseRule(rule)
}

// GetGlobalLimit returns the rule shared by all users.
func (r *Rules) GetGlobalLimit() (int, time.Duration, error) {
	return parseRule(r.config.Global)
}

// GetPerUserLimit returns the rule applied to every event of a single user.
func (r *Rules) GetPerUserLimit() (int, time.Duration, error) {
	return parseRule(r.config.PerUser)
}

func parseRule(rule config.RateLimitRule) (int, time.Duration, error) {
	if rule.Window == "" {
		return rule.Limit, 0, errors.New("window duration is not set")
	}
	window, err := time.ParseDuration(rule.Window)
	if err != nil {
		return 0, 0, err
	}
	return rule.Limit, window, nil
}
