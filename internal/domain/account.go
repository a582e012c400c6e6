package domain

// MaxCoreSize caps concurrent executions per account regardless of
// configuration.
const MaxCoreSize = 12

// Account identifies one upstream bot connection. Read-mostly after
// configuration load; an account is exclusively owned by a single instance
// runtime for its lifetime.
type Account struct {
	// ID is the stable channel identifier, also used as the instance id.
	ID string `mapstructure:"id" json:"id" validate:"required"`
	// Enabled accounts are selection candidates for the load balancer.
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// CoreSize is the target number of concurrent executions. The
	// effective concurrency is clamped to [1, MaxCoreSize].
	CoreSize int `mapstructure:"core_size" json:"coreSize"`
	// Weight is consumed only by the weighted selection policy.
	Weight int `mapstructure:"weight" json:"weight" validate:"gte=0"`

	// Upstream credentials, opaque to the dispatcher core.
	UserToken string `mapstructure:"user_token" json:"-"`
	GuildID   string `mapstructure:"guild_id" json:"guildId,omitempty"`
	ChannelID string `mapstructure:"channel_id" json:"channelId,omitempty"`
}

// EffectiveCoreSize returns the concurrency actually granted to the
// account's semaphore: min(max(CoreSize, 1), MaxCoreSize).
func (a *Account) EffectiveCoreSize() int {
	n := a.CoreSize
	if n < 1 {
		n = 1
	}
	if n > MaxCoreSize {
		n = MaxCoreSize
	}
	return n
}
