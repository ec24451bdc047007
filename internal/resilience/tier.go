package resilience

// Tier selects how patient a retry is.
type Tier int

const (
	// TierNormal is used for first-pass processing.
	TierNormal Tier = iota
	// TierExtended doubles attempts and backoff for the deliberate retry pass.
	TierExtended
)

func (t Tier) String() string {
	if t == TierExtended {
		return "extended"
	}
	return "normal"
}

// Policy derives both retry tiers from one normal-tier configuration.
type Policy struct {
	normal RetryConfig
}

// NewPolicy builds a Policy. A nil ShouldRetry becomes Retryable so that
// every failure not known to be permanent is retried.
func NewPolicy(normal RetryConfig) Policy {
	normal = applyDefaults(normal)
	if normal.ShouldRetry == nil {
		normal.ShouldRetry = Retryable
	}
	return Policy{normal: normal}
}

// DefaultPolicy returns NewPolicy(DefaultRetryConfig()).
func DefaultPolicy() Policy {
	return NewPolicy(DefaultRetryConfig())
}

// Normal returns the normal tier.
func (p Policy) Normal() RetryConfig {
	return p.normal
}

// Extended returns the normal tier with attempts and backoff doubled.
func (p Policy) Extended() RetryConfig {
	ext := p.normal
	ext.MaxAttempts *= 2
	ext.InitialBackoff *= 2
	ext.MaxBackoff *= 2
	return ext
}

// Tier returns the configuration for t.
func (p Policy) Tier(t Tier) RetryConfig {
	if t == TierExtended {
		return p.Extended()
	}
	return p.Normal()
}

// WithOnRetry returns a copy of p whose tiers report retries to fn.
func (p Policy) WithOnRetry(fn func(int, error)) Policy {
	p.normal.OnRetry = fn
	return p
}
