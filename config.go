package tradecache

import (
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// layerConfig holds the tunables shared by the resilience components.
// Defaults live in NewLayer; everything here is overridable through the
// Option functions below. The numeric defaults (5 failures / 5-minute
// window / 3 retries) are reasonable starting points, not a contract.
type layerConfig struct {
	defaultTTL       time.Duration
	mirrorPrefix     string
	mirrorTimeout    time.Duration
	operationTimeout time.Duration

	corruptionThreshold int
	corruptionWindow    time.Duration

	canaryInterval time.Duration
	canaryTimeout  time.Duration
	canaryProbe    ProbeFunc

	maxRecoveryRetries int
	recoveryGrace      time.Duration
	sustainedHealthy   time.Duration
	essentialKeys      []string
	reauth             ReauthFunc

	refreshBaseDelay time.Duration
	refreshMaxDelay  time.Duration

	logger *zap.Logger
}

// Option configures the layer at construction time.
type Option func(*layerConfig)

func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *layerConfig) { c.defaultTTL = ttl }
}

// WithMirrorPrefix namespaces every durable-mirror key, typically
// "tradecache:<userID>".
func WithMirrorPrefix(prefix string) Option {
	return func(c *layerConfig) { c.mirrorPrefix = prefix }
}

// WithMirrorTimeout bounds each background mirror write.
func WithMirrorTimeout(d time.Duration) Option {
	return func(c *layerConfig) { c.mirrorTimeout = d }
}

// WithOperationTimeout sets the default budget for monitored operations.
func WithOperationTimeout(d time.Duration) Option {
	return func(c *layerConfig) { c.operationTimeout = d }
}

// WithCorruptionPolicy sets how many failures inside the sliding window mark
// a key corrupted.
func WithCorruptionPolicy(threshold int, window time.Duration) Option {
	return func(c *layerConfig) {
		if threshold > 0 {
			c.corruptionThreshold = threshold
		}
		if window > 0 {
			c.corruptionWindow = window
		}
	}
}

// WithCanary configures the periodic health probe. A zero interval disables
// the canary loop.
func WithCanary(interval, timeout time.Duration) Option {
	return func(c *layerConfig) {
		c.canaryInterval = interval
		if timeout > 0 {
			c.canaryTimeout = timeout
		}
	}
}

// WithCanaryProbe replaces the default probe (a mirror ping) with a custom
// cheap, side-effect-free check.
func WithCanaryProbe(probe ProbeFunc) Option {
	return func(c *layerConfig) { c.canaryProbe = probe }
}

// WithMaxRecoveryRetries caps user-driven retries before forced
// re-authentication.
func WithMaxRecoveryRetries(n int) Option {
	return func(c *layerConfig) {
		if n > 0 {
			c.maxRecoveryRetries = n
		}
	}
}

// WithRecoveryGrace sets how long a recovery must stay failure-free before
// the orchestrator returns to healthy.
func WithRecoveryGrace(d time.Duration) Option {
	return func(c *layerConfig) {
		if d > 0 {
			c.recoveryGrace = d
		}
	}
}

// WithSustainedHealthyPeriod sets how long the layer must stay issue-free,
// fallback closed, before the retry counter resets.
func WithSustainedHealthyPeriod(d time.Duration) Option {
	return func(c *layerConfig) {
		if d > 0 {
			c.sustainedHealthy = d
		}
	}
}

// WithEssentialKeys lists keys re-queued for refresh after every recovery.
func WithEssentialKeys(keys ...string) Option {
	return func(c *layerConfig) { c.essentialKeys = keys }
}

// WithReauthFunc installs the sign-out collaborator invoked on forced
// re-authentication. The layer never validates credentials itself.
func WithReauthFunc(fn ReauthFunc) Option {
	return func(c *layerConfig) { c.reauth = fn }
}

// WithRefreshBackoff sets the base and cap for the refresh queue's
// exponential backoff.
func WithRefreshBackoff(base, max time.Duration) Option {
	return func(c *layerConfig) {
		if base > 0 {
			c.refreshBaseDelay = base
		}
		if max > 0 {
			c.refreshMaxDelay = max
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *layerConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// EnvOptions reads overrides from the environment. The example binary loads
// a .env file first (godotenv); in production the host sets these directly.
//
//	TRADECACHE_DEFAULT_TTL        duration, e.g. "5m"
//	TRADECACHE_MIRROR_PREFIX      string
//	TRADECACHE_CORRUPTION_LIMIT   int
//	TRADECACHE_CORRUPTION_WINDOW  duration
//	TRADECACHE_CANARY_INTERVAL    duration
//	TRADECACHE_MAX_RETRIES        int
func EnvOptions() []Option {
	var opts []Option
	if d, ok := envDuration("TRADECACHE_DEFAULT_TTL"); ok {
		opts = append(opts, WithDefaultTTL(d))
	}
	if v := os.Getenv("TRADECACHE_MIRROR_PREFIX"); v != "" {
		opts = append(opts, WithMirrorPrefix(v))
	}
	if n, ok := envInt("TRADECACHE_CORRUPTION_LIMIT"); ok {
		w, _ := envDuration("TRADECACHE_CORRUPTION_WINDOW")
		opts = append(opts, WithCorruptionPolicy(n, w))
	}
	if d, ok := envDuration("TRADECACHE_CANARY_INTERVAL"); ok {
		opts = append(opts, WithCanary(d, 0))
	}
	if n, ok := envInt("TRADECACHE_MAX_RETRIES"); ok {
		opts = append(opts, WithMaxRecoveryRetries(n))
	}
	return opts
}

func envDuration(name string) (time.Duration, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
