package config

// Baked per-service defaults. The YAML document overrides field by field: a
// zero value inherits the default, so a deployment only states what differs.
var downstreamDefaults = map[string]DownstreamConfig{
	"sandbox": {
		BaseURL:   "http://sandbox:8080",
		TimeoutMs: 300_000,
	},
	"fileprocess": {
		BaseURL:   "http://fileprocess:8080",
		TimeoutMs: 120_000,
	},
	"cyberagent": {
		BaseURL:   "http://cyberagent:8080",
		TimeoutMs: 180_000,
	},
	"mageagent": {
		BaseURL:   "http://mageagent:8080",
		TimeoutMs: 90_000,
	},
	"graphrag": {
		BaseURL:   "http://graphrag:8080",
		TimeoutMs: 60_000,
	},
}

// DownstreamNames lists every service the platform fronts, in a stable order.
func DownstreamNames() []string {
	return []string{"sandbox", "fileprocess", "cyberagent", "mageagent", "graphrag"}
}

// Downstream returns the effective configuration for one downstream: baked
// defaults with the deployment's overrides merged on top.
func (c *Config) Downstream(name string) DownstreamConfig {
	effective, ok := downstreamDefaults[name]
	if !ok {
		effective = DownstreamConfig{TimeoutMs: 60_000}
	}
	if effective.MaxConns == 0 {
		effective.MaxConns = 50
	}
	if effective.MaxRetries == 0 {
		effective.MaxRetries = 3
	}
	if effective.Breaker.FailureThreshold == 0 {
		effective.Breaker.FailureThreshold = 5
	}
	if effective.Breaker.SuccessThreshold == 0 {
		effective.Breaker.SuccessThreshold = 2
	}
	if effective.Breaker.CooldownSeconds == 0 {
		effective.Breaker.CooldownSeconds = 60
	}

	override, ok := c.Downstreams[name]
	if !ok {
		return effective
	}
	if override.BaseURL != "" {
		effective.BaseURL = override.BaseURL
	}
	if override.TimeoutMs != 0 {
		effective.TimeoutMs = override.TimeoutMs
	}
	if override.MaxConns != 0 {
		effective.MaxConns = override.MaxConns
	}
	if override.MaxRetries != 0 {
		effective.MaxRetries = override.MaxRetries
	}
	if override.Breaker.FailureThreshold != 0 {
		effective.Breaker.FailureThreshold = override.Breaker.FailureThreshold
	}
	if override.Breaker.SuccessThreshold != 0 {
		effective.Breaker.SuccessThreshold = override.Breaker.SuccessThreshold
	}
	if override.Breaker.CooldownSeconds != 0 {
		effective.Breaker.CooldownSeconds = override.Breaker.CooldownSeconds
	}
	return effective
}
