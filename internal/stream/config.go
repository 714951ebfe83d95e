package stream

import (
	"math"
	"math/rand"
	"time"
)

const DefaultReconnectDelay = 3 * time.Second

// ReconnectPolicy defines the delay before each reconnect attempt.
// Multiplier 1 with no jitter yields a fixed delay.
type ReconnectPolicy struct {
	Delay      time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	Jitter     bool
}

// Config defines the endpoint and transport timeouts.
type Config struct {
	URL           string
	Origin        string
	DialTimeout   time.Duration
	WriteTimeout  time.Duration
	MaxFrameBytes int
	Reconnect     ReconnectPolicy
}

func DefaultConfig() Config {
	return Config{
		Origin:        "http://localhost/",
		DialTimeout:   5 * time.Second,
		WriteTimeout:  5 * time.Second,
		MaxFrameBytes: 8 << 20,
		Reconnect: ReconnectPolicy{
			Delay:      DefaultReconnectDelay,
			Multiplier: 1.0,
		},
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Origin == "" {
		c.Origin = def.Origin
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = def.MaxFrameBytes
	}
	if c.Reconnect.Delay <= 0 {
		c.Reconnect.Delay = def.Reconnect.Delay
	}
	if c.Reconnect.Multiplier <= 0 {
		c.Reconnect.Multiplier = def.Reconnect.Multiplier
	}
	return c
}

// Next returns the delay for reconnect attempt N (1-based).
func (p ReconnectPolicy) Next(attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 || p.Delay <= 0 {
		return p.jitter(float64(p.Delay), rng)
	}
	mult := p.Multiplier
	if mult < 1.0 {
		mult = 1.0
	}
	delay := float64(p.Delay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return p.jitter(delay, rng)
}

func (p ReconnectPolicy) jitter(delay float64, rng *rand.Rand) time.Duration {
	if !p.Jitter {
		return time.Duration(delay)
	}
	f := 0.5
	if rng != nil {
		f = 0.5 + rng.Float64()
	}
	return time.Duration(delay * f)
}
