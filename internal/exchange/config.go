package exchange

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Config holds configuration for the engine.
type Config struct {
	// DeviceID identifies this device to the service and breaks
	// last-write-wins ties.
	DeviceID   string
	AppKey     string
	AccountKey string
	// Extra is sent with every request.
	Extra map[string]string

	// BatchSize bounds the unsent records sent per round.
	BatchSize int

	// DecryptWorkers bounds parallel decryption of incoming records.
	DecryptWorkers int

	// DefaultInterval is the poll interval of groups without a frequency.
	DefaultInterval time.Duration

	// TickInterval is how often the scheduler checks for due groups.
	TickInterval time.Duration

	// BackoffMin and BackoffMax bound the retry delay after a failed round.
	BackoffMin time.Duration
	BackoffMax time.Duration

	Logger *zap.Logger
	Now    func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:       500,
		DecryptWorkers:  4,
		DefaultInterval: 30 * time.Second,
		TickInterval:    time.Second,
		BackoffMin:      time.Second,
		BackoffMax:      5 * time.Minute,
		Logger:          zap.NewNop(),
		Now:             time.Now,
	}
}

// Validate checks the configuration and fills zero values from the defaults.
func (c *Config) Validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("device id is required")
	}
	def := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.DecryptWorkers <= 0 {
		c.DecryptWorkers = def.DecryptWorkers
	}
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = def.DefaultInterval
	}
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = def.BackoffMin
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = def.BackoffMax
	}
	if c.BackoffMax < c.BackoffMin {
		return fmt.Errorf("backoff max %v is below backoff min %v", c.BackoffMax, c.BackoffMin)
	}
	if c.Logger == nil {
		c.Logger = def.Logger
	}
	if c.Now == nil {
		c.Now = def.Now
	}
	return nil
}
