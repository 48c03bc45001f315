package ota

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/chaz8081/medbox-link/internal/ble/protocol"
)

// DefaultAckTimeout bounds the wait for a chunk acknowledgement.
const DefaultAckTimeout = 5 * time.Second

// Progress describes how far a transfer has come.
type Progress struct {
	// Offset is the number of bytes the device has acknowledged
	Offset int

	// Total is the image size in bytes
	Total int

	// Percent is Offset as a whole percentage of Total
	Percent int

	// Elapsed is the time since the transfer started
	Elapsed time.Duration
}

// ProgressCallback is called after every acknowledged chunk. It runs with
// the coordinator locked and must not call back into it.
type ProgressCallback func(Progress)

// Config holds the coordinator configuration.
type Config struct {
	// ChunkSize is the image bytes carried by one chunk command
	ChunkSize int

	// AckTimeout is how long one chunk may stay unacknowledged
	AckTimeout time.Duration

	// Clock drives the acknowledgement deadline
	Clock clockwork.Clock

	// ProgressCallback is called on every acknowledged chunk (optional)
	ProgressCallback ProgressCallback
}

func defaultConfig() Config {
	return Config{
		ChunkSize:  protocol.DefaultChunkSize,
		AckTimeout: DefaultAckTimeout,
		Clock:      clockwork.NewRealClock(),
	}
}

// Option is a functional option for configuring the Coordinator.
type Option func(*Config)

// WithChunkSize sets the chunk size. Sizes outside 1..protocol.MaxChunkPayload
// are ignored.
func WithChunkSize(size int) Option {
	return func(c *Config) {
		if size > 0 && size <= protocol.MaxChunkPayload {
			c.ChunkSize = size
		}
	}
}

// WithAckTimeout sets the acknowledgement deadline.
func WithAckTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		if timeout > 0 {
			c.AckTimeout = timeout
		}
	}
}

// WithClock sets the clock used for the acknowledgement deadline.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Config) {
		if clock != nil {
			c.Clock = clock
		}
	}
}

// WithProgressCallback sets a callback to track transfer progress.
//
// Example:
//
//	coord := ota.New(session, bus,
//	    ota.WithProgressCallback(func(p ota.Progress) {
//	        fmt.Printf("%d%% (%d/%d bytes)\n", p.Percent, p.Offset, p.Total)
//	    }),
//	)
func WithProgressCallback(callback ProgressCallback) Option {
	return func(c *Config) {
		c.ProgressCallback = callback
	}
}
