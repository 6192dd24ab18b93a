package docpipe

import "log/slog"

// Config configures the document pipeline.
type Config struct {
	// MaxChars truncates extracted text (default: 200000).
	MaxChars int

	// Logger for debug/error messages.
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.MaxChars <= 0 {
		c.MaxChars = 200000
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
