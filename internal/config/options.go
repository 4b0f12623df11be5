package config

import "log/slog"

type backendOptions struct {
	logger *slog.Logger
}

// BackendOption configures Config.Backend.
type BackendOption func(*backendOptions)

// WithLogger passes a logger to backends that log retries.
func WithLogger(l *slog.Logger) BackendOption {
	return func(o *backendOptions) {
		o.logger = l
	}
}
