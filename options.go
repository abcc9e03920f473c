package rex

import (
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds the overrides after applying options.
// Callers use the With* functions.
type resolvedOptions struct {
	port         int
	databaseURL  string
	notifyURL    string
	topologyFile string
	logger       *slog.Logger
	version      string
}

// WithPort overrides the TCP port from config (REX_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the store from config (DATABASE_URL env var).
// A sqlite://<path> URL selects the embedded single-node store.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY (NOTIFY_URL env var).
// Set this to relay bus messages between orchestrator nodes and remote crews.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithTopologyFile loads crews and mission profiles from a YAML file and
// reloads them when the file changes (REX_TOPOLOGY_FILE env var).
func WithTopologyFile(path string) Option {
	return func(o *resolvedOptions) { o.topologyFile = path }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}
