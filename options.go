package darwin

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port          int
	databaseURL   string
	notifyURL     string
	sqlitePath    string
	logger        *slog.Logger
	version       string
	classifier    Classifier
	metricsSource MetricsSource
	eventHooks    []EventHook
	middlewares   []Middleware
}

// WithPort overrides the TCP port from config (DARWIN_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
// An empty URL in both places runs the registry on SQLite.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY (NOTIFY_URL env var).
// Set this when using a connection pooler (e.g. PgBouncer) for queries; LISTEN/NOTIFY
// requires a direct (non-pooled) connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithSQLitePath overrides the SQLite database file used in lite mode (DARWIN_SQLITE_PATH env var).
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
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

// WithClassifier installs a specialization classifier for unassigned work.
// Only the last call wins.
func WithClassifier(c Classifier) Option {
	return func(o *resolvedOptions) { o.classifier = c }
}

// WithMetricsSource replaces the reported-metrics source used by evaluation cycles.
// Only the last call wins.
func WithMetricsSource(s MetricsSource) Option {
	return func(o *resolvedOptions) { o.metricsSource = s }
}

// WithEventHook registers a hook for assignment and cycle events.
func WithEventHook(h EventHook) Option {
	return func(o *resolvedOptions) { o.eventHooks = append(o.eventHooks, h) }
}

// WithMiddleware wraps the root HTTP handler.
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}
