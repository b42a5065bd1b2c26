package redisstorage

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/rueidis"
)

// Attribute names understood by New. The surrounding build system hands these
// down as a string-keyed map parsed from its own configuration.
const (
	AttrConnectTimeout   = "connect-timeout"
	AttrOperationTimeout = "operation-timeout"
	AttrUsername         = "username"
	AttrPassword         = "password"
)

const (
	defaultConnectTimeout   = 100 * time.Millisecond
	defaultOperationTimeout = 10 * time.Second

	minTimeoutMillis = 1
	maxTimeoutMillis = 1000 * 3600
)

type config struct {
	connectTimeout   time.Duration
	operationTimeout time.Duration
	username         string
	password         string
	logger           *slog.Logger
	compress         CompressionHook
	decompress       CompressionHook
	middleware       []func(rueidis.Client) rueidis.Client
}

func parseConfig(attributes map[string]string, opts ...Option) (*config, error) {
	conf := &config{
		logger:     slog.Default(),
		compress:   noCompression,
		decompress: noCompression,
	}

	var err error
	if conf.connectTimeout, err = parseTimeoutAttribute(attributes, AttrConnectTimeout, defaultConnectTimeout); err != nil {
		return nil, err
	}
	if conf.operationTimeout, err = parseTimeoutAttribute(attributes, AttrOperationTimeout, defaultOperationTimeout); err != nil {
		return nil, err
	}
	conf.username = attributes[AttrUsername]
	conf.password = attributes[AttrPassword]

	for _, opt := range opts {
		opt(conf)
	}
	return conf, nil
}

func parseTimeoutAttribute(attributes map[string]string, name string, def time.Duration) (time.Duration, error) {
	raw, ok := attributes[name]
	if !ok {
		return def, nil
	}
	ms, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redisstorage: invalid %s %q: %w", name, raw, err)
	}
	if ms < minTimeoutMillis || ms > maxTimeoutMillis {
		return 0, fmt.Errorf("redisstorage: %s %dms outside [%d, %d]", name, ms, minTimeoutMillis, maxTimeoutMillis)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// Option configures optional behavior of a Storage.
type Option func(*config)

// WithLogger sets the logger used for connection and command diagnostics.
// Defaults to slog.Default. Credentials are never written to the log.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClientMiddleware wraps the underlying Redis client as it is created,
// allowing hooks such as instrumentation to attach even though the connection
// handle is owned and lazily created by the Storage. Middleware is applied in
// the order given.
func WithClientMiddleware(mw ...func(rueidis.Client) rueidis.Client) Option {
	return func(c *config) {
		c.middleware = append(c.middleware, mw...)
	}
}

// LZ4 compresses values with the LZ4 frame format before they are stored and
// transparently decompresses them on retrieval.
func LZ4() Option {
	return func(c *config) {
		c.compress = lz4Compress
		c.decompress = lz4Decompress
	}
}

// Brotli compresses values with Brotli before they are stored and
// transparently decompresses them on retrieval.
func Brotli() Option {
	return func(c *config) {
		c.compress = brotliCompress
		c.decompress = brotliDecompress
	}
}
