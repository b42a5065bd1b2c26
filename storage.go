package redisstorage

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/redis/rueidis"
)

const (
	// keyPrefix namespaces every key written by this backend.
	// TODO: make the prefix configurable through an attribute.
	keyPrefix = "ccache"

	defaultPort = 6379

	// redactedPassword substitutes for the real password in log output.
	redactedPassword = "*******"
)

// Storage is a remote build-cache backend storing opaque blobs in a
// Redis-compatible server. The zero value is not usable; construct with New.
//
// A Storage owns its connection handle exclusively. The connection is
// established lazily on first use, re-established once after the link drops,
// and abandoned permanently after a configuration, connection, or
// authentication failure. Methods are safe for concurrent use; one mutex
// serializes operations on the handle.
type Storage struct {
	mu sync.Mutex

	endpoint Endpoint
	prefix   string

	connectTimeout   time.Duration
	operationTimeout time.Duration
	username         string
	password         string

	logger     *slog.Logger
	compress   CompressionHook
	decompress CompressionHook
	middleware []func(rueidis.Client) rueidis.Client

	client    rueidis.Client
	connected bool
	invalid   bool
}

// New creates a Storage for the given backend URL and configuration
// attributes. The URL takes the network form redis://host[:port] or the
// socket form redis:///path/to/redis.sock. Recognized attributes are
// connect-timeout and operation-timeout (milliseconds, 1 to 3600000) and
// username and password; all are optional. Malformed attribute values are
// construction errors, while an endpoint resolving to neither host nor socket
// is detected on first use.
//
// No connection is made until the first operation.
func New(rawURL string, attributes map[string]string, opts ...Option) (*Storage, error) {
	endpoint, err := parseEndpoint(rawURL)
	if err != nil {
		return nil, err
	}
	conf, err := parseConfig(attributes, opts...)
	if err != nil {
		return nil, err
	}
	return &Storage{
		endpoint:         endpoint,
		prefix:           keyPrefix,
		connectTimeout:   conf.connectTimeout,
		operationTimeout: conf.operationTimeout,
		username:         conf.username,
		password:         conf.password,
		logger:           conf.logger,
		compress:         conf.compress,
		decompress:       conf.decompress,
		middleware:       conf.middleware,
	}, nil
}

// Close releases the connection handle if one exists. The Storage must not be
// used afterward.
func (s *Storage) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		s.logger.Debug("redis disconnect")
		s.client.Close()
		s.client = nil
	}
	s.connected = false
}

// AddHook wraps the compression pipeline with hook. Later hooks wrap earlier
// ones.
func (s *Storage) AddHook(hook Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compress = hook.CompressHook(s.compress)
	s.decompress = hook.DecompressHook(s.decompress)
}

// KeyString maps a digest to the namespaced key transmitted to the server.
// Pure: the prefix is fixed for the lifetime of the Storage.
func (s *Storage) KeyString(key Digest) string {
	return s.prefix + ":" + key.String()
}

// connect ensures a usable connection, establishing or re-establishing one as
// needed. Returns nil immediately when already connected, and fails fast
// without I/O once the storage is invalid. The caller must hold s.mu.
func (s *Storage) connect(ctx context.Context) error {
	if s.connected {
		return nil
	}
	if s.invalid {
		return errStorageInvalid
	}

	if s.client != nil {
		// A handle exists but the link is presumed dropped. Probe it before
		// discarding: a successful round-trip means the transport recovered.
		if err := s.ping(ctx); err == nil {
			s.connected = true
			return nil
		} else {
			s.logger.Warn("redis reconnection failed", slog.String("err", err.Error()))
			s.client.Close()
			s.client = nil
		}
	}

	option := rueidis.ClientOption{
		Dialer:            net.Dialer{Timeout: s.connectTimeout},
		ConnWriteTimeout:  s.operationTimeout,
		Username:          s.username,
		Password:          s.password,
		DisableCache:      true,
		ForceSingleClient: true,
	}

	switch {
	case s.endpoint.Host != "":
		port := defaultPort
		if s.endpoint.Port != "" {
			p, err := strconv.ParseUint(s.endpoint.Port, 10, 16)
			if err != nil || p < 1 {
				s.invalid = true
				return fmt.Errorf("redisstorage: invalid port %q", s.endpoint.Port)
			}
			port = int(p)
		}
		addr := net.JoinHostPort(s.endpoint.Host, strconv.Itoa(port))
		s.logger.Debug("redis connecting",
			slog.String("addr", addr),
			slog.Duration("timeout", s.connectTimeout))
		option.InitAddress = []string{addr}
	case s.endpoint.Socket != "":
		s.logger.Debug("redis connecting",
			slog.String("socket", s.endpoint.Socket),
			slog.Duration("timeout", s.connectTimeout))
		option.InitAddress = []string{s.endpoint.Socket}
		option.DialFn = func(dst string, dialer *net.Dialer, _ *tls.Config) (net.Conn, error) {
			return dialer.Dial("unix", dst)
		}
	default:
		s.logger.Error("invalid redis endpoint: no host or socket path")
		s.invalid = true
		return fmt.Errorf("redisstorage: endpoint has neither host nor socket path")
	}

	client, err := rueidis.NewClient(option)
	if err != nil {
		s.invalid = true
		return classify(fmt.Errorf("redisstorage: connect: %w", err))
	}
	for _, mw := range s.middleware {
		client = mw(client)
	}
	s.client = client
	s.connected = true
	s.logger.Debug("redis connection established")

	return s.auth(ctx)
}

// auth verifies the configured credentials with an explicit AUTH round-trip.
// It is a no-op without a password. rueidis already presents the credentials
// during the connection handshake; this round-trip additionally covers
// servers that accept the handshake but restrict the user through ACLs. Any
// failure is terminal. The caller must hold s.mu.
func (s *Storage) auth(ctx context.Context) error {
	if s.password == "" {
		return nil
	}
	username := s.username
	if username == "" {
		username = "default"
	}
	s.logger.Debug("redis AUTH",
		slog.String("username", username),
		slog.String("password", redactedPassword))

	ctx, cancel := context.WithTimeout(ctx, s.operationTimeout)
	defer cancel()
	err := s.client.Do(ctx, s.client.B().Auth().Username(username).Password(s.password).Build()).Error()
	if err != nil {
		s.invalid = true
		s.connected = false
		return fmt.Errorf("redisstorage: auth as %q failed: %w", username, err)
	}
	return nil
}

func (s *Storage) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()
	return s.client.Do(ctx, s.client.B().Ping().Build()).Error()
}

// fail records a command failure. Protocol-level error replies leave the
// connection usable; anything else means the link dropped and the next
// operation should run the reconnect path. The caller must hold s.mu.
func (s *Storage) fail(err error) {
	if _, ok := rueidis.IsRedisErr(err); ok {
		return
	}
	s.connected = false
}

func (s *Storage) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.operationTimeout)
}

// Get retrieves the blob stored under key. The second return value reports
// whether the key was present; a missing key is not an error.
func (s *Storage) Get(ctx context.Context, key Digest) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.connect(ctx); err != nil {
		return nil, false, err
	}
	keyString := s.KeyString(key)
	s.logger.Debug("redis GET", slog.String("key", keyString))

	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	value, err := s.client.Do(opCtx, s.client.B().Get().Key(keyString).Build()).AsBytes()
	switch {
	case err == nil:
		if value, err = s.decompress(value); err != nil {
			return nil, false, fmt.Errorf("redisstorage: get %s: %w", keyString, err)
		}
		return value, true, nil
	case rueidis.IsRedisNil(err):
		return nil, false, nil
	default:
		s.fail(err)
		return nil, false, fmt.Errorf("redisstorage: get %s: %w", keyString, err)
	}
}

// Put stores value under key and reports whether a write happened. With
// onlyIfMissing set, an existing key is left untouched and Put returns
// (false, nil); that outcome is not an error. An existence check that cannot
// produce a usable reply is treated as "key absent" and the write proceeds.
//
// The value is stored byte-for-byte; it may contain arbitrary binary data.
func (s *Storage) Put(ctx context.Context, key Digest, value []byte, onlyIfMissing bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.connect(ctx); err != nil {
		return false, err
	}
	keyString := s.KeyString(key)

	if onlyIfMissing {
		s.logger.Debug("redis EXISTS", slog.String("key", keyString))
		opCtx, cancel := s.opContext(ctx)
		count, err := s.client.Do(opCtx, s.client.B().Exists().Key(keyString).Build()).AsInt64()
		cancel()
		if err != nil {
			s.logger.Warn("redis EXISTS failed, proceeding with write",
				slog.String("key", keyString),
				slog.String("err", err.Error()))
			s.fail(err)
		} else if count > 0 {
			return false, nil
		}
	}

	data, err := s.compress(value)
	if err != nil {
		return false, fmt.Errorf("redisstorage: put %s: %w", keyString, err)
	}

	s.logger.Debug("redis SET",
		slog.String("key", keyString),
		slog.Int("bytes", len(data)))
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	if err := s.client.Do(opCtx, s.client.B().Set().Key(keyString).Value(rueidis.BinaryString(data)).Build()).Error(); err != nil {
		s.fail(err)
		return false, fmt.Errorf("redisstorage: put %s: %w", keyString, err)
	}
	return true, nil
}

// Remove deletes the blob stored under key and reports whether the key
// existed. Removing an absent key is not an error.
func (s *Storage) Remove(ctx context.Context, key Digest) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.connect(ctx); err != nil {
		return false, err
	}
	keyString := s.KeyString(key)
	s.logger.Debug("redis DEL", slog.String("key", keyString))

	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	removed, err := s.client.Do(opCtx, s.client.B().Del().Key(keyString).Build()).AsInt64()
	if err != nil {
		s.fail(err)
		return false, fmt.Errorf("redisstorage: remove %s: %w", keyString, err)
	}
	return removed > 0, nil
}
