package redisstorage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/rueidis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDigest(tb testing.TB, b byte) Digest {
	tb.Helper()
	var d Digest
	for i := range d {
		d[i] = b
	}
	return d
}

func newTestStorage(t *testing.T, addr string, attributes map[string]string, opts ...Option) *Storage {
	t.Helper()
	s, err := New("redis://"+addr, attributes, opts...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestKeyString(t *testing.T) {
	s, err := New("redis://localhost:6379", nil)
	require.NoError(t, err)

	d, err := ParseDigest("0123456789abcdef0123456789abcdef01234567")
	require.NoError(t, err)

	assert.Equal(t, "ccache:0123456789abcdef0123456789abcdef01234567", s.KeyString(d))
	// Deterministic: same digest, same key.
	assert.Equal(t, s.KeyString(d), s.KeyString(d))
}

func TestPutGetRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	s := newTestStorage(t, mr.Addr(), nil)

	key := testDigest(t, 0x11)
	value := []byte{0x00, 0x01, 0x02, 0xff, 0xfe, '\n', '\r', 0x00, 'x'}

	stored, err := s.Put(context.Background(), key, value, false)
	require.NoError(t, err)
	assert.True(t, stored)

	got, found, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, value, got)
}

func TestGetMissingKey(t *testing.T) {
	mr := miniredis.RunT(t)
	s := newTestStorage(t, mr.Addr(), nil)

	got, found, err := s.Get(context.Background(), testDigest(t, 0x22))
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, got)
}

func TestPutOnlyIfMissing(t *testing.T) {
	mr := miniredis.RunT(t)
	s := newTestStorage(t, mr.Addr(), nil)

	key := testDigest(t, 0x33)
	original := []byte("original object")

	stored, err := s.Put(context.Background(), key, original, false)
	require.NoError(t, err)
	require.True(t, stored)

	stored, err = s.Put(context.Background(), key, []byte("replacement"), true)
	require.NoError(t, err)
	assert.False(t, stored, "existing key must not be overwritten")

	got, found, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, original, got)
}

func TestPutOnlyIfMissingAbsentKey(t *testing.T) {
	mr := miniredis.RunT(t)
	s := newTestStorage(t, mr.Addr(), nil)

	key := testDigest(t, 0x44)
	stored, err := s.Put(context.Background(), key, []byte("fresh"), true)
	require.NoError(t, err)
	assert.True(t, stored)
}

// existsBreaker sabotages EXISTS commands so the conditional-put guard cannot
// produce a usable reply, while every other command passes through.
type existsBreaker struct {
	rueidis.Client
}

func (c existsBreaker) Do(ctx context.Context, cmd rueidis.Completed) rueidis.RedisResult {
	if cmds := cmd.Commands(); len(cmds) > 0 && cmds[0] == "EXISTS" {
		// EXISTS without a key draws an arity error from the server.
		return c.Client.Do(ctx, c.Client.B().Arbitrary("EXISTS").Build())
	}
	return c.Client.Do(ctx, cmd)
}

// The guard fails open: when the existence check errors, the write still
// happens, even over an existing value. This pins the behavior of the
// original backend; it trades strictness of only-if-missing for availability.
func TestPutOnlyIfMissingFailOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	s := newTestStorage(t, mr.Addr(), nil, WithClientMiddleware(func(c rueidis.Client) rueidis.Client {
		return existsBreaker{c}
	}))

	key := testDigest(t, 0x55)
	stored, err := s.Put(context.Background(), key, []byte("first"), false)
	require.NoError(t, err)
	require.True(t, stored)

	stored, err = s.Put(context.Background(), key, []byte("second"), true)
	require.NoError(t, err)
	assert.True(t, stored, "failed existence check must fall through to the write")

	got, found, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("second"), got)
}

func TestRemove(t *testing.T) {
	mr := miniredis.RunT(t)
	s := newTestStorage(t, mr.Addr(), nil)

	key := testDigest(t, 0x66)
	_, err := s.Put(context.Background(), key, []byte("doomed"), false)
	require.NoError(t, err)

	removed, err := s.Remove(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.Remove(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, removed, "removing an absent key is not an error")
}

func TestConnectIdempotent(t *testing.T) {
	mr := miniredis.RunT(t)
	s := newTestStorage(t, mr.Addr(), nil)

	s.mu.Lock()
	require.NoError(t, s.connect(context.Background()))
	first := s.client
	require.NoError(t, s.connect(context.Background()))
	second := s.client
	s.mu.Unlock()

	assert.True(t, s.connected)
	assert.Same(t, first, second, "repeated connect must reuse the handle")
}

func TestReconnectInPlace(t *testing.T) {
	mr := miniredis.RunT(t)
	s := newTestStorage(t, mr.Addr(), nil)

	key := testDigest(t, 0x77)
	_, err := s.Put(context.Background(), key, []byte("v"), false)
	require.NoError(t, err)

	s.mu.Lock()
	first := s.client
	s.connected = false // pretend the link dropped
	s.mu.Unlock()

	_, found, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, found)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.True(t, s.connected)
	assert.Same(t, first, s.client, "a live link must be kept, not replaced")
}

func TestFreshConnectAfterServerGone(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	s := newTestStorage(t, mr.Addr(), nil)

	key := testDigest(t, 0x88)
	_, err = s.Put(context.Background(), key, []byte("v"), false)
	require.NoError(t, err)

	mr.Close()
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()

	_, _, err = s.Get(context.Background(), key)
	require.Error(t, err)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.True(t, s.invalid, "fresh connect failure must be terminal")
	assert.Nil(t, s.client)
}

func TestInvalidEndpointIsTerminal(t *testing.T) {
	s, err := New("redis://", nil)
	require.NoError(t, err)

	_, _, err = s.Get(context.Background(), testDigest(t, 0x99))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTimeout)

	// Subsequent operations fail fast, with no connection handle ever made.
	_, err = s.Put(context.Background(), testDigest(t, 0x99), []byte("v"), false)
	require.ErrorIs(t, err, errStorageInvalid)
	_, err = s.Remove(context.Background(), testDigest(t, 0x99))
	require.ErrorIs(t, err, errStorageInvalid)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.True(t, s.invalid)
	assert.Nil(t, s.client)
}

func TestInvalidPortIsTerminal(t *testing.T) {
	s, err := New("redis://localhost:70000", nil)
	require.NoError(t, err)

	_, _, err = s.Get(context.Background(), testDigest(t, 0xaa))
	require.Error(t, err)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.True(t, s.invalid)
}

func TestConnectTimeout(t *testing.T) {
	// 192.0.2.0/24 (TEST-NET-1) drops packets, forcing the dial to run into
	// its deadline.
	s, err := New("redis://192.0.2.1:6379", map[string]string{
		AttrConnectTimeout: "50",
	})
	require.NoError(t, err)

	start := time.Now()
	_, _, err = s.Get(context.Background(), testDigest(t, 0xbb))
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, elapsed, 10*time.Second)

	// A known-bad endpoint must not be retried.
	_, err = s.Remove(context.Background(), testDigest(t, 0xbb))
	require.ErrorIs(t, err, errStorageInvalid)
}

func TestAuthDefaultUsername(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.RequireUserAuth("default", "hunter2")

	s := newTestStorage(t, mr.Addr(), map[string]string{
		AttrPassword: "hunter2",
	})

	key := testDigest(t, 0xcc)
	stored, err := s.Put(context.Background(), key, []byte("secret object"), false)
	require.NoError(t, err)
	assert.True(t, stored)

	_, found, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestAuthExplicitUsername(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.RequireUserAuth("builder", "hunter2")

	s := newTestStorage(t, mr.Addr(), map[string]string{
		AttrUsername: "builder",
		AttrPassword: "hunter2",
	})

	stored, err := s.Put(context.Background(), testDigest(t, 0xdd), []byte("v"), false)
	require.NoError(t, err)
	assert.True(t, stored)
}

func TestAuthRejectedIsTerminal(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.RequireUserAuth("default", "right")

	s := newTestStorage(t, mr.Addr(), map[string]string{
		AttrPassword: "wrong",
	})

	_, _, err := s.Get(context.Background(), testDigest(t, 0xee))
	require.Error(t, err)

	s.mu.Lock()
	invalid := s.invalid
	s.mu.Unlock()
	assert.True(t, invalid, "rejected credentials must be terminal")

	_, err = s.Put(context.Background(), testDigest(t, 0xee), []byte("v"), false)
	require.ErrorIs(t, err, errStorageInvalid)
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify(nil))
	assert.ErrorIs(t, classify(context.DeadlineExceeded), ErrTimeout)

	plain := errors.New("boom")
	assert.NotErrorIs(t, classify(plain), ErrTimeout)
	assert.ErrorIs(t, classify(plain), plain)
}
