package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis mimics SET NX and the compare-and-delete script on a map.
type fakeRedis struct {
	values  map[string]string
	ttls    map[string]time.Duration
	failSet error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value interface{}, expiration time.Duration) *rd.BoolCmd {
	if f.failSet != nil {
		return rd.NewBoolResult(false, f.failSet)
	}
	if _, held := f.values[key]; held {
		return rd.NewBoolResult(false, nil)
	}
	f.values[key] = value.(string)
	f.ttls[key] = expiration
	return rd.NewBoolResult(true, nil)
}

func (f *fakeRedis) Eval(_ context.Context, _ string, keys []string, args ...interface{}) *rd.Cmd {
	if f.values[keys[0]] == args[0].(string) {
		delete(f.values, keys[0])
		return rd.NewCmdResult(int64(1), nil)
	}
	return rd.NewCmdResult(int64(0), nil)
}

func TestRedis_AcquireAndRelease(t *testing.T) {
	ctx := context.Background()
	client := newFakeRedis()
	l := NewRedis(client, 30*time.Second)

	release, err := l.Acquire(ctx, "ORDER-1")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, client.ttls[Key("ORDER-1")])

	_, err = l.Acquire(ctx, "ORDER-1")
	assert.ErrorIs(t, err, ErrNotAcquired)

	_, err = l.Acquire(ctx, "ORDER-2")
	assert.NoError(t, err)

	require.NoError(t, release(ctx))
	_, err = l.Acquire(ctx, "ORDER-1")
	assert.NoError(t, err)
}

func TestRedis_ReleaseKeepsForeignLock(t *testing.T) {
	ctx := context.Background()
	client := newFakeRedis()
	l := NewRedis(client, time.Second)

	release, err := l.Acquire(ctx, "ORDER-1")
	require.NoError(t, err)

	// lease expired and another instance took the lock
	client.values[Key("ORDER-1")] = "someone-else"

	require.NoError(t, release(ctx))
	assert.Equal(t, "someone-else", client.values[Key("ORDER-1")])
}

func TestRedis_AcquireError(t *testing.T) {
	client := newFakeRedis()
	client.failSet = errors.New("connection refused")

	_, err := NewRedis(client, time.Second).Acquire(context.Background(), "ORDER-1")

	assert.ErrorContains(t, err, "connection refused")
	assert.NotErrorIs(t, err, ErrNotAcquired)
}

func TestNoop(t *testing.T) {
	release, err := Noop{}.Acquire(context.Background(), "ORDER-1")
	require.NoError(t, err)
	assert.NoError(t, release(context.Background()))
}
