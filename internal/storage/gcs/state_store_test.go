package gcs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/stockwatch/internal/restock"
)

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"}, nil)
	require.ErrorContains(t, err, "storage client is required")
}

func TestStateStore_RoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	objs := newFakeObjects()
	store := &StateStore{objects: objs, prefix: "state", clock: fixedClock(time.Unix(10, 0))}

	state, err := store.Get(ctx, "110001")
	require.NoError(t, err)
	require.Empty(t, state)

	require.NoError(t, store.PutAll(ctx, "110001", restock.StockState{"a": true}))
	require.Contains(t, objs.names(), "state/110001.json")

	state, err = store.Get(ctx, "110001")
	require.NoError(t, err)
	require.Equal(t, restock.StockState{"a": true}, state)

	require.NoError(t, store.DeleteRegion(ctx, "110001"))
	require.NoError(t, store.DeleteRegion(ctx, "110001"))
	require.Empty(t, objs.names())

	_, err = store.Get(ctx, "../x")
	require.Error(t, err)
}

func TestStateStore_PropagatesErrors(t *testing.T) {
	t.Parallel()

	objs := newFakeObjects()
	objs.err = errors.New("403 forbidden")
	store := &StateStore{objects: objs}

	_, err := store.Get(context.Background(), "r")
	require.ErrorContains(t, err, "403")
	require.Error(t, store.PutAll(context.Background(), "r", restock.StockState{}))
	require.Error(t, store.DeleteRegion(context.Background(), "r"))
}

type fakeObjects struct {
	mu   sync.Mutex
	data map[string][]byte
	err  error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{data: map[string][]byte{}}
}

func (f *fakeObjects) read(_ context.Context, name string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.data[name]
	if !ok {
		return nil, errObjectNotExist
	}
	return data, nil
}

func (f *fakeObjects) write(_ context.Context, name string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.data[name] = append([]byte(nil), data...)
	return nil
}

func (f *fakeObjects) remove(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if _, ok := f.data[name]; !ok {
		return errObjectNotExist
	}
	delete(f.data, name)
	return nil
}

func (f *fakeObjects) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.data))
	for k := range f.data {
		out = append(out, k)
	}
	return out
}

type fixedClock time.Time

func (c fixedClock) Now() time.Time {
	return time.Time(c)
}
