package sequencer

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu    sync.Mutex
	max   map[string]int64
	calls int
}

func (f *fakeSource) MaxSequence(_ context.Context, sessionID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.max[sessionID], nil
}

func TestAssignSeedsFromSource(t *testing.T) {
	src := &fakeSource{max: map[string]int64{"s1": 7}}
	seq := New(src)
	ctx := context.Background()

	got, err := seq.Next(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(8), got)

	got, err = seq.Next(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)

	_, err = seq.Next(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls, "each session is seeded once")
}

func TestAssignFailureLeavesNoGap(t *testing.T) {
	seq := New(nil)
	ctx := context.Background()
	boom := errors.New("disk full")

	_, err := seq.Assign(ctx, "s", func(int64) error { return nil })
	require.NoError(t, err)

	_, err = seq.Assign(ctx, "s", func(int64) error { return boom })
	assert.ErrorIs(t, err, boom)

	var persisted int64
	got, err := seq.Assign(ctx, "s", func(n int64) error { persisted = n; return nil })
	require.NoError(t, err)
	assert.Equal(t, int64(2), got)
	assert.Equal(t, int64(2), persisted)

	cur, err := seq.Current(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(2), cur)
}

func TestAssignConcurrentIsGapFree(t *testing.T) {
	seq := New(nil)
	ctx := context.Background()

	var mu sync.Mutex
	var got []int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := seq.Assign(ctx, "s", func(n int64) error {
				if i%5 == 0 {
					return errors.New("rejected")
				}
				mu.Lock()
				got = append(got, n)
				mu.Unlock()
				return nil
			})
			_ = err
		}(i)
	}
	wg.Wait()

	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	require.Len(t, got, 40)
	for i, n := range got {
		assert.Equal(t, int64(i+1), n)
	}
}

func TestForgetReseeds(t *testing.T) {
	src := &fakeSource{max: map[string]int64{}}
	seq := New(src)
	ctx := context.Background()

	_, err := seq.Next(ctx, "s")
	require.NoError(t, err)
	src.max["s"] = 10
	seq.Forget("s")

	got, err := seq.Next(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(11), got)
}

func TestEmptySession(t *testing.T) {
	_, err := New(nil).Next(context.Background(), "")
	assert.ErrorIs(t, err, ErrSessionRequired)
}
