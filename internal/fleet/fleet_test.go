package fleet

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"csdriver/internal/errdefs"
	"csdriver/internal/logging"
	"csdriver/internal/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	logging.SetLogger(zap.NewNop())
}

type fakeLifecycle struct {
	mu       sync.Mutex
	created  []string
	destroys []string
	fail     map[string]error

	running atomic.Int32
	peak    atomic.Int32
	hold    time.Duration
}

func (f *fakeLifecycle) enter() func() {
	n := f.running.Add(1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(f.hold)
	return func() { f.running.Add(-1) }
}

func (f *fakeLifecycle) Create(_ context.Context, name string) (*state.InstanceRecord, error) {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, name)
	if err := f.fail[name]; err != nil {
		return &state.InstanceRecord{ServerID: "id-" + name}, err
	}
	return &state.InstanceRecord{ServerID: "id-" + name, Hostname: name + ".local"}, nil
}

func (f *fakeLifecycle) Destroy(_ context.Context, name string) error {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroys = append(f.destroys, name)
	return f.fail[name]
}

func TestCreateAllKeepsInputOrder(t *testing.T) {
	lc := &fakeLifecycle{}
	results := NewRunner(lc, 3).CreateAll(context.Background(), []string{"a", "b", "c", "d"})

	require.Len(t, results, 4)
	for i, name := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, name, results[i].Name)
		require.NoError(t, results[i].Err)
		assert.Equal(t, "id-"+name, results[i].Record.ServerID)
	}
	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, lc.created)
	assert.NoError(t, Err(results))
}

func TestRunnerBoundsConcurrency(t *testing.T) {
	lc := &fakeLifecycle{hold: 20 * time.Millisecond}
	names := []string{"a", "b", "c", "d", "e", "f", "g", "h"}

	results := NewRunner(lc, 2).CreateAll(context.Background(), names)

	require.NoError(t, Err(results))
	assert.LessOrEqual(t, lc.peak.Load(), int32(2))
	assert.Len(t, lc.created, len(names))
}

func TestFailuresAreIsolated(t *testing.T) {
	jobErr := &errdefs.JobFailedError{JobID: "j-2", Text: "Insufficient capacity"}
	lc := &fakeLifecycle{fail: map[string]error{"b": jobErr}}

	results := NewRunner(lc, 4).CreateAll(context.Background(), []string{"a", "b", "c"})

	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, jobErr)
	assert.Equal(t, "id-b", results[1].Record.ServerID)
	assert.NoError(t, results[2].Err)

	err := Err(results)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b: ")
	assert.True(t, errdefs.IsJobFailed(err))
}

func TestDestroyAll(t *testing.T) {
	boom := errors.New("ip in use")
	lc := &fakeLifecycle{fail: map[string]error{"c": boom}}

	results := NewRunner(lc, 2).DestroyAll(context.Background(), []string{"a", "b", "c"})

	assert.ElementsMatch(t, []string{"a", "b", "c"}, lc.destroys)
	assert.Nil(t, results[0].Record)
	assert.ErrorIs(t, Err(results), boom)
}

func TestDuplicateNamesRejected(t *testing.T) {
	lc := &fakeLifecycle{}
	results := NewRunner(lc, 2).CreateAll(context.Background(), []string{"a", "a"})

	assert.NoError(t, results[0].Err)
	assert.Error(t, results[1].Err)
	assert.Equal(t, []string{"a"}, lc.created)
}

func TestEmptyRun(t *testing.T) {
	results := NewRunner(&fakeLifecycle{}, 0).CreateAll(context.Background(), nil)
	assert.Empty(t, results)
	assert.NoError(t, Err(results))
}
