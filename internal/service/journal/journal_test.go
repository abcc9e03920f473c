package journal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/rex/internal/model"
	"github.com/ashita-ai/rex/internal/storage"
	"github.com/ashita-ai/rex/internal/testutil"
)

type fakeWriter struct {
	mu      sync.Mutex
	batches []storage.Batch
	fail    error
}

func (f *fakeWriter) WriteBatch(_ context.Context, b storage.Batch) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return 0, f.fail
	}
	f.batches = append(f.batches, b)
	return b.Len(), nil
}

func (f *fakeWriter) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

func (f *fakeWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func TestSyncCoalescesUpserts(t *testing.T) {
	w := &fakeWriter{}
	j := New(w, testutil.TestLogger(), 100, time.Hour)

	id := uuid.New()
	j.RecordMission(model.Mission{ID: id, State: model.StateQueued})
	j.RecordMission(model.Mission{ID: uuid.New(), State: model.StateQueued})
	j.RecordMission(model.Mission{ID: id, State: model.StateAssigned})
	j.Log(model.NewLog(model.LogInfo, "scheduler", "a", &id, nil))
	j.Log(model.NewLog(model.LogInfo, "scheduler", "b", &id, nil))
	assert.Equal(t, 4, j.Len())

	require.NoError(t, j.Sync(context.Background()))
	require.Equal(t, 1, w.count())
	b := w.batches[0]
	require.Len(t, b.Missions, 2)
	assert.Equal(t, id, b.Missions[0].ID, "first-seen order kept")
	assert.Equal(t, model.StateAssigned, b.Missions[0].State, "last write wins")
	require.Len(t, b.Logs, 2)
	assert.Equal(t, "a", b.Logs[0].Message)
	assert.Equal(t, 0, j.Len())
}

func TestFailedFlushRequeuesWithNewerRecordsWinning(t *testing.T) {
	w := &fakeWriter{}
	j := New(w, testutil.TestLogger(), 100, time.Hour)

	id := uuid.New()
	j.RecordTask(model.Task{ID: id, State: model.TaskPending})
	w.setFail(errors.New("connection refused"))
	require.Error(t, j.Sync(context.Background()))
	assert.Equal(t, 1, j.Len())

	j.RecordTask(model.Task{ID: id, State: model.TaskExecuting})
	j.RecordDomain(model.Domain{ID: uuid.New(), Name: "x.example.com"})
	w.setFail(nil)
	require.NoError(t, j.Sync(context.Background()))

	require.Equal(t, 1, w.count())
	b := w.batches[0]
	require.Len(t, b.Tasks, 1)
	assert.Equal(t, model.TaskExecuting, b.Tasks[0].State)
	assert.Len(t, b.Domains, 1)
	assert.Zero(t, j.Dropped())
}

func TestFlushLoopTriggersOnSize(t *testing.T) {
	w := &fakeWriter{}
	j := New(w, testutil.TestLogger(), 2, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	j.Start(ctx)

	j.Log(model.NewLog(model.LogDebug, "bus", "one", nil, nil))
	j.Log(model.NewLog(model.LogDebug, "bus", "two", nil, nil))

	assert.Eventually(t, func() bool { return w.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	j.Drain(drainCtx)
}

func TestDrainFlushesRemainder(t *testing.T) {
	w := &fakeWriter{}
	j := New(w, testutil.TestLogger(), 100, time.Hour)
	j.Start(context.Background())
	j.Start(context.Background())

	j.RecordMission(model.Mission{ID: uuid.New()})

	drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	j.Drain(drainCtx)

	assert.Equal(t, 1, w.count())
	assert.ErrorIs(t, j.Sync(context.Background()), ErrClosed)
}

func TestNilWriterDiscards(t *testing.T) {
	j := New(nil, testutil.TestLogger(), 10, time.Hour)
	j.RecordMission(model.Mission{ID: uuid.New()})
	require.NoError(t, j.Sync(context.Background()))
	assert.Equal(t, 0, j.Len())
}
