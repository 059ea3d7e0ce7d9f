package task

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arloliu/go-ecat/logger"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestManager_StartStopWait(t *testing.T) {
	require := require.New(t)

	mockLogger := logger.NewMockLogger()
	mockLogger.On("Debug", mock.Anything, mock.Anything).Return()

	mgr := NewManager(context.Background(), mockLogger)

	var iterations atomic.Int32
	var cancelled atomic.Bool
	err := mgr.Start("pump", func(ctx context.Context) bool {
		iterations.Add(1)
		select {
		case <-ctx.Done():
		case <-time.After(time.Millisecond):
		}
		return true
	}, func() { cancelled.Store(true) })
	require.NoError(err)

	require.Eventually(func() bool { return iterations.Load() > 2 }, time.Second, time.Millisecond)
	require.Equal(1, mgr.TaskCount())

	mgr.Stop()
	mgr.Wait()

	require.Equal(0, mgr.TaskCount())
	require.True(cancelled.Load())
	mockLogger.AssertNotCalled(t, "Error", mock.Anything, mock.Anything)
}

func TestManager_TaskReturnsFalse(t *testing.T) {
	require := require.New(t)

	mgr := NewManager(context.Background(), logger.NewPermissiveMockLogger())

	var calls atomic.Int32
	require.NoError(mgr.Start("once", func(context.Context) bool {
		calls.Add(1)
		return false
	}, nil))

	require.Eventually(func() bool { return mgr.TaskCount() == 0 }, time.Second, time.Millisecond)
	require.EqualValues(1, calls.Load())
}

func TestManager_PanicIsRecovered(t *testing.T) {
	require := require.New(t)

	mockLogger := logger.NewPermissiveMockLogger()
	mgr := NewManager(context.Background(), mockLogger)

	require.NoError(mgr.Start("boom", func(context.Context) bool {
		panic("boom")
	}, nil))

	require.Eventually(func() bool { return mgr.TaskCount() == 0 }, time.Second, time.Millisecond)
	mockLogger.AssertCalled(t, "Error", "panic in task loop", mock.Anything)
}

func TestManager_ReusableAfterWait(t *testing.T) {
	require := require.New(t)

	mgr := NewManager(context.Background(), logger.NewPermissiveMockLogger())
	block := func(ctx context.Context) bool {
		<-ctx.Done()
		return false
	}

	require.NoError(mgr.Start("first", block, nil))
	mgr.Stop()
	mgr.Wait()

	require.NoError(mgr.Start("second", block, nil))
	require.Equal(1, mgr.TaskCount())
	mgr.Stop()
	mgr.Wait()
	require.Equal(0, mgr.TaskCount())
}

func TestManager_StartAfterParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	mgr := NewManager(ctx, logger.NewPermissiveMockLogger())
	cancel()

	err := mgr.Start("late", func(context.Context) bool { return false }, nil)
	require.ErrorIs(t, err, ErrStopped)
}
