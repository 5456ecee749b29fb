package systems

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-resources/engine/core"
)

func newTestJobSystem(t *testing.T, general, load int) *JobSystem {
	t.Helper()
	js, err := NewJobSystem(JobSystemConfig{GeneralWorkers: general, ResourceLoadWorkers: load, QueueSize: 8})
	require.NoError(t, err)
	t.Cleanup(func() { _ = js.Shutdown() })
	return js
}

func TestNewJobSystemValidates(t *testing.T) {
	_, err := NewJobSystem(JobSystemConfig{GeneralWorkers: 0, ResourceLoadWorkers: 1})
	assert.ErrorIs(t, err, ErrNoWorkers)
	_, err = NewJobSystem(JobSystemConfig{GeneralWorkers: 1, ResourceLoadWorkers: 1, QueueSize: -1})
	assert.ErrorIs(t, err, ErrNegativeChannelSize)

	js := newTestJobSystem(t, 3, 2)
	assert.Equal(t, 3, js.Workers(JobTypeGeneral))
	assert.Equal(t, 2, js.Workers(JobTypeResourceLoad))
	assert.Equal(t, 0, js.Workers(JobType(9)))
	assert.Equal(t, "compute", JobTypeGeneral.String())
	assert.Equal(t, "io", JobTypeResourceLoad.String())
}

func TestJobCallbacks(t *testing.T) {
	js := newTestJobSystem(t, 1, 1)

	var completed, failed, always atomic.Int32
	ok := js.Submit(JobTask{
		JobType:              JobTypeResourceLoad,
		OnStart:              func() error { return nil },
		OnComplete:           func() { completed.Add(1) },
		OnFailure:            func(error) { failed.Add(1) },
		OnCompletionCallback: func() { always.Add(1) },
	})
	require.NoError(t, ok.Wait())

	boom := errors.New("boom")
	var got error
	bad := js.Submit(JobTask{
		OnStart:              func() error { return boom },
		OnComplete:           func() { completed.Add(1) },
		OnFailure:            func(err error) { got = err },
		OnCompletionCallback: func() { always.Add(1) },
	})
	assert.ErrorIs(t, bad.Wait(), boom)
	assert.ErrorIs(t, got, boom)

	panicky := js.Submit(JobTask{OnStart: func() error { panic("kaboom") }})
	err := panicky.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	assert.Error(t, js.Submit(JobTask{}).Wait(), "jobs need an entry point")
	assert.Error(t, js.Submit(JobTask{JobType: JobType(7), OnStart: func() error { return nil }}).Wait())

	assert.Equal(t, int32(1), completed.Load())
	assert.Equal(t, int32(0), failed.Load())
	assert.Equal(t, int32(2), always.Load())
}

func TestJobPriorities(t *testing.T) {
	js := newTestJobSystem(t, 1, 1)

	started := make(chan struct{})
	release := make(chan struct{})
	js.Submit(JobTask{OnStart: func() error {
		close(started)
		<-release
		return nil
	}})
	<-started

	var mu sync.Mutex
	var order []JobPriority
	var handles []*TaskHandle
	for _, p := range []JobPriority{JobPriorityLow, JobPriorityNormal, JobPriorityHigh, JobPriority(12)} {
		p := p
		handles = append(handles, js.Submit(JobTask{Priority: p, OnStart: func() error {
			mu.Lock()
			order = append(order, p)
			mu.Unlock()
			return nil
		}}))
	}
	close(release)
	for _, h := range handles {
		require.NoError(t, h.Wait())
	}
	// out of range priorities run as normal
	assert.Equal(t, []JobPriority{JobPriorityHigh, JobPriorityNormal, JobPriority(12), JobPriorityLow}, order)
}

func TestWaitForGroup(t *testing.T) {
	js := newTestJobSystem(t, 2, 2)

	var done atomic.Int32
	for i := 0; i < 10; i++ {
		jt := JobTypeGeneral
		if i%2 == 0 {
			jt = JobTypeResourceLoad
		}
		js.Submit(JobTask{JobType: jt, Group: "batch", OnStart: func() error {
			time.Sleep(time.Millisecond)
			done.Add(1)
			return nil
		}})
	}
	js.WaitForGroup("batch")
	assert.Equal(t, int32(10), done.Load())
	js.WaitForGroup("never-used")
}

func TestAddWorkNonBlocking(t *testing.T) {
	js := newTestJobSystem(t, 1, 1)
	ran := make(chan struct{})
	js.AddWorkNonBlocking(JobTask{OnStart: func() error {
		close(ran)
		return nil
	}})
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("job did not run")
	}
}

func TestJobSystemShutdown(t *testing.T) {
	js, err := NewJobSystem(JobSystemConfig{GeneralWorkers: 1, ResourceLoadWorkers: 1, QueueSize: 8})
	require.NoError(t, err)

	release := make(chan struct{})
	var ran atomic.Int32
	js.Submit(JobTask{OnStart: func() error {
		<-release
		ran.Add(1)
		return nil
	}})
	queued := js.Submit(JobTask{OnStart: func() error {
		ran.Add(1)
		return nil
	}})

	shut := make(chan error, 1)
	go func() { shut <- js.Shutdown() }()
	close(release)
	require.NoError(t, <-shut)
	assert.NoError(t, queued.Wait(), "queued jobs still run")
	assert.Equal(t, int32(2), ran.Load())

	late := js.Submit(JobTask{OnStart: func() error { return nil }})
	assert.ErrorIs(t, late.Wait(), core.ErrSystemShutdown)
	assert.True(t, rejected(late))
	assert.NoError(t, js.Shutdown())
}
