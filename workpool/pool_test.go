package workpool

import (
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsTasksInFIFOOrder(t *testing.T) {
	defer leaktest.Check(t)()

	p := New(1, nil)
	var (
		mu    sync.Mutex
		order []int
		done  = make(chan struct{})
	)
	// Hold the single worker so all five tasks queue up behind it.
	gate := make(chan struct{})
	require.NoError(t, p.Execute(func() { <-gate }))
	for i := 1; i <= 5; i++ {
		i := i
		require.NoError(t, p.Execute(func() {
			mu.Lock()
			order = append(order, i)
			n := len(order)
			mu.Unlock()
			if n == 5 {
				close(done)
			}
		}))
	}
	close(gate)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tasks did not finish")
	}
	p.Stop()
	p.Wait()

	assert.Equal(t, []int{1, 2, 3, 4, 5}, order)
}

func TestExecuteAfterStopIsRejected(t *testing.T) {
	defer leaktest.Check(t)()

	p := New(2, nil)
	p.Stop()
	p.Wait()

	ran := false
	err := p.Execute(func() { ran = true })
	assert.ErrorIs(t, err, ErrPoolStopped)
	assert.Equal(t, 0, p.QueueLen())
	assert.False(t, ran)
	assert.True(t, p.Stopped())
}

func TestStopDiscardsQueuedTasks(t *testing.T) {
	defer leaktest.Check(t)()

	p := New(1, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, p.Execute(func() {
		close(started)
		<-release
	}))
	<-started

	queuedRan := make(chan struct{}, 1)
	require.NoError(t, p.Execute(func() { queuedRan <- struct{}{} }))
	assert.Equal(t, 1, p.QueueLen())

	p.Stop()
	close(release)
	p.Wait()

	assert.Len(t, queuedRan, 0)
	assert.Equal(t, 0, p.QueueLen())
}

func TestPanickingTaskDoesNotKillWorker(t *testing.T) {
	defer leaktest.Check(t)()

	p := New(1, nil)
	require.NoError(t, p.Execute(func() { panic("boom") }))

	done := make(chan struct{})
	require.NoError(t, p.Execute(func() { close(done) }))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not survive panic")
	}
	p.Stop()
	p.Wait()
}

func TestStopWakesIdleWorkers(t *testing.T) {
	defer leaktest.Check(t)()

	p := New(4, nil)
	p.Stop()
	p.Stop()

	waited := make(chan struct{})
	go func() {
		p.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("idle workers were not woken by Stop")
	}
}
