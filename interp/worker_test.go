package interp

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/embed-runtime/engine/enginetest"
	"github.com/wippyai/embed-runtime/errors"
	"github.com/wippyai/embed-runtime/resource"
)

func TestWorkerRunsJobsOnItsThread(t *testing.T) {
	eng := newEngine(enginetest.Options{})
	w, err := NewWorker(eng, Config{Name: "worker"})
	require.NoError(t, err)
	ip := w.Interpreter()
	assert.Equal(t, "worker", ip.Name())

	const jobs = 16
	var wg sync.WaitGroup
	errs := make([]error, jobs)
	for i := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = w.Do(context.Background(), func(ip *Interpreter) error {
				return ip.SetValue(fmt.Sprintf("v%d", i), i)
			})
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	require.NoError(t, w.Do(context.Background(), func(ip *Interpreter) error {
		for i := range jobs {
			v, err := ip.GetValue(fmt.Sprintf("v%d", i))
			if err != nil {
				return err
			}
			assert.Equal(t, i, v)
		}
		return nil
	}))

	for _, c := range eng.CallsTo("set-value") {
		assert.Equal(t, ip.Thread(), c.Thread)
	}

	_, err = ip.GetValue("v0")
	assert.ErrorIs(t, err, errors.ErrInvalidThread, "the interpreter is only usable inside Do")

	require.NoError(t, w.Close())
	assert.True(t, ip.Closed())
	assert.Zero(t, eng.OpenContexts())

	err = w.Do(context.Background(), func(*Interpreter) error { return nil })
	assert.ErrorIs(t, err, errors.ErrInvalidState)
	assert.NoError(t, w.Close())
}

func TestWorkerRecoversPanics(t *testing.T) {
	w, err := NewWorker(newEngine(enginetest.Options{}), Config{})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, w.Close()) })

	err = w.Do(context.Background(), func(*Interpreter) error { panic("kaboom") })
	assert.ErrorIs(t, err, errors.ErrInvalidState)
	assert.ErrorContains(t, err, "kaboom")

	assert.NoError(t, w.Do(context.Background(), func(ip *Interpreter) error {
		return ip.Exec("x = 1")
	}), "the worker survives")
}

func TestWorkerDoHonorsContext(t *testing.T) {
	w, err := NewWorker(newEngine(enginetest.Options{}), Config{})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, w.Close()) })

	started := make(chan struct{})
	release := make(chan struct{})
	busy := make(chan error, 1)
	go func() {
		busy <- w.Do(context.Background(), func(*Interpreter) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = w.Do(ctx, func(*Interpreter) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	assert.NoError(t, <-busy)
}

func TestNewWorkerFailure(t *testing.T) {
	_, err := NewWorker(newEngine(enginetest.Options{}), Config{SharedModules: []string{"missing"}})
	assert.Equal(t, errors.KindNotFound, kindOf(t, err))
}

type eventLog struct {
	mu     sync.Mutex
	events []resource.EventType
}

func (l *eventLog) OnResourceEvent(e resource.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e.Type)
}

func (l *eventLog) count(typ resource.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e == typ {
			n++
		}
	}
	return n
}

func TestHandleEvents(t *testing.T) {
	eng := newEngine(enginetest.Options{})
	ip := open(t, eng, Config{})
	log := &eventLog{}
	ip.Subscribe(log)

	h, err := ip.CreateModule("m")
	require.NoError(t, err)
	v, err := ip.GetValue("m")
	require.NoError(t, err)
	require.NoError(t, h.Close())

	assert.Equal(t, 2, log.count(resource.EventTracked))
	assert.Equal(t, 1, log.count(resource.EventDisposed))

	require.NoError(t, ip.Close())
	assert.Equal(t, 2, log.count(resource.EventDisposed))
	runtime.KeepAlive(v)
}
