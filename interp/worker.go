package interp

import (
	"context"
	"sync"

	"go.uber.org/zap"

	embedruntime "github.com/wippyai/embed-runtime"
	"github.com/wippyai/embed-runtime/errors"
)

// Worker owns an Interpreter on a goroutine locked to one OS thread and
// runs submitted functions there, in order. Any goroutine may submit.
type Worker struct {
	ip       *Interpreter
	jobs     chan job
	quit     chan struct{}
	done     chan struct{}
	quitOnce sync.Once
	err      error
}

type job struct {
	fn    func(*Interpreter) error
	reply chan error
}

// NewWorker starts a worker and creates its interpreter.
func NewWorker(eng embedruntime.Engine, cfg Config) (*Worker, error) {
	w := &Worker{
		jobs: make(chan job),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	ready := make(chan error, 1)
	go w.run(eng, cfg, ready)
	if err := <-ready; err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Worker) run(eng embedruntime.Engine, cfg Config, ready chan<- error) {
	defer close(w.done)

	ip, err := New(eng, cfg)
	if err != nil {
		ready <- err
		return
	}
	w.ip = ip
	ready <- nil

	for {
		select {
		case j := <-w.jobs:
			j.reply <- j.run(ip)
		case <-w.quit:
			w.err = ip.Close()
			return
		}
	}
}

func (j job) run(ip *Interpreter) (err error) {
	defer func() {
		if p := recover(); p != nil {
			Logger().Error("worker job panicked",
				zap.Stringer("id", ip.id),
				zap.Any("panic", p))
			err = errors.New(errors.PhaseRuntime, errors.KindInvalidState).
				Op("worker").
				Detail("job panicked: %v", p).
				Build()
		}
	}()
	return j.fn(ip)
}

// Interpreter returns the worker's interpreter. Its operations only work
// inside functions passed to Do.
func (w *Worker) Interpreter() *Interpreter { return w.ip }

// Do runs fn on the worker's thread and waits for it. If ctx ends first,
// Do returns ctx.Err() while fn may still run.
func (w *Worker) Do(ctx context.Context, fn func(*Interpreter) error) error {
	reply := make(chan error, 1)
	select {
	case w.jobs <- job{fn: fn, reply: reply}:
	case <-w.quit:
		return errors.Closed("worker")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the interpreter on the worker's thread and stops the worker.
// Jobs already accepted finish first.
func (w *Worker) Close() error {
	w.quitOnce.Do(func() { close(w.quit) })
	<-w.done
	return w.err
}
