package interp

import (
	"sync"
	"time"

	"go.uber.org/zap"

	embedruntime "github.com/wippyai/embed-runtime"
	"github.com/wippyai/embed-runtime/errors"
	"github.com/wippyai/embed-runtime/internal/osthread"
)

// State is a coordinator lifecycle state.
type State uint8

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	// StateFailed is terminal; the init error is replayed to every caller.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Coordinator owns the one-time bring-up of an engine and serializes its
// shared imports. There is exactly one per engine; it runs on a goroutine
// locked to its own OS thread that stays parked for the life of the
// process.
type Coordinator struct {
	engine embedruntime.Engine

	mu      sync.Mutex
	state   State
	cfg     CoordinatorConfig
	frozen  bool
	done    chan struct{}
	err     error
	primary embedruntime.ContextPtr
	thread  osthread.ID

	// building counts constructions that read the policy but have not
	// finished yet.
	building int

	// requests has no buffer: one import is in flight at a time.
	requests chan importRequest

	// results is owned by the coordinator goroutine.
	results map[string]error
}

type importRequest struct {
	module string
	reply  chan error
}

var (
	coordMu      sync.Mutex
	coordinators = make(map[embedruntime.Engine]*Coordinator)
)

// CoordinatorFor returns the coordinator of eng, creating it on first use.
// Creating it does not start the engine.
func CoordinatorFor(eng embedruntime.Engine) *Coordinator {
	coordMu.Lock()
	defer coordMu.Unlock()
	if c, ok := coordinators[eng]; ok {
		return c
	}
	c := &Coordinator{
		engine:   eng,
		cfg:      CoordinatorConfig{Policy: PolicyIsolated},
		requests: make(chan importRequest),
		results:  make(map[string]error),
	}
	coordinators[eng] = c
	return c
}

// Engine returns the engine the coordinator serves.
func (c *Coordinator) Engine() embedruntime.Engine { return c.engine }

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Policy returns the isolation policy interpreters are built with.
func (c *Coordinator) Policy() Policy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Policy
}

// Thread returns the OS thread of the coordinator goroutine. It is zero
// until the coordinator is ready.
func (c *Coordinator) Thread() osthread.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.thread
}

// Primary returns the engine's primary context. It is zero until the
// coordinator is ready.
func (c *Coordinator) Primary() embedruntime.ContextPtr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.primary
}

// SetPolicy selects the isolation policy. It fails once an interpreter has
// been constructed.
func (c *Coordinator) SetPolicy(p Policy) error {
	p, err := ParsePolicy(string(p))
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return errors.InvalidState(errors.PhaseCoordinator, "set-policy",
			"policy is fixed once an interpreter has been constructed")
	}
	if c.building > 0 {
		return errors.InvalidState(errors.PhaseCoordinator, "set-policy",
			"an interpreter is being constructed")
	}
	c.cfg.Policy = p
	return nil
}

// SetPreimport sets the modules imported right after bring-up. It fails
// once bring-up has started.
func (c *Coordinator) SetPreimport(modules ...string) error {
	cfg := CoordinatorConfig{Preimport: modules}
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen || c.state != StateUninitialized {
		return errors.InvalidState(errors.PhaseCoordinator, "set-preimport",
			"preimports are fixed once the engine is initialized")
	}
	c.cfg.Preimport = append([]string(nil), modules...)
	return nil
}

// Configure applies cfg as SetPolicy and SetPreimport would.
func (c *Coordinator) Configure(cfg CoordinatorConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := c.SetPreimport(cfg.Preimport...); err != nil {
		return err
	}
	return c.SetPolicy(cfg.Policy)
}

// Start brings the engine up once. Concurrent callers wait for the same
// attempt. A failed attempt is never retried: every later call returns the
// same error.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	switch c.state {
	case StateReady:
		c.mu.Unlock()
		return nil
	case StateFailed:
		err := c.err
		c.mu.Unlock()
		return err
	case StateUninitialized:
		c.state = StateInitializing
		c.done = make(chan struct{})
		Logger().Debug("coordinator initializing",
			zap.String("engine", c.engine.Name()),
			zap.Stringer("policy", c.cfg.Policy))
		go c.run(c.cfg.Preimport)
	}
	done := c.done
	c.mu.Unlock()

	<-done

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// SharedImport imports module into the primary context on the coordinator
// goroutine and waits for the result. Each module is imported at most once;
// later requests get the first result.
func (c *Coordinator) SharedImport(module string) error {
	if err := c.Start(); err != nil {
		return err
	}
	reply := make(chan error, 1)
	c.requests <- importRequest{module: module, reply: reply}
	return <-reply
}

// beginBuild returns the policy for a new interpreter and holds it until
// the matching endBuild.
func (c *Coordinator) beginBuild() Policy {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.building++
	return c.cfg.Policy
}

// endBuild releases the hold of beginBuild. A successful construction
// fixes the configuration for good.
func (c *Coordinator) endBuild(ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.building--
	if ok {
		c.frozen = true
	}
}

func (c *Coordinator) run(preimport []string) {
	// Never unlocked: the engine's primary context belongs to this thread.
	thread := osthread.Lock()

	primary, err := c.engine.Initialize()
	if err == nil {
		for _, m := range preimport {
			if err = c.engine.SharedImport(primary, m); err != nil {
				break
			}
			c.results[m] = nil
		}
	}

	c.mu.Lock()
	if err != nil {
		c.state = StateFailed
		c.err = errors.CoordinatorInit(c.engine.Name(), err)
		Logger().Error("coordinator initialization failed",
			zap.String("engine", c.engine.Name()),
			zap.Error(err))
	} else {
		c.state = StateReady
		c.primary = primary
		c.thread = thread
		Logger().Debug("coordinator ready",
			zap.String("engine", c.engine.Name()),
			zap.Uint64("thread", uint64(thread)))
	}
	close(c.done)
	c.mu.Unlock()

	if err != nil {
		return
	}
	for req := range c.requests {
		req.reply <- c.serve(primary, req.module)
	}
}

func (c *Coordinator) serve(primary embedruntime.ContextPtr, module string) error {
	if err, ok := c.results[module]; ok {
		return err
	}

	start := time.Now()
	err := errors.Engine("shared-import", c.engine.SharedImport(primary, module))
	c.results[module] = err
	Logger().Debug("shared import",
		zap.String("module", module),
		zap.Duration("took", time.Since(start)),
		zap.Error(err))
	return err
}
