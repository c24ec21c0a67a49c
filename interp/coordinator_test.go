package interp

import (
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/embed-runtime/engine/enginetest"
	"github.com/wippyai/embed-runtime/errors"
)

func TestCoordinatorFor(t *testing.T) {
	eng := newEngine(enginetest.Options{})
	c := CoordinatorFor(eng)
	assert.Same(t, c, CoordinatorFor(eng))
	assert.NotSame(t, c, CoordinatorFor(newEngine(enginetest.Options{})))

	assert.Equal(t, StateUninitialized, c.State())
	assert.Equal(t, PolicyIsolated, c.Policy())
	assert.Zero(t, c.Thread())
	assert.Zero(t, eng.InitCalls(), "creating a coordinator does not start the engine")
}

func TestCoordinatorStartsOnce(t *testing.T) {
	eng := newEngine(enginetest.Options{InitDelay: 50 * time.Millisecond})
	c := CoordinatorFor(eng)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = c.Start()
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, eng.InitCalls())
	assert.Equal(t, StateReady, c.State())
	assert.NotZero(t, c.Primary())

	inits := eng.CallsTo("initialize")
	require.Len(t, inits, 1)
	assert.Equal(t, c.Thread(), inits[0].Thread)
}

func TestCoordinatorInitFailureIsCached(t *testing.T) {
	cause := stderrors.New("missing native library")
	eng := newEngine(enginetest.Options{InitErr: cause})

	_, first := New(eng, Config{})
	require.Error(t, first)
	assert.ErrorIs(t, first, errors.ErrCoordinatorInit)
	assert.ErrorIs(t, first, cause)

	var second error
	onOtherThread(func() { _, second = New(eng, Config{}) })
	assert.Same(t, first, second)

	assert.Same(t, first, CoordinatorFor(eng).Start())
	assert.Same(t, first, CoordinatorFor(eng).SharedImport("consts"))
	assert.Equal(t, StateFailed, CoordinatorFor(eng).State())
	assert.Equal(t, 1, eng.InitCalls())
	assert.Empty(t, eng.CallsTo("new-context"))
}

func TestConcurrentSharedImports(t *testing.T) {
	eng := newEngine(enginetest.Options{ImportDelay: 20 * time.Millisecond})

	const interpreters = 8
	var wg sync.WaitGroup
	errs := make([]error, interpreters)
	answers := make([]any, interpreters)
	for i := range interpreters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ip, err := New(eng, Config{SharedModules: []string{"consts"}})
			if err != nil {
				errs[i] = err
				return
			}
			defer ip.Close()
			if err = ip.Exec("import consts"); err == nil {
				answers[i], err = ip.GetValue("consts.answer")
			}
			errs[i] = err
		}()
	}
	wg.Wait()

	for i := range interpreters {
		require.NoError(t, errs[i])
		assert.Equal(t, int64(42), answers[i])
	}
	assert.Equal(t, 1, eng.SharedImports("consts"))

	thread := CoordinatorFor(eng).Thread()
	for _, c := range eng.CallsTo("shared-import") {
		assert.Equal(t, thread, c.Thread, "shared imports run on the coordinator thread")
	}
	assert.Zero(t, eng.OpenContexts())
}

func TestSharedImportFailureIsCached(t *testing.T) {
	eng := newEngine(enginetest.Options{})
	c := CoordinatorFor(eng)

	first := c.SharedImport("missing")
	assert.Equal(t, errors.KindNotFound, kindOf(t, first))
	second := c.SharedImport("missing")
	assert.Same(t, first, second)
	assert.Equal(t, 1, eng.SharedImports("missing"))
	assert.Equal(t, StateReady, c.State(), "a failed import does not fail the coordinator")
}

func TestPreimport(t *testing.T) {
	eng := newEngine(enginetest.Options{})
	c := CoordinatorFor(eng)
	require.NoError(t, c.SetPreimport("consts"))
	require.NoError(t, c.Start())
	assert.Equal(t, 1, eng.SharedImports("consts"))

	ip := open(t, eng, Config{SharedModules: []string{"consts"}})
	require.NoError(t, ip.Exec("import consts"))
	assert.Equal(t, 1, eng.SharedImports("consts"), "preimported modules are not imported again")

	assert.ErrorIs(t, c.SetPreimport("lib"), errors.ErrInvalidState)
}

func TestPreimportFailureFailsInit(t *testing.T) {
	eng := newEngine(enginetest.Options{})
	c := CoordinatorFor(eng)
	require.NoError(t, c.SetPreimport("missing"))

	err := c.Start()
	assert.ErrorIs(t, err, errors.ErrCoordinatorInit)
	assert.Equal(t, StateFailed, c.State())
}

func TestSetPolicy(t *testing.T) {
	eng := newEngine(enginetest.Options{})
	c := CoordinatorFor(eng)

	assert.Equal(t, errors.KindInvalidInput, kindOf(t, c.SetPolicy("bogus")))
	require.NoError(t, c.SetPolicy(PolicyNone))

	_, err := New(eng, Config{IncludePaths: []string{"lib"}})
	assert.Equal(t, errors.KindInvalidInput, kindOf(t, err))
	_, err = New(eng, Config{SharedModules: []string{"consts"}})
	assert.Equal(t, errors.KindInvalidInput, kindOf(t, err))
	assert.Empty(t, eng.CallsTo("new-context"))

	// Rejected constructions do not freeze the policy.
	require.NoError(t, c.SetPolicy(PolicyNone))

	ip := open(t, eng, Config{})
	assert.Equal(t, PolicyNone, ip.Policy())
	contexts := eng.CallsTo("new-context")
	require.Len(t, contexts, 1)
	assert.Equal(t, "main", contexts[0].Arg)

	assert.ErrorIs(t, c.SetPolicy(PolicyShared), errors.ErrInvalidState)
	assert.Equal(t, PolicyNone, c.Policy())
}

// inFlight reports how many constructions hold the policy.
func inFlight(c *Coordinator) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.building
}

func TestSetPolicyDuringConstruction(t *testing.T) {
	eng := newEngine(enginetest.Options{ImportDelay: 200 * time.Millisecond})
	c := CoordinatorFor(eng)
	require.NoError(t, c.Start())

	built := make(chan error, 1)
	go func() {
		ip, err := New(eng, Config{SharedModules: []string{"consts"}})
		if err == nil {
			err = ip.Close()
		}
		built <- err
	}()

	require.Eventually(t, func() bool { return inFlight(c) == 1 }, time.Second, time.Millisecond)
	assert.ErrorIs(t, c.SetPolicy(PolicyShared), errors.ErrInvalidState)

	require.NoError(t, <-built)
	assert.Zero(t, inFlight(c))
	assert.ErrorIs(t, c.SetPolicy(PolicyShared), errors.ErrInvalidState)
	assert.Equal(t, PolicyIsolated, c.Policy())
}

func TestFailedConstructionReleasesPolicy(t *testing.T) {
	eng := newEngine(enginetest.Options{})
	c := CoordinatorFor(eng)

	_, err := New(eng, Config{SharedModules: []string{"missing"}})
	require.Error(t, err)
	assert.Zero(t, inFlight(c))
	require.NoError(t, c.SetPolicy(PolicyShared))
}

func TestConfigure(t *testing.T) {
	eng := newEngine(enginetest.Options{})
	c := CoordinatorFor(eng)

	err := c.Configure(CoordinatorConfig{Policy: "bogus"})
	assert.Equal(t, errors.KindInvalidInput, kindOf(t, err))

	require.NoError(t, c.Configure(CoordinatorConfig{Policy: PolicyShared, Preimport: []string{"consts"}}))
	assert.Equal(t, PolicyShared, c.Policy())
	require.NoError(t, c.Start())
	assert.Equal(t, 1, eng.SharedImports("consts"))
}

func TestSharedPolicy(t *testing.T) {
	eng := newEngine(enginetest.Options{})
	require.NoError(t, CoordinatorFor(eng).SetPolicy(PolicyShared))

	first, err := NewWorker(eng, Config{})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, first.Close()) })
	second, err := NewWorker(eng, Config{})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, second.Close()) })

	ctx := t.Context()
	require.NoError(t, first.Do(ctx, func(ip *Interpreter) error {
		if err := ip.Exec("import consts"); err != nil {
			return err
		}
		return ip.SetValue("y", 1)
	}))

	require.NoError(t, second.Do(ctx, func(ip *Interpreter) error {
		v, err := ip.GetValue("consts.answer")
		if err != nil {
			return err
		}
		assert.Equal(t, int64(42), v, "modules live in the shared space")

		_, err = ip.GetValue("y")
		assert.ErrorIs(t, err, errors.ErrEngine, "bindings stay per interpreter")
		return nil
	}))

	for _, c := range eng.CallsTo("new-context") {
		assert.Equal(t, "shared", c.Arg)
	}
}
