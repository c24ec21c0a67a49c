// Command run executes a script in an embedded interpreter.
//
//	run [-i] [-s] [-v] [--engine lua|wasm] [--config file.yaml]
//	    [-I path]... [--shared module]... [--schema] [script [args...]]
//
// The script sees argv with the script path first. With -i a console
// follows the script, or replaces it when no script is given. The exit code
// is 0 on success and 1 on any error.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	embedruntime "github.com/wippyai/embed-runtime"
	"github.com/wippyai/embed-runtime/engine/luaengine"
	"github.com/wippyai/embed-runtime/engine/wasmengine"
	"github.com/wippyai/embed-runtime/interp"
)

func main() {
	os.Exit(execute(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// execute runs the command line and returns the process exit code.
func execute(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetIn(stdin)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// options holds the command line flags.
type options struct {
	Interactive bool
	Dedicated   bool
	Verbose     bool
	Schema      bool
	Engine      string
	ConfigPath  string
	Include     []string
	Shared      []string
}

// engines are the selectable engines.
var engines = map[string]func() engine{
	luaengine.Name:  func() engine { return luaengine.New(luaengine.Options{}) },
	wasmengine.Name: func() engine { return wasmengine.New(wasmengine.Options{}) },
}

type engine interface {
	embedruntime.Engine
	Close() error
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "run [flags] [script [args...]]",
		Short: "Run a script in an embedded interpreter",
		Long: `Run a script in an embedded interpreter.

The script receives argv, a list holding the script path followed by args.
Settings from --config are merged with the flags; flags add to the lists
the file provides.

Example:
  run script.lua one two
  run -i --shared numbers -I ./lib
  run --engine wasm --config runtime.yaml main.wexpr`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd, opts, args)
		},
	}
	cmd.Flags().SetInterspersed(false)

	cmd.Flags().BoolVarP(&opts.Interactive, "interactive", "i", false, "start a console after the script")
	cmd.Flags().BoolVarP(&opts.Dedicated, "dedicated", "s", false, "run the interpreter on a dedicated thread")
	cmd.Flags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose logging")
	cmd.Flags().BoolVar(&opts.Schema, "schema", false, "print the JSON Schema of the config file and exit")
	cmd.Flags().StringVar(&opts.Engine, "engine", luaengine.Name, "engine to run (lua|wasm)")
	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "path to a YAML settings file")
	cmd.Flags().StringArrayVarP(&opts.Include, "include", "I", nil, "add a module search path")
	cmd.Flags().StringArrayVar(&opts.Shared, "shared", nil, "share a module between interpreters")

	return cmd
}

func runCommand(cmd *cobra.Command, opts *options, args []string) error {
	if opts.Schema {
		schema, err := interp.SettingsSchema()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
		return err
	}
	if len(args) == 0 && !opts.Interactive {
		return fmt.Errorf("a script is required unless -i is given")
	}

	log := newLogger(opts.Verbose)
	defer func() { _ = log.Sync() }()
	interp.SetLogger(log)
	luaengine.SetLogger(log)
	wasmengine.SetLogger(log)

	settings, err := loadSettings(opts)
	if err != nil {
		return err
	}

	newEngine, ok := engines[opts.Engine]
	if !ok {
		return fmt.Errorf("unknown engine %q (want lua or wasm)", opts.Engine)
	}
	eng := newEngine()
	defer func() {
		if err := eng.Close(); err != nil {
			log.Warn("closing engine", zap.Error(err))
		}
	}()

	if err := interp.CoordinatorFor(eng).Configure(settings.Coordinator); err != nil {
		return err
	}

	cfg := settings.Interpreter
	cfg.Interactive = cfg.Interactive || opts.Interactive
	cfg.Stdout = cmd.OutOrStdout()
	cfg.Stderr = cmd.ErrOrStderr()

	var cons *console
	if opts.Interactive {
		cons = newConsole(cmd.InOrStdin(), cmd.OutOrStdout(), eng.Name())
		cfg.Stdout = cons.output()
	}

	do, closeInterp, err := openInterpreter(cmd.Context(), eng, cfg, opts.Dedicated || opts.Interactive)
	if err != nil {
		return err
	}
	err = runScript(do, args)
	if err == nil && cons != nil {
		err = cons.run(cmd.Context(), do)
	}
	if cerr := closeInterp(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func newLogger(verbose bool) *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	log, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

// loadSettings reads --config and merges the flags into it.
func loadSettings(opts *options) (interp.Settings, error) {
	var s interp.Settings
	if opts.ConfigPath != "" {
		var err error
		if s, err = interp.LoadSettings(opts.ConfigPath); err != nil {
			return interp.Settings{}, err
		}
	}
	s.Interpreter.IncludePaths = append(s.Interpreter.IncludePaths, opts.Include...)
	s.Interpreter.SharedModules = append(s.Interpreter.SharedModules, opts.Shared...)
	if err := s.Validate(); err != nil {
		return interp.Settings{}, err
	}
	return s, nil
}

// doFunc runs fn against the interpreter on its owning thread.
type doFunc func(fn func(*interp.Interpreter) error) error

// openInterpreter creates the interpreter on the calling goroutine, or on a
// Worker when dedicated is set.
func openInterpreter(ctx context.Context, eng embedruntime.Engine, cfg interp.Config, dedicated bool) (doFunc, func() error, error) {
	if dedicated {
		w, err := interp.NewWorker(eng, cfg)
		if err != nil {
			return nil, nil, err
		}
		do := func(fn func(*interp.Interpreter) error) error {
			return w.Do(ctx, fn)
		}
		return do, w.Close, nil
	}

	ip, err := interp.New(eng, cfg)
	if err != nil {
		return nil, nil, err
	}
	do := func(fn func(*interp.Interpreter) error) error {
		return fn(ip)
	}
	return do, ip.Close, nil
}

func runScript(do doFunc, args []string) error {
	if len(args) == 0 {
		return nil
	}
	argv := make([]any, len(args))
	for i, a := range args {
		argv[i] = a
	}
	return do(func(ip *interp.Interpreter) error {
		if err := ip.SetValue("argv", argv); err != nil {
			return err
		}
		return ip.RunScript(args[0])
	})
}
