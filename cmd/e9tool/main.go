// Command e9tool is the frontend driver of a static binary rewriter
// (spec.md §1/§2): it parses --match/--action rules, disassembles an ELF's
// .text section, dispatches rules against every instruction, and drives a
// patch-backend subprocess over a line-oriented message stream.
//
// Flag handling is deliberately mechanical stdlib flag.Package (spec.md §6's
// "CLI option parsing (mechanical)" is an explicit non-goal).
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"

	"github.com/yuntongzhang/e9tool/internal/backend"
	"github.com/yuntongzhang/e9tool/internal/config"
	"github.com/yuntongzhang/e9tool/internal/csvindex"
	"github.com/yuntongzhang/e9tool/internal/dslparser"
	"github.com/yuntongzhang/e9tool/internal/elfsvc"
	"github.com/yuntongzhang/e9tool/internal/metadata"
	"github.com/yuntongzhang/e9tool/internal/orchestrator"
	"github.com/yuntongzhang/e9tool/internal/pluginreg"
	"github.com/yuntongzhang/e9tool/internal/x86disasm"
)

// stringList is a repeatable flag.Value (--match, --action, --option, --trap).
type stringList struct{ values *[]string }

func (l stringList) String() string { return "" }
func (l stringList) Set(v string) error {
	*l.values = append(*l.values, v)
	return nil
}

// ruleBuilder pairs up --match/-M accumulation with --action/-A closes: each
// Action call captures whatever Matches have accumulated since the last
// Action call as one rule's match group (spec.md §6's "each subsequent
// --action consumes all pending matches").
type ruleBuilder struct {
	pending     []string
	matchGroups [][]string
	actions     []string
}

func (r *ruleBuilder) Match(v string) error {
	r.pending = append(r.pending, v)
	return nil
}

func (r *ruleBuilder) Action(v string) error {
	r.matchGroups = append(r.matchGroups, r.pending)
	r.actions = append(r.actions, v)
	r.pending = nil
	return nil
}

type matchFlag struct{ rb *ruleBuilder }

func (matchFlag) String() string       { return "" }
func (f matchFlag) Set(v string) error { return f.rb.Match(v) }

type actionFlag struct{ rb *ruleBuilder }

func (actionFlag) String() string       { return "" }
func (f actionFlag) Set(v string) error { return f.rb.Action(v) }

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	opts := config.Default()
	rb := &ruleBuilder{}

	flag.Var(matchFlag{rb}, "match", "add a match string to the pending rule")
	flag.Var(matchFlag{rb}, "M", "shorthand for -match")
	flag.Var(actionFlag{rb}, "action", "close the pending rule with this action")
	flag.Var(actionFlag{rb}, "A", "shorthand for -action")

	flag.StringVar(&opts.Backend, "backend", opts.Backend, "path to the patch-backend executable")
	flag.StringVar(&opts.Output, "output", opts.Output, "output file path")
	flag.StringVar(&opts.Output, "o", opts.Output, "shorthand for -output")
	flag.StringVar(&opts.Format, "format", opts.Format, "binary|json|patch|patch.gz|patch.bz2|patch.xz")
	flag.IntVar(&opts.Compression, "compression", opts.Compression, "0..9")
	flag.IntVar(&opts.Compression, "c", opts.Compression, "shorthand for -compression")

	var o0, o1, o2, o3, os_ bool
	flag.BoolVar(&o0, "O0", false, "optimization preset 0")
	flag.BoolVar(&o1, "O1", false, "optimization preset 1")
	flag.BoolVar(&o2, "O2", false, "optimization preset 2")
	flag.BoolVar(&o3, "O3", false, "optimization preset 3")
	flag.BoolVar(&os_, "Os", false, "optimization preset s")

	flag.StringVar(&opts.Start, "start", "", "SYMBOL_OR_HEX narrowing the patched range's start")
	flag.StringVar(&opts.End, "end", "", "SYMBOL_OR_HEX narrowing the patched range's end")
	flag.BoolVar(&opts.Executable, "executable", false, "force ELF classification as an executable")
	flag.BoolVar(&opts.Shared, "shared", false, "force ELF classification as a shared object")
	flag.BoolVar(&opts.StaticLoader, "static-loader", false, "")
	flag.BoolVar(&opts.StaticLoader, "s", false, "shorthand for -static-loader")
	flag.BoolVar(&opts.TrapAll, "trap-all", false, "force a trap at every instruction")
	flag.Var(stringList{&opts.Traps}, "trap", "add a forced-trap address (repeatable)")
	flag.IntVar(&opts.Sync, "sync", -1, "resync distance in bytes after a disassembly desync, 0..1000")
	flag.StringVar(&opts.Syntax, "syntax", opts.Syntax, "ATT|intel")
	flag.BoolVar(&opts.Debug, "debug", false, "emit a reachability debug graph alongside the output")
	flag.BoolVar(&opts.NoWarnings, "no-warnings", false, "suppress warnings (suppressed warnings are not counted)")
	flag.Var(stringList{&opts.ExtraOption}, "option", "pass an option through to the backend (repeatable)")
	flag.StringVar(&opts.OptionFile, "option-file", "", "YAML file of default backend options")

	flag.Parse()

	switch {
	case o0:
		opts.Preset = "0"
	case o1:
		opts.Preset = "1"
	case o2:
		opts.Preset = "2"
	case o3:
		opts.Preset = "3"
	case os_:
		opts.Preset = "s"
	}

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: e9tool [options] ELF")
		os.Exit(1)
	}
	opts.InputELF = flag.Arg(0)
	opts.Matches = rb.pending

	if err := opts.Validate(); err != nil {
		log.Fatalf("e9tool: %v", err)
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(slog.LevelInfo)
	if opts.Debug {
		logLevel.Set(slog.LevelDebug)
	} else if opts.NoWarnings {
		logLevel.Set(slog.LevelError)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	if err := run(opts, rb.matchGroups, rb.actions, logger); err != nil {
		logger.Error("fatal", "err", err)
		log.Fatalf("e9tool: %v", err)
	}
}

func run(opts config.Options, matchGroups [][]string, actions []string, logger *slog.Logger) error {
	ef, err := elfsvc.Open(opts.InputELF, opts.Executable, opts.Shared)
	if err != nil {
		return err
	}
	defer ef.Close()

	code, err := ef.TextBytes()
	if err != nil {
		return err
	}
	begin, _, ok := ef.TextRange()
	if !ok {
		return fmt.Errorf("ELF %s has no .text section", opts.InputELF)
	}
	disasm := x86disasm.New(code, begin, opts.Syntax)

	plugins := pluginreg.NewRegistry(logger)
	csvLoader := csvindex.NewLoader()
	parser := dslparser.NewParser(csvLoader, plugins).WithELF(ef)
	parser.Logger = logger

	enc, proc, err := openBackend(opts)
	if err != nil {
		return err
	}
	killBackend := func() {
		if proc != nil {
			if kerr := proc.Kill(unix.SIGTERM); kerr != nil {
				logger.Warn("failed to terminate orphaned backend process group", "err", kerr)
			}
		}
	}

	o := orchestrator.New(opts, ef, disasm, plugins, enc, metadata.DefaultBuilder{}, logger)
	if err := o.ParseRules(parser, matchGroups, actions); err != nil {
		killBackend()
		return err
	}
	if err := o.Run(); err != nil {
		killBackend()
		return err
	}
	if err := enc.Close(); err != nil {
		killBackend()
		return err
	}
	if proc != nil {
		return proc.Wait()
	}
	return nil
}

// openBackend builds the Encoder and, for every format except json, spawns
// the backend subprocess whose stdin the Encoder writes into (spec.md §6's
// "redirecting the encoder's sink to a file and skipping backend spawn" for
// --format json).
func openBackend(opts config.Options) (*backend.Encoder, *backend.Process, error) {
	if backend.Format(opts.Format) == backend.FormatJSON {
		f, err := os.Create(opts.Output)
		if err != nil {
			return nil, nil, fmt.Errorf("creating output %s: %w", opts.Output, err)
		}
		return backend.NewJSONEncoder(f), nil, nil
	}
	proc, err := backend.Spawn(opts.Backend, backendArgs(opts))
	if err != nil {
		return nil, nil, err
	}
	return backend.NewLineEncoder(backend.Format(opts.Format), proc.Stdin()), proc, nil
}

func backendArgs(opts config.Options) []string {
	args := []string{"-o", opts.Output}
	if opts.Compression > 0 {
		args = append(args, "-c", fmt.Sprintf("%d", opts.Compression))
	}
	return args
}
