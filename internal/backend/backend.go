// Package backend implements the patch-backend message encoder and
// subprocess supervision from spec.md §6: a line-oriented byte stream of
// named messages (Binary, Option, ELFFile, Trampoline, Instruction, Patch,
// Emit) written to the backend's stdin, or — for --format json — a JSON
// array written straight to the output file with no subprocess spawned.
//
// Subprocess handling (os/exec.Cmd, piped stdin, blocking Wait, and the
// process-group spawn/kill discipline) is grounded on the teacher's process
// bring-up and teardown style for the debuggee.
package backend

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/yuntongzhang/e9tool/internal/metadata"
)

// Format is the --format value from spec.md §6.
type Format string

const (
	FormatBinary   Format = "binary"
	FormatJSON     Format = "json"
	FormatPatch    Format = "patch"
	FormatPatchGz  Format = "patch.gz"
	FormatPatchBz2 Format = "patch.bz2"
	FormatPatchXz  Format = "patch.xz"
)

// TrampolineKind enumerates the Trampoline message's variants.
type TrampolineKind string

const (
	TrampExit     TrampolineKind = "exit"
	TrampPassthru TrampolineKind = "passthru"
	TrampPrint    TrampolineKind = "print"
	TrampTrap     TrampolineKind = "trap"
	TrampCall     TrampolineKind = "call"
)

// CallKind is the clean/naked flag carried by a call trampoline.
type CallKind string

const (
	CallClean CallKind = "clean"
	CallNaked CallKind = "naked"
)

// message is the JSON shape used for --format json; for line-oriented
// formats only Name/Args are rendered (see render below).
type message struct {
	Name string        `json:"name"`
	Args []interface{} `json:"args,omitempty"`
}

// Encoder emits the named backend messages (spec.md §6). It is safe to use
// from plugin callbacks via the Sink interface (internal/pluginreg.Sink) as
// well as from the orchestrator directly.
type Encoder struct {
	format Format

	// line-oriented sink (binary/patch*)
	w *bufio.Writer

	// json sink
	jsonMessages []message
	jsonTarget   io.Writer

	closed bool
}

// NewLineEncoder wraps w for the binary/patch* formats, where messages are
// streamed one per line to the backend's stdin.
func NewLineEncoder(format Format, w io.Writer) *Encoder {
	return &Encoder{format: format, w: bufio.NewWriter(w)}
}

// NewJSONEncoder builds an encoder that accumulates messages and writes them
// as one JSON array when Close is called — the --format json path that
// "redirects the encoder's sink to a file and skips backend spawn" (spec.md
// §6).
func NewJSONEncoder(target io.Writer) *Encoder {
	return &Encoder{format: FormatJSON, jsonTarget: target}
}

func (e *Encoder) emit(name string, args ...interface{}) error {
	if e.format == FormatJSON {
		e.jsonMessages = append(e.jsonMessages, message{Name: name, Args: args})
		return nil
	}
	line := render(name, args)
	if _, err := e.w.WriteString(line); err != nil {
		return err
	}
	return e.w.WriteByte('\n')
}

func render(name string, args []interface{}) string {
	var b strings.Builder
	b.WriteString(name)
	for _, a := range args {
		b.WriteByte(' ')
		b.WriteString(renderArg(a))
	}
	return b.String()
}

func renderArg(a interface{}) string {
	switch v := a.(type) {
	case string:
		return strconv.Quote(v)
	case []byte:
		return strconv.Quote(string(v))
	case bool:
		return strconv.FormatBool(v)
	case uint64:
		return fmt.Sprintf("%#x", v)
	case int:
		return strconv.Itoa(v)
	case []string:
		return "[" + strings.Join(v, ",") + "]"
	default:
		return fmt.Sprintf("%v", v)
	}
}

// WriteRaw writes a pre-formatted line verbatim — the hook plugin callbacks
// use to write auxiliary messages (spec.md §4.F), and internal/pluginreg.Sink
// is satisfied by *Encoder.
func (e *Encoder) WriteRaw(line string) error {
	if e.format == FormatJSON {
		e.jsonMessages = append(e.jsonMessages, message{Name: "Raw", Args: []interface{}{line}})
		return nil
	}
	if _, err := e.w.WriteString(line); err != nil {
		return err
	}
	return e.w.WriteByte('\n')
}

// Binary emits the Binary(mode, filename) message.
func (e *Encoder) Binary(mode string, filename string) error {
	return e.emit("Binary", mode, filename)
}

// Option emits an Option(args...) message; may be called multiple times.
func (e *Encoder) Option(args []string) error {
	return e.emit("Option", args)
}

// ELFFile emits ELFFile(filename) once per unique call-target file.
func (e *Encoder) ELFFile(filename string) error {
	return e.emit("ELFFile", filename)
}

// TrampolineSpec describes one Trampoline message's payload.
type TrampolineSpec struct {
	Kind       TrampolineKind
	ExitStatus int            // Kind == exit
	Name       string         // Kind == call: trampoline name
	Args       []string       // Kind == call
	CallKind   CallKind       // Kind == call
	CallRel    string         // Kind == call: before/after/replace/conditional/conditional.jump
}

// Trampoline emits a Trampoline message.
func (e *Encoder) Trampoline(t TrampolineSpec) error {
	switch t.Kind {
	case TrampExit:
		return e.emit("Trampoline", string(t.Kind), t.ExitStatus)
	case TrampCall:
		return e.emit("Trampoline", string(t.Kind), t.Name, t.Args, string(t.CallKind), t.CallRel)
	default:
		return e.emit("Trampoline", string(t.Kind))
	}
}

// Instruction emits Instruction(addr, size, offset) for a reachable
// neighbor of a patch site (spec.md §4.I).
func (e *Encoder) Instruction(addr uint64, size int, offset uint64) error {
	return e.emit("Instruction", addr, size, offset)
}

// Patch emits Patch(name, offset, metadata).
func (e *Encoder) Patch(name string, offset uint64, md []metadata.Descriptor) error {
	texts := make([]string, len(md))
	for i, d := range md {
		texts[i] = d.Text
	}
	return e.emit("Patch", name, offset, texts)
}

// Emit emits Emit(output, format) and, for line-oriented formats, flushes.
func (e *Encoder) Emit(output string, format Format) error {
	if err := e.emit("Emit", output, string(format)); err != nil {
		return err
	}
	return e.Flush()
}

// Flush flushes the line-oriented writer; a no-op for JSON.
func (e *Encoder) Flush() error {
	if e.format == FormatJSON || e.w == nil {
		return nil
	}
	return e.w.Flush()
}

// Close finalizes the encoder: for JSON, marshals and writes the
// accumulated message array; for line-oriented formats, flushes.
func (e *Encoder) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	if e.format == FormatJSON {
		enc := json.NewEncoder(e.jsonTarget)
		enc.SetIndent("", "  ")
		return enc.Encode(e.jsonMessages)
	}
	return e.Flush()
}

// Process supervises the spawned backend subprocess: stdin is the pipe the
// Encoder writes into, grounded on pkg/proc/native/proc_linux.go's Launch
// (os/exec.Command + piped stdin + blocking Wait, without the ptrace
// machinery this frontend has no use for).
type Process struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

// Spawn starts the backend at path with args in its own process group,
// returning a Process whose Stdin() is the writer an Encoder should wrap.
// The process group lets Kill reach any children the backend forks without
// needing to track their pids individually.
func Spawn(path string, args []string) (*Process, error) {
	cmd := exec.Command(path, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating backend stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting backend %s: %w", path, err)
	}
	return &Process{cmd: cmd, stdin: stdin}, nil
}

// Stdin returns the pipe an Encoder should be constructed over.
func (p *Process) Stdin() io.WriteCloser { return p.stdin }

// Wait closes stdin (signalling EOF to the backend) and waits for it to
// exit, returning a non-nil error on non-zero exit (spec.md §7: "I/O
// failure on backend pipe or output file").
func (p *Process) Wait() error {
	if err := p.stdin.Close(); err != nil {
		return fmt.Errorf("closing backend stdin: %w", err)
	}
	if err := p.cmd.Wait(); err != nil {
		return fmt.Errorf("backend process exited with error: %w", err)
	}
	return nil
}

// Kill signals the backend's entire process group, for callers aborting the
// pipeline before a normal Wait (spec.md §7 "fatal error"): a plain
// cmd.Process.Kill would leave any child the backend itself forked running
// and orphaned.
func (p *Process) Kill(sig unix.Signal) error {
	pgid, err := unix.Getpgid(p.cmd.Process.Pid)
	if err != nil {
		return fmt.Errorf("resolving backend process group: %w", err)
	}
	return unix.Kill(-pgid, sig)
}
