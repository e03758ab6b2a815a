package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/urfave/cli.v1"

	"github.com/chazu/litevm/conformance"
	"github.com/chazu/litevm/journal"
	"github.com/chazu/litevm/loader"
	"github.com/chazu/litevm/manifest"
	"github.com/chazu/litevm/server"
	"github.com/chazu/litevm/vm"
)

var (
	runCommand = cli.Command{
		Action:    runProgram,
		Name:      "run",
		Usage:     "Run a method of a program",
		ArgsUsage: "[program] [args...]",
		Flags: []cli.Flag{
			cli.StringFlag{Name: "entry, e", Usage: "method to run, as Class.name:descriptor"},
			cli.StringFlag{Name: "journal", Usage: "record the run in this journal database"},
			cli.DurationFlag{Name: "timeout", Usage: "abort the run after this long"},
		},
		Description: `
Loads a program manifest (.yaml, .yml, .json) or image (.lvmi) and invokes
the entry method. The program and entry default to litevm.toml [project].
Arguments are ints or "null"; put "--" before negative numbers.`,
	}
	disasmCommand = cli.Command{
		Action:    disasmProgram,
		Name:      "disasm",
		Usage:     "Disassemble the methods of a program",
		ArgsUsage: "[program]",
		Flags: []cli.Flag{
			cli.StringFlag{Name: "class", Usage: "only this class"},
			cli.BoolFlag{Name: "opcodes", Usage: "list the supported opcodes instead"},
		},
	}
	imageCommand = cli.Command{
		Action:    writeImage,
		Name:      "image",
		Usage:     "Assemble a manifest into a binary program image",
		ArgsUsage: "<manifest>",
		Flags: []cli.Flag{
			cli.StringFlag{Name: "output, o", Usage: "image path (default: manifest path with " + loader.ImageExt + ")"},
		},
	}
	conformCommand = cli.Command{
		Action: runConformance,
		Name:   "conform",
		Usage:  "Run the conformance suite against the sample programs",
		Flags: []cli.Flag{
			cli.IntFlag{Name: "parallel, p", Value: 4, Usage: "cases run at once"},
			cli.BoolFlag{Name: "list", Usage: "list cases without running them"},
		},
	}
	serveCommand = cli.Command{
		Action:    serveProgram,
		Name:      "serve",
		Usage:     "Serve a VM over connect RPC",
		ArgsUsage: "[programs...]",
		Flags: []cli.Flag{
			cli.IntFlag{Name: "port", Usage: "listen port (default: litevm.toml [server] port)"},
			cli.StringFlag{Name: "host", Value: "localhost", Usage: "listen host"},
			cli.BoolFlag{Name: "samples", Usage: "load the embedded sample programs"},
		},
	}
)

// ---------------------------------------------------------------------------
// run
// ---------------------------------------------------------------------------

func runProgram(ctx *cli.Context) error {
	m := projectOf(ctx)
	path, rest := programArg(m, ctx.Args())
	if path == "" {
		return errors.New("run: no program given and litevm.toml names none")
	}

	v := vm.NewVM(m.VMOptions()...)
	if err := vm.InstallDefaultBridges(v); err != nil {
		return err
	}
	p, err := loader.LoadInto(v, path)
	if err != nil {
		return err
	}

	entry, err := entryFor(ctx.String("entry"), p, m)
	if err != nil {
		return err
	}
	args, err := parseArgs(rest)
	if err != nil {
		return err
	}

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if d := ctx.Duration("timeout"); d > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, d)
		defer cancel()
	}

	started := time.Now()
	result, runErr := v.Run(runCtx, entry, args)
	log.Infof("run %s finished in %s", entry, time.Since(started))

	if err := journalRun(ctx, m, journal.NewRun(entry, args, started, result, runErr)); err != nil {
		log.Warningf("journal: %s", err)
	}
	if runErr != nil {
		var uf *vm.UnhandledFault
		if errors.As(runErr, &uf) && uf.Origin != "" {
			log.Debugf("raised at %s", uf.Origin)
		}
		return runErr
	}
	if !result.IsVoid() {
		fmt.Fprintln(ctx.App.Writer, formatValue(v, result))
	}
	return nil
}

// programArg splits the program path from the arguments. The first
// argument names a program when it carries a file extension; otherwise the
// project program is used.
func programArg(m *manifest.Manifest, args cli.Args) (string, []string) {
	if len(args) > 0 && filepath.Ext(args[0]) != "" {
		return args[0], args[1:]
	}
	return m.ProgramPath(), args
}

func entryFor(flag string, p *vm.Program, m *manifest.Manifest) (vm.MethodRef, error) {
	switch {
	case flag != "":
		return vm.ParseMethodRef(flag)
	case p.Entry != (vm.MethodRef{}):
		return p.Entry, nil
	}
	if ref, ok := m.EntryRef(); ok {
		return ref, nil
	}
	return vm.MethodRef{}, errors.New("run: no entry method; pass --entry or set one in the program or litevm.toml")
}

// parseArgs reads ints (decimal, 0x hex, 0 octal) and "null".
func parseArgs(strs []string) ([]vm.Value, error) {
	args := make([]vm.Value, len(strs))
	for i, s := range strs {
		if s == "null" {
			args[i] = vm.Null
			continue
		}
		n, err := strconv.ParseInt(s, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %q is not an int or null", i, s)
		}
		args[i] = vm.FromInt(int32(n))
	}
	return args, nil
}

func journalRun(ctx *cli.Context, m *manifest.Manifest, run journal.Run) error {
	path := ctx.String("journal")
	if path == "" {
		path = m.JournalPath()
	}
	if path == "" {
		return nil
	}
	j, err := journal.Open(path)
	if err != nil {
		return err
	}
	defer j.Close()
	return j.Record(context.Background(), run)
}

// formatValue renders a result: ints and null as is, int arrays as their
// elements, objects as their fields.
func formatValue(v *vm.VM, val vm.Value) string {
	if !val.IsRef() {
		return val.String()
	}
	obj, arr := v.Heap.Lookup(val.Ref())
	var sb strings.Builder
	switch {
	case arr != nil:
		sb.WriteString(arr.TypeName())
		sb.WriteByte('{')
		for i, e := range arr.Elements {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(e.String())
		}
		sb.WriteByte('}')
	case obj != nil:
		sb.WriteString(obj.Class.Name)
		sb.WriteByte('{')
		for i, f := range obj.Class.InstanceFields() {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s=%s", f.Name, obj.Fields[i])
		}
		sb.WriteByte('}')
	default:
		sb.WriteString(val.String())
	}
	return sb.String()
}

// ---------------------------------------------------------------------------
// disasm
// ---------------------------------------------------------------------------

func disasmProgram(ctx *cli.Context) error {
	w := ctx.App.Writer
	if ctx.Bool("opcodes") {
		for _, name := range vm.SupportedOpcodes() {
			fmt.Fprintln(w, name)
		}
		return nil
	}

	path, _ := programArg(projectOf(ctx), ctx.Args())
	if path == "" {
		return errors.New("disasm: no program given")
	}
	p, err := loader.Load(path)
	if err != nil {
		return err
	}
	only := ctx.String("class")
	found := false
	for _, c := range p.Classes {
		if only != "" && c.Name != only {
			continue
		}
		found = true
		printClass(w, c)
	}
	if only != "" && !found {
		return fmt.Errorf("disasm: no class %s in %s", only, path)
	}
	return nil
}

func printClass(w io.Writer, c *vm.Class) {
	fmt.Fprintf(w, "class %s", c.Name)
	if c.SuperName != "" {
		fmt.Fprintf(w, " extends %s", c.SuperName)
	}
	fmt.Fprintln(w)
	for _, f := range c.Fields {
		static := ""
		if f.Static {
			static = "static "
		}
		fmt.Fprintf(w, "  %sfield %s %s\n", static, f.Name, f.Descriptor)
	}
	for _, m := range c.Methods {
		static := ""
		if m.Static {
			static = "static "
		}
		fmt.Fprintf(w, "  %smethod %s%s maxLocals=%d\n", static, m.Name, m.Descriptor, m.MaxLocals)
		for _, line := range strings.Split(m.Disassemble(), "\n") {
			fmt.Fprintf(w, "    %s\n", line)
		}
	}
}

// ---------------------------------------------------------------------------
// image
// ---------------------------------------------------------------------------

func writeImage(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return errors.New("image: want exactly one manifest")
	}
	src := ctx.Args().First()
	if filepath.Ext(src) == loader.ImageExt {
		return fmt.Errorf("image: %s is already an image", src)
	}
	p, err := loader.Load(src)
	if err != nil {
		return err
	}
	out := ctx.String("output")
	if out == "" {
		out = strings.TrimSuffix(src, filepath.Ext(src)) + loader.ImageExt
	}
	if err := loader.WriteImage(out, p); err != nil {
		return err
	}
	fmt.Fprintf(ctx.App.Writer, "wrote %d classes to %s\n", len(p.Classes), out)
	return nil
}

// ---------------------------------------------------------------------------
// conform
// ---------------------------------------------------------------------------

func runConformance(ctx *cli.Context) error {
	w := ctx.App.Writer
	cases := conformance.Cases()
	if ctx.Bool("list") {
		for _, c := range cases {
			fmt.Fprintln(w, c.Name)
		}
		return nil
	}

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	results, err := conformance.Run(runCtx, cases, conformance.Options{
		Parallel:  ctx.Int("parallel"),
		VMOptions: projectOf(ctx).VMOptions(),
	})
	passed := 0
	for _, r := range results {
		if r.Passed() {
			passed++
			fmt.Fprintf(w, "ok   %-24s %s\n", r.Case, r.Duration.Round(time.Microsecond))
		} else if r.Case != "" {
			fmt.Fprintf(w, "FAIL %-24s %v\n", r.Case, r.Err)
		}
	}
	fmt.Fprintf(w, "%d/%d passed\n", passed, len(cases))
	return err
}

// ---------------------------------------------------------------------------
// serve
// ---------------------------------------------------------------------------

func serveProgram(ctx *cli.Context) error {
	m := projectOf(ctx)
	v := vm.NewVM(m.VMOptions()...)
	if err := vm.InstallDefaultBridges(v); err != nil {
		return err
	}

	paths := []string(ctx.Args())
	if len(paths) == 0 && m.ProgramPath() != "" {
		paths = []string{m.ProgramPath()}
	}
	if ctx.Bool("samples") {
		p, err := conformance.SampleProgram()
		if err != nil {
			return err
		}
		if err := v.Load(p); err != nil {
			return err
		}
	}
	for _, path := range paths {
		if _, err := loader.LoadInto(v, path); err != nil {
			return err
		}
	}

	var opts []server.ServerOption
	if path := m.JournalPath(); path != "" {
		j, err := journal.Open(path)
		if err != nil {
			return err
		}
		defer j.Close()
		opts = append(opts, server.WithJournal(j))
	}

	port := ctx.Int("port")
	if port == 0 {
		port = m.Server.Port
	}
	srv := server.New(v, opts...)
	defer srv.Stop()

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return srv.ListenAndServe(runCtx, fmt.Sprintf("%s:%d", ctx.String("host"), port))
}
