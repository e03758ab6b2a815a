// Package conformance runs the sample programs against the behaviors every
// litevm build must reproduce. Each case gets its own VM, so cases run
// concurrently.
package conformance

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"sync"
	"time"

	"github.com/chazu/litevm/loader"
	"github.com/chazu/litevm/vm"
	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"
)

var log = commonlog.GetLogger("litevm.conformance")

//go:embed programs/*.yaml
var programFiles embed.FS

// Programs returns the embedded sample manifests by file name.
func Programs() fs.FS {
	sub, err := fs.Sub(programFiles, "programs")
	if err != nil {
		panic(err)
	}
	return sub
}

var (
	manifestsOnce sync.Once
	manifests     []*loader.Manifest
	manifestsErr  error
)

// sampleManifests parses the embedded manifests once; assembling them is
// cheap and done per VM, since loading links classes in place.
func sampleManifests() ([]*loader.Manifest, error) {
	manifestsOnce.Do(func() {
		names, err := fs.Glob(programFiles, "programs/*.yaml")
		if err != nil {
			manifestsErr = err
			return
		}
		sort.Strings(names)
		for _, name := range names {
			data, err := programFiles.ReadFile(name)
			if err != nil {
				manifestsErr = err
				return
			}
			m, err := loader.ParseManifest(data)
			if err != nil {
				manifestsErr = fmt.Errorf("%s: %w", name, err)
				return
			}
			m.Path = name
			manifests = append(manifests, m)
		}
	})
	return manifests, manifestsErr
}

// SampleProgram assembles a fresh copy of all sample classes.
func SampleProgram() (*vm.Program, error) {
	ms, err := sampleManifests()
	if err != nil {
		return nil, err
	}
	p := &vm.Program{}
	for _, m := range ms {
		part, err := loader.Assemble(m)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", m.Path, err)
		}
		p.Classes = append(p.Classes, part.Classes...)
	}
	return p, nil
}

// NewSampleVM returns a VM with the sample classes loaded.
func NewSampleVM(opts ...vm.Option) (*vm.VM, error) {
	p, err := SampleProgram()
	if err != nil {
		return nil, err
	}
	v := vm.NewVM(opts...)
	if err := v.Load(p); err != nil {
		return nil, err
	}
	return v, nil
}

// ---------------------------------------------------------------------------
// Runner
// ---------------------------------------------------------------------------

// Options configures a conformance run.
type Options struct {
	// Parallel bounds the number of cases running at once; zero means
	// unbounded.
	Parallel int
	// VMOptions are applied to every case's VM.
	VMOptions []vm.Option
}

// Result is the outcome of one case.
type Result struct {
	Case     string
	Err      error
	Duration time.Duration
}

// Passed reports whether the case succeeded.
func (r Result) Passed() bool { return r.Err == nil }

// ErrFailed is returned by Run when at least one case failed.
var ErrFailed = errors.New("conformance failed")

// Run executes cases concurrently, each on a fresh VM. Results come back in
// case order. The error is ErrFailed when a case failed, or the context
// error when the run was cancelled.
func Run(ctx context.Context, cases []Case, opts Options) ([]Result, error) {
	results := make([]Result, len(cases))
	g, gctx := errgroup.WithContext(ctx)
	if opts.Parallel > 0 {
		g.SetLimit(opts.Parallel)
	}
	for i, c := range cases {
		g.Go(func() error {
			start := time.Now()
			err := runCase(gctx, c, opts.VMOptions)
			results[i] = Result{Case: c.Name, Err: err, Duration: time.Since(start)}
			if err != nil {
				log.Errorf("%s: %s", c.Name, err)
			} else {
				log.Debugf("%s: ok in %s", c.Name, results[i].Duration)
			}
			// a failing case must not cancel its siblings
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	for _, r := range results {
		if !r.Passed() {
			return results, ErrFailed
		}
	}
	return results, nil
}

func runCase(ctx context.Context, c Case, opts []vm.Option) error {
	v, err := NewSampleVM(opts...)
	if err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	return c.Check(ctx, &Session{VM: v})
}
