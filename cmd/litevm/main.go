// litevm CLI - runs, disassembles, packages and serves litevm programs.
package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
	"gopkg.in/urfave/cli.v1"

	"github.com/chazu/litevm/manifest"
)

var log = commonlog.GetLogger("litevm.cli")

const version = "0.1.0"

var (
	verbosityFlag = cli.IntFlag{
		Name:  "verbosity, v",
		Value: -1,
		Usage: "log verbosity (0 quiet .. 4 debug); defaults to litevm.toml [log]",
	}
	dirFlag = cli.StringFlag{
		Name:  "dir, C",
		Value: ".",
		Usage: "directory to search upwards for litevm.toml",
	}
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	// -v is verbosity; the version flag keeps only its long name
	cli.VersionFlag = cli.BoolFlag{Name: "version", Usage: "print the version"}

	app := cli.NewApp()
	app.Name = "litevm"
	app.Usage = "a small JVM-style bytecode engine"
	app.Version = version
	app.Flags = []cli.Flag{verbosityFlag, dirFlag}
	app.Commands = []cli.Command{
		runCommand,
		disasmCommand,
		imageCommand,
		conformCommand,
		serveCommand,
	}
	sort.Sort(cli.CommandsByName(app.Commands))

	app.Before = func(ctx *cli.Context) error {
		m, err := manifest.FindAndLoad(ctx.GlobalString(dirFlag.Name))
		if err != nil {
			return err
		}
		if m == nil {
			m = &manifest.Manifest{Dir: ctx.GlobalString(dirFlag.Name)}
			m.Server.Port = manifest.DefaultPort
		} else {
			log.Debugf("using %s/%s", m.Dir, manifest.FileName)
		}
		m.ConfigureLogging(ctx.GlobalInt(verbosityFlag.Name))
		app.Metadata = map[string]any{"manifest": m}
		return nil
	}
	return app
}

// projectOf returns the manifest loaded in Before.
func projectOf(ctx *cli.Context) *manifest.Manifest {
	if m, ok := ctx.App.Metadata["manifest"].(*manifest.Manifest); ok {
		return m
	}
	return &manifest.Manifest{Dir: "."}
}
