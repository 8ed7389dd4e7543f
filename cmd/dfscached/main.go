// Command dfscached is the CLI entry point for the cache engine: it
// drives cacheInit/cacheConfigureFileSystem/cachePrepareData/
// cacheCheckPrepareStatus/cacheShutdown from the shell, for operators and
// integration tests that would otherwise have to embed the engine package
// directly. Grounded on aistore's cmd/cli/commands package for command/flag
// shape: a cli.App with a flat cli.Command slice, one Action func per
// verb, pulling values off cli.Context rather than hand-rolled flag
// parsing.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli"

	"github.com/dfscache/dfscache/cmn"
	"github.com/dfscache/dfscache/engine"
	"github.com/dfscache/dfscache/fsdesc"
	"github.com/dfscache/dfscache/internal/batch"
)

var eng = engine.New()

func main() {
	app := cli.NewApp()
	app.Name = "dfscached"
	app.Usage = "local-disk cache for remote filesystem objects"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config", Usage: "optional dfscache.yaml path, layering tunables under the flags below"},
		cli.StringFlag{Name: "root", Usage: "cache root directory"},
		cli.IntFlag{Name: "limit-percent", Usage: "capacity as a percent of filesystem size, 1-85, 0 to use hard-bytes/free-space instead"},
		cli.Int64Flag{Name: "hard-bytes", Usage: "absolute capacity in bytes, 0 for unset"},
		cli.DurationFlag{Name: "slice", Value: time.Hour, Usage: "LRU age bucket width"},
	}
	app.Before = func(c *cli.Context) error {
		return eng.CacheInit(c.String("config"), c.Int("limit-percent"), c.String("root"), c.Duration("slice"), c.Int64("hard-bytes"))
	}
	app.Commands = []cli.Command{
		configureFsCmd,
		prepareCmd,
		statusCmd,
		cancelCmd,
		shutdownCmd,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "dfscached:", err)
		os.Exit(1)
	}
}

func parseDescriptor(spec string) (fsdesc.Descriptor, error) {
	// spec form: "kind://host:port", matching fsdesc.Descriptor.String().
	schemeSplit := strings.SplitN(spec, "://", 2)
	if len(schemeSplit) != 2 {
		return fsdesc.Descriptor{}, fmt.Errorf("descriptor %q must be kind://host:port", spec)
	}
	kind := fsdesc.Kind(schemeSplit[0])
	hostPort := schemeSplit[1]
	host, portStr := hostPort, "0"
	if idx := strings.LastIndex(hostPort, ":"); idx >= 0 {
		host, portStr = hostPort[:idx], hostPort[idx+1:]
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fsdesc.Descriptor{}, fmt.Errorf("descriptor %q has invalid port: %w", spec, err)
	}
	return fsdesc.New(kind, host, port, ""), nil
}

var configureFsCmd = cli.Command{
	Name:      "configure-fs",
	Usage:     "register a remote filesystem descriptor",
	ArgsUsage: "kind://host:port",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return fmt.Errorf("configure-fs takes exactly one descriptor argument")
		}
		desc, err := parseDescriptor(c.Args().Get(0))
		if err != nil {
			return err
		}
		return eng.CacheConfigureFileSystem(desc)
	},
}

var prepareCmd = cli.Command{
	Name:      "prepare",
	Usage:     "bulk-load remote objects into the cache, printing the request id",
	ArgsUsage: "kind://host:port remote-path [remote-path ...]",
	Action: func(c *cli.Context) error {
		if c.NArg() < 2 {
			return fmt.Errorf("prepare takes a descriptor and at least one remote path")
		}
		desc, err := parseDescriptor(c.Args().Get(0))
		if err != nil {
			return err
		}
		files := []string(c.Args())[1:]
		id, err := eng.CachePrepareData(desc, files, func(p batch.FileProgress) {
			fmt.Printf("%s: %s (%d/%d bytes)\n", p.RemotePath, p.Status, p.LocalBytes, p.EstimatedBytes)
		})
		// Spec.md §6.1 documents cachePrepareData's own return as
		// AsyncScheduled on success; anything else is a genuine failure.
		if err != nil && !cmn.Is(err, cmn.AsyncScheduled) {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

var statusCmd = cli.Command{
	Name:      "status",
	Usage:     "print the progress of a prepare request",
	ArgsUsage: "request-id",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return fmt.Errorf("status takes exactly one request id")
		}
		progress, perf, err := eng.CacheCheckPrepareStatus(c.Args().Get(0))
		if err != nil {
			return err
		}
		fmt.Printf("%d/%d files complete, %d/%d bytes, elapsed %s\n",
			perf.FilesCompleted, perf.FilesTotal, perf.BytesCompleted, perf.BytesTotal, perf.Elapsed)
		for _, p := range progress {
			fmt.Printf("  %-40s %-16s ready=%v\n", p.RemotePath, p.Status, p.Ready())
		}
		return nil
	},
}

var cancelCmd = cli.Command{
	Name:      "cancel",
	Usage:     "cancel an in-flight prepare request",
	ArgsUsage: "request-id",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return fmt.Errorf("cancel takes exactly one request id")
		}
		return eng.CacheCancelPrepareData(c.Args().Get(0))
	},
}

var shutdownCmd = cli.Command{
	Name:  "shutdown",
	Usage: "tear down the cache engine",
	Flags: []cli.Flag{
		cli.BoolFlag{Name: "force", Usage: "cancel in-flight work instead of draining it"},
		cli.BoolFlag{Name: "update-clients", Usage: "log that engine calls now report finalization in progress (open handles are not touched)"},
	},
	Action: func(c *cli.Context) error {
		return eng.CacheShutdown(c.Bool("force"), c.Bool("update-clients"))
	},
}
