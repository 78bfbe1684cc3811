package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/lprior-repo/isolate-sub002/internal/daemon"
	"github.com/lprior-repo/isolate-sub002/internal/logging"
	"github.com/lprior-repo/isolate-sub002/internal/model"
	"github.com/lprior-repo/isolate-sub002/internal/queue"
	"github.com/lprior-repo/isolate-sub002/internal/setup"
	"github.com/lprior-repo/isolate-sub002/internal/status"
)

const version = "0.3.0"

// errUsage marks errors already explained by a usage message.
var errUsage = errors.New("usage")

type cli struct {
	stdout io.Writer
	stderr io.Writer
	// dir is where the .isolate/ search starts.
	dir string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "isolate: %v\n", err)
		os.Exit(1)
	}
	c := &cli{stdout: os.Stdout, stderr: os.Stderr, dir: wd}
	os.Exit(c.run(ctx, os.Args[1:]))
}

func (c *cli) run(ctx context.Context, args []string) int {
	if len(args) < 1 {
		c.printUsage()
		return 2
	}

	var err error
	switch args[0] {
	case "init":
		err = c.runInit(ctx, args[1:])
	case "daemon":
		err = c.runDaemon(ctx, args[1:])
	case "status":
		err = c.runStatus(ctx, args[1:])
	case "queue":
		err = c.runQueue(ctx, args[1:])
	case "train":
		err = c.runTrain(ctx, args[1:])
	case "version":
		fmt.Fprintf(c.stdout, "isolate %s\n", version)
	case "help", "--help", "-h":
		c.printUsage()
	default:
		fmt.Fprintf(c.stderr, "unknown command: %s\n\n", args[0])
		c.printUsage()
		return 2
	}

	switch {
	case err == nil:
		return 0
	case errors.Is(err, pflag.ErrHelp):
		return 0
	case errors.Is(err, errUsage):
		return 2
	}
	fmt.Fprintf(c.stderr, "isolate %s: %v\n", args[0], err)
	return 1
}

// flagSet builds a pflag set that reports parse errors to stderr.
func (c *cli) flagSet(name, usage string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(c.stderr)
	fs.Usage = func() {
		fmt.Fprintf(c.stderr, "usage: isolate %s\n\n", usage)
		fs.PrintDefaults()
	}
	return fs
}

func (c *cli) usageError(format string, a ...any) error {
	fmt.Fprintf(c.stderr, format+"\n", a...)
	return errUsage
}

func (c *cli) runInit(ctx context.Context, args []string) error {
	fs := c.flagSet("init", "init [dir] [--name NAME] [--backend git|memory] [--main-branch BRANCH]")
	var opts setup.Options
	fs.StringVar(&opts.ProjectName, "name", "", "project name (default: directory name)")
	fs.StringVar(&opts.Backend, "backend", "", "merge backend: git or memory")
	fs.StringVar(&opts.MainBranch, "main-branch", "", "mainline branch (default: main)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	dir := c.dir
	switch fs.NArg() {
	case 0:
	case 1:
		dir = fs.Arg(0)
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(c.dir, dir)
		}
	default:
		fs.Usage()
		return errUsage
	}

	base, err := setup.Run(ctx, dir, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "Initialized %s\n", base)
	return nil
}

func (c *cli) runDaemon(ctx context.Context, args []string) error {
	fs := c.flagSet("daemon", "daemon")
	if err := fs.Parse(args); err != nil {
		return err
	}
	stateDir, cfg, err := c.project()
	if err != nil {
		return err
	}

	d, err := daemon.New(ctx, stateDir, cfg)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stderr, "isolate daemon running (pid %d), logs in %s\n",
		os.Getpid(), filepath.Join(stateDir, "logs", "daemon.log"))
	return d.Run(ctx)
}

func (c *cli) runStatus(ctx context.Context, args []string) error {
	fs := c.flagSet("status", "status [--json]")
	jsonOutput := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	stateDir, cfg, err := c.project()
	if err != nil {
		return err
	}
	return status.Run(ctx, c.stdout, stateDir, cfg, *jsonOutput)
}

// findStateDir searches for .isolate/ in dir and its ancestors.
func findStateDir(dir string) string {
	for {
		candidate := filepath.Join(dir, setup.StateDirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func (c *cli) project() (string, model.Config, error) {
	stateDir := findStateDir(c.dir)
	if stateDir == "" {
		return "", model.Config{}, fmt.Errorf("%s/ directory not found; run 'isolate init' first", setup.StateDirName)
	}
	cfg, err := model.LoadConfig(stateDir)
	if err != nil {
		return "", model.Config{}, err
	}
	return stateDir, cfg, nil
}

func (c *cli) openStore(ctx context.Context) (string, model.Config, *queue.SQLite, error) {
	stateDir, cfg, err := c.project()
	if err != nil {
		return "", model.Config{}, nil, err
	}
	store, err := queue.OpenSQLite(ctx, model.ResolvePath(stateDir, cfg.Queue.Database))
	if err != nil {
		return "", model.Config{}, nil, err
	}
	return stateDir, cfg, store, nil
}

func (c *cli) logger(cfg model.Config, component string) *logging.Logger {
	return logging.New(c.stderr, component, logging.ParseLevel(cfg.Logging.Level))
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) printUsage() {
	fmt.Fprintf(c.stderr, `isolate %s - merge train for isolated workspaces

Usage: isolate <command> [options]

Project:
  init [dir]                 Create .isolate/ with config, gates and database
  daemon                     Run the background train worker
  status [--json]            Show daemon, queue and last run

Queue:
  queue add <workspace>      Submit a workspace (--priority, --head, --tested-against, --bead, --agent, --parent)
  queue list [--status S]    List entries in processing order
  queue show <workspace>     Show one entry
  queue retry <workspace>    Requeue a failed_retryable entry
  queue cancel <workspace>   Cancel an entry
  queue remove <workspace>   Delete an entry and its history
  queue events <workspace>   Show the entry's audit trail
  queue stats                Count entries by state
  queue cleanup              Reclaim stale claims and drop old terminal entries

Train:
  train run [flags]          Process the queue once (--dry-run, --stop-on-failure,
                             --max-consecutive-failures, --entry-timeout, --daemon, --json)

  version                    Show version
  help                       Show this help

`, version)
}
