// Command soundspeed ingests sound speed profiles, selects the best profile
// for a survey position and computes depth or travel-time corrections.
//
//	soundspeed [-config file] [-env file] [-trace] <command> [flags]
//
// Commands: serve, ingest, select, correct, export, requalify, retire.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/joho/godotenv"

	"soundspeed/internal/config"
)

var exitFunc = os.Exit

type command struct {
	usage string
	run   func(ctx context.Context, a *app, args []string, stdout io.Writer) error
}

var commands = map[string]command{
	"serve":     {"serve the HTTP API, the MQTT feed and scheduled maintenance", runServe},
	"ingest":    {"ingest raw profile files", runIngest},
	"select":    {"rank stored profiles for a position and time", runSelect},
	"correct":   {"compute a correction as JSON", runCorrect},
	"export":    {"compute a correction and render it for acquisition software", runExport},
	"requalify": {"re-run quality control on a stored profile", runRequalify},
	"retire":    {"retire a stored profile", runRetire},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	exitFunc(code)
}

func cli(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("soundspeed", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "YAML configuration file")
	envFile := fs.String("env", ".env", "dotenv file loaded before reading the environment")
	trace := fs.Bool("trace", false, "write operation spans as JSON lines to stderr")
	fs.Usage = func() { usage(fs, stderr) }
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		usage(fs, stderr)
		return 2
	}
	name := fs.Arg(0)
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n", name)
		usage(fs, stderr)
		return 2
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(stderr, "load %s: %v\n", *envFile, err)
		return 1
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "configuration: %v\n", err)
		return 1
	}
	var opts appOptions
	if *trace {
		opts.trace = stderr
	}
	a, err := buildApp(ctx, cfg, stderr, opts)
	if err != nil {
		fmt.Fprintf(stderr, "startup: %v\n", err)
		return 1
	}
	runErr := cmd.run(ctx, a, fs.Args()[1:], stdout)
	if err := a.close(context.Background()); err != nil {
		fmt.Fprintf(stderr, "shutdown: %v\n", err)
	}
	if runErr != nil {
		fmt.Fprintf(stderr, "%s: %v\n", name, runErr)
		var ue usageError
		if errors.As(runErr, &ue) {
			return 2
		}
		return 1
	}
	return 0
}

func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path == "" {
		cfg, err = config.FromEnv()
	} else {
		cfg, err = config.Load(path)
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func usage(fs *flag.FlagSet, w io.Writer) {
	fmt.Fprintln(w, "usage: soundspeed [flags] <command> [command flags]")
	fmt.Fprintln(w, "\nflags:")
	fs.SetOutput(w)
	fs.PrintDefaults()
	fmt.Fprintln(w, "\ncommands:")
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(w, "  %-10s %s\n", n, commands[n].usage)
	}
}

// usageError marks bad command-line input.
type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return usageError{msg: fmt.Sprintf(format, args...)}
}
