package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	shoterrors "github.com/odvcencio/shotdiff/pkg/errors"
)

// Version information - set via ldflags during build
var (
	version   = "0.1.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

type runOptions struct {
	configPath     string
	manifestPath   string
	goldenPath     string
	parallel       int
	includeURL     string
	excludeURL     string
	includeBrowser string
	excludeBrowser string
	reportPath     string
	trace          bool
	serverAddr     string
	quiet          bool
	version        bool
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(exitPassed)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitRunError)
	}
	if opts.version {
		printVersion(os.Stdout)
		os.Exit(exitPassed)
	}

	err = run(context.Background(), opts, os.Stdout)
	if err != nil && !silent(err) {
		printError(os.Stderr, err)
	}
	os.Exit(exitCodeForError(err))
}

func parseFlags(args []string, stderr io.Writer) (*runOptions, error) {
	opts := &runOptions{}
	fs := flag.NewFlagSet("shotdiff", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: shotdiff [flags]\n\nCaptures every page of the manifest in every browser and diffs it against the golden screenshots.\n\nFlags:\n")
		fs.PrintDefaults()
		fmt.Fprintf(fs.Output(), "\nExit codes: 0 passed, 1 screenshots need review, 2 run error, 130 interrupted.\n")
	}

	fs.StringVar(&opts.configPath, "config", "", "config file (default: ~/.shotdiff/config.yaml merged with ./.shotdiff/config.yaml)")
	fs.StringVar(&opts.manifestPath, "manifest", "shotdiff.yaml", "page manifest")
	fs.StringVar(&opts.goldenPath, "golden", "", "golden index (default: golden.json next to the manifest)")
	fs.IntVar(&opts.parallel, "parallel", 0, "maximum concurrent browser sessions (0: derive from the grid quota)")
	fs.StringVar(&opts.includeURL, "include-url", "", "only capture page URLs matching this regexp")
	fs.StringVar(&opts.excludeURL, "exclude-url", "", "skip page URLs matching this regexp")
	fs.StringVar(&opts.includeBrowser, "include-browser", "", "only capture browser aliases matching this regexp")
	fs.StringVar(&opts.excludeBrowser, "exclude-browser", "", "skip browser aliases matching this regexp")
	fs.StringVar(&opts.reportPath, "report", "", "write the JSON run report to this file")
	fs.BoolVar(&opts.trace, "trace", false, "export OpenTelemetry spans to stderr")
	fs.StringVar(&opts.serverAddr, "server", "", "serve progress and metrics on this loopback address")
	fs.BoolVar(&opts.quiet, "quiet", false, "no progress or summary output")
	fs.BoolVar(&opts.version, "version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if opts.parallel < 0 {
		return nil, fmt.Errorf("-parallel must be >= 0, got %d", opts.parallel)
	}
	if opts.goldenPath == "" {
		opts.goldenPath = filepath.Join(filepath.Dir(opts.manifestPath), "golden.json")
	}
	return opts, nil
}

// printError prints err and, for structured errors, what the user can do about it.
func printError(w io.Writer, err error) {
	fmt.Fprintf(w, "Error: %v\n", err)
	structured, ok := shoterrors.As(err)
	if !ok {
		return
	}
	if structured.UserMessage != "" {
		fmt.Fprintf(w, "  %s\n", structured.UserMessage)
	}
	for _, tip := range structured.Remediation {
		fmt.Fprintf(w, "  hint: %s\n", tip)
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "shotdiff %s\n", version)
	fmt.Fprintf(w, "  commit: %s\n", commit)
	fmt.Fprintf(w, "  built:  %s\n", buildDate)
}
