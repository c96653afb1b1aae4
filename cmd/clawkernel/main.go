package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/claw-kernel/internal/audit"
	"github.com/basket/claw-kernel/internal/config"
	"github.com/basket/claw-kernel/internal/telemetry"
	"github.com/mattn/go-isatty"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage: %[1]s [flags] <command> [args]

DAEMON MODE:
  %[1]s daemon                  Run the idle reaper and policy hot reload, and
                                serve JSONL requests on stdin

COMMANDS:
  %[1]s inbound -workspace ID -channel NAME -jid JID [-agent ID] text...
  %[1]s turn -session ID -user TEXT -assistant TEXT [-action TYPE] [-objective ID]
  %[1]s objective <evidence|complete|fail> -id ID [-text T] [-action A] [-query Q]
  %[1]s evaluate -scope JSON|@file|-
  %[1]s attenuate [-parent JSON|@file] -requested JSON|@file|-
  %[1]s verify -task JSON|@file|- [-actor ID] [-actor-kind KIND]
  %[1]s policy <list|seed|set [-workspace ID] ACTION MODE>
  %[1]s backup DEST
  %[1]s retention
  %[1]s doctor [-json]          Check config, store, policy file and provider reachability
  %[1]s version

FLAGS:
`, "clawkernel")
	flag.CommandLine.SetOutput(w)
	flag.PrintDefaults()
	fmt.Fprint(w, `
ENVIRONMENT VARIABLES:
  CLAWKERNEL_HOME         Data directory (default: ~/.clawkernel)
  CLAWKERNEL_LOG_LEVEL    Log level (debug, info, warn, error)
  GEMINI_API_KEY, ANTHROPIC_API_KEY, OPENAI_API_KEY, OPENROUTER_API_KEY
                          Credentials for the configured llm.provider
`)
}

func main() {
	loadDotEnv(".env")

	home := flag.String("home", "", "data directory (overrides CLAWKERNEL_HOME)")
	verbose := flag.Bool("v", false, "also write logs to stderr")
	flag.Usage = func() { printUsage(os.Stderr) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage(os.Stderr)
		os.Exit(2)
	}
	name := strings.ToLower(strings.TrimSpace(args[0]))
	switch name {
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		return
	case "version":
		fmt.Println(Version)
		return
	}
	run, ok := commands[name]
	if name == "daemon" || name == "doctor" {
		ok = true
	}
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", name)
		printUsage(os.Stderr)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	homeDir := *home
	if homeDir == "" {
		homeDir = config.HomeDir()
	}
	cfg, err := config.LoadFrom(homeDir)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if name == "doctor" {
		err := runDoctor(ctx, cfg, args[1:], os.Stdout)
		if code := exitCode(err); code != 0 {
			if !errors.Is(err, errUnhealthy) {
				fmt.Fprintln(os.Stderr, err)
			}
			os.Exit(code)
		}
		return
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	// One-shot commands print JSON on stdout; keep logs in the file unless
	// asked. The daemon logs to stderr when attached to a terminal.
	quiet := !*verbose
	if name == "daemon" {
		quiet = !*verbose && !isatty.IsTerminal(os.Stderr.Fd())
	}
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "command", name, "version", Version)

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		fatalStartup(logger, "E_KERNEL_INIT", err)
	}
	audit.SetDB(a.store.DB())
	logger.Info("startup phase", "phase", "kernel_ready")

	if name == "daemon" {
		err = runDaemon(ctx, a, os.Stdin, os.Stdout)
	} else {
		err = run(ctx, a, args[1:], os.Stdin, os.Stdout)
	}
	audit.SetDB(nil)
	a.close(context.Background())

	if code := exitCode(err); code != 0 {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(code)
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(audit.DecisionDeny, "runtime.startup", reasonCode, "", message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"kernel","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// loadDotEnv sets variables from a KEY=VALUE file without overriding the
// process environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, strings.Trim(strings.TrimSpace(val), `"'`))
	}
}
