package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"

	"github.com/KevoDB/dataview/pkg/activity"
	"github.com/KevoDB/dataview/pkg/common/log"
	"github.com/KevoDB/dataview/pkg/config"
	"github.com/KevoDB/dataview/pkg/telemetry"
	"github.com/KevoDB/dataview/pkg/transaction"
)

// Command completer for readline
var completer = readline.NewPrefixCompleter(
	readline.PcItem(".help"),
	readline.PcItem(".exit"),
	readline.PcItem(".views"),
	readline.PcItem(".use"),
	readline.PcItem(".pending"),
	readline.PcItem(".commitall"),
	readline.PcItem(".cancelall"),
	readline.PcItem(".stats"),
	readline.PcItem(".journal"),
	readline.PcItem("BEGIN",
		readline.PcItem("PARTIAL"),
		readline.PcItem("AUTO"),
	),
	readline.PcItem("ADD"),
	readline.PcItem("SET"),
	readline.PcItem("BULK"),
	readline.PcItem("DELETE"),
	readline.PcItem("REMOVE"),
	readline.PcItem("OPS"),
	readline.PcItem("VIEW"),
	readline.PcItem("SUMMARY"),
	readline.PcItem("REVIEW"),
	readline.PcItem("COMMIT",
		readline.PcItem("FORCE"),
	),
	readline.PcItem("CANCEL"),
	readline.PcItem("ROLLBACK"),
	readline.PcItem("FAIL"),
	readline.PcItem("HEAL"),
)

const helpText = `
stagectl - stage, review and commit batched edits against in-memory views.

Usage:
  stagectl [options]

Options:
  -config PATH            - Load a .yaml, .toml or .json configuration file
  -views LIST             - Comma-separated views to mount (default "orders,customers")
  -metrics ADDR           - Serve /metrics and /pending on ADDR

Commands:
  .help                   - Show this help message
  .exit                   - Exit the program
  .views                  - List mounted views and their pending changes
  .use VIEW               - Switch the current view
  .pending                - Show the combined summary of every view
  .commitall              - Commit every view with staged changes
  .cancelall              - Cancel every view with staged changes
  .stats                  - Show staging statistics
  .journal                - Print the activity journal

  BEGIN [PARTIAL] [AUTO]  - Begin a transaction (PARTIAL allows partial success)
  ADD id f=v ...          - Stage a new row
  SET id f=v ...          - Stage an update
  BULK f=v ... ON id ...  - Stage the same update on several rows
  DELETE id               - Stage a delete
  REMOVE op-id            - Unstage an operation
  OPS                     - List staged operations
  VIEW                    - Show rows with pending markers (+ added, ~ edited, - deleted)
  SUMMARY                 - Summarize staged operations
  REVIEW                  - Mark the transaction as under review
  COMMIT [FORCE]          - Commit the current transaction
  CANCEL                  - Discard the current transaction
  ROLLBACK                - Compensate the last failed transaction

  FAIL id [message]       - Make writes to a row fail
  HEAL                    - Clear injected failures
`

// Options holds the command-line options
type Options struct {
	ConfigPath  string
	Views       []string
	MetricsAddr string
}

func main() {
	opts := parseFlags()

	cfg := config.NewDefaultConfig()
	if opts.ConfigPath != "" {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %s\n", err)
			os.Exit(1)
		}
		cfg = loaded
	} else {
		cfg.LoadFromEnv()
	}

	log.SetDefaultLogger(log.NewStandardLogger(
		log.WithOutput(os.Stderr),
		log.WithLevel(cfg.LogLevel()),
	))

	tel, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing telemetry: %s\n", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			log.Warn("Telemetry shutdown: %v", err)
		}
	}()

	var journal *activity.Journal
	var sink activity.Sink = activity.NewMemorySink()
	if cfg.Activity.JournalPath != "" {
		journal, err = activity.OpenJournal(cfg.Activity.JournalPath,
			activity.WithSyncEachRecord(cfg.Activity.SyncEachRecord))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening activity journal: %s\n", err)
			os.Exit(1)
		}
		defer journal.Close()
		sink = journal
	}

	registry := transaction.DefaultRegistry()
	sess := newSession(os.Stdout, sessionConfig{
		views:      opts.Views,
		managerOps: cfg.ManagerOptions(),
		sink:       sink,
		journal:    journal,
		tel:        tel,
		registry:   registry,
	})
	defer sess.close()

	if opts.MetricsAddr != "" {
		server := NewServer(opts.MetricsAddr, tel, registry)
		if err := server.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting server: %v\n", err)
			os.Exit(1)
		}
		go func() {
			if err := server.Serve(); err != nil {
				log.Error("Server stopped: %v", err)
			}
		}()
		setupGracefulShutdown(server)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			server.Shutdown(ctx)
		}()
	}

	runInteractive(sess)
}

// parseFlags parses command line flags and returns the options
func parseFlags() Options {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "stagectl - interactive staging console\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: stagectl [options]\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(flag.CommandLine.Output(), "\nFor the command list, start stagectl and type .help\n")
	}

	configPath := flag.String("config", "", "Configuration file (.yaml, .toml or .json)")
	views := flag.String("views", "orders,customers", "Comma-separated views to mount")
	metricsAddr := flag.String("metrics", "", "Address for the /metrics and /pending endpoints")
	flag.Parse()

	var names []string
	for _, v := range strings.Split(*views, ",") {
		if v = strings.TrimSpace(v); v != "" {
			names = append(names, v)
		}
	}

	return Options{
		ConfigPath:  *configPath,
		Views:       names,
		MetricsAddr: *metricsAddr,
	}
}

// setupGracefulShutdown stops the server on SIGINT or SIGTERM
func setupGracefulShutdown(server *Server) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error shutting down server: %v\n", err)
		}
		os.Exit(0)
	}()
}

// runInteractive starts the interactive console
func runInteractive(sess *session) {
	fmt.Println("stagectl - staged edits console")
	fmt.Println("Enter .help for usage hints.")

	historyFile := filepath.Join(os.TempDir(), ".stagectl_history")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "stagectl> ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing readline: %s\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	ctx := context.Background()
	for {
		rl.SetPrompt(sess.prompt())

		line, readErr := rl.Readline()
		if readErr != nil {
			if readErr == readline.ErrInterrupt {
				if len(line) == 0 {
					break
				}
				continue
			} else if readErr == io.EOF {
				fmt.Println("Goodbye!")
				break
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %s\n", readErr)
			continue
		}

		quit, err := sess.execute(ctx, line)
		if err != nil {
			fmt.Printf("Error: %s\n", err)
		}
		if quit {
			fmt.Println("Goodbye!")
			return
		}
	}
}
