// ABOUTME: Entry point for the chatrelay CLI
// ABOUTME: Sends messages through the delivery pipeline and manages the offline queue

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/govassist/chat-relay/internal/config"
	"github.com/govassist/chat-relay/internal/conversation"
	"github.com/govassist/chat-relay/internal/delivery"
	"github.com/govassist/chat-relay/internal/queue"
	"github.com/govassist/chat-relay/internal/store"
	"github.com/govassist/chat-relay/internal/stream"
	"github.com/govassist/chat-relay/internal/syncbus"
	"github.com/govassist/chat-relay/internal/templates"
)

// Version is set by goreleaser at build time.
var version = "dev"

// getConfigPath returns the path to the chatrelay config file.
// Priority: CHATRELAY_CONFIG env var > XDG_CONFIG_HOME/chatrelay/config.yaml > ~/.config/chatrelay/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CHATRELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "chatrelay.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "chatrelay", "config.yaml")
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "send":
		err = runSend(ctx, os.Args[2:])
	case "worker":
		err = runWorker(ctx)
	case "queue":
		err = runQueue(ctx, os.Args[2:])
	case "template":
		err = runTemplate(ctx, os.Args[2:])
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func printUsage() {
	yellow := color.New(color.FgYellow)

	fmt.Println("Usage: chatrelay <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  send <message>          Send a message, streaming the response")
	fmt.Println("  send --offline <msg>    Queue a message without attempting delivery")
	fmt.Println("  worker                  Run the background sync worker")
	fmt.Println("  queue                   Show queue depth and entries")
	fmt.Println("  queue retry <id>        Revive a permanently failed entry")
	fmt.Println("  template <name>         Fetch a reference template (cached copy offline)")
	fmt.Println("  template precache       Cache all manifest templates for offline use")
	fmt.Println("  version                 Print the version")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  CHATRELAY_CONFIG        Config file path (default: ~/.config/chatrelay/config.yaml)")
}

// app bundles the wired components every subcommand needs.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *store.SQLiteStore
	client *stream.Client
	queue  *queue.Manager
}

func loadApp() (*app, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, err
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.Queue.Path), 0755); err != nil {
		return nil, fmt.Errorf("creating queue directory: %w", err)
	}
	st, err := store.NewSQLiteStore(cfg.Queue.Path)
	if err != nil {
		return nil, fmt.Errorf("opening queue store: %w", err)
	}

	client := stream.NewClient(cfg.Backend.URL, cfg.Backend.Token, logger)
	mgr := queue.NewManager(st, client, queue.Config{
		MaxAttempts: cfg.Queue.MaxAttempts,
		RatePerSec:  cfg.Queue.RatePerSec,
		Burst:       cfg.Queue.Burst,
	}, logger)

	return &app{cfg: cfg, logger: logger, store: st, client: client, queue: mgr}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing store", "error", err)
	}
}

func (a *app) defaults() delivery.RequestDefaults {
	return delivery.RequestDefaults{
		Model:     a.cfg.Backend.Model,
		AgentID:   a.cfg.Backend.AgentID,
		Language:  a.cfg.Backend.Language,
		WebSearch: a.cfg.Backend.WebSearch,
	}
}

func runSend(ctx context.Context, args []string) error {
	offline := false
	if len(args) > 0 && args[0] == "--offline" {
		offline = true
		args = args[1:]
	}
	if len(args) == 0 {
		return fmt.Errorf("usage: chatrelay send [--offline] <message>")
	}
	text := strings.Join(args, " ")

	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()

	bus := syncbus.NewBus(a.logger)
	defer bus.Close()

	orch := delivery.New(delivery.Deps{
		Conversation: conversation.NewStore(nil, a.logger),
		Client:       a.client,
		Queue:        a.queue,
		Bus:          bus,
		Defaults:     a.defaults(),
		Logger:       a.logger,
	})
	if !offline {
		orch.SetOnline(ctx, true)
	}

	// Cancel the stream on the first signal instead of killing the process;
	// the partial response stays settled.
	go func() {
		<-ctx.Done()
		orch.Cancel()
	}()

	result, err := orch.Send(ctx, text, &delivery.SendOptions{
		OnToken: func(token string) { fmt.Print(token) },
	})
	if err != nil {
		return err
	}

	switch {
	case result.Queued:
		depth, _ := a.queue.Depth(ctx)
		color.Yellow("Offline: message queued for delivery (entry %s, %d pending)", result.EntryID, depth)
	case result.Code != "":
		color.Yellow("\n%s", result.Reply)
	default:
		fmt.Println()
	}
	return nil
}

func runWorker(ctx context.Context) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()

	bus := syncbus.NewBus(a.logger)
	defer bus.Close()

	var precacher syncbus.TemplatePrecacher
	if a.cfg.Templates.ManifestPath != "" {
		manifest, err := templates.LoadManifest(a.cfg.Templates.ManifestPath)
		if err != nil {
			return fmt.Errorf("loading template manifest: %w", err)
		}
		precacher = templates.NewCatalog(manifest, a.store, a.client, nil, a.logger)
	}

	worker := syncbus.NewWorker(bus, a.queue, a.store, precacher, a.client, version, a.logger)

	a.logger.Info("background worker starting",
		"poll_interval", a.cfg.Sync.PollInterval,
		"queue_path", a.cfg.Queue.Path)

	var wg sync.WaitGroup
	wg.Add(2)

	// Periodic delivery attempts, plus one immediately on startup.
	go func() {
		defer wg.Done()
		bus.SendToWorker(syncbus.ProcessQueue{})
		if precacher != nil {
			bus.SendToWorker(syncbus.PrecacheTemplates{})
		}
		ticker := time.NewTicker(a.cfg.Sync.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				bus.SendToWorker(syncbus.ProcessQueue{})
			}
		}
	}()

	// Report worker results on stdout.
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-bus.PageInbox():
				if !ok {
					return
				}
				printWorkerEvent(msg)
			}
		}
	}()

	err = worker.Run(ctx)
	wg.Wait()
	if err != nil && ctx.Err() != nil {
		return nil // clean shutdown
	}
	return err
}

func printWorkerEvent(msg syncbus.Message) {
	switch m := msg.(type) {
	case syncbus.EntryDelivered:
		color.Green("delivered %s: %q", m.EntryID, truncate(m.Message, 60))
	case syncbus.EntryFailed:
		color.Red("permanently failed %s: %q (use 'chatrelay queue retry %s')", m.EntryID, truncate(m.Message, 60), m.EntryID)
	case syncbus.QueueDepthChanged:
		if m.Depth > 0 {
			fmt.Printf("%d entries pending\n", m.Depth)
		}
	case syncbus.UpdateAvailable:
		color.Cyan("update available: %s", m.Version)
	}
}

func runQueue(ctx context.Context, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()

	if len(args) > 0 && args[0] == "retry" {
		if len(args) < 2 {
			return fmt.Errorf("usage: chatrelay queue retry <id>")
		}
		if err := a.queue.Retry(ctx, args[1]); err != nil {
			return err
		}
		color.Green("Entry %s queued for another round of delivery attempts", args[1])
		return nil
	}

	depth, err := a.queue.Depth(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Queue depth: %d\n\n", depth)

	pending, err := a.store.PendingEntries(ctx)
	if err != nil {
		return err
	}
	failed, err := a.queue.Failed(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 && len(failed) == 0 {
		fmt.Println("Queue is empty.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tATTEMPTS\tCREATED\tMESSAGE")
	for _, entry := range append(pending, failed...) {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			entry.ID,
			entry.Status,
			entry.Attempts,
			entry.CreatedAt.Format(time.RFC3339),
			truncate(entry.Payload.Message, 40))
	}
	return w.Flush()
}

func runTemplate(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: chatrelay template <name> | precache")
	}

	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()

	if a.cfg.Templates.ManifestPath == "" {
		return fmt.Errorf("templates.manifest_path is not configured")
	}
	manifest, err := templates.LoadManifest(a.cfg.Templates.ManifestPath)
	if err != nil {
		return fmt.Errorf("loading template manifest: %w", err)
	}
	catalog := templates.NewCatalog(manifest, a.store, a.client, func(name string) {
		color.Yellow("Offline: showing cached copy of %q", name)
	}, a.logger)

	if args[0] == "precache" {
		if err := catalog.Precache(ctx, nil); err != nil {
			return err
		}
		color.Green("Cached %d templates for offline use", len(manifest.Names()))
		return nil
	}

	tmpl, err := catalog.Get(ctx, args[0])
	if err != nil {
		return err
	}
	if tmpl.Title != "" {
		color.New(color.Bold).Println(tmpl.Title)
		fmt.Println()
	}
	fmt.Println(tmpl.Body)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
