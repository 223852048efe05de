// Command cacherrd is the cacherr daemon: it loads configuration, takes
// the instance lock, wires the full dependency graph, runs startup
// recovery, and drives the periodic cycle orchestrator until signaled to
// stop. Grounded on the teacher's cmd/cli entrypoint shape (flag parsing,
// then explicit constructor wiring, no service locator — spec.md §9).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cacherr-project/cacherr/command"
	"github.com/cacherr-project/cacherr/config"
	"github.com/cacherr-project/cacherr/cycle"
	"github.com/cacherr-project/cacherr/evict"
	"github.com/cacherr-project/cacherr/events"
	"github.com/cacherr-project/cacherr/instancelock"
	"github.com/cacherr-project/cacherr/internal/nlog"
	"github.com/cacherr-project/cacherr/lists"
	"github.com/cacherr-project/cacherr/plan"
	"github.com/cacherr-project/cacherr/relocate"
	"github.com/cacherr-project/cacherr/track"
	"github.com/cacherr-project/cacherr/upstream"
	"github.com/cacherr-project/cacherr/users"
)

func main() {
	configPath := flag.String("config", "/etc/cacherr/config.json", "path to configuration file")
	upstreamURL := flag.String("upstream-url", "", "media server base URL")
	flag.Parse()

	if err := run(*configPath, *upstreamURL); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, upstreamURL string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	lock, err := instancelock.Acquire(cfg.ConfigDir())
	if err != nil {
		fmt.Fprintln(os.Stderr, "another cacherr instance is already running")
		os.Exit(instancelock.ExitCodeContended)
	}
	defer lock.Release()

	level, _ := nlog.ParseLevel(cfg.LogLevel())
	log := nlog.New(cfg.LogDir(), level, "cacherrd")
	defer log.Close()

	sink := events.New(cfg.SubscriberQueueDepth())

	up := upstream.New(upstreamURL, cfg, log)

	trackerPath := filepath.Join(cfg.ConfigDir(), "tracker.db")
	const removedRowTTL = 24 * time.Hour
	tracker, err := track.Open(trackerPath, removedRowTTL, log)
	if err != nil {
		return fmt.Errorf("opening tracker: %w", err)
	}
	defer tracker.Close()

	usersPath := filepath.Join(cfg.ConfigDir(), "users.db")
	userStore, err := users.Open(usersPath)
	if err != nil {
		return fmt.Errorf("opening users store: %w", err)
	}
	defer userStore.Close()

	relocator := relocate.New(cfg.FastRoot(), tracker, sink, cfg.MaxConcurrentRelocations(), log)

	if err := relocate.ProbeSymlinkSupport(cfg.FastRoot(), firstOrEmpty(cfg.SlowRoots())); err != nil {
		return fmt.Errorf("symlink support probe failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := relocator.Recover(ctx); err != nil {
		log.Warnf("startup recovery: %v", err)
	}

	planner := plan.New(up, cfg, log)
	evictor := evict.New(cfg, tracker)

	registry := lists.DefaultRegistry()
	listMgr := lists.NewManager(registry, up, log)
	for i, def := range cfg.Lists() {
		listMgr.AddList(fmt.Sprintf("list-%d", i), def)
	}

	orch := cycle.New(cfg, up, userStore, tracker, planner, evictor, relocator, listMgr, sink, log)

	historyPath := filepath.Join(cfg.ConfigDir(), "cycle_history.msgp")
	if err := orch.LoadHistory(historyPath); err != nil {
		log.Warnf("loading cycle history: %v", err)
	}

	// The command surface is constructed here and handed to whatever
	// transport (CLI, RPC) the deployment wires up; this daemon only
	// drives the periodic cycle itself.
	command.New(tracker, userStore, relocator, orch, listMgr, sink, log)

	go orch.Periodic(ctx)

	<-ctx.Done()
	log.Infof("shutting down")
	if err := orch.SaveHistory(historyPath); err != nil {
		log.Warnf("saving cycle history: %v", err)
	}
	return nil
}

func firstOrEmpty(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	return ss[0]
}
