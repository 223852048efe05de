// Command cacherrctl is a local CLI exercising the command surface (K)
// in-process against the same tracker/config a running cacherrd uses.
// Grounded on the teacher's cmd/cli structure: a thin flag-parsing
// frontend over the same packages the daemon wires, no separate RPC
// hop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cacherr-project/cacherr/command"
	"github.com/cacherr-project/cacherr/config"
	"github.com/cacherr-project/cacherr/cycle"
	"github.com/cacherr-project/cacherr/evict"
	"github.com/cacherr-project/cacherr/events"
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
	actor := flag.String("actor", "cli", "actor_user_id recorded for audit")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: cacherrctl [-config path] <command> [args...]")
		fmt.Fprintln(os.Stderr, "commands: runCycle, stats, cleanup, removeFile <entry_id> <reason>")
		os.Exit(1)
	}

	surface, err := wire(*configPath, *upstreamURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx := context.Background()
	switch args[0] {
	case "runCycle":
		id := surface.RunCycle(ctx, *actor)
		fmt.Println(id)
	case "stats":
		stats, err := surface.Stats(0)
		if err != nil {
			fail(err)
		}
		fmt.Printf("%+v\n", stats)
	case "cleanup":
		res, err := surface.Cleanup(command.CleanupRequest{RemoveOrphaned: true, ActorUserID: *actor})
		if err != nil {
			fail(err)
		}
		fmt.Printf("%+v\n", res)
	case "removeFile":
		if len(args) < 3 {
			fail(fmt.Errorf("removeFile requires <entry_id> <reason>"))
		}
		if err := surface.RemoveFile(ctx, args[1], args[2], *actor); err != nil {
			fail(err)
		}
	default:
		fail(fmt.Errorf("unknown command %q", args[0]))
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

// wire builds the same read-through dependency graph the daemon uses,
// minus the instance lock and scheduler: cacherrctl issues one command
// and exits, it does not hold the writer lock.
func wire(configPath, upstreamURL string) (*command.Surface, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	level, _ := nlog.ParseLevel(cfg.LogLevel())
	log := nlog.New(cfg.LogDir(), level, "cacherrctl")

	sink := events.New(cfg.SubscriberQueueDepth())
	up := upstream.New(upstreamURL, cfg, log)

	trackerPath := filepath.Join(cfg.ConfigDir(), "tracker.db")
	tracker, err := track.Open(trackerPath, 24*time.Hour, log)
	if err != nil {
		return nil, fmt.Errorf("opening tracker: %w", err)
	}

	usersPath := filepath.Join(cfg.ConfigDir(), "users.db")
	userStore, err := users.Open(usersPath)
	if err != nil {
		return nil, fmt.Errorf("opening users store: %w", err)
	}

	relocator := relocate.New(cfg.FastRoot(), tracker, sink, cfg.MaxConcurrentRelocations(), log)
	planner := plan.New(up, cfg, log)
	evictor := evict.New(cfg, tracker)
	registry := lists.DefaultRegistry()
	listMgr := lists.NewManager(registry, up, log)
	orch := cycle.New(cfg, up, userStore, tracker, planner, evictor, relocator, listMgr, sink, log)

	return command.New(tracker, userStore, relocator, orch, listMgr, sink, log), nil
}
