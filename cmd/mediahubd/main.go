// Package main is the entry point for mediahubd, the per-user media
// playback broker daemon. It wires every component named in the
// module-mapping table onto the session bus and runs until it receives
// SIGINT/SIGTERM. Grounded on the teacher's cmd/musicd/main.go's
// parseFlags/run(ctx, cfg) split.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	"github.com/austinkregel/media-hubd/internal/audioroute"
	"github.com/austinkregel/media-hubd/internal/busface"
	"github.com/austinkregel/media-hubd/internal/confinement"
	"github.com/austinkregel/media-hubd/internal/config"
	"github.com/austinkregel/media-hubd/internal/dispatch"
	"github.com/austinkregel/media-hubd/internal/engine"
	"github.com/austinkregel/media-hubd/internal/engine/fake"
	"github.com/austinkregel/media-hubd/internal/liveness"
	"github.com/austinkregel/media-hubd/internal/logging"
	"github.com/austinkregel/media-hubd/internal/power"
	"github.com/austinkregel/media-hubd/internal/registry"
	"github.com/austinkregel/media-hubd/internal/telephony"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Options holds the daemon's command-line configuration.
type Options struct {
	ConfigDir string
	Verbose   bool
}

func main() {
	opts := parseFlags()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("received signal %v, shutting down", sig)
		cancel()
	}()

	if err := run(ctx, opts); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func parseFlags() *Options {
	opts := &Options{}
	flag.StringVar(&opts.ConfigDir, "config", "", "configuration directory (default: ~/.config/media-hubd)")
	flag.BoolVar(&opts.Verbose, "verbose", false, "enable debug logging")
	flag.Parse()

	if opts.ConfigDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("failed to resolve home directory: %v", err)
		}
		opts.ConfigDir = home + "/.config/media-hubd"
	}
	return opts
}

func run(ctx context.Context, opts *Options) error {
	rootLog := logging.New(os.Stderr, opts.Verbose)
	rootLog.Info().Str("version", Version).Msg("media-hubd starting")

	configMgr := config.NewManager(opts.ConfigDir)
	if err := configMgr.Load(); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg := configMgr.Get()

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("failed to connect to session bus: %w", err)
	}
	defer conn.Close()

	arbiter := power.New(
		logging.Component(rootLog, "power"),
		loggingBackend{log: logging.Component(rootLog, "power.display"), kind: "display"},
		loggingBackend{log: logging.Component(rootLog, "power.system"), kind: "system"},
		cfg.SettleDelay(),
	)

	routeObserver := audioroute.NewObserver(
		audioroute.NewClassifier(cfg.OutputRoute.OnboardPortPatterns, []string{"earpiece"}),
		staticRouteSource{},
	)
	hookMonitor := telephony.NewMonitor(neverRingingSource{})

	resolver := confinement.NewResolver(unconfinedLabelSource{})
	authorizer := confinement.NewAuthorizer(cfg.Confinement.PackageDataDirTemplate, cfg.Confinement.SharedMediaDirs)

	watcher, err := liveness.NewWatcher(conn, logging.Component(rootLog, "liveness"))
	if err != nil {
		return fmt.Errorf("failed to subscribe to NameOwnerChanged: %w", err)
	}
	defer watcher.Close()

	disp := dispatch.New(logging.Component(rootLog, "dispatch"), 64)
	defer disp.Close()

	factory := busface.NewFactory(conn, disp, logging.Component(rootLog, "busface"))
	reg := registry.New(
		logging.Component(rootLog, "registry"),
		arbiter,
		resolver,
		authorizer,
		fakeEngineFactory,
		factory.BuildSink,
		watcher,
	)
	factory.BindRegistry(reg)

	routeObserver.OnChange(reg.SetOutputRoute)
	hookMonitor.OnChange(func(s telephony.HookState) {
		if s == telephony.OffHook {
			reg.HandleOffHook()
		} else {
			reg.HandleOnHook()
		}
	})

	if err := factory.Export(); err != nil {
		return fmt.Errorf("failed to export session factory: %w", err)
	}
	rootLog.Info().Msg("session factory exported, serving")

	<-ctx.Done()
	rootLog.Info().Msg("media-hubd stopped")
	return nil
}

func fakeEngineFactory() (engine.Engine, error) {
	return fake.New(true)
}

// loggingBackend is the example binary's PowerArbiter collaborator: it
// doesn't touch any real suspend-inhibition mechanism (spec.md §1 names
// that as an external collaborator), it only logs and returns an opaque
// cookie so the rest of the arbiter's reference-counting logic can be
// exercised end to end.
type loggingBackend struct {
	log  zerolog.Logger
	kind string
}

func (b loggingBackend) Acquire(ctx context.Context, state string) (string, error) {
	cookie := fmt.Sprintf("%s-%d", b.kind, time.Now().UnixNano())
	b.log.Debug().Str("state", state).Str("cookie", cookie).Msg("acquired")
	return cookie, nil
}

func (b loggingBackend) Release(ctx context.Context, cookie string) error {
	b.log.Debug().Str("cookie", cookie).Msg("released")
	return nil
}

// staticRouteSource reports a single onboard speaker port once and never
// changes, standing in for the real sound-server collaborator.
type staticRouteSource struct{}

func (staticRouteSource) Subscribe(onChange func(audioroute.Port)) {
	onChange(audioroute.Port{SinkIndex: 0, Name: "analog-output-speaker", IsOnboard: true})
}

// neverRingingSource never reports an off-hook transition, standing in
// for the real telephony-stack collaborator.
type neverRingingSource struct{}

func (neverRingingSource) Subscribe(onChange func(telephony.HookState)) {}

// unconfinedLabelSource treats every bus peer as unconfined, standing in
// for the real AppArmor/snapd collaborator.
type unconfinedLabelSource struct{}

func (unconfinedLabelSource) LabelFor(ctx context.Context, peerName string) (string, error) {
	return "unconfined", nil
}
