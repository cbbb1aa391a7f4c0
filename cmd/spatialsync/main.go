// Command spatialsync runs the spatial context service: it ingests upstream
// frame snapshots over gRPC (or from the built-in synthetic source), keeps the
// pose graph, and streams filtered frames to connected sessions.
//
// Usage:
//
//	go run ./cmd/spatialsync [flags]
//
// Flags:
//
//	-config     JSON configuration file (optional)
//	-listen     gRPC listen address (overrides config)
//	-debug      debug HTTP address, empty to disable (overrides config)
//	-site-db    sqlite site store path (overrides config)
//	-synthetic  drive the service from the synthetic source
//	-upstream   push synthetic frames to a remote server instead of serving
//	-version    print version and exit
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/spatialsync/internal/config"
	"github.com/banshee-data/spatialsync/internal/contextsvc"
	"github.com/banshee-data/spatialsync/internal/provider"
	"github.com/banshee-data/spatialsync/internal/sitestore"
	"github.com/banshee-data/spatialsync/internal/synthetic"
	"github.com/banshee-data/spatialsync/internal/syncrpc"
	"github.com/banshee-data/spatialsync/internal/version"
	"github.com/banshee-data/spatialsync/internal/wire"
)

var (
	configPath  = flag.String("config", "", "JSON configuration file")
	listen      = flag.String("listen", "", "gRPC listen address (overrides config)")
	debugAddr   = flag.String("debug", "-", "Debug HTTP listen address, empty to disable (overrides config)")
	siteDB      = flag.String("site-db", "", "sqlite site store path (overrides config)")
	syntheticOn = flag.Bool("synthetic", false, "Drive the service from the synthetic source")
	upstream    = flag.String("upstream", "", "Push synthetic frames to this server instead of serving")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	log.Printf("starting %s", version.String())

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *upstream != "" {
		if err := runUpstream(ctx, cfg, *upstream); err != nil && !errors.Is(err, context.Canceled) {
			log.Fatalf("upstream: %v", err)
		}
		return
	}
	if err := serve(ctx, cfg); err != nil {
		log.Fatalf("%v", err)
	}
	log.Printf("Graceful shutdown complete")
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.Empty()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return nil, err
		}
	}
	if *listen != "" {
		cfg.ListenAddr = listen
	}
	if *debugAddr != "-" {
		cfg.DebugAddr = debugAddr
	}
	if *siteDB != "" {
		cfg.SiteDBPath = siteDB
	}
	if *syntheticOn {
		cfg.Synthetic = syntheticOn
	}
	return cfg, cfg.Validate()
}

func serve(ctx context.Context, cfg *config.Config) error {
	var db *sitestore.DB
	var anchor *sitestore.Anchor
	if path := cfg.GetSiteDBPath(); path != "" {
		var err error
		if db, err = sitestore.Open(path); err != nil {
			return fmt.Errorf("failed to open site store: %w", err)
		}
		defer db.Close()
		if anchor, err = activeAnchor(db, cfg.GetSiteAnchor()); err != nil {
			return err
		}
	}

	var src *synthetic.Source
	var loc contextsvc.LocationSource
	if cfg.GetSynthetic() {
		src = newSyntheticSource(cfg, time.Now().UnixNano())
		loc = src
	}

	svc := contextsvc.New(serviceOptions(cfg, anchor, loc))
	prov := provider.New(svc, nil, providerConfig(cfg))
	prov.Attach()
	defer prov.Close()

	server := syncrpc.NewServer(svc, prov, rpcConfig(cfg))
	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start gRPC server: %w", err)
	}

	var wg sync.WaitGroup

	if src != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = src.Run(ctx, func(snap *wire.FrameSnapshot) error {
				return svc.SubmitFrameState(snap, contextsvc.FrameOverrides{})
			})
			log.Print("synthetic routine terminated")
		}()
	}

	if addr := cfg.GetDebugAddr(); addr != "" {
		mux := http.NewServeMux()
		svc.AttachAdminRoutes(mux)
		prov.AttachAdminRoutes(mux)
		if db != nil {
			if err := db.AttachAdminRoutes(mux); err != nil {
				log.Printf("site store admin routes disabled: %v", err)
			}
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			runDebugServer(ctx, addr, mux)
		}()
	}

	log.Printf("Server ready on %s, waiting for connections...", server.Addr())
	<-ctx.Done()
	log.Printf("Shutting down...")
	server.Stop(5 * time.Second)
	wg.Wait()
	return nil
}

func runDebugServer(ctx context.Context, addr string, mux *http.ServeMux) {
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("debug HTTP server on http://%s/debug/", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("debug HTTP server failed: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	log.Printf("HTTP server routine stopped")
}

// runUpstream acts as a remote reality source: synthetic snapshots are
// submitted to the server at addr until ctx ends.
func runUpstream(ctx context.Context, cfg *config.Config, addr string) error {
	client, err := syncrpc.Dial(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForHealth(waitCtx); err != nil {
		return err
	}

	src := newSyntheticSource(cfg, time.Now().UnixNano())
	log.Printf("pushing synthetic frames from %s to %s", src.ID(), addr)
	return src.Run(ctx, func(snap *wire.FrameSnapshot) error {
		callCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return client.SubmitFrame(callCtx, snap)
	})
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n", os.Args[0])
		flag.PrintDefaults()
	}
}
