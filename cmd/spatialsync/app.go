package main

import (
	"errors"
	"fmt"
	"log"

	"github.com/banshee-data/spatialsync/internal/config"
	"github.com/banshee-data/spatialsync/internal/contextsvc"
	"github.com/banshee-data/spatialsync/internal/provider"
	"github.com/banshee-data/spatialsync/internal/sitestore"
	"github.com/banshee-data/spatialsync/internal/synthetic"
	"github.com/banshee-data/spatialsync/internal/syncrpc"
	"github.com/banshee-data/spatialsync/internal/wire"
)

// serviceOptions maps the configuration and the optional collaborators onto
// context service options. anchor and loc may be nil.
func serviceOptions(cfg *config.Config, anchor *sitestore.Anchor, loc contextsvc.LocationSource) contextsvc.Options {
	opts := contextsvc.DefaultOptions()
	opts.MaxDeltaTime = cfg.GetMaxDeltaTimeMs()
	opts.FloorOffset = cfg.GetFloorOffset()
	opts.UserHeight = cfg.GetUserHeight()
	opts.DefaultReferenceFrame = cfg.GetDefaultReferenceFrame()
	opts.Location = loc
	if anchor != nil {
		g := anchor.Geodetic()
		opts.SiteAnchor = &g
		if cfg.FloorOffset == nil {
			opts.FloorOffset = anchor.FloorOffset
		}
	}
	return opts
}

func providerConfig(cfg *config.Config) provider.Config {
	return provider.Config{
		MaxSessions: cfg.GetMaxSessions(),
		QueueSize:   cfg.GetSessionQueueSize(),
		SendTimeout: cfg.GetSendTimeout(),
	}
}

func rpcConfig(cfg *config.Config) syncrpc.Config {
	c := syncrpc.DefaultConfig()
	c.ListenAddr = cfg.GetListenAddr()
	return c
}

// newSyntheticSource builds the demo source described by cfg.
func newSyntheticSource(cfg *config.Config, seed int64) *synthetic.Source {
	src := synthetic.NewSource(nil, seed)
	src.FrameRate = cfg.GetSyntheticFrameRate()
	src.Tracking = wire.TrackingCapability(cfg.GetSyntheticTracking())
	return src
}

// activeAnchor activates the named anchor when name is set and returns the
// active anchor. A store without an active anchor yields nil.
func activeAnchor(db *sitestore.DB, name string) (*sitestore.Anchor, error) {
	if name != "" {
		a, err := db.AnchorByName(name)
		if err != nil {
			return nil, fmt.Errorf("site anchor %q: %w", name, err)
		}
		if err := db.Activate(a.ID); err != nil {
			return nil, err
		}
	}
	a, err := db.ActiveAnchor()
	if errors.Is(err, sitestore.ErrAnchorNotFound) {
		log.Printf("site store has no active anchor; stage falls back to device tracking")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	log.Printf("using site anchor %q (%.6f, %.6f, %.1fm)", a.Name, a.Latitude, a.Longitude, a.Height)
	return a, nil
}
