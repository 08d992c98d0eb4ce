// Package studybuddy wires the app together: config, document store,
// identity, uploads, and the call manager. A UI embeds one App and talks to
// its fields; there is no network surface of its own beyond the optional
// document-store gateway connection.
package studybuddy

import (
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/studybuddy/studybuddy/internal/blob"
	"github.com/studybuddy/studybuddy/internal/call"
	"github.com/studybuddy/studybuddy/internal/config"
	"github.com/studybuddy/studybuddy/internal/docstore"
	"github.com/studybuddy/studybuddy/internal/identity"
	"github.com/studybuddy/studybuddy/internal/signal"
)

// App is the assembled application. Fields are live after Open and valid
// until Close.
type App struct {
	Config   config.Config
	Identity *identity.Provider
	Blobs    *blob.Store
	Calls    *call.Manager

	store docstore.Store
}

// Open loads (or creates) config.json under dataDir and brings every
// subsystem up. The store is the local SQLite one unless a gateway URL is
// configured, in which case two machines share the hosted store.
func Open(dataDir string) (*App, error) {
	cfgPath := resolvePath(dataDir, "config.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if created {
		log.Printf("APP: wrote default config to %s", cfgPath)
	}

	var store docstore.Store
	if cfg.Store.GatewayURL != "" {
		store, err = docstore.Dial(cfg.Store.GatewayURL)
		if err != nil {
			return nil, fmt.Errorf("connect store gateway: %w", err)
		}
		log.Printf("APP: using remote store at %s", cfg.Store.GatewayURL)
	} else {
		store, err = docstore.Open(resolvePath(dataDir, cfg.Store.Path))
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}

	blobs, err := blob.Open(resolvePath(dataDir, cfg.Blob.Dir), "")
	if err != nil {
		store.Close()
		return nil, err
	}

	ident := identity.New(store)
	records := signal.NewRecords(store, ident)
	channel := signal.NewChannel(store)
	factory := call.NewPionFactory(iceServers(cfg.ICE), call.MediaOptions{
		PreferredCam:     cfg.Media.PreferredCam,
		PreferredMic:     cfg.Media.PreferredMic,
		VideoDisabled:    cfg.Media.VideoDisabled,
		MaxWidth:         cfg.Media.MaxWidth,
		MaxHeight:        cfg.Media.MaxHeight,
		BitRate:          cfg.Media.BitRate,
		AllowReceiveOnly: cfg.Call.AllowReceiveOnly,
	})
	timeouts := call.Timeouts{
		Ring:    time.Duration(cfg.Call.RingTimeoutSec) * time.Second,
		Connect: time.Duration(cfg.Call.ConnectTimeoutSec) * time.Second,
	}

	return &App{
		Config:   cfg,
		Identity: ident,
		Blobs:    blobs,
		Calls:    call.NewManager(records, channel, factory, ident, records, timeouts),
		store:    store,
	}, nil
}

// Listen starts watching for calls addressed to the signed-in user. Call it
// after sign-in, and again after switching accounts.
func (a *App) Listen() error {
	return a.Calls.Listen()
}

// Store exposes the document store for UI features that keep their own
// collections (notes, availability) next to the call data.
func (a *App) Store() docstore.Store {
	return a.store
}

// Close hangs up live calls and shuts the store down.
func (a *App) Close() {
	a.Calls.Close()
	if err := a.store.Close(); err != nil {
		log.Printf("APP: close store: %v", err)
	}
}

// resolvePath anchors configured paths at the data dir; absolute paths in
// the config win over the anchor.
func resolvePath(dataDir, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(dataDir, p)
}

// iceServers maps the config's ICE section onto Pion's server list.
func iceServers(ice config.ICE) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if len(ice.STUNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: ice.STUNURLs})
	}
	if ice.TURNURL != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{ice.TURNURL},
			Username:   ice.TURNUsername,
			Credential: ice.TURNPassword,
		})
	}
	return servers
}
