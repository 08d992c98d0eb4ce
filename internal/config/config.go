package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

type Config struct {
	Store Store `json:"store"`
	ICE   ICE   `json:"ice"`
	Call  Call  `json:"call"`
	Media Media `json:"media"`
	Blob  Blob  `json:"blob"`
}

type Store struct {
	// Directory for the local SQLite document store. Relative to the data dir.
	Path string `json:"path"`

	// Optional WebSocket URL of a document-store gateway
	// (ws://host:port/store or wss://…). When set, the app uses the remote
	// store instead of the local SQLite one so two machines share one
	// database, the way the original hosted backend did.
	GatewayURL string `json:"gateway_url"`
}

type ICE struct {
	STUNURLs []string `json:"stun_urls"`

	// Optional TURN relay. All three must be set together.
	TURNURL      string `json:"turn_url"`
	TURNUsername string `json:"turn_username"`
	TURNPassword string `json:"turn_password"`
}

type Call struct {
	// How long a call may sit in ringing/awaiting-offer before it fails.
	RingTimeoutSec int `json:"ring_timeout_seconds"`

	// How long negotiation may run before it fails.
	ConnectTimeoutSec int `json:"connect_timeout_seconds"`

	// When true, a failed camera/mic capture downgrades the call to
	// receive-only instead of failing it with a media-access error.
	AllowReceiveOnly bool `json:"allow_receive_only"`
}

type Media struct {
	PreferredCam  string `json:"preferred_cam"`
	PreferredMic  string `json:"preferred_mic"`
	VideoDisabled bool   `json:"video_disabled"` // audio-only calls
	MaxWidth      int    `json:"max_width"`
	MaxHeight     int    `json:"max_height"`
	BitRate       int    `json:"bit_rate"` // VP8 target, bits per second
}

type Blob struct {
	// Directory for uploaded files. Relative to the data dir.
	Dir string `json:"dir"`
}

func Default() Config {
	return Config{
		Store: Store{
			Path: "data",
		},
		ICE: ICE{
			STUNURLs: []string{"stun:stun.l.google.com:19302"},
		},
		Call: Call{
			RingTimeoutSec:    60,
			ConnectTimeoutSec: 30,
			AllowReceiveOnly:  false,
		},
		Media: Media{
			MaxWidth:  640,
			MaxHeight: 480,
			BitRate:   1_500_000,
		},
		Blob: Blob{
			Dir: "data/uploads",
		},
	}
}

func (c *Config) Validate() error {
	// Store
	if strings.TrimSpace(c.Store.Path) == "" {
		return errors.New("store.path is required")
	}
	if gw := strings.TrimSpace(c.Store.GatewayURL); gw != "" {
		u, err := url.Parse(gw)
		if err != nil {
			return fmt.Errorf("store.gateway_url: %v", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return errors.New("store.gateway_url scheme must be ws or wss")
		}
		if u.Host == "" {
			return errors.New("store.gateway_url is missing a host")
		}
	}

	// ICE
	if len(c.ICE.STUNURLs) == 0 && c.ICE.TURNURL == "" {
		return errors.New("ice: at least one STUN or TURN server is required")
	}
	for _, s := range c.ICE.STUNURLs {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "stuns:") {
			return fmt.Errorf("ice.stun_urls: %q must start with stun: or stuns:", s)
		}
	}
	if c.ICE.TURNURL != "" {
		if !strings.HasPrefix(c.ICE.TURNURL, "turn:") && !strings.HasPrefix(c.ICE.TURNURL, "turns:") {
			return errors.New("ice.turn_url must start with turn: or turns:")
		}
		if c.ICE.TURNUsername == "" || c.ICE.TURNPassword == "" {
			return errors.New("ice.turn_url requires turn_username and turn_password")
		}
	}

	// Call
	if c.Call.RingTimeoutSec <= 0 {
		return errors.New("call.ring_timeout_seconds must be > 0")
	}
	if c.Call.ConnectTimeoutSec <= 0 {
		return errors.New("call.connect_timeout_seconds must be > 0")
	}

	// Media
	if c.Media.MaxWidth <= 0 || c.Media.MaxHeight <= 0 {
		return errors.New("media.max_width and media.max_height must be > 0")
	}
	if c.Media.BitRate < 100_000 {
		return errors.New("media.bit_rate must be at least 100000")
	}

	// Blob
	if strings.TrimSpace(c.Blob.Dir) == "" {
		return errors.New("blob.dir is required")
	}

	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
