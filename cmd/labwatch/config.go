package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/labwatch/internal/capture"
	"github.com/danmuck/labwatch/internal/health"
	"github.com/danmuck/labwatch/internal/stream"
)

const (
	defaultServer       = "localhost:8000"
	defaultPath         = "/ws/dashboard"
	defaultStatusListen = "127.0.0.1:8090"
)

type appConfig struct {
	Server        string
	Path          string
	Secure        bool
	Stream        stream.Config
	Language      string
	HealthCheck   bool
	StatusListen  string
	CORSOrigins   []string
	FramesDir     string
	FrameInterval time.Duration
}

type fileConfig struct {
	Server         string   `toml:"server"`
	Path           string   `toml:"path"`
	Origin         string   `toml:"origin"`
	Secure         bool     `toml:"secure"`
	ReconnectDelay string   `toml:"reconnect_delay"`
	DialTimeout    string   `toml:"dial_timeout"`
	WriteTimeout   string   `toml:"write_timeout"`
	Language       string   `toml:"language"`
	HealthCheck    bool     `toml:"health_check"`
	StatusListen   string   `toml:"status_listen"`
	CORSOrigins    []string `toml:"cors_origins"`
	FramesDir      string   `toml:"frames_dir"`
	FrameInterval  string   `toml:"frame_interval"`
}

func defaultAppConfig() appConfig {
	return appConfig{
		Server:        defaultServer,
		Path:          defaultPath,
		Stream:        stream.DefaultConfig(),
		HealthCheck:   true,
		StatusListen:  defaultStatusListen,
		FrameInterval: capture.DefaultInterval,
	}
}

// loadConfig overlays the keys present in path onto the defaults. An empty
// path returns the defaults.
func loadConfig(path string) (appConfig, error) {
	cfg := defaultAppConfig()
	if strings.TrimSpace(path) == "" {
		cfg.finish()
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return appConfig{}, fmt.Errorf("load labwatch config: %w", err)
	}

	if meta.IsDefined("server") {
		if v := strings.TrimSpace(raw.Server); v != "" {
			cfg.Server = v
		}
	}
	if meta.IsDefined("path") {
		if v := strings.TrimSpace(raw.Path); v != "" {
			if !strings.HasPrefix(v, "/") {
				v = "/" + v
			}
			cfg.Path = v
		}
	}
	if meta.IsDefined("origin") {
		cfg.Stream.Origin = strings.TrimSpace(raw.Origin)
	}
	if meta.IsDefined("secure") {
		cfg.Secure = raw.Secure
	}
	if meta.IsDefined("reconnect_delay") {
		d, err := parsePositiveDuration("reconnect_delay", raw.ReconnectDelay)
		if err != nil {
			return appConfig{}, err
		}
		cfg.Stream.Reconnect.Delay = d
	}
	if meta.IsDefined("dial_timeout") {
		d, err := parsePositiveDuration("dial_timeout", raw.DialTimeout)
		if err != nil {
			return appConfig{}, err
		}
		cfg.Stream.DialTimeout = d
	}
	if meta.IsDefined("write_timeout") {
		d, err := parsePositiveDuration("write_timeout", raw.WriteTimeout)
		if err != nil {
			return appConfig{}, err
		}
		cfg.Stream.WriteTimeout = d
	}
	if meta.IsDefined("language") {
		cfg.Language = strings.TrimSpace(raw.Language)
	}
	if meta.IsDefined("health_check") {
		cfg.HealthCheck = raw.HealthCheck
	}
	if meta.IsDefined("status_listen") {
		cfg.StatusListen = strings.TrimSpace(raw.StatusListen)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeList(raw.CORSOrigins)
	}
	if meta.IsDefined("frames_dir") {
		cfg.FramesDir = strings.TrimSpace(raw.FramesDir)
	}
	if meta.IsDefined("frame_interval") {
		d, err := parsePositiveDuration("frame_interval", raw.FrameInterval)
		if err != nil {
			return appConfig{}, err
		}
		cfg.FrameInterval = d
	}

	cfg.finish()
	return cfg, nil
}

func (c *appConfig) finish() {
	c.Stream.URL = c.streamURL()
	c.Stream = c.Stream.WithDefaults()
}

func (c appConfig) streamURL() string {
	scheme := "ws://"
	if c.Secure {
		scheme = "wss://"
	}
	return scheme + c.Server + c.Path
}

func (c appConfig) healthURL() string {
	return health.BaseURL(c.Server, c.Secure)
}

func parsePositiveDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("parse %s: must be positive, got %s", key, d)
	}
	return d, nil
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
