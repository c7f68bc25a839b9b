package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"imgecho/internal/metadata"
	"imgecho/internal/overlay"
)

const (
	// EnvConfig overrides the config file location.
	EnvConfig         = "IMGECHO_CONFIG"
	defaultConfigPath = "~/.config/imgecho/config.json"
	defaultWorkers    = 4
	defaultQueueSize  = 100
	defaultDebounceMS = 50
	defaultQuality    = 95
)

// Config holds user-editable settings.
type Config struct {
	Logging    Logging     `json:"logging"`
	Paths      Paths       `json:"paths"`
	Style      StyleConfig `json:"style"`
	Export     Export      `json:"export"`
	Server     Server      `json:"server"`
	Fonts      Fonts       `json:"fonts"`
	Darktable  Darktable   `json:"darktable"`
	Language   string      `json:"language"`
	Processing Processing  `json:"processing"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`
}

// Paths configures default locations.
type Paths struct {
	DatabasePath string `json:"database_path"`
	OutputDir    string `json:"output_dir"`
}

// StyleConfig seeds the overlay style of new sessions.
type StyleConfig struct {
	FontFamily      string  `json:"font_family"`
	FontWeight      string  `json:"font_weight"`
	FontSizePercent float64 `json:"font_size_percent"`
	Anchor          string  `json:"anchor"`
	Mode            string  `json:"mode"`
	Blur            float64 `json:"blur"`
}

// Export selects the artifact format and where it is stored.
type Export struct {
	Format   string `json:"format"` // jpeg, webp, html
	Quality  int    `json:"quality"`
	Sink     string `json:"sink"`    // local, s3
	Backend  string `json:"backend"` // raster, magick
	S3Bucket string `json:"s3_bucket"`
	S3Region string `json:"s3_region"`
	S3Prefix string `json:"s3_prefix"`
}

// Server configures the preview server.
type Server struct {
	Addr        string   `json:"addr"`
	DebounceMS  int      `json:"debounce_ms"`
	MaxUploadMB int      `json:"max_upload_mb"`
	CORSOrigins []string `json:"cors_origins"`
	RPCAddr     string   `json:"rpc_addr"`
}

// Fonts lists extra font directories searched before system fonts.
type Fonts struct {
	Dirs   []string `json:"dirs"`
	Family string   `json:"family"`
}

// Darktable enables the library.db metadata fallback.
type Darktable struct {
	Enabled   bool   `json:"enabled"`
	ConfigDir string `json:"config_dir"`
}

// Processing captures batch execution preferences.
type Processing struct {
	WorkerCount int `json:"worker_count"`
	QueueSize   int `json:"queue_size"`
}

// Path returns the config file that Load reads.
func Path() string {
	if p := os.Getenv(EnvConfig); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile reads path over the defaults. A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", expanded, err)
	}
	cfg.Paths.DatabasePath, _ = expandUser(cfg.Paths.DatabasePath)
	cfg.Paths.OutputDir, _ = expandUser(cfg.Paths.OutputDir)
	cfg.Darktable.ConfigDir, _ = expandUser(cfg.Darktable.ConfigDir)
	for i, d := range cfg.Fonts.Dirs {
		cfg.Fonts.Dirs[i], _ = expandUser(d)
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	def := overlay.DefaultStyle()
	return &Config{
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DatabasePath: filepath.Join(os.TempDir(), "imgecho.db"),
			OutputDir:    "./output",
		},
		Style: StyleConfig{
			FontFamily:      def.FontFamily,
			FontWeight:      def.FontWeight,
			FontSizePercent: def.FontSizePercent,
			Anchor:          string(def.Anchor),
			Mode:            string(def.Mode),
			Blur:            def.Blur,
		},
		Export: Export{
			Format:   "jpeg",
			Quality:  defaultQuality,
			Sink:     "local",
			Backend:  "raster",
			S3Region: "us-east-1",
		},
		Server: Server{
			Addr:        "127.0.0.1:8080",
			DebounceMS:  defaultDebounceMS,
			MaxUploadMB: 50,
			CORSOrigins: []string{"*"},
			RPCAddr:     "127.0.0.1:9090",
		},
		Darktable: Darktable{
			Enabled:   false,
			ConfigDir: "",
		},
		Language: metadata.LangEnglish,
		Processing: Processing{
			WorkerCount: defaultWorkers,
			QueueSize:   defaultQueueSize,
		},
	}
}

// OverlayStyle converts the style section.
func (c *Config) OverlayStyle() overlay.Style {
	return overlay.Style{
		FontFamily:      c.Style.FontFamily,
		FontWeight:      c.Style.FontWeight,
		FontSizePercent: c.Style.FontSizePercent,
		Anchor:          overlay.Anchor(c.Style.Anchor),
		Mode:            overlay.DisplayMode(c.Style.Mode),
		Blur:            c.Style.Blur,
	}.Normalize()
}

// Validate reports every invalid setting. Unknown anchors are reported even
// though rendering falls back to top-left.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}
	if a := overlay.Anchor(c.Style.Anchor); a != "" && !a.Valid() {
		errs = append(errs, fmt.Errorf("style.anchor: unknown anchor %q (renders top-left)", c.Style.Anchor))
	}
	switch overlay.DisplayMode(c.Style.Mode) {
	case "", overlay.ModeFull, overlay.ModeValues:
	default:
		errs = append(errs, fmt.Errorf("style.mode: unknown mode %q", c.Style.Mode))
	}
	if c.Style.Blur < 0 || c.Style.Blur > overlay.MaxBlur {
		errs = append(errs, fmt.Errorf("style.blur: %v out of range [0,%v]", c.Style.Blur, overlay.MaxBlur))
	}
	if p := c.Style.FontSizePercent; p != 0 && (p < overlay.MinFontSizePercent || p > overlay.MaxFontSizePercent) {
		errs = append(errs, fmt.Errorf("style.font_size_percent: %v out of range [%v,%v]", p, overlay.MinFontSizePercent, overlay.MaxFontSizePercent))
	}
	switch strings.ToLower(c.Export.Format) {
	case "", "jpeg", "jpg", "webp", "html":
	default:
		errs = append(errs, fmt.Errorf("export.format: unknown format %q", c.Export.Format))
	}
	if c.Export.Quality < 0 || c.Export.Quality > 100 {
		errs = append(errs, fmt.Errorf("export.quality: %d out of range [1,100]", c.Export.Quality))
	}
	switch c.Export.Sink {
	case "", "local":
	case "s3":
		if c.Export.S3Bucket == "" {
			errs = append(errs, errors.New("export.s3_bucket: required when sink is s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("export.sink: unknown sink %q", c.Export.Sink))
	}
	switch c.Export.Backend {
	case "", "raster", "magick":
	default:
		errs = append(errs, fmt.Errorf("export.backend: unknown backend %q", c.Export.Backend))
	}
	if c.Server.DebounceMS < 0 {
		errs = append(errs, fmt.Errorf("server.debounce_ms: must not be negative"))
	}
	if c.Processing.WorkerCount < 0 || c.Processing.QueueSize < 0 {
		errs = append(errs, errors.New("processing: worker_count and queue_size must not be negative"))
	}
	return errors.Join(errs...)
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
