// Package config loads and validates facetrace configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	"github.com/JakeFAU/facetrace/internal/collector"
	"github.com/JakeFAU/facetrace/internal/content"
)

// EnvPrefix prefixes every environment override, e.g. FACETRACE_RANK_THRESHOLD.
const EnvPrefix = "FACETRACE"

// FileName is the config file searched for when no path is given.
const FileName = "facetrace"

// Checkpoint modes.
const (
	CheckpointPrompt = "prompt"
	CheckpointHTTP   = "http"
)

// Storage backends. StorageMemory is a dry run: artifacts, runs and events
// stay in-process.
const (
	StorageLocal  = "local"
	StorageGCS    = "gcs"
	StorageMemory = "memory"
)

// Config captures all knobs loaded via Viper.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Face       FaceConfig       `mapstructure:"face"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Download   DownloadConfig   `mapstructure:"download"`
	Browser    BrowserConfig    `mapstructure:"browser"`
	Collector  collector.Config `mapstructure:"collector"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Search     SearchConfig     `mapstructure:"search"`
	Rank       RankConfig       `mapstructure:"rank"`
	Corpus     CorpusConfig     `mapstructure:"corpus"`
	Storage    StorageConfig    `mapstructure:"storage"`
	DB         DBConfig         `mapstructure:"db"`
	Qdrant     QdrantConfig     `mapstructure:"qdrant"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// FaceConfig locates the dlib models and tunes preprocessing.
type FaceConfig struct {
	ModelDir      string  `mapstructure:"model_dir"`
	DenoiseRadius float64 `mapstructure:"denoise_radius"`
	CropMargin    float64 `mapstructure:"crop_margin"`
}

// FetchConfig controls both content fetch tiers.
type FetchConfig struct {
	UserAgent        string        `mapstructure:"user_agent"`
	Timeout          time.Duration `mapstructure:"timeout"`
	RespectRobots    bool          `mapstructure:"respect_robots"`
	MaxBodyBytes     int           `mapstructure:"max_body_bytes"`
	RenderEnabled    bool          `mapstructure:"render_enabled"`
	RenderHeadless   bool          `mapstructure:"render_headless"`
	RenderParallel   int           `mapstructure:"render_parallel"`
	RenderTimeout    time.Duration `mapstructure:"render_timeout"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	MinRenderedChars int           `mapstructure:"min_rendered_chars"`
	ChallengeMarkers []string      `mapstructure:"challenge_markers"`
}

// DownloadConfig bounds thumbnail downloads.
type DownloadConfig struct {
	RatePerHost float64 `mapstructure:"rate_per_host"`
	Burst       int     `mapstructure:"burst"`
	MaxBytes    int     `mapstructure:"max_bytes"`
}

// BrowserConfig configures the interactive Chrome session.
type BrowserConfig struct {
	ProfileDir        string        `mapstructure:"profile_dir"`
	TempRoot          string        `mapstructure:"temp_root"`
	ExecPath          string        `mapstructure:"exec_path"`
	UserAgent         string        `mapstructure:"user_agent"`
	StartTimeout      time.Duration `mapstructure:"start_timeout"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	ScreenshotPath    string        `mapstructure:"screenshot_path"`
}

// CheckpointConfig selects how the operator confirms a solved challenge.
type CheckpointConfig struct {
	Mode string `mapstructure:"mode"`
	Addr string `mapstructure:"addr"`
}

// SearchConfig holds the per-run defaults of the search command.
type SearchConfig struct {
	MaxResults  int    `mapstructure:"max_results"`
	DownloadDir string `mapstructure:"download_dir"`
	Out         string `mapstructure:"out"`
}

// RankConfig tunes candidate scoring.
type RankConfig struct {
	Threshold float64 `mapstructure:"threshold"`
	Workers   int     `mapstructure:"workers"`
}

// CorpusConfig controls the page text corpus command.
type CorpusConfig struct {
	Limit int    `mapstructure:"limit"`
	Out   string `mapstructure:"out"`
}

// StorageConfig selects where artifacts are written. Dir defaults to the
// directory of search.out.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	Dir       string `mapstructure:"dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls the optional Postgres run store.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	RunsTable       string        `mapstructure:"runs_table"`
	CandidatesTable string        `mapstructure:"candidates_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// QdrantConfig controls the optional vector index.
type QdrantConfig struct {
	Addr       string `mapstructure:"addr"`
	Collection string `mapstructure:"collection"`
}

// PubSubConfig holds metadata for run completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// MetricsConfig controls the Prometheus textfile written after each run.
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"`
}

// TelemetryConfig controls trace export. Tracing stays off without a project.
type TelemetryConfig struct {
	ServiceName  string  `mapstructure:"service_name"`
	GCPProjectID string  `mapstructure:"gcp_project_id"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

// SearchPaths lists the directories searched for facetrace.yaml.
func SearchPaths() []string {
	return []string{".", filepath.Join(xdg.ConfigHome, "facetrace")}
}

// Load builds a Config from disk/environment. With an empty path the
// SearchPaths are tried and a missing file is not an error.
func Load(path string) (Config, error) {
	v := New()
	if err := Read(v, path); err != nil {
		return Config{}, err
	}
	return Decode(v)
}

// New returns a Viper instance with env binding and defaults applied. Callers
// may bind flags to it before Read.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Read loads the config file into v.
func Read(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		return nil
	}
	v.SetConfigName(FileName)
	for _, dir := range SearchPaths() {
		v.AddConfigPath(dir)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// Decode unmarshals and validates v.
func Decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = filepath.Dir(cfg.Search.Out)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")

	v.SetDefault("face.model_dir", filepath.Join(xdg.DataHome, "facetrace", "models"))
	v.SetDefault("face.denoise_radius", 1.0)
	v.SetDefault("face.crop_margin", 0.25)

	v.SetDefault("fetch.user_agent", "")
	v.SetDefault("fetch.timeout", 10*time.Second)
	v.SetDefault("fetch.respect_robots", false)
	v.SetDefault("fetch.max_body_bytes", 10<<20)
	v.SetDefault("fetch.render_enabled", true)
	v.SetDefault("fetch.render_headless", true)
	v.SetDefault("fetch.render_parallel", 1)
	v.SetDefault("fetch.render_timeout", 45*time.Second)
	v.SetDefault("fetch.poll_interval", 500*time.Millisecond)
	v.SetDefault("fetch.min_rendered_chars", 200)
	v.SetDefault("fetch.challenge_markers", content.DefaultChallengeMarkers)

	v.SetDefault("download.rate_per_host", 4.0)
	v.SetDefault("download.burst", 2)
	v.SetDefault("download.max_bytes", 10<<20)

	v.SetDefault("browser.profile_dir", "")
	v.SetDefault("browser.temp_root", "")
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.start_timeout", 30*time.Second)
	v.SetDefault("browser.navigation_timeout", 30*time.Second)
	v.SetDefault("browser.screenshot_path", "error_screenshot.png")

	setCollectorDefaults(v, collector.DefaultConfig())

	v.SetDefault("checkpoint.mode", CheckpointPrompt)
	v.SetDefault("checkpoint.addr", "127.0.0.1:8088")

	v.SetDefault("search.max_results", 30)
	v.SetDefault("search.download_dir", filepath.Join("data", "thumbs"))
	v.SetDefault("search.out", filepath.Join("data", "candidates.json"))

	v.SetDefault("rank.threshold", 0.4)
	v.SetDefault("rank.workers", 4)

	v.SetDefault("corpus.limit", 10)
	v.SetDefault("corpus.out", filepath.Join("data", "corpus.txt"))

	v.SetDefault("storage.backend", StorageLocal)
	v.SetDefault("storage.dir", "")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "")

	v.SetDefault("db.dsn", "")
	v.SetDefault("db.runs_table", "search_runs")
	v.SetDefault("db.candidates_table", "search_candidates")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.ensure_schema", false)

	v.SetDefault("qdrant.addr", "")
	v.SetDefault("qdrant.collection", "facetrace_faces")

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")

	v.SetDefault("metrics.textfile", "")

	v.SetDefault("telemetry.service_name", "facetrace")
	v.SetDefault("telemetry.gcp_project_id", "")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

func setCollectorDefaults(v *viper.Viper, c collector.Config) {
	selectors := func(in []collector.Selector) []map[string]any {
		out := make([]map[string]any, 0, len(in))
		for _, s := range in {
			out = append(out, map[string]any{"query": s.Query, "xpath": s.XPath})
		}
		return out
	}
	v.SetDefault("collector.landing_url", c.LandingURL)
	v.SetDefault("collector.consent", map[string]any{"query": c.Consent.Query, "xpath": c.Consent.XPath})
	v.SetDefault("collector.consent_timeout", c.ConsentTimeout)
	v.SetDefault("collector.upload_controls", selectors(c.UploadControls))
	v.SetDefault("collector.control_timeout", c.ControlTimeout)
	v.SetDefault("collector.control_attempts", c.ControlAttempts)
	v.SetDefault("collector.control_backoff", c.ControlBackoff)
	v.SetDefault("collector.file_input", c.FileInput)
	v.SetDefault("collector.upload_timeout", c.UploadTimeout)
	v.SetDefault("collector.results_ready", c.ResultsReady)
	v.SetDefault("collector.results_timeout", c.ResultsTimeout)
	v.SetDefault("collector.result_nodes", c.ResultNodes)
	v.SetDefault("collector.meta_attributes", c.MetaAttributes)
	v.SetDefault("collector.checkpoint_message", c.CheckpointMessage)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch {
	case c.Rank.Threshold < 0 || c.Rank.Threshold > 1:
		return fmt.Errorf("rank.threshold must be within [0,1]")
	case c.Rank.Workers <= 0:
		return fmt.Errorf("rank.workers must be > 0")
	case c.Search.MaxResults <= 0:
		return fmt.Errorf("search.max_results must be > 0")
	case c.Search.DownloadDir == "":
		return fmt.Errorf("search.download_dir is required")
	case c.Search.Out == "":
		return fmt.Errorf("search.out is required")
	case c.Face.DenoiseRadius < 0 || c.Face.CropMargin < 0:
		return fmt.Errorf("face.denoise_radius and face.crop_margin must be >= 0")
	case c.Fetch.Timeout <= 0:
		return fmt.Errorf("fetch.timeout must be > 0")
	case c.Fetch.RenderEnabled && (c.Fetch.RenderTimeout <= 0 || c.Fetch.PollInterval <= 0):
		return fmt.Errorf("fetch.render_timeout and fetch.poll_interval must be > 0 when rendering is enabled")
	case c.Fetch.RenderEnabled && c.Fetch.RenderParallel <= 0:
		return fmt.Errorf("fetch.render_parallel must be > 0 when rendering is enabled")
	case c.Browser.StartTimeout <= 0 || c.Browser.NavigationTimeout <= 0:
		return fmt.Errorf("browser timeouts must be > 0")
	case c.Checkpoint.Mode != CheckpointPrompt && c.Checkpoint.Mode != CheckpointHTTP:
		return fmt.Errorf("checkpoint.mode must be %q or %q", CheckpointPrompt, CheckpointHTTP)
	case c.Checkpoint.Mode == CheckpointHTTP && c.Checkpoint.Addr == "":
		return fmt.Errorf("checkpoint.addr is required in http mode")
	case c.Corpus.Limit <= 0:
		return fmt.Errorf("corpus.limit must be > 0")
	case c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1:
		return fmt.Errorf("telemetry.sample_ratio must be within [0,1]")
	}
	switch c.Storage.Backend {
	case StorageLocal:
		if c.Storage.Dir == "" {
			return fmt.Errorf("storage.dir is required for the local backend")
		}
	case StorageGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" && c.Storage.Backend != StorageMemory {
		return fmt.Errorf("pubsub.project_id is required when pubsub.topic_name is set")
	}
	if err := c.Collector.Validate(); err != nil {
		return fmt.Errorf("invalid collector config: %w", err)
	}
	return nil
}
