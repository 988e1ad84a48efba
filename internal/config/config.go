// Package config loads service settings from defaults, an optional YAML file
// and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/i474232898/mrms-rala/internal/logging"
)

// ConfigPathEnvVar names an explicit YAML config file.
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultConfigPaths are searched when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{"config.yaml", "/etc/mrms-rala/config.yaml"}

// AppConfig holds every setting read at startup.
type AppConfig struct {
	// MRMS archive
	MRMSBaseURL     string        `koanf:"mrms_base_url" validate:"required,url"`
	ElevationAngles []float64     `koanf:"elevation_angles" validate:"required,min=1,max=127,dive,gt=0,lt=25"`
	UpdateInterval  time.Duration `koanf:"update_interval" validate:"gte=10s"`
	DownloadTimeout time.Duration `koanf:"download_timeout" validate:"gt=0"`
	MRMSRateLimit   float64       `koanf:"mrms_rate_limit" validate:"gte=0"`

	// Local storage
	CacheDir        string `koanf:"cache_dir" validate:"required"`
	MaxCacheSize    int    `koanf:"max_cache_size" validate:"min=1"`
	RawCacheSize    int    `koanf:"raw_cache_size" validate:"min=0"`
	TrackerCapacity int    `koanf:"tracker_capacity" validate:"min=1"`

	// Fusion
	RALAMinQuality  float64 `koanf:"rala_min_quality" validate:"gte=0,lte=1"`
	QCMinDBZ        float64 `koanf:"qc_min_dbz"`
	QCMaxDBZ        float64 `koanf:"qc_max_dbz" validate:"gtfield=QCMinDBZ"`
	MaxWorkers      int     `koanf:"max_workers" validate:"min=1,max=64"`
	ChunkRows       int     `koanf:"chunk_rows" validate:"min=1"`
	SmoothingRadius int     `koanf:"smoothing_radius" validate:"min=0,max=10"`

	// HTTP server
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`

	// Logging
	LogLevel  string `koanf:"log_level" validate:"oneof=trace debug info warn error"`
	LogFormat string `koanf:"log_format" validate:"oneof=json console"`
}

func defaultConfig() AppConfig {
	return AppConfig{
		MRMSBaseURL:     "https://mrms.ncep.noaa.gov/3DRefl",
		ElevationAngles: []float64{0.50, 0.75, 1.00, 1.25, 1.50, 1.75, 2.00, 2.25, 2.50},
		UpdateInterval:  5 * time.Minute,
		DownloadTimeout: 30 * time.Second,
		MRMSRateLimit:   10,
		CacheDir:        "./cache",
		MaxCacheSize:    50,
		RawCacheSize:    50,
		TrackerCapacity: 100,
		RALAMinQuality:  0.5,
		QCMinDBZ:        -30,
		QCMaxDBZ:        80,
		MaxWorkers:      4,
		ChunkRows:       256,
		Host:            "0.0.0.0",
		Port:            8080,
		ShutdownTimeout: 10 * time.Second,
		LogLevel:        "info",
		LogFormat:       "json",
	}
}

// envKeys maps environment variables onto config keys. Anything else in the
// environment is ignored.
var envKeys = map[string]string{
	"MRMS_BASE_URL":    "mrms_base_url",
	"ELEVATION_ANGLES": "elevation_angles",
	"UPDATE_INTERVAL":  "update_interval",
	"DOWNLOAD_TIMEOUT": "download_timeout",
	"MRMS_RATE_LIMIT":  "mrms_rate_limit",
	"CACHE_DIR":        "cache_dir",
	"MAX_CACHE_SIZE":   "max_cache_size",
	"RAW_CACHE_SIZE":   "raw_cache_size",
	"TRACKER_CAPACITY": "tracker_capacity",
	"RALA_MIN_QUALITY": "rala_min_quality",
	"QC_MIN_DBZ":       "qc_min_dbz",
	"QC_MAX_DBZ":       "qc_max_dbz",
	"MAX_WORKERS":      "max_workers",
	"CHUNK_ROWS":       "chunk_rows",
	"SMOOTHING_RADIUS": "smoothing_radius",
	"HOST":             "host",
	"PORT":             "port",
	"SHUTDOWN_TIMEOUT": "shutdown_timeout",
	"LOG_LEVEL":        "log_level",
	"LOG_FORMAT":       "log_format",
}

// sliceKeys arrive from the environment as comma-separated strings.
var sliceKeys = []string{"elevation_angles"}

var validate = validator.New()

// Load reads .env (if present), then layers defaults, config file and
// environment, and validates the result.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logging.Warn().Err(err).Msg("could not load .env file")
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	if err := splitSlices(k); err != nil {
		return nil, err
	}

	cfg := &AppConfig{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Addr is the HTTP listen address.
func (c *AppConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func envTransform(key string) string {
	return envKeys[key]
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		logging.Warn().Str("path", p).Msg("config file not found, ignoring")
		return ""
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func splitSlices(k *koanf.Koanf) error {
	for _, key := range sliceKeys {
		s, ok := k.Get(key).(string)
		if !ok {
			continue
		}
		var parts []string
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(key, parts); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
	}
	return nil
}
