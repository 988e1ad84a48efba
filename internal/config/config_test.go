package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate runs the test from an empty directory so no stray .env or
// config.yaml is picked up.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	for _, key := range append([]string{ConfigPathEnvVar}, envNames()...) {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
	return dir
}

func envNames() []string {
	names := make([]string, 0, len(envKeys))
	for name := range envKeys {
		names = append(names, name)
	}
	return names
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://mrms.ncep.noaa.gov/3DRefl", cfg.MRMSBaseURL)
	assert.Len(t, cfg.ElevationAngles, 9)
	assert.Equal(t, 5*time.Minute, cfg.UpdateInterval)
	assert.Equal(t, 30*time.Second, cfg.DownloadTimeout)
	assert.Equal(t, 10.0, cfg.MRMSRateLimit)
	assert.Equal(t, 50, cfg.MaxCacheSize)
	assert.Equal(t, 100, cfg.TrackerCapacity)
	assert.Equal(t, 0.5, cfg.RALAMinQuality)
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
}

func TestLoadFromEnvironment(t *testing.T) {
	isolate(t)
	t.Setenv("ELEVATION_ANGLES", "0.50, 1.00,2.50")
	t.Setenv("UPDATE_INTERVAL", "2m")
	t.Setenv("MAX_CACHE_SIZE", "12")
	t.Setenv("RALA_MIN_QUALITY", "0.8")
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_FORMAT", "console")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 1.0, 2.5}, cfg.ElevationAngles)
	assert.Equal(t, 2*time.Minute, cfg.UpdateInterval)
	assert.Equal(t, 12, cfg.MaxCacheSize)
	assert.Equal(t, 0.8, cfg.RALAMinQuality)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "console", cfg.LogFormat)
}

func TestLoadFileThenEnvironment(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache_dir: /var/lib/mrms\nsmoothing_radius: 2\nport: 7000\n"), 0o644))
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("PORT", "7001")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/mrms", cfg.CacheDir)
	assert.Equal(t, 2, cfg.SmoothingRadius)
	assert.Equal(t, 7001, cfg.Port)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"RALA_MIN_QUALITY": "1.5",
		"QC_MAX_DBZ":       "-40",
		"UPDATE_INTERVAL":  "1s",
		"LOG_LEVEL":        "loud",
		"MRMS_BASE_URL":    "not a url",
		"MAX_WORKERS":      "0",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			isolate(t)
			t.Setenv(key, value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
