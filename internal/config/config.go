package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/objectfs/tilecache/internal/cache"
	"github.com/objectfs/tilecache/pkg/errors"
	"github.com/objectfs/tilecache/pkg/utils"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv.
const EnvPrefix = "TILECACHE_"

// Configuration represents the complete application configuration
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Cache      CacheConfig      `yaml:"cache"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	LogFormat   string `yaml:"log_format"`
	MetricsPort int    `yaml:"metrics_port"`
}

// CacheConfig represents the tile cache settings. Byte sizes are
// human-readable strings ("10GiB", "512MB"); "0" means unbounded.
type CacheConfig struct {
	CacheName                    string  `yaml:"cache_name"`
	DirectoryContainingCachePath string  `yaml:"directory_containing_cache_path"`
	MaximumDiskSize              string  `yaml:"maximum_disk_size"`
	MaximumInMemorySize          string  `yaml:"maximum_in_memory_size"`
	MaximumGLTextureCacheSize    string  `yaml:"maximum_gl_texture_cache_size"`
	TileSizePo2For8bit           int     `yaml:"tile_size_po2_for_8bit"`
	FileChunkSize                string  `yaml:"file_chunk_size"`
	PhysicalMemoryRatio          float64 `yaml:"physical_memory_ratio"`
}

// MonitoringConfig represents monitoring settings
type MonitoringConfig struct {
	MemorySampleInterval time.Duration `yaml:"memory_sample_interval"`
	MetricsEnabled       bool          `yaml:"metrics_enabled"`
	MetricsNamespace     string        `yaml:"metrics_namespace"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			LogFile:     "",
			LogFormat:   "text",
			MetricsPort: 9090,
		},
		Cache: CacheConfig{
			CacheName:                    cache.DefaultCacheName,
			DirectoryContainingCachePath: "",
			MaximumDiskSize:              "10GiB",
			MaximumInMemorySize:          "4GiB",
			MaximumGLTextureCacheSize:    "0",
			TileSizePo2For8bit:           cache.DefaultTileSizePo2,
			FileChunkSize:                "1GiB",
			PhysicalMemoryRatio:          0.9,
		},
		Monitoring: MonitoringConfig{
			MemorySampleInterval: 5 * time.Second,
			MetricsEnabled:       false,
			MetricsNamespace:     "tilecache",
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to read config file").
			WithComponent("config").WithDetail("file", filename)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to parse config file").
			WithComponent("config").WithDetail("file", filename)
	}

	return nil
}

// LoadFromEnv loads configuration from TILECACHE_* environment variables.
// Malformed numeric values are reported rather than silently ignored.
func (c *Configuration) LoadFromEnv() error {
	// Global settings
	if val := env("LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := env("LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := env("LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}
	if val := env("METRICS_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return envError("METRICS_PORT", val, err)
		}
		c.Global.MetricsPort = port
	}

	// Cache settings
	if val := env("CACHE_NAME"); val != "" {
		c.Cache.CacheName = val
	}
	if val := env("CACHE_DIR"); val != "" {
		c.Cache.DirectoryContainingCachePath = val
	}
	if val := env("MAX_DISK_SIZE"); val != "" {
		c.Cache.MaximumDiskSize = val
	}
	if val := env("MAX_RAM_SIZE"); val != "" {
		c.Cache.MaximumInMemorySize = val
	}
	if val := env("MAX_GL_TEXTURE_SIZE"); val != "" {
		c.Cache.MaximumGLTextureCacheSize = val
	}
	if val := env("TILE_SIZE_PO2"); val != "" {
		po2, err := strconv.Atoi(val)
		if err != nil {
			return envError("TILE_SIZE_PO2", val, err)
		}
		c.Cache.TileSizePo2For8bit = po2
	}
	if val := env("FILE_CHUNK_SIZE"); val != "" {
		c.Cache.FileChunkSize = val
	}
	if val := env("PHYSICAL_MEMORY_RATIO"); val != "" {
		ratio, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return envError("PHYSICAL_MEMORY_RATIO", val, err)
		}
		c.Cache.PhysicalMemoryRatio = ratio
	}

	// Monitoring
	if val := env("MEMORY_SAMPLE_INTERVAL"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return envError("MEMORY_SAMPLE_INTERVAL", val, err)
		}
		c.Monitoring.MemorySampleInterval = d
	}
	if val := env("METRICS_ENABLED"); val != "" {
		c.Monitoring.MetricsEnabled = strings.ToLower(val) == "true"
	}

	return nil
}

func env(name string) string {
	return strings.TrimSpace(os.Getenv(EnvPrefix + name))
}

func envError(name, val string, cause error) error {
	return errors.Wrap(cause, errors.ErrCodeInvalidConfig, "invalid environment value").
		WithComponent("config").
		WithDetail("variable", EnvPrefix+name).
		WithDetail("value", val)
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return validationError("log_level", c.Global.LogLevel, err.Error())
	}
	if _, err := utils.ParseLogFormat(c.Global.LogFormat); err != nil {
		return validationError("log_format", c.Global.LogFormat, err.Error())
	}
	if c.Monitoring.MetricsEnabled && (c.Global.MetricsPort <= 0 || c.Global.MetricsPort > 65535) {
		return validationError("metrics_port", strconv.Itoa(c.Global.MetricsPort), "must be in 1..65535")
	}

	if strings.TrimSpace(c.Cache.CacheName) == "" {
		return validationError("cache_name", c.Cache.CacheName, "must not be empty")
	}
	if strings.ContainsAny(c.Cache.CacheName, `/\`) {
		return validationError("cache_name", c.Cache.CacheName, "must not contain path separators")
	}
	if c.Cache.TileSizePo2For8bit < cache.MinTileSizePo2 || c.Cache.TileSizePo2For8bit > cache.MaxTileSizePo2 {
		return validationError("tile_size_po2_for_8bit", strconv.Itoa(c.Cache.TileSizePo2For8bit),
			fmt.Sprintf("must be in %d..%d", cache.MinTileSizePo2, cache.MaxTileSizePo2))
	}
	if c.Cache.PhysicalMemoryRatio <= 0 || c.Cache.PhysicalMemoryRatio > 1 {
		return validationError("physical_memory_ratio",
			strconv.FormatFloat(c.Cache.PhysicalMemoryRatio, 'g', -1, 64), "must be in (0, 1]")
	}

	sizes := map[string]string{
		"maximum_disk_size":             c.Cache.MaximumDiskSize,
		"maximum_in_memory_size":        c.Cache.MaximumInMemorySize,
		"maximum_gl_texture_cache_size": c.Cache.MaximumGLTextureCacheSize,
		"file_chunk_size":               c.Cache.FileChunkSize,
	}
	for field, value := range sizes {
		if _, err := utils.ParseBytes(value); err != nil {
			return validationError(field, value, err.Error())
		}
	}

	chunk, _ := utils.ParseBytes(c.Cache.FileChunkSize)
	tileBytes := int64(1) << (2 * uint(c.Cache.TileSizePo2For8bit))
	if chunk < tileBytes {
		return validationError("file_chunk_size", c.Cache.FileChunkSize,
			fmt.Sprintf("must hold at least one %s tile", utils.FormatBytes(tileBytes)))
	}

	if c.Monitoring.MemorySampleInterval < 0 {
		return validationError("memory_sample_interval", c.Monitoring.MemorySampleInterval.String(), "must not be negative")
	}

	return nil
}

func validationError(field, value, reason string) error {
	return errors.NewError(errors.ErrCodeConfigValidation, fmt.Sprintf("invalid %s: %s", field, reason)).
		WithComponent("config").
		WithDetail("field", field).
		WithDetail("value", value)
}

// CacheSettings converts the validated cache section into the settings the
// cache package consumes.
func (c *Configuration) CacheSettings() (cache.Config, error) {
	if err := c.Validate(); err != nil {
		return cache.Config{}, err
	}

	disk, _ := utils.ParseBytes(c.Cache.MaximumDiskSize)
	ram, _ := utils.ParseBytes(c.Cache.MaximumInMemorySize)
	gl, _ := utils.ParseBytes(c.Cache.MaximumGLTextureCacheSize)
	chunk, _ := utils.ParseBytes(c.Cache.FileChunkSize)

	return cache.Config{
		Name:                 c.Cache.CacheName,
		DirectoryContaining:  c.Cache.DirectoryContainingCachePath,
		MaximumDiskSize:      uint64(disk),
		MaximumInMemorySize:  uint64(ram),
		MaximumGLTextureSize: uint64(gl),
		TileSizePo2:          c.Cache.TileSizePo2For8bit,
		FileChunkSize:        uint64(chunk),
		PhysicalMemoryRatio:  c.Cache.PhysicalMemoryRatio,
		MemorySampleInterval: c.Monitoring.MemorySampleInterval,
	}, nil
}

// NewLogger builds the structured logger described by the global section.
// A non-empty log_file routes output through a rotating file.
func (c *Configuration) NewLogger() (*utils.StructuredLogger, error) {
	level, err := utils.ParseLogLevel(c.Global.LogLevel)
	if err != nil {
		return nil, err
	}
	format, err := utils.ParseLogFormat(c.Global.LogFormat)
	if err != nil {
		return nil, err
	}

	lc := utils.DefaultStructuredLoggerConfig()
	lc.Level = level
	lc.Format = format
	if c.Global.LogFile != "" {
		lc.Rotation = &utils.RotationConfig{
			Filename:   c.Global.LogFile,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		}
	}
	return utils.NewStructuredLogger(lc)
}
