/*
Package config loads and validates tile cache configuration.

Values are resolved in increasing precedence from compiled-in defaults, a YAML
file, and TILECACHE_* environment variables:

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("tilecache.yaml"); err != nil {
		return err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	settings, err := cfg.CacheSettings()

# Configuration File

	global:
	  log_level: INFO
	  log_file: /var/log/tilecache.log
	  log_format: text
	  metrics_port: 9090

	cache:
	  cache_name: TileCache
	  directory_containing_cache_path: /var/cache
	  maximum_disk_size: 10GiB
	  maximum_in_memory_size: 4GiB
	  maximum_gl_texture_cache_size: 0
	  tile_size_po2_for_8bit: 9
	  file_chunk_size: 1GiB
	  physical_memory_ratio: 0.9

	monitoring:
	  memory_sample_interval: 5s
	  metrics_enabled: false
	  metrics_namespace: tilecache

Byte sizes accept binary and decimal suffixes, both read as powers of 1024.
A size of 0 leaves that storage class unbounded.

# Environment Variables

	TILECACHE_LOG_LEVEL              TILECACHE_MAX_DISK_SIZE
	TILECACHE_LOG_FILE               TILECACHE_MAX_RAM_SIZE
	TILECACHE_LOG_FORMAT             TILECACHE_MAX_GL_TEXTURE_SIZE
	TILECACHE_METRICS_PORT           TILECACHE_TILE_SIZE_PO2
	TILECACHE_CACHE_NAME             TILECACHE_FILE_CHUNK_SIZE
	TILECACHE_CACHE_DIR              TILECACHE_PHYSICAL_MEMORY_RATIO
	TILECACHE_MEMORY_SAMPLE_INTERVAL TILECACHE_METRICS_ENABLED
*/
package config
