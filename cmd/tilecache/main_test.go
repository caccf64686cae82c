package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tilecache.yaml")
	content := fmt.Sprintf(`global:
  log_level: ERROR
cache:
  cache_name: CLITest
  directory_containing_cache_path: %s
  maximum_disk_size: 1MiB
  maximum_in_memory_size: 1MiB
  tile_size_po2_for_8bit: 6
  file_chunk_size: 16KiB
monitoring:
  memory_sample_interval: 0s
`, dir)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestRun_InfoThenTOC(t *testing.T) {
	cfgPath := writeConfig(t)

	var out bytes.Buffer
	require.NoError(t, run([]string{"-config", cfgPath, "info"}, &out))
	assert.Contains(t, out.String(), "entries:    0")
	assert.Contains(t, out.String(), "STORAGE")
	assert.Contains(t, out.String(), "disk")

	out.Reset()
	require.NoError(t, run([]string{"-config", cfgPath, "toc"}, &out))
	assert.Contains(t, out.String(), "records:    0")
}

func TestRun_Clear(t *testing.T) {
	cfgPath := writeConfig(t)

	var out bytes.Buffer
	require.NoError(t, run([]string{"-config", cfgPath, "clear"}, &out))
	assert.Contains(t, out.String(), "removed 0 entries")
}

func TestRun_Errors(t *testing.T) {
	cfgPath := writeConfig(t)
	var out bytes.Buffer

	assert.Error(t, run(nil, &out))
	assert.Error(t, run([]string{"-config", cfgPath, "defrag"}, &out))
	assert.Error(t, run([]string{"-config", cfgPath, "purge"}, &out))
	assert.Error(t, run([]string{"-config", filepath.Join(t.TempDir(), "missing.yaml"), "info"}, &out))
}
