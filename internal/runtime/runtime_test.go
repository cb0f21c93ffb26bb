package runtime

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coderunr/engine/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePackage(t *testing.T, dataDir, language, version string, withCompile bool) {
	t.Helper()
	pkgDir := filepath.Join(dataDir, "packages", language, version)
	require.NoError(t, os.MkdirAll(pkgDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(pkgDir, ".installed"), []byte{}, 0644))

	info := map[string]interface{}{
		"language": language,
		"version":  version,
		"aliases":  []string{language + "-alias"},
	}
	data, err := json.Marshal(info)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(pkgDir, "pkg-info.json"), data, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(pkgDir, "run"), []byte("#!/bin/sh\n"), 0755))
	if withCompile {
		require.NoError(t, os.WriteFile(filepath.Join(pkgDir, "compile"), []byte("#!/bin/sh\n"), 0755))
	}
}

func testManager(t *testing.T) (*Manager, string) {
	dataDir := t.TempDir()
	cfg := &config.Config{
		DataDirectory:  dataDir,
		CompileTimeout: 10 * time.Second,
		RunTimeout:     3 * time.Second,
		MaxProcessCount: 32,
		MaxOpenFiles:    1024,
		MaxFileSize:     1 << 20,
		OutputMaxBytes:  1 << 16,
		CompileMemoryLimit: -1,
		RunMemoryLimit:     -1,
		LimitOverrides:     map[string]map[string]interface{}{},
	}
	return NewManager(cfg), dataDir
}

func TestLoadPackagesAndLookup(t *testing.T) {
	mgr, dataDir := testManager(t)
	writePackage(t, dataDir, "python", "3.10.0", false)
	writePackage(t, dataDir, "python", "3.12.0", false)
	writePackage(t, dataDir, "go", "1.21.0", true)

	require.NoError(t, mgr.LoadPackages())

	rt, err := Lookup("python", "3.x")
	require.NoError(t, err)
	assert.Equal(t, "3.12.0", rt.Version.String())

	goRt, err := Lookup("go", "*")
	require.NoError(t, err)
	assert.True(t, goRt.Compiled())
	assert.Equal(t, "1.21.0", goRt.Version.String())
}

func TestLookupByAlias(t *testing.T) {
	mgr, dataDir := testManager(t)
	writePackage(t, dataDir, "python", "3.12.0", false)
	require.NoError(t, mgr.LoadPackages())

	rt, err := Lookup("python-alias", "*")
	require.NoError(t, err)
	assert.Equal(t, "python", rt.Language)
}

func TestLookupUnknownLanguage(t *testing.T) {
	mgr, dataDir := testManager(t)
	writePackage(t, dataDir, "python", "3.12.0", false)
	require.NoError(t, mgr.LoadPackages())

	_, err := Lookup("ruby", "*")
	assert.Error(t, err)
}

func TestLoadPackagesSkipsUninstalled(t *testing.T) {
	mgr, dataDir := testManager(t)
	pkgDir := filepath.Join(dataDir, "packages", "rust", "1.70.0")
	require.NoError(t, os.MkdirAll(pkgDir, 0755))
	// No .installed marker written.

	require.NoError(t, mgr.LoadPackages())
	_, err := Lookup("rust", "*")
	assert.Error(t, err)
}

func TestList(t *testing.T) {
	mgr, dataDir := testManager(t)
	writePackage(t, dataDir, "python", "3.12.0", false)
	writePackage(t, dataDir, "go", "1.21.0", true)
	require.NoError(t, mgr.LoadPackages())

	all := List()
	assert.Len(t, all, 2)
}
