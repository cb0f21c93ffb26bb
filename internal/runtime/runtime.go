// Package runtime implements the Runtime Registry (spec.md §4.A): the
// in-memory catalog of installed (language, version) pairs, loaded from
// the package directory's pkg-info.json manifests and resolved against
// lookup requests by language/alias and a semver constraint.
package runtime

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/coderunr/engine/internal/config"
	"github.com/coderunr/engine/internal/types"
	"github.com/sirupsen/logrus"
)

var (
	descriptors []types.RuntimeDescriptor
	mutex       sync.RWMutex
	logger      = logrus.WithField("component", "runtime")
)

// Manager loads and refreshes the registry from the configured package
// directory. Loading is out of engine scope per spec.md §2 but is kept as
// the ambient catalog mechanism the rest of the system depends on.
type Manager struct {
	config *config.Config
}

// NewManager creates a new runtime manager.
func NewManager(cfg *config.Config) *Manager {
	return &Manager{config: cfg}
}

// LoadPackages (re)scans <data_directory>/packages/<language>/<version>/
// for installed runtimes and replaces the in-memory registry.
func (m *Manager) LoadPackages() error {
	packagesDir := filepath.Join(m.config.DataDirectory, "packages")

	if _, err := os.Stat(packagesDir); os.IsNotExist(err) {
		logger.Warn("packages directory does not exist, creating it")
		if err := os.MkdirAll(packagesDir, 0755); err != nil {
			return fmt.Errorf("failed to create packages directory: %w", err)
		}
		return nil
	}

	languages, err := os.ReadDir(packagesDir)
	if err != nil {
		return fmt.Errorf("failed to read packages directory: %w", err)
	}

	var loaded []types.RuntimeDescriptor
	for _, lang := range languages {
		if !lang.IsDir() {
			continue
		}

		langDir := filepath.Join(packagesDir, lang.Name())
		versions, err := os.ReadDir(langDir)
		if err != nil {
			logger.WithError(err).Warnf("failed to read language directory: %s", langDir)
			continue
		}

		for _, version := range versions {
			if !version.IsDir() {
				continue
			}

			packageDir := filepath.Join(langDir, version.Name())
			one, err := m.loadPackage(packageDir)
			if err != nil {
				logger.WithError(err).Warnf("failed to load package: %s", packageDir)
				continue
			}
			loaded = append(loaded, one...)
		}
	}

	mutex.Lock()
	descriptors = loaded
	mutex.Unlock()

	logger.Infof("loaded %d runtimes", len(loaded))
	return nil
}

// LoadPackage loads (without replacing the registry) a single package
// directory, appending its descriptors. Used by the package install flow.
func (m *Manager) LoadPackage(packageDir string) error {
	loaded, err := m.loadPackage(packageDir)
	if err != nil {
		return err
	}
	mutex.Lock()
	descriptors = append(descriptors, loaded...)
	mutex.Unlock()
	return nil
}

func (m *Manager) loadPackage(packageDir string) ([]types.RuntimeDescriptor, error) {
	installedFile := filepath.Join(packageDir, ".installed")
	if _, err := os.Stat(installedFile); os.IsNotExist(err) {
		return nil, nil
	}

	infoFile := filepath.Join(packageDir, "pkg-info.json")
	infoData, err := os.ReadFile(infoFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read pkg-info.json: %w", err)
	}

	var info struct {
		Language string   `json:"language"`
		Version  string   `json:"version"`
		Aliases  []string `json:"aliases"`
		Provides []struct {
			Language       string                 `json:"language"`
			Aliases        []string               `json:"aliases"`
			LimitOverrides map[string]interface{} `json:"limit_overrides"`
		} `json:"provides"`
		LimitOverrides map[string]interface{} `json:"limit_overrides"`
	}
	if err := json.Unmarshal(infoData, &info); err != nil {
		return nil, fmt.Errorf("failed to parse pkg-info.json: %w", err)
	}

	version, err := semver.NewVersion(info.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to parse version %s: %w", info.Version, err)
	}

	compileScript := ""
	if _, err := os.Stat(filepath.Join(packageDir, "compile")); err == nil {
		compileScript = filepath.Join(packageDir, "compile")
	}
	runScript := filepath.Join(packageDir, "run")

	baseEnv, err := m.loadEnvVars(packageDir)
	if err != nil {
		logger.WithError(err).Warnf("failed to load environment variables for %s", packageDir)
		baseEnv = []string{}
	}

	build := func(language string, aliases []string, overrides map[string]interface{}) types.RuntimeDescriptor {
		return types.RuntimeDescriptor{
			Language:       language,
			Version:        version,
			Aliases:        aliases,
			InstallPrefix:  packageDir,
			CompileScript:  compileScript,
			RunScript:      runScript,
			BaseEnv:        baseEnv,
			RuntimeLabel:   info.Language,
			Timeouts:       m.computeTimeouts(language, overrides),
			MemoryLimits:   m.computeMemoryLimits(language, overrides),
			MaxProcesses:   m.computeIntLimit(language, "max_process_count", overrides),
			MaxOpenFiles:   m.computeIntLimit(language, "max_open_files", overrides),
			MaxFileSize:    m.computeInt64Limit(language, "max_file_size", overrides),
			MaxOutputBytes: m.computeIntLimit(language, "output_max_bytes", overrides),
		}
	}

	if len(info.Provides) > 0 {
		result := make([]types.RuntimeDescriptor, 0, len(info.Provides))
		for _, provide := range info.Provides {
			result = append(result, build(provide.Language, provide.Aliases, provide.LimitOverrides))
		}
		logger.Debugf("loaded package %s-%s (%d provided languages)", info.Language, info.Version, len(result))
		return result, nil
	}

	logger.Debugf("loaded package %s-%s", info.Language, info.Version)
	return []types.RuntimeDescriptor{build(info.Language, info.Aliases, info.LimitOverrides)}, nil
}

func (m *Manager) loadEnvVars(packageDir string) ([]string, error) {
	envFile := filepath.Join(packageDir, ".env")
	if _, err := os.Stat(envFile); os.IsNotExist(err) {
		return []string{}, nil
	}

	content, err := os.ReadFile(envFile)
	if err != nil {
		return nil, err
	}

	envContent := strings.TrimSpace(string(content))
	if envContent == "" {
		return []string{}, nil
	}
	return strings.Split(envContent, "\n"), nil
}

// List returns every loaded runtime descriptor.
func List() []types.RuntimeDescriptor {
	mutex.RLock()
	defer mutex.RUnlock()

	result := make([]types.RuntimeDescriptor, len(descriptors))
	copy(result, descriptors)
	return result
}

// Lookup resolves a (language-or-alias, version-constraint) pair to the
// highest matching installed version, per spec.md §4.A. An empty or "*"
// versionConstraint matches any installed version.
func Lookup(languageOrAlias, versionConstraint string) (*types.RuntimeDescriptor, error) {
	if versionConstraint == "" {
		versionConstraint = "*"
	}
	constraint, err := semver.NewConstraint(versionConstraint)
	if err != nil {
		return nil, fmt.Errorf("invalid version constraint: %w", err)
	}

	mutex.RLock()
	defer mutex.RUnlock()

	var latest *types.RuntimeDescriptor
	for i := range descriptors {
		rt := &descriptors[i]
		if rt.Language != languageOrAlias && !contains(rt.Aliases, languageOrAlias) {
			continue
		}
		if !constraint.Check(rt.Version) {
			continue
		}
		if latest == nil || rt.Version.GreaterThan(latest.Version) {
			latest = rt
		}
	}

	if latest == nil {
		return nil, fmt.Errorf("no runtime found for %s-%s", languageOrAlias, versionConstraint)
	}

	result := *latest
	return &result, nil
}

func (m *Manager) computeTimeouts(language string, overrides map[string]interface{}) types.Timeouts {
	return types.Timeouts{
		Compile: m.computeDurationLimit(language, "compile_timeout", overrides, m.config.CompileTimeout),
		Run:     m.computeDurationLimit(language, "run_timeout", overrides, m.config.RunTimeout),
	}
}

func (m *Manager) computeMemoryLimits(language string, overrides map[string]interface{}) types.MemoryLimits {
	return types.MemoryLimits{
		Compile: m.computeInt64Limit(language, "compile_memory_limit", overrides),
		Run:     m.computeInt64Limit(language, "run_memory_limit", overrides),
	}
}

func (m *Manager) computeDurationLimit(language, limitName string, overrides map[string]interface{}, defaultValue time.Duration) time.Duration {
	if value, exists := m.config.GetLimitOverride(language, limitName); exists {
		if duration, ok := value.(time.Duration); ok {
			return duration
		}
		if ms, ok := value.(int); ok {
			return time.Duration(ms) * time.Millisecond
		}
	}

	if overrides != nil {
		if value, exists := overrides[limitName]; exists {
			if ms, ok := value.(float64); ok {
				return time.Duration(ms) * time.Millisecond
			}
			if ms, ok := value.(int); ok {
				return time.Duration(ms) * time.Millisecond
			}
		}
	}

	return defaultValue
}

func (m *Manager) computeIntLimit(language, limitName string, overrides map[string]interface{}) int {
	if value, exists := m.config.GetLimitOverride(language, limitName); exists {
		if intValue, ok := value.(int); ok {
			return intValue
		}
	}

	if overrides != nil {
		if value, exists := overrides[limitName]; exists {
			if intValue, ok := value.(float64); ok {
				return int(intValue)
			}
			if intValue, ok := value.(int); ok {
				return intValue
			}
		}
	}

	switch limitName {
	case "max_process_count":
		return m.config.MaxProcessCount
	case "max_open_files":
		return m.config.MaxOpenFiles
	case "output_max_bytes":
		return m.config.OutputMaxBytes
	default:
		return 0
	}
}

func (m *Manager) computeInt64Limit(language, limitName string, overrides map[string]interface{}) int64 {
	if value, exists := m.config.GetLimitOverride(language, limitName); exists {
		if intValue, ok := value.(int64); ok {
			return intValue
		}
		if intValue, ok := value.(int); ok {
			return int64(intValue)
		}
	}

	if overrides != nil {
		if value, exists := overrides[limitName]; exists {
			if intValue, ok := value.(float64); ok {
				return int64(intValue)
			}
			if intValue, ok := value.(int); ok {
				return int64(intValue)
			}
		}
	}

	switch limitName {
	case "compile_memory_limit":
		return m.config.CompileMemoryLimit
	case "run_memory_limit":
		return m.config.RunMemoryLimit
	case "max_file_size":
		return m.config.MaxFileSize
	default:
		return -1
	}
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
