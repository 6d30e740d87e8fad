// Package plugins discovers tool plugins and registers them with the
// dispatch registry. External plugins live in per-plugin folders holding
// a plugin-manifest.json; builtin tools are registered in-process.
package plugins

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"kokoro/internal/logging"
	"kokoro/internal/vcp"
)

const manifestFileName = "plugin-manifest.json"

// Manifest describes one plugin folder.
type Manifest struct {
	Name          string        `json:"name"`
	DisplayName   string        `json:"displayName"`
	Version       string        `json:"version"`
	Description   string        `json:"description"`
	Communication Communication `json:"communication"`
	EntryPoint    EntryPoint    `json:"entryPoint"`
	Capabilities  Capabilities  `json:"capabilities"`

	// basePath is the plugin folder, set at load time.
	basePath string
}

// Communication selects the invocation protocol.
type Communication struct {
	Protocol string `json:"protocol"`
	// Timeout is in milliseconds, matching the manifest convention.
	Timeout int `json:"timeout"`
}

// EntryPoint names the executable for stdio plugins.
type EntryPoint struct {
	Command string `json:"command"`
}

// Capabilities lists the commands a plugin exposes to the model.
type Capabilities struct {
	InvocationCommands []InvocationCommand `json:"invocationCommands"`
}

// InvocationCommand is one model-invocable command with its docs.
type InvocationCommand struct {
	Command     string `json:"command"`
	Description string `json:"description"`
	Example     string `json:"example"`
}

// Manager loads plugin manifests and keeps them alongside the dispatch
// registry so tool descriptions can be injected into system prompts.
type Manager struct {
	registry *vcp.Registry

	mu        sync.RWMutex
	manifests map[string]*Manifest
}

// NewManager creates a plugin manager over the given registry.
func NewManager(registry *vcp.Registry) *Manager {
	return &Manager{
		registry:  registry,
		manifests: make(map[string]*Manifest),
	}
}

// LoadDir scans dir for plugin folders and registers every stdio plugin
// found. A broken manifest is logged and skipped. A missing directory is
// not an error, the server just runs without external plugins.
func (m *Manager) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Plugin("plugins directory %s does not exist, skipping", dir)
			return nil
		}
		return fmt.Errorf("failed to read plugins directory: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pluginDir := filepath.Join(dir, entry.Name())
		manifest, err := loadManifest(pluginDir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			logging.PluginError("failed to load plugin %s: %v", entry.Name(), err)
			continue
		}

		if err := m.registerStdio(manifest); err != nil {
			logging.PluginError("failed to register plugin %s: %v", manifest.Name, err)
			continue
		}
		loaded++
	}

	logging.Plugin("loaded %d external plugin(s) from %s", loaded, dir)
	return nil
}

func loadManifest(pluginDir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(pluginDir, manifestFileName))
	if err != nil {
		return nil, err
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	if manifest.Name == "" {
		return nil, fmt.Errorf("manifest missing name")
	}
	manifest.basePath = pluginDir
	return &manifest, nil
}

func (m *Manager) registerStdio(manifest *Manifest) error {
	if manifest.Communication.Protocol != "stdio" {
		return fmt.Errorf("unsupported protocol %q (external plugins must use stdio)", manifest.Communication.Protocol)
	}
	command := strings.Fields(manifest.EntryPoint.Command)
	if len(command) == 0 {
		return fmt.Errorf("manifest has no command configured")
	}

	timeout := vcp.DefaultStdioTimeout
	if manifest.Communication.Timeout > 0 {
		timeout = time.Duration(manifest.Communication.Timeout) * time.Millisecond
	}

	desc := &vcp.HandlerDescriptor{
		Name:        manifest.Name,
		Description: manifest.Description,
		Protocol:    vcp.ProtocolStdio,
		Command:     command,
		WorkDir:     manifest.basePath,
		Timeout:     timeout,
	}
	if err := m.registry.Register(desc); err != nil {
		return err
	}

	m.mu.Lock()
	m.manifests[manifest.Name] = manifest
	m.mu.Unlock()

	logging.Plugin("loaded: %s (%s) - stdio protocol", manifest.DisplayName, manifest.Name)
	return nil
}

// addManifest records a manifest for a builtin tool so it shows up in
// tool descriptions.
func (m *Manager) addManifest(manifest *Manifest) {
	m.mu.Lock()
	m.manifests[manifest.Name] = manifest
	m.mu.Unlock()
}

// Manifests returns all known manifests sorted by name.
func (m *Manager) Manifests() []*Manifest {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Manifest, 0, len(m.manifests))
	for _, manifest := range m.manifests {
		out = append(out, manifest)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
