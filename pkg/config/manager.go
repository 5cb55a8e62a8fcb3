// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// Options tells the Manager where the docflow configuration lives.
//
// Files are merged in this order, later ones winning:
//
//	<base>.yaml
//	<base>.<environment>.yaml   (only when EnvironmentName is set)
//	<override file>             (default <base>.override.yaml)
//
// Registered defaults sit below every file and <EnvPrefix>_* variables above
// them, with dots in keys spelled as underscores (DOCFLOW_ADMIN_ADDRESS).
type Options struct {
	WorkDir          string
	ConfigBaseName   string
	ConfigType       string // yaml or json
	EnvironmentName  string
	OverrideFilename string
	EnvPrefix        string

	EnableAutomaticEnv bool
}

// DefaultOptions reads docflow.yaml from the working directory.
func DefaultOptions() Options {
	return Options{
		WorkDir:            ".",
		ConfigBaseName:     "docflow",
		ConfigType:         "yaml",
		OverrideFilename:   "docflow.override.yaml",
		EnvPrefix:          "DOCFLOW",
		EnableAutomaticEnv: true,
	}
}

// layer is one configuration file in merge order.
type layer struct {
	name string
	path string
}

// Manager merges the configuration layers into one viper instance. A
// Reload builds a fresh instance and swaps it in only when every file
// parses, so a half-written file never leaks into the running settings.
type Manager struct {
	mu       sync.RWMutex
	v        *viper.Viper
	options  Options
	defaults map[string]any
	loaded   []string
}

func NewManager(options Options) *Manager {
	if options.WorkDir == "" {
		options.WorkDir = "."
	}
	if options.ConfigBaseName == "" {
		options.ConfigBaseName = "docflow"
	}
	options.ConfigType = normalizeType(options.ConfigType)

	m := &Manager{options: options, defaults: make(map[string]any)}
	m.v = m.newViper()
	return m
}

func normalizeType(t string) string {
	switch t = strings.ToLower(t); t {
	case "json":
		return t
	default:
		return "yaml"
	}
}

func (m *Manager) newViper() *viper.Viper {
	v := viper.New()
	if m.options.EnableAutomaticEnv {
		if m.options.EnvPrefix != "" {
			v.SetEnvPrefix(m.options.EnvPrefix)
		}
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()
	}
	for key, value := range m.defaults {
		v.SetDefault(key, value)
	}
	return v
}

// SetDefault registers key. Only registered keys are picked up from the
// environment when unmarshalling, so every setting needs a default.
func (m *Manager) SetDefault(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaults[key] = value
	m.v.SetDefault(key, value)
}

// Load merges the configuration files on top of the defaults.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	loaded, err := m.merge(m.v)
	if err != nil {
		return err
	}
	m.loaded = loaded
	return nil
}

// Reload rebuilds the settings from scratch. On error the previous settings
// stay in place.
func (m *Manager) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := m.newViper()
	loaded, err := m.merge(v)
	if err != nil {
		return err
	}
	m.v, m.loaded = v, loaded
	return nil
}

func (m *Manager) merge(v *viper.Viper) ([]string, error) {
	var loaded []string
	for _, l := range m.layers() {
		ok, err := m.mergeFile(v, l.path)
		if err != nil {
			return nil, fmt.Errorf("load %s config: %w", l.name, err)
		}
		if ok {
			loaded = append(loaded, l.path)
		}
	}
	return loaded, nil
}

func (m *Manager) layers() []layer {
	dir, base, ext := m.options.WorkDir, m.options.ConfigBaseName, m.options.ConfigType

	layers := []layer{{name: "base", path: filepath.Join(dir, base+"."+ext)}}
	if env := strings.ToLower(m.options.EnvironmentName); env != "" {
		layers = append(layers, layer{name: "environment", path: filepath.Join(dir, base+"."+env+"."+ext)})
	}
	override := m.options.OverrideFilename
	if override == "" {
		override = base + ".override." + ext
	}
	return append(layers, layer{name: "override", path: filepath.Join(dir, override)})
}

// mergeFile parses path into a scratch viper first so a syntax error leaves
// v untouched. A missing file is skipped.
func (m *Manager) mergeFile(v *viper.Viper, path string) (bool, error) {
	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	tmp := viper.New()
	tmp.SetConfigType(m.options.ConfigType)
	if err := tmp.ReadConfig(bytes.NewReader(content)); err != nil {
		return false, fmt.Errorf("parse %s: %w", path, err)
	}
	return true, v.MergeConfigMap(tmp.AllSettings())
}

// Unmarshal decodes the merged settings into target.
func (m *Manager) Unmarshal(target any) error {
	if target == nil {
		return errors.New("target must not be nil")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v.Unmarshal(target)
}

func (m *Manager) Get(key string) any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v.Get(key)
}

// Files lists every file the manager would read, present or not.
func (m *Manager) Files() []string {
	layers := m.layers()
	files := make([]string, len(layers))
	for i, l := range layers {
		files[i] = l.path
	}
	return files
}

// Loaded lists the files merged by the last successful Load or Reload.
func (m *Manager) Loaded() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.loaded...)
}
