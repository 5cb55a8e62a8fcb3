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

package testutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment variable docflow reads.
const EnvPrefix = "DOCFLOW_"

// EnvSandbox is a throwaway config directory plus an environment with no
// inherited DOCFLOW_* variables. Both are restored when the test ends.
type EnvSandbox struct {
	T   *testing.T
	Dir string
}

// NewEnvSandbox creates the sandbox. Tests using it must not run in parallel.
func NewEnvSandbox(t *testing.T) *EnvSandbox {
	t.Helper()
	s := &EnvSandbox{T: t, Dir: t.TempDir()}
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, EnvPrefix) {
			s.UnsetEnv(key)
		}
	}
	return s
}

// Path resolves rel inside the sandbox.
func (s *EnvSandbox) Path(rel string) string {
	return filepath.Join(s.Dir, rel)
}

// WriteFile writes content under the sandbox, creating parent directories.
func (s *EnvSandbox) WriteFile(rel string, content []byte) string {
	s.T.Helper()
	p := s.Path(rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		s.T.Fatalf("mkdirs for %s: %v", p, err)
	}
	if err := os.WriteFile(p, content, 0o644); err != nil {
		s.T.Fatalf("write %s: %v", p, err)
	}
	return p
}

// WriteLayer marshals v into the config layer file: docflow.yaml for an
// empty layer, docflow.<layer>.yaml otherwise.
func (s *EnvSandbox) WriteLayer(layer string, v any) string {
	s.T.Helper()
	data, err := yaml.Marshal(v)
	if err != nil {
		s.T.Fatalf("yaml marshal %s layer: %v", layer, err)
	}
	name := "docflow.yaml"
	if layer != "" {
		name = "docflow." + layer + ".yaml"
	}
	return s.WriteFile(name, data)
}

// SetEnv sets key for the rest of the test.
func (s *EnvSandbox) SetEnv(key, value string) {
	s.T.Helper()
	s.T.Setenv(key, value)
}

// UnsetEnv removes key for the rest of the test.
func (s *EnvSandbox) UnsetEnv(key string) {
	s.T.Helper()
	s.T.Setenv(key, "")
	if err := os.Unsetenv(key); err != nil {
		s.T.Fatalf("unsetenv %s: %v", key, err)
	}
}
