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

package sequencer

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Registry holds named pipeline definitions.
type Registry struct {
	mu        sync.RWMutex
	pipelines map[string]Pipeline
}

type registryFile struct {
	Pipelines []Pipeline `yaml:"pipelines"`
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{pipelines: make(map[string]Pipeline)}
}

// LoadRegistry parses a YAML document of the form
//
//	pipelines:
//	  - name: default
//	    steps: [spelling, references, compliance]
//	    failure_policy: abort
func LoadRegistry(r io.Reader) (*Registry, error) {
	var doc registryFile
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode pipelines: %w", err)
	}
	reg := NewRegistry()
	for _, p := range doc.Pipelines {
		if err := reg.Register(p); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// LoadRegistryFile reads pipeline definitions from path.
func LoadRegistryFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pipelines file: %w", err)
	}
	defer f.Close()
	return LoadRegistry(f)
}

// Register adds or replaces a pipeline.
func (r *Registry) Register(p Pipeline) error {
	if p.Name == "" {
		return fmt.Errorf("%w: pipeline has no name", ErrInvalidPipeline)
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("pipeline %s: %w", p.Name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipelines[p.Name] = p
	return nil
}

// Get returns the pipeline registered under name.
func (r *Registry) Get(name string) (Pipeline, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pipelines[name]
	return p, ok
}

// Names returns the registered pipeline names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.pipelines))
	for n := range r.pipelines {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
