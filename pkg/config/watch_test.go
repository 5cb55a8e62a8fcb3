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
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/innovationmech/docflow/pkg/config/testutil"
)

func TestWatch_ReloadsOnWrite(t *testing.T) {
	s := testutil.NewEnvSandbox(t)
	s.WriteFile("docflow.yaml", []byte("log: { level: info }"))

	_, m, err := Load(sandboxOptions(s))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	levels := make(chan string, 4)
	require.NoError(t, m.Watch(ctx, WatchOptions{Debounce: 20 * time.Millisecond}, func(m *Manager) {
		cfg, err := Decode(m)
		if err == nil {
			levels <- cfg.Log.Level
		}
	}))

	s.WriteFile("docflow.yaml", []byte("log: { level: error }"))

	select {
	case level := <-levels:
		assert.Equal(t, "error", level)
	case <-time.After(5 * time.Second):
		t.Fatal("configuration change was not observed")
	}
}

func TestWatch_IgnoresUnrelatedFiles(t *testing.T) {
	s := testutil.NewEnvSandbox(t)

	_, m, err := Load(sandboxOptions(s))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	called := make(chan struct{}, 1)
	require.NoError(t, m.Watch(ctx, WatchOptions{Debounce: 10 * time.Millisecond}, func(*Manager) {
		called <- struct{}{}
	}))

	s.WriteFile("notes.txt", []byte("hello"))

	select {
	case <-called:
		t.Fatal("unrelated file triggered a reload")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatch_MissingDirectory(t *testing.T) {
	m := NewManager(Options{WorkDir: "/nonexistent/docflow/config"})
	assert.Error(t, m.Watch(context.Background(), WatchOptions{}, nil))
}
