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

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/innovationmech/docflow/pkg/config"
	"github.com/innovationmech/docflow/pkg/saga"
	"github.com/innovationmech/docflow/pkg/saga/envelope"
	"github.com/innovationmech/docflow/pkg/saga/monitoring"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	opts := config.DefaultOptions()
	opts.WorkDir = t.TempDir()
	opts.EnableAutomaticEnv = false
	cfg, _, err := config.Load(opts)
	require.NoError(t, err)

	cfg.Admin.Address = "127.0.0.1:0"
	cfg.Admin.GinMode = "test"
	cfg.Orchestrator.Shards = 2
	cfg.Orchestrator.SweepInterval = 50 * time.Millisecond
	cfg.Metrics.StatsInterval = 20 * time.Millisecond
	return cfg
}

func TestServer_EndToEnd(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := New(ctx, cfg, zap.NewNop())
	require.NoError(t, err)

	var commands atomic.Int32
	require.NoError(t, srv.Transport().Subscribe(ctx, []string{envelope.TypeCreateGeneratedDocument},
		func(context.Context, envelope.Envelope) error {
			commands.Add(1)
			return nil
		}))

	require.NoError(t, srv.Start(ctx))
	defer func() {
		cancel()
		assert.NoError(t, srv.Stop(context.Background()))
	}()

	base := "http://" + srv.AdminAddr()
	body, _ := json.Marshal(monitoring.StartSagaRequest{
		CorrelationID: "gen-e2e",
		Payload: map[string]any{
			"documentProcessName": "contracts",
			"documentTitle":       "MSA",
		},
	})
	resp, err := http.Post(base+"/api/v1/sagas/generation", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	require.Eventually(t, func() bool { return commands.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	inst, err := srv.Orchestrator().Get(ctx, "gen-e2e")
	require.NoError(t, err)
	assert.Equal(t, saga.FamilyGeneration, inst.Family)

	resp, err = http.Get(base + "/api/v1/sagas/gen-e2e")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		return bytes.Contains(data, []byte(`docflow_saga_instances{family="generation"`))
	}, 2*time.Second, 20*time.Millisecond)

	resp, err = http.Get(base + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_AdminDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Admin.Enabled = false
	cfg.Metrics.Enabled = false

	ctx, cancel := context.WithCancel(context.Background())
	srv, err := New(ctx, cfg, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Start(ctx))
	assert.Empty(t, srv.AdminAddr())

	cancel()
	require.NoError(t, srv.Stop(context.Background()))
	require.NoError(t, srv.Stop(context.Background()))
}

func TestNew_Errors(t *testing.T) {
	_, err := New(context.Background(), nil, nil)
	assert.Error(t, err)

	cfg := testConfig(t)
	cfg.Storage.Driver = "cassandra"
	_, err = New(context.Background(), cfg, nil)
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.Families.Validation.PipelinesFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = New(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestWorkflowOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipelines.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pipelines:
  - name: legal
    steps: [spelling, references, compliance]
    failure_policy: abort
`), 0o644))

	opts, err := WorkflowOptions(config.FamiliesConfig{
		Generation: config.GenerationConfig{FailureTolerance: 2},
		Ingestion:  config.IngestionConfig{Stages: []string{"extract", "embed"}},
		Review:     config.ReviewConfig{FailureTolerance: 1},
		Validation: config.ValidationConfig{PipelinesFile: path, DefaultPipeline: "legal"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, opts.GenerationFailureTolerance)
	assert.Equal(t, 1, opts.ReviewFailureTolerance)
	assert.Equal(t, []string{"extract", "embed"}, opts.IngestionStages)
	assert.Equal(t, "legal", opts.DefaultPipeline)
	_, ok := opts.Pipelines.Get("legal")
	assert.True(t, ok)
}

func TestTimeouts(t *testing.T) {
	got := Timeouts(config.FamiliesConfig{
		Generation: config.GenerationConfig{Timeout: time.Hour},
		Review:     config.ReviewConfig{Timeout: 0},
		Validation: config.ValidationConfig{Timeout: time.Minute},
	})
	assert.Equal(t, map[saga.Family]time.Duration{
		saga.FamilyGeneration: time.Hour,
		saga.FamilyValidation: time.Minute,
	}, got)
}
