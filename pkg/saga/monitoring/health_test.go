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

package monitoring

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthManager_Check(t *testing.T) {
	m := NewHealthManager(50 * time.Millisecond)
	report := m.Check(context.Background())
	assert.Equal(t, HealthStatusHealthy, report.Status)
	assert.Empty(t, report.Components)

	m.Register("store", func(context.Context) error { return nil })
	m.Register("transport", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	report = m.Check(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, report.Status)
	require.Len(t, report.Components, 2)
	assert.Equal(t, HealthStatusHealthy, report.Components["store"].Status)
	assert.Equal(t, HealthStatusUnhealthy, report.Components["transport"].Status)
	assert.Contains(t, report.Components["transport"].Error, "deadline exceeded")
}

func TestHealthManager_Handler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewHealthManager(0)
	m.Register("store", func(context.Context) error { return errors.New("connection refused") })

	srv := NewServer(&ServerConfig{Address: ":0", GinMode: gin.TestMode}, nil, nil, m, nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestServer_StartStop(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := NewServer(&ServerConfig{Address: "127.0.0.1:0", GinMode: gin.TestMode}, nil, nil, nil, nil)

	require.NoError(t, srv.Start())
	assert.Error(t, srv.Start(), "already running")

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Stop(context.Background()))
	require.NoError(t, srv.Stop(context.Background()))
}
