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

// Package discovery registers the orchestrator's admin endpoint with Consul
// so that operators and executors can locate healthy instances.
package discovery

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/consul/api"
)

// Config configures Consul registration.
type Config struct {
	Enabled bool `mapstructure:"enabled"`

	// Address of the Consul agent; empty uses the client default.
	Address     string `mapstructure:"address"`
	ServiceName string `mapstructure:"service_name"`

	// ServiceAddress is the address advertised to Consul. It defaults to the
	// host the admin server listens on, or the hostname when that is a
	// wildcard address.
	ServiceAddress  string        `mapstructure:"service_address"`
	Tags            []string      `mapstructure:"tags"`
	CheckInterval   time.Duration `mapstructure:"check_interval"`
	CheckTimeout    time.Duration `mapstructure:"check_timeout"`
	DeregisterAfter time.Duration `mapstructure:"deregister_after"`
}

// DefaultConfig returns the defaults used for unset fields.
func DefaultConfig() Config {
	return Config{
		ServiceName:     "docflow",
		CheckInterval:   10 * time.Second,
		CheckTimeout:    5 * time.Second,
		DeregisterAfter: time.Minute,
	}
}

// Registrar keeps one service registration in the local Consul agent.
type Registrar struct {
	client *api.Client
	cfg    Config

	mu sync.Mutex
	id string
}

// NewRegistrar creates a Consul client for cfg.
func NewRegistrar(cfg Config) (*Registrar, error) {
	def := DefaultConfig()
	if cfg.ServiceName == "" {
		cfg.ServiceName = def.ServiceName
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = def.CheckTimeout
	}
	if cfg.DeregisterAfter <= 0 {
		cfg.DeregisterAfter = def.DeregisterAfter
	}

	config := api.DefaultConfig()
	if cfg.Address != "" {
		config.Address = cfg.Address
	}
	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}
	return &Registrar{client: client, cfg: cfg}, nil
}

// Register advertises the admin server listening on listenAddr together
// with an HTTP check against its /health endpoint.
func (r *Registrar) Register(listenAddr string) error {
	host, portStr, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", listenAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid listen port %q: %w", portStr, err)
	}
	host = r.advertisedHost(host)

	id := fmt.Sprintf("%s-%s-%d", r.cfg.ServiceName, host, port)
	registration := &api.AgentServiceRegistration{
		ID:      id,
		Name:    r.cfg.ServiceName,
		Address: host,
		Port:    port,
		Tags:    r.cfg.Tags,
		Check: &api.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s/health", net.JoinHostPort(host, portStr)),
			Interval:                       r.cfg.CheckInterval.String(),
			Timeout:                        r.cfg.CheckTimeout.String(),
			DeregisterCriticalServiceAfter: r.cfg.DeregisterAfter.String(),
		},
	}
	if err := r.client.Agent().ServiceRegister(registration); err != nil {
		return fmt.Errorf("failed to register %s with consul: %w", id, err)
	}

	r.mu.Lock()
	r.id = id
	r.mu.Unlock()
	return nil
}

func (r *Registrar) advertisedHost(host string) string {
	if r.cfg.ServiceAddress != "" {
		return r.cfg.ServiceAddress
	}
	if ip := net.ParseIP(host); host != "" && (ip == nil || !ip.IsUnspecified()) {
		return host
	}
	if name, err := os.Hostname(); err == nil {
		return name
	}
	return "127.0.0.1"
}

// ServiceID returns the registered id, empty before Register.
func (r *Registrar) ServiceID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

// Deregister removes the registration. It is a no-op when nothing was
// registered.
func (r *Registrar) Deregister() error {
	r.mu.Lock()
	id := r.id
	r.id = ""
	r.mu.Unlock()
	if id == "" {
		return nil
	}
	if err := r.client.Agent().ServiceDeregister(id); err != nil {
		return fmt.Errorf("failed to deregister %s from consul: %w", id, err)
	}
	return nil
}

// Healthy returns the addresses of the passing instances of the service.
func (r *Registrar) Healthy() ([]string, error) {
	entries, _, err := r.client.Health().Service(r.cfg.ServiceName, "", true, nil)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, errors.New("no healthy service instances found: " + r.cfg.ServiceName)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, net.JoinHostPort(e.Service.Address, strconv.Itoa(e.Service.Port)))
	}
	return out, nil
}
