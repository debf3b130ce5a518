// Package testutil provides testing utilities for the device agent.
// This file provides a TestEnv wiring a complete agent against the
// mock cloud server for integration tests.
package testutil

import (
	"context"
	"time"

	"go.uber.org/zap"

	"deviceagent/internal/agent"
	"deviceagent/internal/bus"
	"deviceagent/internal/cloud"
	"deviceagent/internal/config"
	"deviceagent/internal/plugins"
	"deviceagent/internal/retry"
)

// TestAuthKey is the API key the TestEnv's mock server accepts.
const TestAuthKey = "test-auth-key"

// TestEnv provides a complete integration environment: a mock cloud
// server and a fully assembled agent pointed at it. Retry and
// reconnect pacing are shortened so failure scenarios finish within
// ordinary test timeouts.
//
// Example usage:
//
//	env := testutil.NewTestEnv(pluginsDir)
//	defer env.Cleanup()
//	env.Start()
type TestEnv struct {
	Server  *MockCloudServer
	Config  *config.Config
	Bus     *bus.Bus
	Manager *plugins.Manager
	Cloud   *cloud.Client
	Agent   *agent.Agent
	Logger  *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewTestEnv assembles an agent whose plugins are discovered from
// pluginsDir. The agent does not run until Start is called.
func NewTestEnv(pluginsDir string) *TestEnv {
	logger := zap.NewNop()
	server := NewMockCloudServer(TestAuthKey)

	cfg := config.Default()
	cfg.ServerURL = server.URL()
	cfg.APIKey = TestAuthKey
	cfg.DeviceID = "device-under-test"
	cfg.DeviceName = "integration"
	cfg.PluginsDir = pluginsDir
	cfg.API.Enabled = false

	b := bus.New(logger)
	manager := plugins.NewManager(pluginsDir, b, logger, nil)
	client := cloud.NewClient(cloud.Config{
		ServerURL:            cfg.ServerURL,
		AuthKey:              cfg.APIKey,
		DeviceID:             cfg.DeviceID,
		ReconnectInterval:    50 * time.Millisecond,
		MaxReconnectAttempts: 5,
		HTTPTimeout:          2 * time.Second,
		Retry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     50 * time.Millisecond,
			Base:         2,
		},
	}, b, logger, nil)

	return &TestEnv{
		Server:  server,
		Config:  cfg,
		Bus:     b,
		Manager: manager,
		Cloud:   client,
		Agent:   agent.New(cfg, b, manager, client, nil, logger),
		Logger:  logger,
	}
}

// Start runs the agent in the background. The agent links, connects,
// and starts its triggers on its own; use the Server's counters to
// wait for the state the test needs.
func (e *TestEnv) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	go func() {
		defer close(e.done)
		_ = e.Agent.Run(ctx)
	}()
}

// Cleanup shuts the agent down and closes the mock server. Always call
// this in a defer after creating the TestEnv.
func (e *TestEnv) Cleanup() {
	if e.cancel != nil {
		e.cancel()
		select {
		case <-e.done:
		case <-time.After(5 * time.Second):
		}
	}
	e.Server.Close()
}
