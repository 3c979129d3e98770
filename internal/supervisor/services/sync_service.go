// Logmirror - AppMetrica Logs API to DuckDB Mirror
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logmirror

// Package services adapts Logmirror components to suture.Service.
package services

import (
	"context"
	"fmt"
)

// StartStopManager is the lifecycle of the orchestrator.
type StartStopManager interface {
	Start(ctx context.Context) error
	Stop() error
}

// SyncService runs a StartStopManager under a supervisor:
//  1. Start(ctx) spawns the sync loop
//  2. Serve blocks until the context is canceled
//  3. Stop() waits for the in-flight cycle to return
type SyncService struct {
	manager StartStopManager
	name    string
}

// NewSyncService wraps manager.
//
//	svc := services.NewSyncService(orch)
//	tree.AddSyncService(svc)
func NewSyncService(manager StartStopManager) *SyncService {
	return &SyncService{
		manager: manager,
		name:    "sync-orchestrator",
	}
}

// Serve implements suture.Service. A Start failure is returned so the
// supervisor restarts the service with backoff.
func (s *SyncService) Serve(ctx context.Context) error {
	if err := s.manager.Start(ctx); err != nil {
		return fmt.Errorf("sync orchestrator start failed: %w", err)
	}

	<-ctx.Done()

	if err := s.manager.Stop(); err != nil {
		return fmt.Errorf("sync orchestrator stop failed: %w", err)
	}
	return ctx.Err()
}

// String implements fmt.Stringer for suture log messages.
func (s *SyncService) String() string {
	return s.name
}
