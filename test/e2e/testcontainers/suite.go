package testcontainers

import (
	"context"
	"log/slog"

	"github.com/testcontainers/testcontainers-go"

	"procodus.dev/iot-audit/pkg/logger"
)

// NewSuiteLogger returns the logger an e2e suite shares with the services it
// starts, tagged with the suite name.
func NewSuiteLogger(suite string) *slog.Logger {
	cfg := logger.DefaultConfig()
	cfg.Service = suite + "-e2e"
	return logger.New(cfg)
}

// Terminate stops container if it was started and logs the outcome. Suites
// call it from their cleanup so a failed start does not mask the original
// error.
func Terminate(ctx context.Context, log *slog.Logger, name string, container testcontainers.Container) {
	if container == nil {
		return
	}
	id := container.GetContainerID()
	log.Info("stopping container", "container", name, "container_id", id)
	if err := container.Terminate(ctx); err != nil {
		log.Error("failed to stop container", "container", name, "container_id", id, "error", err)
	}
}
