package app

import (
	"context"
	"fmt"

	"sitterd/internal/shared/observability"
)

// HealthService reports the daemon's components on the /health endpoint.
type HealthService struct {
	app *App
}

func NewHealthService(app *App) *HealthService {
	return &HealthService{app: app}
}

func (s *HealthService) Check(ctx context.Context) observability.HealthStatus {
	status := s.app.Manager.Check(ctx)

	if addr := s.app.Server.Addr(); addr != "" {
		status.Components["server"] = fmt.Sprintf("ok (%s, %d connections)", addr, s.app.Server.Sessions())
	} else {
		status.Status = "degraded"
		status.Components["server"] = "not listening"
	}

	cfg := s.app.Config()
	status.Components["coalesce"] = fmt.Sprintf("window=%s max_pending=%d queue_bound=%d",
		cfg.Coalesce.Window, cfg.Coalesce.MaxPending, cfg.Coalesce.QueueBound)
	return status
}
