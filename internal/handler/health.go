package handler // declare the package name; contains HTTP handlers

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

// HealthHandler reports whether the service and its stores are reachable.
// Redis is optional: a nil client is reported as "disabled", never as a
// failure.
type HealthHandler struct {
	DB    *sql.DB
	Redis *redis.Client
}

// Health is used by load balancers and monitoring systems.  It returns
// 200 when the profile store answers a ping and 503 otherwise.
func (h *HealthHandler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := map[string]string{"db": "ok", "redis": "disabled"}
	if h.DB == nil || h.DB.PingContext(ctx) != nil {
		checks["db"] = "unavailable"
		status = http.StatusServiceUnavailable
	}
	if h.Redis != nil {
		checks["redis"] = "ok"
		if err := h.Redis.Ping(ctx).Err(); err != nil {
			// sessions fall back to memory, so this only degrades
			checks["redis"] = "unavailable"
		}
	}
	return c.JSON(status, checks)
}
