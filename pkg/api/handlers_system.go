package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/amila-ai/amila/pkg/models"
	"github.com/amila-ai/amila/pkg/version"
)

// healthCheckTimeout bounds the dependency probes of one health call.
const healthCheckTimeout = 5 * time.Second

// GetSchema returns tables and views for a connection. Defaults to the
// postgres default connection when no parameters are given.
func (s *Server) GetSchema(c *gin.Context) {
	dbType := models.DatabaseType(c.DefaultQuery("database_type", string(models.DatabasePostgres)))
	if !dbType.Valid() {
		abortError(c, http.StatusBadRequest, "unknown database_type "+strconv.Quote(string(dbType)))
		return
	}

	schema, err := s.deps.SQL.GetSchema(c.Request.Context(), c.Query("connection_name"), dbType)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "success",
		"schema_data": schema,
	})
}

// Health aggregates dependency health. Database or worker pool failure is
// unhealthy (503); an unreachable cache or an open breaker only degrades
// the service because queries can still run.
func (s *Server) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	status := "healthy"
	httpStatus := http.StatusOK
	components := gin.H{}

	dbHealth, dbErr := s.deps.DB.Health(ctx)
	components["database"] = dbHealth
	if dbErr != nil {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	pool := s.deps.Pool.Health()
	components["queue"] = pool
	if !pool.IsHealthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	cacheStatus := "healthy"
	if err := s.deps.Cache.Ping(ctx); err != nil {
		cacheStatus = "unreachable"
		if status == "healthy" {
			status = "degraded"
		}
	}
	components["cache"] = cacheStatus

	breakers := s.deps.SQL.BreakerStates()
	components["breakers"] = breakers
	for _, state := range breakers {
		if state == "open" && status == "healthy" {
			status = "degraded"
		}
	}

	c.JSON(httpStatus, gin.H{
		"status":     status,
		"version":    version.Full(),
		"components": components,
	})
}
