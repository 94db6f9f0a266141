// Package operator exposes the operator-facing HTTP API: login, enrollment
// code minting, device listing and command push.
package operator

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrelworks/commandhub/internal/auth"
	"github.com/kestrelworks/commandhub/internal/hub"
)

type Config struct {
	Port         uint        `mapstructure:"port"`
	Username     string      `mapstructure:"username"`
	PasswordHash string      `mapstructure:"password_hash"`
	JWT          auth.Config `mapstructure:"jwt"`
}

// EnrollmentCodes is the slice of the credential store the API needs.
type EnrollmentCodes interface {
	CreateEnrollmentCode(ctx context.Context, ttl time.Duration) (string, time.Time, error)
}

type Services struct {
	Hub      *hub.Hub
	Codes    EnrollmentCodes
	Gatherer prometheus.Gatherer
}

func SetupRoutes(engine *gin.Engine, cfg Config, srvs *Services) {
	engine.Use(RequestLogger())

	engine.GET("/health", healthCheck)
	if srvs.Gatherer != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(srvs.Gatherer, promhttp.HandlerOpts{})))
	}

	authHandler := newAuthHandler(cfg)
	engine.POST("/api/auth/login", authHandler.Login)

	api := engine.Group("/api", JWTAuth(cfg.JWT.Secret))
	{
		enrollHandler := newEnrollHandler(srvs.Codes)
		api.POST("/enroll-codes", enrollHandler.Create)

		deviceHandler := newDeviceHandler(srvs.Hub)
		api.GET("/devices", deviceHandler.List)
		api.GET("/devices/:id", deviceHandler.Get)
		api.GET("/devices/:id/events", deviceHandler.Events)
		api.POST("/devices/:id/command", deviceHandler.SendCommand)
	}
}

func healthCheck(c *gin.Context) {
	c.JSON(200, gin.H{"ok": true, "ts": time.Now().Unix()})
}
