package httpserver

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	authmw "github.com/chadiek/call-capture/internal/middleware"
	"github.com/chadiek/call-capture/internal/rtc"
	"github.com/chadiek/call-capture/pkg/logging"
)

// Server bundles HTTP router and dependencies.
type Server struct {
	Router *echo.Echo
}

// New constructs the HTTP server with routes. A nil gatherer serves the default registry.
func New(authPassword string, calls *rtc.Handler, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	logger = logging.OrNop(logger)
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(requestLogger(logger))
	e.Use(middleware.Recover())

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	// Call bridge; the page speaks JSON frames over this socket
	e.GET("/call", func(c echo.Context) error {
		calls.ServeWebSocket(c.Response(), c.Request(), authmw.Authenticated(c))
		return nil
	}, authmw.PasswordAuth(authPassword))

	return &Server{Router: e}
}

func requestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				logger.Warn("request", append(fields, zap.Error(v.Error))...)
				return nil
			}
			logger.Info("request", fields...)
			return nil
		},
	})
}
