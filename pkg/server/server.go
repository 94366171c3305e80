package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/samber/do"

	"github.com/openfroyo/labctl/pkg/server/routes"
	"github.com/openfroyo/labctl/pkg/telemetry"
)

type Config struct {
	Addr   string
	Logger zerolog.Logger
}

type Server struct {
	e      *echo.Echo
	config *Config
}

// New builds the HTTP server. Route handlers resolve their services from
// injector on each request.
func New(config *Config, injector *do.Injector) *Server {
	e := echo.New()
	e.HidePort = true
	e.HideBanner = true
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogRemoteIP:  true,
		LogMethod:    true,
		LogURI:       true,
		LogUserAgent: true,
		LogStatus:    true,
		LogLatency:   true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			ev := config.Logger.Info()
			if v.Error != nil {
				ev = config.Logger.Warn().Err(v.Error)
			}
			ev.Str("remote_ip", v.RemoteIP).
				Str("method", v.Method).
				Str("uri", v.URI).
				Str("user_agent", v.UserAgent).
				Int("status", v.Status).
				Int64("latency_ms", v.Latency.Milliseconds()).
				Msg("Handled request")
			return nil
		},
	}))
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			config.Logger.Error().Err(err).Bytes("stack", stack).Send()
			return err
		},
	}))
	e.Use(middleware.BodyLimit("4M"))
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := config.Logger.WithContext(req.Context())
			if tel, err := do.Invoke[*telemetry.Telemetry](injector); err == nil {
				ctx = tel.WithContext(ctx)
			}
			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	})

	routes.RegisterEvents(injector, e)
	routes.RegisterDeployments(injector, e)
	routes.RegisterMisc(injector, e)

	return &Server{e: e, config: config}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.e.ServeHTTP(w, r)
}

// Start listens until Stop is called.
func (s *Server) Start() error {
	s.config.Logger.Info().Str("addr", s.config.Addr).Msg("Starting server")
	if err := s.e.Start(s.config.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}
