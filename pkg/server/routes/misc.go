package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/samber/do"

	"github.com/openfroyo/labctl/pkg/stores"
	"github.com/openfroyo/labctl/pkg/telemetry"
)

func RegisterMisc(injector *do.Injector, e *echo.Echo) {
	e.GET("/healthz", func(c echo.Context) error {
		store, err := do.Invoke[*stores.SQLiteStore](injector)
		if err != nil {
			return c.String(http.StatusServiceUnavailable, "store unavailable")
		}
		if err := store.HealthCheck(c.Request().Context()); err != nil {
			return c.String(http.StatusServiceUnavailable, "store unavailable")
		}
		return c.String(http.StatusOK, "OK")
	})

	e.GET("/metrics", func(c echo.Context) error {
		tel, err := do.Invoke[*telemetry.Telemetry](injector)
		if err != nil {
			return c.NoContent(http.StatusNotFound)
		}
		tel.Metrics.Handler().ServeHTTP(c.Response(), c.Request())
		return nil
	})
}
