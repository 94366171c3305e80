package routes

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/samber/do"

	"github.com/openfroyo/labctl/pkg/engine"
	"github.com/openfroyo/labctl/pkg/stores"
)

// RegisterDeployments registers the read-only deployment routes.
func RegisterDeployments(injector *do.Injector, e *echo.Echo) {
	g := e.Group("/v1/deployments")

	g.GET("", func(c echo.Context) error {
		store, err := do.Invoke[*stores.SQLiteStore](injector)
		if err != nil {
			return errorJSON(c, err)
		}

		filter := stores.ListFilter{
			DeploymentStatus: engine.WorkflowStatus(c.QueryParam("status")),
			CleanupStatus:    engine.WorkflowStatus(c.QueryParam("cleanup_status")),
			LabID:            c.QueryParam("lab"),
		}
		if v := c.QueryParam("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return c.JSON(http.StatusBadRequest, &errorResponse{Error: "invalid limit", Code: engine.ErrCodeValidation})
			}
			filter.Limit = n
		}
		if v := c.QueryParam("offset"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return c.JSON(http.StatusBadRequest, &errorResponse{Error: "invalid offset", Code: engine.ErrCodeValidation})
			}
			filter.Offset = n
		}

		records, err := store.ListDeployments(c.Request().Context(), filter)
		if err != nil {
			return errorJSON(c, err)
		}

		type response struct {
			Deployments []*engine.DeploymentRecord `json:"deployments"`
		}
		result := &response{Deployments: make([]*engine.DeploymentRecord, len(records))}
		copy(result.Deployments, records)

		return c.JSON(http.StatusOK, result)
	})

	g.GET("/:id", func(c echo.Context) error {
		store, err := do.Invoke[*stores.SQLiteStore](injector)
		if err != nil {
			return errorJSON(c, err)
		}
		ctx := c.Request().Context()
		depID := c.Param("id")

		record, err := store.GetRecord(ctx, depID)
		if err != nil {
			return errorJSON(c, err)
		}

		type response struct {
			Deployment *engine.DeploymentRecord `json:"deployment"`
			History    []*stores.HistoryEntry   `json:"history,omitempty"`
		}
		resp := &response{Deployment: record}
		if c.QueryParam("history") == "true" {
			history, err := store.History(ctx, depID, 0)
			if err != nil {
				return errorJSON(c, err)
			}
			resp.History = history
		}
		return c.JSON(http.StatusOK, resp)
	})
}
