package routes

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/samber/do"

	"github.com/openfroyo/labctl/pkg/engine"
	"github.com/openfroyo/labctl/pkg/telemetry"
)

// RegisterEvents registers the stream and queue intake routes.
func RegisterEvents(injector *do.Injector, e *echo.Echo) {
	g := e.Group("/v1")

	// Stream events, {"Records": [...]} or a single record.
	g.POST("/events", func(c echo.Context) error {
		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return c.NoContent(http.StatusBadRequest)
		}
		batch, err := engine.ParseStreamBatch(body)
		if err != nil {
			return errorJSON(c, err)
		}

		handler, err := do.Invoke[*engine.Handler](injector)
		if err != nil {
			return errorJSON(c, err)
		}

		op := telemetry.StartOperation(c.Request().Context(), "handle_events")
		err = handler.HandleBatch(op.Ctx, batch)
		op.End(err)

		type response struct {
			Records int    `json:"records"`
			Error   string `json:"error,omitempty"`
		}
		if err != nil {
			return c.JSON(statusFor(err), &response{Records: len(batch.Records), Error: err.Error()})
		}
		return c.JSON(http.StatusOK, &response{Records: len(batch.Records)})
	})

	// Dispatch messages, {"Records": [{"body": "..."}]} or a single message.
	g.POST("/dispatch", func(c echo.Context) error {
		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return c.NoContent(http.StatusBadRequest)
		}

		dispatcher, err := do.Invoke[*engine.Dispatcher](injector)
		if err != nil {
			return errorJSON(c, err)
		}
		ctx := c.Request().Context()

		if !isQueueBatch(body) {
			var msg engine.DispatchMessage
			if err := json.Unmarshal(body, &msg); err != nil {
				return c.JSON(http.StatusBadRequest, &errorResponse{Error: "invalid dispatch message", Code: engine.ErrCodeValidation})
			}
			op := telemetry.StartOperation(ctx, "dispatch", telemetry.AttrDeploymentID.String(msg.DeploymentID))
			res, err := dispatcher.Dispatch(op.Ctx, msg)
			op.End(err)
			if err != nil && res == nil {
				return errorJSON(c, err)
			}
			if err != nil {
				// The record exists; provisioning failed and stays visible in its status.
				return c.JSON(http.StatusAccepted, res)
			}
			if res.Outcome == engine.DispatchCreated {
				return c.JSON(http.StatusCreated, res)
			}
			return c.JSON(http.StatusOK, res)
		}

		var batch engine.QueueBatch
		if err := json.Unmarshal(body, &batch); err != nil {
			return c.JSON(http.StatusBadRequest, &errorResponse{Error: "invalid dispatch batch", Code: engine.ErrCodeValidation})
		}
		results, err := dispatcher.DispatchBatch(ctx, &batch)

		type response struct {
			Results []*engine.DispatchResult `json:"results"`
			Error   string                   `json:"error,omitempty"`
		}
		resp := &response{Results: results}
		if resp.Results == nil {
			resp.Results = []*engine.DispatchResult{}
		}
		if err != nil {
			resp.Error = err.Error()
			return c.JSON(statusFor(err), resp)
		}
		return c.JSON(http.StatusOK, resp)
	})
}

// isQueueBatch reports whether body is a {"Records": [...]} envelope.
func isQueueBatch(body []byte) bool {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return false
	}
	_, ok := envelope["Records"]
	return ok
}
