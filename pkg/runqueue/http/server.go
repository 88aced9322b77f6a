// Package http serves a runqueue.Client over HTTP and talks to it.
package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/opst/knitlaunch/pkg/runqueue"
	"github.com/opst/knitlaunch/pkg/utils/echoutil"
)

const (
	codeNotFound  = "not_found"
	codeConflict  = "conflict"
	codeLeaseLost = "lease_lost"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type pushRequest struct {
	RunSpec map[string]any `json:"run_spec"`
}

type popRequest struct {
	AgentID string `json:"agent_id"`
}

type ackRequest struct {
	Lease string `json:"lease"`
	RunID string `json:"run_id"`
}

type warningRequest struct {
	Message string `json:"message"`
	Phase   string `json:"phase"`
}

type runStateBody struct {
	State runqueue.RunState `json:"state"`
}

type stopBody struct {
	StopRequested bool `json:"stop_requested"`
}

type agentStatusBody struct {
	Status runqueue.AgentStatus `json:"status"`
}

// NewServer builds an echo server exposing c.
//
// When apiKey is not empty, requests should carry `Authorization: Bearer <apiKey>`.
func NewServer(c runqueue.Client, apiKey string, loglevel string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	echoutil.SetLevel(e, loglevel)
	e.HTTPErrorHandler = func(err error, ctx echo.Context) {
		e.DefaultHTTPErrorHandler(err, ctx)
		e.Logger.Error(err)
	}
	e.Use(echoutil.LogHandlerFunc)
	if apiKey != "" {
		e.Use(middleware.KeyAuth(func(key string, _ echo.Context) (bool, error) {
			return key == apiKey, nil
		}))
	}
	Register(e, c)
	return e
}

// Register routes handlers for c onto e.
func Register(e *echo.Echo, c runqueue.Client) {
	e.GET("/features", FeaturesHandler(c))

	e.POST("/api/queues", CreateQueueHandler(c))
	e.GET("/api/entities/:entity/queues/:queue", GetQueueHandler(c))
	e.POST("/api/queues/:queueId/items", PushHandler(c))
	e.POST("/api/entities/:entity/projects/:project/queues/:queue/items", PushByNameHandler(c))
	e.POST("/api/entities/:entity/projects/:project/queues/:queue/pop", PopHandler(c))

	e.GET("/api/items/:itemId", GetItemHandler(c))
	e.POST("/api/items/:itemId/ack", AckHandler(c))
	e.POST("/api/items/:itemId/fail", FailHandler(c))
	e.POST("/api/items/:itemId/warnings", WarningHandler(c))

	e.GET("/api/entities/:entity/projects/:project/runs/:runId/state", GetRunStateHandler(c))
	e.PUT("/api/entities/:entity/projects/:project/runs/:runId/state", SetRunStateHandler(c))
	e.GET("/api/entities/:entity/projects/:project/runs/:runId/stop", CheckStopHandler(c))
	e.PUT("/api/entities/:entity/projects/:project/runs/:runId/stop", StopRunHandler(c))

	e.POST("/api/agents", CreateAgentHandler(c))
	e.PUT("/api/agents/:agentId/status", UpdateAgentStatusHandler(c))
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, runqueue.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, errorBody{Code: codeNotFound, Message: err.Error()})
	case errors.Is(err, runqueue.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, errorBody{Code: codeConflict, Message: err.Error()})
	case errors.Is(err, runqueue.ErrLeaseLost):
		return echo.NewHTTPError(http.StatusConflict, errorBody{Code: codeLeaseLost, Message: err.Error()})
	default:
		return echo.NewHTTPError(http.StatusInternalServerError).SetInternal(err)
	}
}

func bind[T any](c echo.Context) (T, error) {
	v := *new(T)
	if err := c.Bind(&v); err != nil {
		return v, echo.NewHTTPError(http.StatusBadRequest, "malformed request").SetInternal(err)
	}
	return v, nil
}

func FeaturesHandler(rq runqueue.Client) echo.HandlerFunc {
	return func(c echo.Context) error {
		f, err := rq.Features(c.Request().Context())
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(http.StatusOK, f)
	}
}

func CreateQueueHandler(rq runqueue.Client) echo.HandlerFunc {
	return func(c echo.Context) error {
		q, err := bind[runqueue.Queue](c)
		if err != nil {
			return err
		}
		if q.Entity == "" || q.Name == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "entity and name are required")
		}
		created, err := rq.CreateRunQueue(c.Request().Context(), q)
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(http.StatusCreated, created)
	}
}

func GetQueueHandler(rq runqueue.Client) echo.HandlerFunc {
	return func(c echo.Context) error {
		q, err := rq.GetRunQueue(c.Request().Context(), c.Param("entity"), c.Param("queue"))
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(http.StatusOK, q)
	}
}

func PushHandler(rq runqueue.Client) echo.HandlerFunc {
	return func(c echo.Context) error {
		req, err := bind[pushRequest](c)
		if err != nil {
			return err
		}
		item, err := rq.PushToRunQueue(c.Request().Context(), c.Param("queueId"), req.RunSpec)
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(http.StatusCreated, item)
	}
}

func PushByNameHandler(rq runqueue.Client) echo.HandlerFunc {
	return func(c echo.Context) error {
		req, err := bind[pushRequest](c)
		if err != nil {
			return err
		}
		item, err := rq.PushToRunQueueByName(
			c.Request().Context(), c.Param("entity"), c.Param("project"), c.Param("queue"), req.RunSpec,
		)
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(http.StatusCreated, item)
	}
}

func PopHandler(rq runqueue.Client) echo.HandlerFunc {
	return func(c echo.Context) error {
		req, err := bind[popRequest](c)
		if err != nil {
			return err
		}
		item, err := rq.PopFromRunQueue(
			c.Request().Context(), c.Param("entity"), c.Param("project"), c.Param("queue"), req.AgentID,
		)
		if errors.Is(err, runqueue.ErrEmpty) {
			return c.NoContent(http.StatusNoContent)
		} else if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(http.StatusOK, item)
	}
}

func GetItemHandler(rq runqueue.Client) echo.HandlerFunc {
	return func(c echo.Context) error {
		item, err := rq.GetRunQueueItem(c.Request().Context(), c.Param("itemId"))
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(http.StatusOK, item)
	}
}

func AckHandler(rq runqueue.Client) echo.HandlerFunc {
	return func(c echo.Context) error {
		req, err := bind[ackRequest](c)
		if err != nil {
			return err
		}
		if err := rq.AckRunQueueItem(c.Request().Context(), c.Param("itemId"), req.Lease, req.RunID); err != nil {
			return toHTTPError(err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func FailHandler(rq runqueue.Client) echo.HandlerFunc {
	return func(c echo.Context) error {
		req, err := bind[warningRequest](c)
		if err != nil {
			return err
		}
		if err := rq.FailRunQueueItem(c.Request().Context(), c.Param("itemId"), req.Message, req.Phase); err != nil {
			return toHTTPError(err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func WarningHandler(rq runqueue.Client) echo.HandlerFunc {
	return func(c echo.Context) error {
		req, err := bind[warningRequest](c)
		if err != nil {
			return err
		}
		if err := rq.UpdateRunQueueItemWarning(c.Request().Context(), c.Param("itemId"), req.Message, req.Phase); err != nil {
			return toHTTPError(err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func GetRunStateHandler(rq runqueue.Client) echo.HandlerFunc {
	return func(c echo.Context) error {
		s, err := rq.GetRunState(c.Request().Context(), c.Param("entity"), c.Param("project"), c.Param("runId"))
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(http.StatusOK, runStateBody{State: s})
	}
}

func SetRunStateHandler(rq runqueue.Client) echo.HandlerFunc {
	return func(c echo.Context) error {
		req, err := bind[runStateBody](c)
		if err != nil {
			return err
		}
		if err := rq.SetRunState(
			c.Request().Context(), c.Param("entity"), c.Param("project"), c.Param("runId"), req.State,
		); err != nil {
			return toHTTPError(err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func CheckStopHandler(rq runqueue.Client) echo.HandlerFunc {
	return func(c echo.Context) error {
		stop, err := rq.CheckStopRequested(c.Request().Context(), c.Param("entity"), c.Param("project"), c.Param("runId"))
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(http.StatusOK, stopBody{StopRequested: stop})
	}
}

func StopRunHandler(rq runqueue.Client) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := rq.StopRun(c.Request().Context(), c.Param("entity"), c.Param("project"), c.Param("runId")); err != nil {
			return toHTTPError(err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func CreateAgentHandler(rq runqueue.Client) echo.HandlerFunc {
	return func(c echo.Context) error {
		a, err := bind[runqueue.Agent](c)
		if err != nil {
			return err
		}
		created, err := rq.CreateLaunchAgent(c.Request().Context(), a)
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(http.StatusCreated, created)
	}
}

func UpdateAgentStatusHandler(rq runqueue.Client) echo.HandlerFunc {
	return func(c echo.Context) error {
		req, err := bind[agentStatusBody](c)
		if err != nil {
			return err
		}
		if err := rq.UpdateLaunchAgentStatus(c.Request().Context(), c.Param("agentId"), req.Status); err != nil {
			return toHTTPError(err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}
