package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"prism-core/activity"
	"prism-core/domain"
)

const enqueueTimeout = 10 * time.Second

// Deps are the collaborators of the HTTP API. Deduper, Publisher, Queue and
// Broker are optional.
type Deps struct {
	Commands  Applier
	Queries   Reader
	Auth      Authenticator
	Deduper   Deduper
	Publisher Publisher
	// Queue, when set, makes POST /api/commands hand the batch to the
	// worker instead of applying it inline.
	Queue  Enqueuer
	Broker *activity.Broker
	Logger *log.Logger
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, d Deps) {
	e.POST("/api/commands", postCommands(d), GzipRequestMiddleware())
	e.GET("/api/tasks", getTasks(d))
	e.GET("/api/tasks/:id/subtasks", getSubtasks(d))
	e.GET("/api/calendar", getCalendar(d))
	if d.Broker != nil {
		e.GET("/api/stream", streamActivity(d.Auth, d.Broker))
	}
	e.GET("/healthz", healthz)
}

func healthz(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidCommand):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConcurrencyConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidPosition),
		errors.Is(err, domain.ErrScopeMismatch),
		errors.Is(err, domain.ErrInvalidRecurrence):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// begin starts request metrics and authenticates the caller.
func begin(c echo.Context, d Deps, route string) (*requestMetrics, domain.Actor, error) {
	metrics, ctx := newRequestMetrics(c.Request().Context(), d.Logger, route)
	c.SetRequest(c.Request().WithContext(ctx))
	authStart := time.Now()
	userID, err := d.Auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
	metrics.ObserveAuth(time.Since(authStart))
	if err != nil {
		metrics.SetErrorStage("auth")
		return metrics, domain.Actor{}, err
	}
	return metrics, domain.Actor{UserID: userID}, nil
}

// finalizeCommands assigns idempotency keys and timestamps and returns the
// keys in order.
func finalizeCommands(cmds []domain.Command) []string {
	keys := make([]string, len(cmds))
	for i := range cmds {
		if cmds[i].IdempotencyKey == "" {
			cmds[i].IdempotencyKey = uuid.NewString()
		}
		cmds[i].ID = cmds[i].IdempotencyKey
		cmds[i].Timestamp = nextTimestamp()
		keys[i] = cmds[i].IdempotencyKey
	}
	return keys
}

func postCommands(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		metrics, actor, failure := begin(c, d, "/api/commands")
		defer func() { metrics.Log(c.Response().Status, failure) }()
		if failure != nil {
			return c.String(http.StatusUnauthorized, failure.Error())
		}
		ctx := c.Request().Context()

		dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, postCommandMaxSize))
		dec.DisallowUnknownFields()
		cmds := make([]domain.Command, 0, 4)
		if err := dec.Decode(&cmds); err != nil || len(cmds) == 0 {
			metrics.SetErrorStage("decode")
			return c.String(http.StatusBadRequest, "invalid body")
		}
		metrics.SetCommands(len(cmds))
		keys := finalizeCommands(cmds)

		if d.Queue != nil {
			enqueueCtx, cancel := context.WithTimeout(ctx, enqueueTimeout)
			failure = d.Queue.Enqueue(enqueueCtx, actor.UserID, cmds)
			cancel()
			if failure != nil {
				metrics.SetErrorStage("enqueue")
				c.Logger().Errorf("enqueue failed: %v", failure)
				return c.String(http.StatusInternalServerError, "failed to enqueue commands")
			}
			return c.JSON(http.StatusAccepted, queuedResponse{IdempotencyKeys: keys})
		}

		results := make([]commandResult, 0, len(cmds))
		for _, cmd := range cmds {
			if d.Deduper != nil {
				added, err := d.Deduper.Add(ctx, actor.UserID, cmd.IdempotencyKey)
				if err != nil {
					c.Logger().Warnf("deduper unavailable: %v", err)
				} else if !added {
					metrics.AddDuplicate()
					results = append(results, commandResult{IdempotencyKey: cmd.IdempotencyKey, Duplicate: true})
					continue
				}
			}
			applyStart := time.Now()
			cs, err := d.Commands.Apply(ctx, domain.CommandEnvelope{UserID: actor.UserID, Command: cmd})
			metrics.ObserveApply(time.Since(applyStart))
			if err != nil {
				if d.Deduper != nil {
					if rerr := d.Deduper.Remove(ctx, actor.UserID, cmd.IdempotencyKey); rerr != nil {
						c.Logger().Warnf("release idempotency key: %v", rerr)
					}
				}
				failure = err
				metrics.SetErrorStage("apply")
				return c.JSON(statusFor(err), postCommandResponse{Results: results, Error: err.Error()})
			}
			if d.Publisher != nil {
				d.Publisher.Publish(ctx, actor.UserID, cmd.ID, cs)
			}
			metrics.AddApplied()
			results = append(results, commandResult{IdempotencyKey: cmd.IdempotencyKey, Changes: &cs})
		}
		return c.JSON(http.StatusOK, postCommandResponse{Results: results})
	}
}

func getTasks(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		metrics, actor, failure := begin(c, d, "/api/tasks")
		defer func() { metrics.Log(c.Response().Status, failure) }()
		if failure != nil {
			return c.String(http.StatusUnauthorized, failure.Error())
		}
		ref := domain.ScopeRef{
			CategoryID: c.QueryParam("categoryId"),
			BoardID:    c.QueryParam("boardId"),
			SwimlaneID: c.QueryParam("swimlaneId"),
		}
		var tasks []domain.Task
		tasks, failure = d.Queries.Tasks(c.Request().Context(), actor, ref.Resolve(actor))
		if failure != nil {
			metrics.SetErrorStage("storage")
			return c.String(statusFor(failure), failure.Error())
		}
		metrics.SetItemsReturned(len(tasks))
		if tasks == nil {
			tasks = []domain.Task{}
		}
		return c.JSON(http.StatusOK, tasksResponse{Tasks: tasks})
	}
}

func getSubtasks(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		metrics, actor, failure := begin(c, d, "/api/tasks/:id/subtasks")
		defer func() { metrics.Log(c.Response().Status, failure) }()
		if failure != nil {
			return c.String(http.StatusUnauthorized, failure.Error())
		}
		var subs []domain.Subtask
		subs, failure = d.Queries.Subtasks(c.Request().Context(), actor, c.Param("id"))
		if failure != nil {
			metrics.SetErrorStage("storage")
			return c.String(statusFor(failure), failure.Error())
		}
		metrics.SetItemsReturned(len(subs))
		if subs == nil {
			subs = []domain.Subtask{}
		}
		return c.JSON(http.StatusOK, subtasksResponse{Subtasks: subs})
	}
}

func getCalendar(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		metrics, actor, failure := begin(c, d, "/api/calendar")
		defer func() { metrics.Log(c.Response().Status, failure) }()
		if failure != nil {
			return c.String(http.StatusUnauthorized, failure.Error())
		}
		from, err := domain.ParseDate(c.QueryParam("from"))
		if err != nil {
			metrics.SetErrorStage("invalid_from")
			return c.String(http.StatusBadRequest, "invalid from date")
		}
		to, err := domain.ParseDate(c.QueryParam("to"))
		if err != nil {
			metrics.SetErrorStage("invalid_to")
			return c.String(http.StatusBadRequest, "invalid to date")
		}
		var occ []domain.Occurrence
		occ, failure = d.Queries.Calendar(c.Request().Context(), actor, from, to)
		if failure != nil {
			metrics.SetErrorStage("storage")
			return c.String(statusFor(failure), failure.Error())
		}
		metrics.SetItemsReturned(len(occ))
		if occ == nil {
			occ = []domain.Occurrence{}
		}
		return c.JSON(http.StatusOK, calendarResponse{
			From:        domain.FormatDate(from),
			To:          domain.FormatDate(to),
			Occurrences: occ,
		})
	}
}
