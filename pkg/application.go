package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"revita/clinic/dispatch-queue-server/pkg/client"
	"revita/clinic/dispatch-queue-server/pkg/config"
	"revita/clinic/dispatch-queue-server/pkg/dispatch"
	"revita/clinic/dispatch-queue-server/pkg/errs"
	"revita/clinic/dispatch-queue-server/pkg/infra"
	"revita/clinic/dispatch-queue-server/pkg/queue"
	"revita/clinic/dispatch-queue-server/pkg/resource"
	"revita/clinic/dispatch-queue-server/pkg/store"
)

type Application struct {
	config     *config.Config
	registry   *resource.Registry
	allocator  *dispatch.Allocator
	repository *store.Repository
	hub        *client.Hub
	relay      *client.Relay
	wsUpgrader *websocket.Upgrader
	logger     *zap.SugaredLogger
}

func ProvideApplication(cfg *config.Config, registry *resource.Registry, allocator *dispatch.Allocator, repository *store.Repository, hub *client.Hub, relay *client.Relay, loggerFactory *infra.LoggerFactory) *Application {
	return &Application{
		config:     cfg,
		registry:   registry,
		allocator:  allocator,
		repository: repository,
		hub:        hub,
		relay:      relay,
		wsUpgrader: &websocket.Upgrader{
			// Terminals are served from other origins inside the clinic network.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: loggerFactory.Create("Application").Sugar(),
	}
}

// Start loads state and runs the background workers until ctx is done.
func (a *Application) Start(ctx context.Context) error {
	if err := a.registry.Load(ctx); err != nil {
		return err
	}
	if err := a.allocator.Restore(ctx); err != nil {
		return err
	}

	go a.hub.Run(ctx)
	go func() {
		if err := a.relay.Run(ctx); err != nil {
			a.logger.Errorf("relay stopped %v", err)
		}
	}()
	return nil
}

func (a *Application) HandleWs(c echo.Context) error {
	conn, err := a.wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	cl := client.NewClient(conn, a.hub, a.config.PingInterval(), a.logger)
	a.logger.Debugf("websocket connected client[%v] ip[%v]", cl.Id(), c.RealIP())
	cl.Run()
	return nil
}

type errorResponse struct {
	Code    errs.Code `json:"code"`
	Message string    `json:"message"`
}

func statusOf(code errs.Code) int {
	switch code {
	case errs.Validation:
		return http.StatusBadRequest
	case errs.NotFound:
		return http.StatusNotFound
	case errs.CapacityExceeded, errs.ResourceOffline, errs.ResourceInactive,
		errs.NoAvailableResource, errs.Empty, errs.InvalidTransition:
		return http.StatusConflict
	case errs.TransientStore:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *Application) fail(c echo.Context, err error) error {
	code := errs.CodeOf(err)
	status := statusOf(code)
	if status >= http.StatusInternalServerError {
		a.logger.Errorf("%v %v failed %v", c.Request().Method, c.Path(), err)
	}
	if code == "" {
		code = "INTERNAL"
	}
	return c.JSON(status, &errorResponse{Code: code, Message: err.Error()})
}

func (a *Application) ListResources(c echo.Context) error {
	kind := resource.Kind(c.QueryParam("kind"))
	if kind != "" && !kind.Valid() {
		return a.fail(c, errs.New(errs.Validation, "invalid kind[%v]", kind))
	}
	return c.JSON(http.StatusOK, a.allocator.Statuses(c.Request().Context(), kind))
}

func (a *Application) GetQueue(c echo.Context) error {
	snapshot, err := a.allocator.Snapshot(c.Request().Context(), c.Param("id"))
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(http.StatusOK, snapshot)
}

// History lists a resource's items enqueued since the given RFC3339 time,
// newest first. Without since it lists today's items.
func (a *Application) History(c echo.Context) error {
	res, err := a.registry.Get(c.Param("id"))
	if err != nil {
		return a.fail(c, err)
	}

	now := time.Now()
	since := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if raw := c.QueryParam("since"); raw != "" {
		if since, err = time.Parse(time.RFC3339, raw); err != nil {
			return a.fail(c, errs.New(errs.Validation, "invalid since[%v]", raw))
		}
	}

	items, err := a.repository.ListItemsSince(c.Request().Context(), res.Id, since)
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(http.StatusOK, items)
}

// GetItem returns the stored record of an item, finished ones included.
func (a *Application) GetItem(c echo.Context) error {
	item, err := a.repository.GetItem(c.Request().Context(), c.Param("itemId"))
	if err != nil {
		return a.fail(c, err)
	}
	if item.ResourceId != c.Param("id") {
		return a.fail(c, errs.New(errs.NotFound, "item[%v] not found at resource[%v]", item.Id, c.Param("id")))
	}
	return c.JSON(http.StatusOK, item)
}

func (a *Application) ProvisionResource(c echo.Context) error {
	res := resource.Resource{}
	if err := c.Bind(&res); err != nil {
		return a.fail(c, errs.New(errs.Validation, "invalid body: %v", err))
	}
	res.Id = c.Param("id")

	saved, err := a.registry.Provision(c.Request().Context(), res)
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(http.StatusOK, saved)
}

type staffRequest struct {
	StaffId   string `json:"staffId"`
	StaffName string `json:"staffName"`
}

func (a *Application) AssignStaff(c echo.Context) error {
	body := &staffRequest{}
	if err := c.Bind(body); err != nil {
		return a.fail(c, errs.New(errs.Validation, "invalid body: %v", err))
	}
	saved, err := a.registry.AssignStaff(c.Request().Context(), c.Param("id"), body.StaffId, body.StaffName)
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(http.StatusOK, saved)
}

func (a *Application) UnassignStaff(c echo.Context) error {
	saved, err := a.registry.UnassignStaff(c.Request().Context(), c.Param("id"))
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(http.StatusOK, saved)
}

func (a *Application) Heartbeat(c echo.Context) error {
	if err := a.registry.SetOnline(c.Request().Context(), c.Param("id")); err != nil {
		return a.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *Application) GoOffline(c echo.Context) error {
	if err := a.registry.SetOffline(c.Request().Context(), c.Param("id")); err != nil {
		return a.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *Application) Enqueue(c echo.Context) error {
	req := dispatch.EnqueueRequest{}
	if err := c.Bind(&req); err != nil {
		return a.fail(c, errs.New(errs.Validation, "invalid body: %v", err))
	}
	item, err := a.allocator.Enqueue(c.Request().Context(), req)
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(http.StatusCreated, item)
}

// resourceAction adapts an allocator operation on the head of a queue.
func (a *Application) resourceAction(action func(ctx context.Context, resourceId string) (*queue.Item, error)) echo.HandlerFunc {
	return func(c echo.Context) error {
		item, err := action(c.Request().Context(), c.Param("id"))
		if err != nil {
			return a.fail(c, err)
		}
		return c.JSON(http.StatusOK, item)
	}
}

// itemAction adapts an allocator operation on one item of a queue.
func (a *Application) itemAction(action func(ctx context.Context, resourceId, itemId string) (*queue.Item, error)) echo.HandlerFunc {
	return func(c echo.Context) error {
		item, err := action(c.Request().Context(), c.Param("id"), c.Param("itemId"))
		if err != nil {
			return a.fail(c, err)
		}
		return c.JSON(http.StatusOK, item)
	}
}
