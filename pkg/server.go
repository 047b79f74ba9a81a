package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	echolog "github.com/labstack/gommon/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"revita/clinic/dispatch-queue-server/pkg/config"
	"revita/clinic/dispatch-queue-server/pkg/infra"
)

const shutdownTimeout = 10 * time.Second

type Server struct {
	application *Application
	echo        *echo.Echo
	server      *http.Server
	logger      *zap.SugaredLogger
}

func ProvideServer(cfg *config.Config, application *Application, loggerFactory *infra.LoggerFactory) *Server {
	logger := loggerFactory.Create("Server").Sugar()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetLevel(echolog.WARN)
	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:   true,
		LogMethod:    true,
		LogURI:       true,
		LogRequestID: true,
		LogStatus:    true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Infof("%v %v id[%v] status[%v] latency[%vms]", v.Method, v.URI, v.RequestID, v.Status, v.Latency.Milliseconds())
			return nil
		},
	}))

	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "dispatch queue server\n")
	})

	e.PUT("/debug", func(c echo.Context) error {
		infra.LoggerLevel.SetLevel(zapcore.DebugLevel)
		e.Logger.SetLevel(echolog.DEBUG)
		logger.Info("debug logging enabled")
		return c.NoContent(http.StatusOK)
	})

	e.DELETE("/debug", func(c echo.Context) error {
		infra.LoggerLevel.SetLevel(zapcore.InfoLevel)
		e.Logger.SetLevel(echolog.WARN)
		logger.Info("debug logging disabled")
		return c.NoContent(http.StatusOK)
	})

	a, alloc := application, application.allocator

	e.GET("/ws", a.HandleWs)

	e.GET("/resources", a.ListResources)
	e.PUT("/resources/:id", a.ProvisionResource)
	e.PUT("/resources/:id/staff", a.AssignStaff)
	e.DELETE("/resources/:id/staff", a.UnassignStaff)
	e.POST("/resources/:id/heartbeat", a.Heartbeat)
	e.DELETE("/resources/:id/heartbeat", a.GoOffline)
	e.GET("/resources/:id/queue", a.GetQueue)
	e.GET("/resources/:id/history", a.History)
	e.GET("/resources/:id/items/:itemId", a.GetItem)

	e.POST("/queue/enqueue", a.Enqueue)

	e.POST("/resources/:id/next", a.resourceAction(alloc.CallNext))
	e.POST("/resources/:id/start", a.resourceAction(alloc.Start))
	e.POST("/resources/:id/complete", a.resourceAction(alloc.Complete))
	e.POST("/resources/:id/skip", a.resourceAction(alloc.Skip))
	e.POST("/resources/:id/recall", a.resourceAction(alloc.RecallSkipped))
	e.POST("/resources/:id/requeue", a.resourceAction(alloc.Requeue))
	e.POST("/resources/:id/previous", a.resourceAction(alloc.ReturnToPrevious))
	e.POST("/resources/:id/send-for-result", a.resourceAction(alloc.SendForResult))
	e.POST("/resources/:id/items/:itemId/return", a.itemAction(alloc.ReturnAfterResult))
	e.POST("/resources/:id/items/:itemId/cancel", a.itemAction(alloc.Cancel))

	return &Server{
		application: application,
		echo:        e,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%v", cfg.ServerPort),
			Handler:           e,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Infof("server running application")
	if err := s.application.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("server starts listening on addr[%v]", s.server.Addr)
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Infof("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}
