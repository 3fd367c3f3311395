package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dougsko/framerelay/pkg/client"
	"github.com/dougsko/framerelay/pkg/config"
	"github.com/dougsko/framerelay/pkg/engine"
	"github.com/dougsko/framerelay/pkg/logging"
	"github.com/dougsko/framerelay/pkg/observe"
)

// RelayDaemon runs the core engine behind its control socket and the HTTP
// API
type RelayDaemon struct {
	config *config.Config
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	coreEngine   *engine.CoreEngine
	socketClient *client.SocketClient
	webServer    *http.Server
	router       *gin.Engine

	socketPath string
}

// NewRelayDaemon creates a new daemon instance
func NewRelayDaemon(cfg *config.Config) (*RelayDaemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	socketPath := cfg.API.UnixSocket
	if socketPath == "" {
		socketPath = "/tmp/framerelay.sock"
	}

	daemon := &RelayDaemon{
		config:       cfg,
		ctx:          ctx,
		cancel:       cancel,
		socketPath:   socketPath,
		socketClient: client.NewSocketClient(socketPath),
	}

	daemon.coreEngine = engine.NewCoreEngine(cfg, socketPath)

	if err := daemon.setupWebServer(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to setup web server: %w", err)
	}

	return daemon, nil
}

// Start starts the daemon
func (d *RelayDaemon) Start() error {
	logging.Info("daemon", "Starting relayd daemon...")

	if err := d.coreEngine.Start(); err != nil {
		return fmt.Errorf("failed to start core engine: %w", err)
	}

	if !d.socketClient.IsConnected() {
		return fmt.Errorf("failed to connect to core engine socket")
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		logging.Infof("daemon", "Starting web server on %s", d.webServer.Addr)
		if err := d.webServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Errorf("daemon", "Web server error: %v", err)
		}
	}()

	return nil
}

// Stop stops the daemon gracefully
func (d *RelayDaemon) Stop() error {
	logging.Info("daemon", "Stopping daemon...")

	d.cancel()

	var errs []error
	if d.webServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.webServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("web server shutdown: %w", err))
		}
	}

	if d.coreEngine != nil {
		if err := d.coreEngine.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("core engine shutdown: %w", err))
		}
	}

	d.wg.Wait()

	logging.Info("daemon", "Daemon stopped")
	return errors.Join(errs...)
}

// setupWebServer initializes the web server and routes
func (d *RelayDaemon) setupWebServer() error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(requestLogger(), gin.Recovery())

	if d.config.Metrics.Enabled {
		router.Use(observe.GinMiddleware(observe.DefaultMetrics()))
		router.GET(d.config.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	api := router.Group("/api/v1")
	{
		api.GET("/status", d.handleGetStatus)
		api.GET("/streams", d.handleGetStreams)
		api.GET("/streams/:name", d.handleGetStream)
		api.POST("/streams/:name/start", d.handleStartStream)
		api.POST("/streams/:name/stop", d.handleStopStream)
		api.POST("/streams/:name/audio", d.handlePlayAudio)
		api.GET("/devices/:driver", d.handleGetDevices)
		api.GET("/events", d.handleGetEvents)
		api.GET("/events/stats", d.handleGetEventStats)
		api.GET("/levels", d.handleGetLevels)
	}
	router.GET("/ws/levels", d.handleLevelsWebSocket)

	d.router = router
	d.webServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", d.config.Web.BindAddress, d.config.Web.Port),
		Handler: router,
	}

	return nil
}

// requestLogger logs every request through the component logger
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.Debugf("web", "%s %s %d %v", c.Request.Method, c.Request.URL.Path,
			c.Writer.Status(), time.Since(start).Truncate(time.Microsecond))
	}
}
