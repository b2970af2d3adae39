package cookieprofile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

const (
	apiHealthCheck  = "/healthz"
	apiPathStatus   = "/status"
	apiPathRefresh  = "/refresh/:guild_id"
	apiReadTimeout  = 5 * time.Second
	apiWriteTimeout = 30 * time.Second
)

// API is the optional local status server. It binds to loopback by
// default and carries no auth: anything it exposes is operational
// read-only state plus the manual refresh trigger.
type API struct {
	config           *StatusAPIConfig
	httpServer       *http.Server
	engine           *gin.Engine
	logger           *slog.Logger
	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
	bot              *CookieProfile
}

func newAPI(bot *CookieProfile, config *StatusAPIConfig) *API {
	logger := slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "api")

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	api := &API{
		config:         config,
		engine:         r,
		logger:         logger,
		requestMetrics: map[string]int{},
		bot:            bot,
	}
	api.httpServer = &http.Server{
		Addr:         config.Listen,
		Handler:      r,
		ReadTimeout:  apiReadTimeout,
		WriteTimeout: apiWriteTimeout,
	}

	r.Use(
		gin.Recovery(),
		ginLoggingMiddleware(logger),
		metricMiddleware(api),
	)

	r.GET(apiHealthCheck, api.healthCheck)
	r.GET(apiPathStatus, api.status)
	r.POST(apiPathRefresh, api.triggerRefresh)

	return api
}

// Serve runs the HTTP server until the context is canceled.
func (a *API) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.httpServer.ListenAndServe()
	}()
	a.logger.Info("status API listening", "addr", a.config.Listen)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(), apiReadTimeout,
		)
		defer cancel()
		return a.httpServer.Shutdown(shutdownCtx)
	}
}

func (a *API) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// status reports uptime, connection state and coarse counters.
func (a *API) status(c *gin.Context) {
	a.requestMetricsMu.Lock()
	metrics := make(map[string]int, len(a.requestMetrics))
	for k, v := range a.requestMetrics {
		metrics[k] = v
	}
	a.requestMetricsMu.Unlock()

	c.JSON(
		http.StatusOK, gin.H{
			"uptime":           time.Since(a.bot.startedAt).String(),
			"connected":        a.bot.discord.connected.Load(),
			"connects":         a.bot.discord.metricConnects.Load(),
			"disconnects":      a.bot.discord.metricDisconnects.Load(),
			"pending_autopost": a.bot.autopost.PendingCount(),
			"requests":         metrics,
		},
	)
}

// triggerRefresh starts a bulk profile refresh for the guild. The pass
// runs synchronously; the local operator curl-ing this can wait.
func (a *API) triggerRefresh(c *gin.Context) {
	guildID := c.Param("guild_id")
	if guildID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "guild_id required"})
		return
	}
	result, err := a.bot.refresher.Run(c.Request.Context(), guildID)
	if err != nil {
		if errors.Is(err, errGuildNotConfigured) {
			c.JSON(http.StatusConflict, gin.H{"error": "guild not configured"})
			return
		}
		a.logger.Error("refresh failed", tint.Err(err), "guild_id", guildID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// ginLoggingMiddleware returns a Gin middleware function for logging
// HTTP requests.
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			logger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			logger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}

// metricMiddleware counts requests per method and path.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()

		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		a.requestMetrics[key]++
	}
}
