package bridge

import (
	"context"
	"errors"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cutso/tornado-redisclient/client"
	"github.com/cutso/tornado-redisclient/internal/render"
	"github.com/cutso/tornado-redisclient/protocol"
)

const healthTimeout = 2 * time.Second

// Session is the part of *client.Session the bridge uses.
type Session interface {
	Fetch(cmd protocol.Command) (*client.Future, error)
	Pipeline(ctx context.Context, cmds ...protocol.Command) ([]client.Result, error)
}

var _ Session = (*client.Session)(nil)

// NewRouter exposes session over HTTP. Metrics are served from gatherer
// when it is not nil.
func NewRouter(session Session, gatherer prometheus.Gatherer, debugHTTP bool, log *zap.Logger) *gin.Engine {
	r := setupRouter(debugHTTP, log)
	h := &handlers{session: session}

	r.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})

	r.GET("/health", h.health)
	r.POST("/fetch", h.fetch)
	r.POST("/pipeline", h.pipeline)

	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	return r
}

func setupRouter(debugHTTP bool, log *zap.Logger) *gin.Engine {
	gin.DisableConsoleColor()
	if !debugHTTP {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// Access log, RFC3339 in UTC. Health checks are too noisy to log.
	r.Use(ginzap.GinzapWithConfig(log, &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		SkipPaths:  []string{"/health", "/metrics"},
	}))

	// Logs all panics to the error log, with the stack
	r.Use(ginzap.RecoveryWithZap(log, true))

	return r
}

type handlers struct {
	session Session
}

func (h *handlers) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	f, err := h.session.Fetch(protocol.MustCommand("PING"))
	if err == nil {
		_, err = f.Wait(ctx)
	}

	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	c.String(http.StatusOK, "ok")
}

func (h *handlers) fetch(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cmd, err := render.CommandFromJSON(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	f, err := h.session.Fetch(cmd)
	if err != nil {
		c.JSON(sendErrorStatus(err), gin.H{"error": err.Error()})
		return
	}

	reply, err := f.Wait(c.Request.Context())
	if err != nil && c.Request.Context().Err() != nil {
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
		return
	}

	out, err := render.ReplyJSON(reply, err)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Data(http.StatusOK, "application/json; charset=utf-8", out)
}

func (h *handlers) pipeline(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cmds, err := render.CommandsFromJSON(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	results, err := h.session.Pipeline(c.Request.Context(), cmds...)
	if err != nil {
		status := sendErrorStatus(err)
		if c.Request.Context().Err() != nil {
			status = http.StatusGatewayTimeout
		}

		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	out, err := render.ResultsJSON(results)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Data(http.StatusOK, "application/json; charset=utf-8", out)
}

func sendErrorStatus(err error) int {
	if errors.Is(err, client.ErrClosed) {
		return http.StatusServiceUnavailable
	}

	return http.StatusBadRequest
}
