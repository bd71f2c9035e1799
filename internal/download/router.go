// Package download serves published artifacts over plain HTTP.
package download

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/speech-broker/internal/artifact"
	"github.com/book-expert/speech-broker/internal/metrics"
	"github.com/gin-gonic/gin"
)

// Routes.
const (
	RouteDownload = "/download/:id"
	RouteHealth   = "/healthz"
	RouteMetrics  = "/metrics"
)

// MsgNotFound is the body of every 404 response.
const MsgNotFound = "artifact not found or expired"

const contentDisposition = "attachment; filename=%q"

// Handler resolves artifact ids against the store.
type Handler struct {
	store    *artifact.Store
	recorder metrics.Recorder
	log      *logger.Logger
}

// NewHandler creates a handler. A nil recorder disables metrics.
func NewHandler(store *artifact.Store, recorder metrics.Recorder, log *logger.Logger) *Handler {
	if recorder == nil {
		recorder = metrics.Noop{}
	}

	return &Handler{store: store, recorder: recorder, log: log}
}

// NewRouter builds the retrieval router. metricsHandler is mounted at
// /metrics when non-nil.
func NewRouter(handler *Handler, metricsHandler http.Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(handler.log))

	router.GET(RouteDownload, handler.Download)
	router.HEAD(RouteDownload, handler.Download)
	router.GET(RouteHealth, func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	if metricsHandler != nil {
		router.GET(RouteMetrics, gin.WrapH(metricsHandler))
	}

	return router
}

// Download streams the artifact named by the :id path parameter. Absent,
// malformed and expired ids all answer 404; an expired file is deleted first.
func (h *Handler) Download(c *gin.Context) {
	id := artifact.ID(c.Param("id"))

	file, art, err := h.store.Open(id)
	if err != nil {
		switch {
		case errors.Is(err, artifact.ErrExpired):
			h.recorder.Download(metrics.DownloadExpired)
			h.log.Info("Artifact %s expired; deleted on access", id)
			c.String(http.StatusNotFound, MsgNotFound)
		case errors.Is(err, artifact.ErrNotFound):
			h.recorder.Download(metrics.DownloadNotFound)
			c.String(http.StatusNotFound, MsgNotFound)
		default:
			h.recorder.Download(metrics.DownloadError)
			h.log.Error("Failed to open artifact %s: %v", id, err)
			c.String(http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		}

		return
	}
	defer file.Close()

	name := id.String() + "." + string(h.store.Format())

	c.Header("Content-Type", h.store.Format().ContentType())
	c.Header("Content-Disposition", fmt.Sprintf(contentDisposition, name))
	http.ServeContent(c.Writer, c.Request, name, art.CreatedAt, file)

	h.recorder.Download(metrics.DownloadServed)
}

func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		log.Info("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(),
			time.Since(start).Round(time.Microsecond))
	}
}
