// Package httpapi exposes the job manager over HTTP.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/PseudoDarwinist/software-factory-sub003/internal/jobs"
	"github.com/PseudoDarwinist/software-factory-sub003/internal/shared"
)

// Service is the slice of the job manager the HTTP layer needs.
type Service interface {
	Submit(ctx context.Context, jobType, projectID string, params map[string]any) (string, error)
	Status(ctx context.Context, id string) (*jobs.Job, error)
	ActiveJobs(ctx context.Context) ([]*jobs.Job, error)
	ProjectJobs(ctx context.Context, projectID string, limit int) ([]*jobs.Job, error)
	Cancel(ctx context.Context, id string) (bool, error)
	Retry(ctx context.Context, id string) (string, error)
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
	Stats(ctx context.Context) (*jobs.Stats, error)
}

// Handler wires the job service into gin routes.
type Handler struct {
	svc Service
	log *slog.Logger
}

// NewHandler creates an HTTP handler for the job service.
func NewHandler(svc Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log.With("component", "httpapi")}
}

// Register mounts all routes on the engine.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/healthz", h.health)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/jobs", h.submit)
		v1.GET("/jobs", h.listActive)
		v1.GET("/jobs/:id", h.status)
		v1.POST("/jobs/:id/cancel", h.cancel)
		v1.POST("/jobs/:id/retry", h.retry)
		v1.POST("/jobs/cleanup", h.cleanup)
		v1.GET("/projects/:id/jobs", h.projectJobs)
		v1.GET("/stats", h.stats)
	}
}

type submitRequest struct {
	Type      string         `json:"type" binding:"required"`
	ProjectID string         `json:"project_id"`
	Params    map[string]any `json:"params"`
}

func (h *Handler) submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	id, err := h.svc.Submit(c.Request.Context(), req.Type, req.ProjectID, req.Params)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": id})
}

func (h *Handler) status(c *gin.Context) {
	j, err := h.svc.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

func (h *Handler) listActive(c *gin.Context) {
	list, err := h.svc.ActiveJobs(c.Request.Context())
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": emptyIfNil(list)})
}

func (h *Handler) projectJobs(c *gin.Context) {
	var q struct {
		Limit int `form:"limit" binding:"min=0,max=500"`
	}
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query: " + err.Error()})
		return
	}
	list, err := h.svc.ProjectJobs(c.Request.Context(), c.Param("id"), q.Limit)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": emptyIfNil(list)})
}

func (h *Handler) cancel(c *gin.Context) {
	ok, err := h.svc.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": ok})
}

func (h *Handler) retry(c *gin.Context) {
	id, err := h.svc.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": id})
}

type cleanupRequest struct {
	// OlderThan is a Go duration string, e.g. "24h". Zero means the
	// server-side default retention.
	OlderThan string `json:"older_than"`
}

func (h *Handler) cleanup(c *gin.Context) {
	var req cleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	olderThan := 24 * time.Hour
	if req.OlderThan != "" {
		d, err := time.ParseDuration(req.OlderThan)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "older_than must be a positive duration"})
			return
		}
		olderThan = d
	}
	n, err := h.svc.Cleanup(c.Request.Context(), olderThan)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": n})
}

func (h *Handler) stats(c *gin.Context) {
	st, err := h.svc.Stats(c.Request.Context())
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// renderError maps the shared error taxonomy onto HTTP statuses. Internal
// detail stays in the log; the client sees the message only.
func (h *Handler) renderError(c *gin.Context, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"error", err,
		)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusOf(err error) int {
	switch shared.KindOf(err) {
	case shared.KindNotFound:
		return http.StatusNotFound
	case shared.KindValidation:
		return http.StatusBadRequest
	case shared.KindConflict:
		return http.StatusConflict
	case shared.KindUnavailable:
		return http.StatusServiceUnavailable
	case shared.KindTimeout:
		return http.StatusGatewayTimeout
	case shared.KindDependencyFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func emptyIfNil(list []*jobs.Job) []*jobs.Job {
	if list == nil {
		return []*jobs.Job{}
	}
	return list
}
