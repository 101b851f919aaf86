package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/mesikahq/patient-index/internal/auth"
	"github.com/mesikahq/patient-index/internal/cluster"
	"github.com/mesikahq/patient-index/internal/pipeline"
	"github.com/mesikahq/patient-index/internal/record"
	"github.com/mesikahq/patient-index/internal/review"
)

type Handler struct {
	engine  *pipeline.Engine
	reviews review.Service
	auth    auth.Service
	logger  *logrus.Logger
}

func NewHandler(engine *pipeline.Engine, reviews review.Service, authService auth.Service, logger *logrus.Logger) *Handler {
	return &Handler{
		engine:  engine,
		reviews: reviews,
		auth:    authService,
		logger:  logger,
	}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Secret   string `json:"secret" binding:"required"`
}

func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and secret are required"})
		return
	}

	token, err := h.auth.Authenticate(c.Request.Context(), req.Username, req.Secret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (h *Handler) SubmitRecord(c *gin.Context) {
	var rec record.PatientRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid record payload"})
		return
	}

	out, err := h.engine.Submit(c.Request.Context(), &rec)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) SubmitBatch(c *gin.Context) {
	var recs []*record.PatientRecord
	if err := c.ShouldBindJSON(&recs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid batch payload"})
		return
	}
	if len(recs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty batch"})
		return
	}

	outcomes, err := h.engine.SubmitBatch(c.Request.Context(), recs)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcomes": outcomes})
}

func (h *Handler) GetCluster(c *gin.Context) {
	out, err := h.engine.GetCluster(c.Request.Context(), cluster.Ref(c.Param("id")))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) LookupRecord(c *gin.Context) {
	out, ok, err := h.engine.Lookup(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "record has no cluster assignment"})
		return
	}
	c.JSON(http.StatusOK, out)
}

type mergeRequest struct {
	SourceRef string `json:"source_ref" binding:"required"`
	TargetRef string `json:"target_ref" binding:"required"`
}

func (h *Handler) MergeClusters(c *gin.Context) {
	var req mergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source_ref and target_ref are required"})
		return
	}

	survivor, err := h.engine.MergeClusters(c.Request.Context(),
		cluster.Ref(req.SourceRef), cluster.Ref(req.TargetRef), c.GetString("username"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, survivor)
}

type splitRequest struct {
	RecordID string `json:"record_id" binding:"required"`
}

func (h *Handler) SplitMember(c *gin.Context) {
	var req splitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "record_id is required"})
		return
	}

	fresh, err := h.engine.SplitMember(c.Request.Context(),
		cluster.Ref(c.Param("id")), req.RecordID, c.GetString("username"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, fresh)
}

func (h *Handler) ListReviews(c *gin.Context) {
	limit := 50
	items, err := h.reviews.List(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *Handler) ClaimReview(c *gin.Context) {
	item, err := h.reviews.Claim(c.Request.Context(), c.Param("id"), c.GetString("username"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

type resolveRequest struct {
	Confirm *bool `json:"confirm" binding:"required"`
}

func (h *Handler) ResolveReview(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "confirm is required"})
		return
	}

	out, err := h.engine.ResolveReview(c.Request.Context(), c.Param("id"), c.GetString("username"), *req.Confirm)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// writeError maps engine errors onto HTTP statuses. Retryable conditions are
// reported as 503 so source systems know to resubmit.
func (h *Handler) writeError(c *gin.Context, err error) {
	var (
		conflict    *review.ClaimConflictError
		stale       *cluster.StaleVersionError
		unavailable *cluster.StoreUnavailableError
	)

	switch {
	case errors.Is(err, record.ErrMissingRecordID),
		errors.Is(err, record.ErrMissingSourceID),
		errors.Is(err, record.ErrInvalidRecordData),
		errors.Is(err, record.ErrInvalidDateOfBirth):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})

	case errors.Is(err, cluster.ErrClusterNotFound),
		errors.Is(err, cluster.ErrRecordNotFound),
		errors.Is(err, review.ErrItemNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})

	case errors.As(err, &conflict),
		errors.Is(err, review.ErrResolved),
		errors.Is(err, review.ErrNotClaimed),
		errors.Is(err, review.ErrItemChanged),
		errors.Is(err, cluster.ErrSelfMerge),
		errors.Is(err, cluster.ErrNotAMember),
		errors.As(err, &stale):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})

	case errors.As(err, &unavailable),
		errors.Is(err, pipeline.ErrRetriesExhausted):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable, retry the submission"})

	default:
		h.logger.WithError(err).Error("Unhandled API error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
