package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/miradorstack/stressloop/internal/engine"
	feedbackv1 "github.com/miradorstack/stressloop/internal/grpc/feedbackv1"
	"github.com/miradorstack/stressloop/internal/notify"
	"github.com/miradorstack/stressloop/internal/utils"
)

// StressProcessor runs one stress sample through the pipeline.
type StressProcessor interface {
	Process(ctx context.Context, req engine.Request) (engine.Response, error)
	Stats() engine.Stats
}

// RouterOptions wire the REST surface.
type RouterOptions struct {
	// Service answers the participant, session, state and task endpoints.
	Service feedbackv1.FeedbackServer
	// Pipeline answers /api/stress directly so a failed session write can
	// still return the raw classification.
	Pipeline StressProcessor
	Hub      *notify.Hub
	Metrics  http.Handler
	Logger   *slog.Logger
	// Heartbeat is the SSE keep-alive interval.
	Heartbeat time.Duration
}

type restHandler struct {
	opts   RouterOptions
	logger *slog.Logger
}

// NewRouter builds the gin engine for the REST surface.
func NewRouter(opts RouterOptions) *gin.Engine {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	h := &restHandler{opts: opts, logger: utils.OrDefault(opts.Logger)}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), h.requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
	})
	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	api := r.Group("/api")
	api.POST("/register", h.register)
	api.POST("/session", h.startSession)
	api.POST("/stress", h.stress)
	api.POST("/log", h.logTask)
	api.GET("/stats", h.stats)
	api.GET("/participants/:id/state", h.state)
	api.GET("/participants/:id/events", h.events)
	return r
}

func (h *restHandler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.logger.Debug("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)))
	}
}

func (h *restHandler) register(c *gin.Context) {
	var req feedbackv1.RegisterRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	resp, err := h.opts.Service.RegisterParticipant(c.Request.Context(), &req)
	if err != nil {
		writeStatusError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *restHandler) startSession(c *gin.Context) {
	var req feedbackv1.StartSessionRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	resp, err := h.opts.Service.StartSession(c.Request.Context(), &req)
	if err != nil {
		writeStatusError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *restHandler) stress(c *gin.Context) {
	if h.opts.Pipeline == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "pipeline not configured"})
		return
	}
	var req feedbackv1.StressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	resp, err := h.opts.Pipeline.Process(c.Request.Context(), FromProtoStressRequest(&req, bearerToken(c)))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, ToProtoStressResponse(resp))
	case errors.Is(err, engine.ErrMalformedInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrPersistence):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":          err.Error(),
			"classification": ToProtoStressResponse(resp),
		})
	default:
		h.logger.Error("stress sample failed", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// taskLogRequest is the /api/log body: either one event inline or a batch
// under "logs" sharing the participant and token.
type taskLogRequest struct {
	feedbackv1.TaskEventRequest
	PID  string         `json:"pid"`
	Logs []taskLogEntry `json:"logs"`
}

type taskLogEntry struct {
	Task           string         `json:"task"`
	Trial          int            `json:"trial"`
	Event          string         `json:"event"`
	Correct        *bool          `json:"correct,omitempty"`
	ReactionTimeMS *float64       `json:"reaction_time_ms,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

func (h *restHandler) logTask(c *gin.Context) {
	var req taskLogRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}
	if req.ParticipantID == "" {
		req.ParticipantID = req.PID
	}
	if req.SessionToken == "" {
		req.SessionToken = bearerToken(c)
	}

	if len(req.Logs) == 0 {
		resp, err := h.opts.Service.LogTaskEvent(c.Request.Context(), &req.TaskEventRequest)
		if err != nil {
			writeStatusError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, resp)
		return
	}

	if req.ParticipantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "participant_id is required"})
		return
	}
	saved := 0
	for _, entry := range req.Logs {
		resp, err := h.opts.Service.LogTaskEvent(c.Request.Context(), &feedbackv1.TaskEventRequest{
			ParticipantID:  req.ParticipantID,
			SessionToken:   req.SessionToken,
			Task:           entry.Task,
			Trial:          entry.Trial,
			Event:          entry.Event,
			Correct:        entry.Correct,
			ReactionTimeMS: entry.ReactionTimeMS,
			Extra:          entry.Extra,
		})
		if err != nil {
			st, _ := status.FromError(err)
			c.JSON(httpStatus(st.Code()), gin.H{"error": st.Message(), "saved": saved})
			return
		}
		if resp.Accepted {
			saved++
		}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "saved": saved})
}

func (h *restHandler) state(c *gin.Context) {
	resp, err := h.opts.Service.GetState(c.Request.Context(), &feedbackv1.StateRequest{ParticipantID: c.Param("id")})
	if err != nil {
		writeStatusError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *restHandler) stats(c *gin.Context) {
	if h.opts.Pipeline == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "pipeline not configured"})
		return
	}
	st := h.opts.Pipeline.Stats()
	c.JSON(http.StatusOK, gin.H{
		"samples": st.Samples,
		"p50_ms":  durationMillis(st.P50),
		"p95_ms":  durationMillis(st.P95),
		"p99_ms":  durationMillis(st.P99),
	})
}

// events streams hub updates for one participant as server-sent events.
func (h *restHandler) events(c *gin.Context) {
	if h.opts.Hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream not configured"})
		return
	}
	sub := h.opts.Hub.Subscribe(c.Param("id"), parseTopics(c.Query("topics"))...)
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.opts.Heartbeat)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			c.SSEvent("ping", gin.H{"time": time.Now().UTC()})
		case update, ok := <-sub.Updates():
			if !ok {
				return
			}
			msg, err := ToProtoUpdate(update)
			if err != nil {
				h.logger.Warn("dropping unencodable update", slog.Any("error", err))
				continue
			}
			c.SSEvent(msg.Topic, msg)
		}
		c.Writer.Flush()
	}
}

// parseTopics splits a comma-separated topic filter, ignoring blanks so that
// "a, b," filters on a and b rather than nothing.
func parseTopics(raw string) []string {
	var topics []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			topics = append(topics, part)
		}
	}
	return topics
}

func bindOptionalJSON(c *gin.Context, dst any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return false
	}
	return true
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func writeStatusError(c *gin.Context, err error) {
	st, _ := status.FromError(err)
	c.JSON(httpStatus(st.Code()), gin.H{"error": st.Message()})
}

func httpStatus(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.FailedPrecondition, codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.Unimplemented:
		return http.StatusNotImplemented
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func durationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
