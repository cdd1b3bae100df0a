package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ottlab/streamd/internal/domain/channel"
	"github.com/ottlab/streamd/internal/service"
	"go.uber.org/zap"
)

// ChannelsHandler exposes the channel operations over HTTP.
type ChannelsHandler struct {
	log *zap.Logger
	svc *service.ChannelService
}

// NewChannelsHandler constructs the handler.
func NewChannelsHandler(log *zap.Logger, svc *service.ChannelService) *ChannelsHandler {
	return &ChannelsHandler{log: log.Named("channels_handler"), svc: svc}
}

// channelRequest is the create/update payload.
type channelRequest struct {
	Name        string                `json:"name" binding:"required"`
	InputURL    string                `json:"input_url" binding:"required"`
	AutoRestart bool                  `json:"auto_restart"`
	Params      channel.EncoderParams `json:"ffmpeg_params"`
	Outputs     []channel.Output      `json:"outputs" binding:"required"`
}

func (r *channelRequest) toDomain() *channel.Channel {
	return &channel.Channel{
		Name:        r.Name,
		InputURL:    r.InputURL,
		AutoRestart: r.AutoRestart,
		Params:      r.Params,
		Outputs:     r.Outputs,
	}
}

// List handles GET /api/channels.
func (h *ChannelsHandler) List(c *gin.Context) {
	chs, err := h.svc.ListChannels(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.Header("X-Total-Count", strconv.Itoa(len(chs)))
	c.JSON(http.StatusOK, chs)
}

// Get handles GET /api/channels/:id.
func (h *ChannelsHandler) Get(c *gin.Context) {
	ch, err := h.svc.GetChannel(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, ch)
}

// Create handles POST /api/channels.
func (h *ChannelsHandler) Create(c *gin.Context) {
	var req channelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ch, err := h.svc.CreateChannel(c.Request.Context(), req.toDomain())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ch)
}

// Update handles PUT /api/channels/:id.
func (h *ChannelsHandler) Update(c *gin.Context) {
	var req channelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ch, err := h.svc.UpdateChannel(c.Request.Context(), c.Param("id"), req.toDomain())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, ch)
}

// Delete handles DELETE /api/channels/:id. Deleting implies stop.
func (h *ChannelsHandler) Delete(c *gin.Context) {
	if err := h.svc.DeleteChannel(c.Request.Context(), c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Start handles POST /api/channels/:id/start.
func (h *ChannelsHandler) Start(c *gin.Context) {
	if err := h.svc.Start(c.Request.Context(), c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "running"})
}

// Stop handles POST /api/channels/:id/stop?clean_files=true.
func (h *ChannelsHandler) Stop(c *gin.Context) {
	cleanFiles := c.Query("clean_files") != "false"
	if err := h.svc.Stop(c.Request.Context(), c.Param("id"), cleanFiles); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

// Restart handles POST /api/channels/:id/restart.
func (h *ChannelsHandler) Restart(c *gin.Context) {
	if err := h.svc.Restart(c.Request.Context(), c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "running"})
}

// Status handles GET /api/channels/status.
func (h *ChannelsHandler) Status(c *gin.Context) {
	sum, err := h.svc.GetStatus(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

// Logs handles GET /api/channels/:id/logs with pagination and level
// filtering; ?source=live serves the in-memory ring instead.
func (h *ChannelsHandler) Logs(c *gin.Context) {
	id := c.Param("id")

	if c.Query("source") == "live" {
		lines, _ := strconv.Atoi(c.DefaultQuery("lines", "100"))
		c.JSON(http.StatusOK, gin.H{"lines": h.svc.GetLiveLogs(id, lines)})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	logs, total, err := h.svc.GetLogs(c.Request.Context(), id, c.Query("level"), limit, offset)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.Header("X-Total-Count", strconv.FormatInt(total, 10))
	c.JSON(http.StatusOK, logs)
}

// DeleteLogs handles DELETE /api/channels/:id/logs.
func (h *ChannelsHandler) DeleteLogs(c *gin.Context) {
	if err := h.svc.DeleteLogs(c.Request.Context(), c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Stats handles GET /api/channels/:id/stats.
func (h *ChannelsHandler) Stats(c *gin.Context) {
	stats, err := h.svc.GetStats(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// AnalyzeAudio handles POST /api/analyze/audio with {"input_url": ...}.
func (h *ChannelsHandler) AnalyzeAudio(c *gin.Context) {
	var req struct {
		InputURL string `json:"input_url" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tracks, err := h.svc.AnalyzeAudioTracks(c.Request.Context(), req.InputURL)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"audio_tracks": tracks})
}
