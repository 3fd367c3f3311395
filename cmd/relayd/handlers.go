package main

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/dougsko/framerelay/pkg/audio"
	"github.com/dougsko/framerelay/pkg/engine"
	"github.com/dougsko/framerelay/pkg/hardware"
	"github.com/dougsko/framerelay/pkg/logging"
	"github.com/dougsko/framerelay/pkg/pipeline"
	"github.com/dougsko/framerelay/pkg/relay"
)

// maxAudioUpload bounds POST /streams/:name/audio bodies
const maxAudioUpload = 1 << 20

// errorStatus maps engine errors to HTTP status codes
func errorStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrUnknownStream), errors.Is(err, hardware.ErrDriverNotAvailable),
		errors.Is(err, hardware.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrStreamRunning), errors.Is(err, engine.ErrStreamStopped):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrOutputFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, relay.ErrPartialFrame):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrJournalDisabled):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	c.JSON(errorStatus(err), gin.H{
		"error": err.Error(),
	})
}

// handleGetStatus returns daemon status via socket
func (d *RelayDaemon) handleGetStatus(c *gin.Context) {
	status, err := d.socketClient.GetStatus()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":          "running",
		"version":         status.Version,
		"uptime":          status.Uptime,
		"start_time":      status.StartTime,
		"streams":         status.Streams,
		"running_streams": status.RunningStreams,
		"drivers":         status.Drivers,
	})
}

func (d *RelayDaemon) handleGetStreams(c *gin.Context) {
	streams := d.coreEngine.ListStreams()
	c.JSON(http.StatusOK, gin.H{
		"streams": streams,
		"count":   len(streams),
	})
}

func (d *RelayDaemon) handleGetStream(c *gin.Context) {
	status, err := d.coreEngine.StreamStatus(c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (d *RelayDaemon) handleStartStream(c *gin.Context) {
	name := c.Param("name")
	if err := d.coreEngine.StartStream(name); err != nil {
		respondError(c, err)
		return
	}
	status, err := d.coreEngine.StreamStatus(name)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (d *RelayDaemon) handleStopStream(c *gin.Context) {
	name := c.Param("name")
	err := d.coreEngine.StopStream(name)
	if err != nil && !errors.Is(err, relay.ErrShutdownTimeout) {
		respondError(c, err)
		return
	}

	resp := gin.H{"stopped": name}
	if err != nil {
		resp["warning"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// handlePlayAudio queues a body of interleaved little-endian 16-bit samples
// on a pipeline playback stream
func (d *RelayDaemon) handlePlayAudio(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxAudioUpload+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(body) > maxAudioUpload {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "audio body too large"})
		return
	}
	if len(body)%2 != 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must hold 16-bit samples"})
		return
	}

	samples := audio.BytesToInt16(body, nil)
	if err := d.coreEngine.PlayAudio(c.Param("name"), samples); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"queued": len(samples),
	})
}

func (d *RelayDaemon) handleGetDevices(c *gin.Context) {
	driver := c.Param("driver")
	devices, err := d.coreEngine.Devices(driver)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"driver":  driver,
		"devices": devices,
	})
}

func (d *RelayDaemon) handleGetEvents(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil {
		limit = 50
	}

	events, err := d.coreEngine.Events(c.Query("stream"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

func (d *RelayDaemon) handleGetEventStats(c *gin.Context) {
	stats, err := d.coreEngine.StreamStats()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stats": stats,
	})
}

func (d *RelayDaemon) handleGetLevels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"levels": d.coreEngine.Levels(),
	})
}

// WebSocket upgrader
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleLevelsWebSocket pushes level and spectrum snapshots of every
// monitored capture stream at the monitor interval
func (d *RelayDaemon) handleLevelsWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warnf("web", "WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	logging.Debug("web", "levels WebSocket client connected")

	interval := d.config.MonitorInterval()
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// the client only ever closes; reads detect that
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ticker.C:
			data := map[string]interface{}{
				"type":      "levels",
				"timestamp": time.Now().UnixMilli(),
				"levels":    d.coreEngine.Levels(),
			}
			conn.SetWriteDeadline(time.Now().Add(interval * 10))
			if err := conn.WriteJSON(data); err != nil {
				logging.Debugf("web", "WebSocket write error: %v", err)
				return
			}

		case <-closed:
			logging.Debug("web", "levels WebSocket client disconnected")
			return

		case <-d.ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return
		}
	}
}
