package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/internal/core/services"
	"camrelay/internal/infrastructure/delivery"
	"camrelay/pkg/errors"
	"camrelay/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	webrtc "github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// PeerAnswerer answers a viewer's WebRTC offer with a sink bound to the new
// peer connection.
type PeerAnswerer interface {
	Answer(ctx context.Context, cameraID domain.CameraID, offer webrtc.SessionDescription) (webrtc.SessionDescription, *delivery.TrackSink, error)
}

type CameraHandlerConfig struct {
	JPEGQuality    int
	AllowedOrigins []string

	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type CameraHandler struct {
	streams  services.StreamService
	peers    PeerAnswerer
	cfg      CameraHandlerConfig
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger
}

func NewCameraHandler(
	streams services.StreamService,
	peers PeerAnswerer,
	cfg CameraHandlerConfig,
	logger *zap.SugaredLogger,
) *CameraHandler {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	h := &CameraHandler{
		streams: streams,
		peers:   peers,
		cfg:     cfg,
		logger:  logger,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:     h.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return h
}

func (h *CameraHandler) SetupRoutes(api *gin.RouterGroup, streamLimit gin.HandlerFunc) {
	cameras := api.Group("/cameras/:id", validCameraID)
	{
		cameras.GET("/stream", streamLimit, h.Stream)
		cameras.POST("/offer", streamLimit, h.Offer)
		cameras.POST("/stop", h.Stop)
		cameras.GET("/status", h.Status)
		cameras.GET("/events", h.Events)
	}
	api.GET("/sessions", h.Sessions)
}

func validCameraID(c *gin.Context) {
	if err := validation.ValidateCameraID(c.Param("id")); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		c.Abort()
		return
	}
	c.Next()
}

// checkOrigin allows same-origin requests, clients that send no Origin and
// anything listed in AllowedOrigins ("*" allows all).
func (h *CameraHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return strings.HasSuffix(origin, "://"+r.Host)
}

// Stream serves the camera as multipart JPEG for as long as the viewer stays.
func (h *CameraHandler) Stream(c *gin.Context) {
	id := domain.CameraID(c.Param("id"))
	if h.streams.Busy(id) {
		c.Error(domain.ErrCameraBusy)
		return
	}

	reqCtx := c.Request.Context()
	handle, err := h.streams.Start(reqCtx, id, domain.SinkPush, func() (ports.DeliverySink, error) {
		return delivery.NewPushStreamSink(reqCtx, c.Writer, h.cfg.JPEGQuality, h.logger), nil
	})
	if err != nil {
		c.Error(err)
		return
	}
	defer handle.Release()

	session := handle.Session()
	h.logger.Infow("Push viewer attached",
		"camera_id", id,
		"session_id", session.ID(),
		"remote_addr", c.ClientIP(),
	)

	// The sink writes to c.Writer until the session has let go of it.
	<-session.Done()

	status := session.Status()
	h.logger.Infow("Push viewer detached",
		"camera_id", id,
		"session_id", session.ID(),
		"state", status.State,
		"frames", status.FramesDelivered,
	)
}

type OfferRequest struct {
	SDP  string `json:"sdp" binding:"required"`
	Type string `json:"type"`
}

type OfferResponse struct {
	SDP       string           `json:"sdp"`
	Type      string           `json:"type"`
	SessionID domain.SessionID `json:"session_id"`
}

// Offer negotiates a WebRTC peer for the viewer and starts a transport
// session feeding it.
func (h *CameraHandler) Offer(c *gin.Context) {
	id := domain.CameraID(c.Param("id"))

	var req OfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid offer: " + err.Error()))
		return
	}
	if req.Type != "" && req.Type != "offer" {
		c.Error(errors.NewInvalidInputError("expected an SDP offer"))
		return
	}
	if h.peers == nil {
		c.Error(errors.NewServiceUnavailableError("WebRTC delivery is not available"))
		return
	}
	if h.streams.Busy(id) {
		c.Error(domain.ErrCameraBusy)
		return
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: req.SDP}
	answer, sink, err := h.peers.Answer(c.Request.Context(), id, offer)
	if err != nil {
		c.Error(err)
		return
	}

	handle, err := h.streams.Start(c.Request.Context(), id, domain.SinkTransport, func() (ports.DeliverySink, error) {
		return sink, nil
	})
	if err != nil {
		sink.Close()
		c.Error(err)
		return
	}
	// the session lives on with the peer connection, not the request
	handle.Release()

	c.JSON(http.StatusOK, OfferResponse{
		SDP:       answer.SDP,
		Type:      answer.Type.String(),
		SessionID: handle.Session().ID(),
	})
}

func (h *CameraHandler) Stop(c *gin.Context) {
	id := domain.CameraID(c.Param("id"))
	if err := h.streams.Stop(c.Request.Context(), id); err != nil {
		c.Error(err)
		return
	}

	status, err := h.streams.Status(id)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"camera_id": id, "state": domain.StateClosed})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *CameraHandler) Status(c *gin.Context) {
	status, err := h.streams.Status(domain.CameraID(c.Param("id")))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *CameraHandler) Sessions(c *gin.Context) {
	sessions := h.streams.List()
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

type eventMessage struct {
	Type   string                `json:"type"`
	Status *domain.SessionStatus `json:"status,omitempty"`
	Change *domain.StateChange   `json:"change,omitempty"`
}

// Events upgrades to a WebSocket and pushes the session's state changes
// until it finishes or the client goes away.
func (h *CameraHandler) Events(c *gin.Context) {
	id := domain.CameraID(c.Param("id"))
	events, cancel, err := h.streams.Subscribe(id)
	if err != nil {
		c.Error(err)
		return
	}
	defer cancel()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warnw("websocket upgrade failed", "camera_id", id, "error", err)
		return
	}
	defer conn.Close()

	if status, err := h.streams.Status(id); err == nil {
		if err := h.write(conn, eventMessage{Type: "status", Status: &status}); err != nil {
			return
		}
	}

	conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
		return nil
	})

	// the reader only notices the client leaving
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Debugw("event feed read failed", "camera_id", id, "error", err)
				}
				return
			}
		}
	}()

	pingTicker := time.NewTicker(h.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case change, ok := <-events:
			if !ok {
				h.closeFeed(conn)
				return
			}
			if err := h.write(conn, eventMessage{Type: "state", Change: &change}); err != nil {
				return
			}
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

func (h *CameraHandler) write(conn *websocket.Conn, msg eventMessage) error {
	conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
	return conn.WriteJSON(msg)
}

func (h *CameraHandler) closeFeed(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session finished")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.cfg.WriteTimeout))
}
