package ingest

import (
	"bytes"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/zsiec/framecast/internal/transport"
)

// wsReadLimit bounds one message: an envelope header plus the largest payload.
const wsReadLimit = transport.MaxPayload + 64

// WSServer accepts WebSocket publishers, one envelope per binary message.
type WSServer struct {
	log      *slog.Logger
	registry *Registry
	upgrader websocket.Upgrader
}

// NewWSServer creates a WebSocket ingest handler. If log is nil,
// slog.Default() is used.
func NewWSServer(registry *Registry, log *slog.Logger) *WSServer {
	if log == nil {
		log = slog.Default()
	}
	return &WSServer{
		log:      log.With("component", "ws-ingest"),
		registry: registry,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Routes mounts the publish endpoint at transport.WSPath + ":stream".
func (s *WSServer) Routes(r gin.IRouter) {
	r.GET(transport.WSPath+":stream", s.handlePublish)
}

func (s *WSServer) handlePublish(c *gin.Context) {
	key := transport.StreamKey(c.Param("stream"))
	if _, active := s.registry.Get(key); active {
		c.JSON(http.StatusConflict, gin.H{"error": "stream already active"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("upgrade failed", "stream_key", key, "error", err)
		return
	}
	defer conn.Close()

	stream, err := s.registry.Register(key, ProtocolWS)
	if err != nil {
		s.log.Warn("rejecting publisher", "stream_key", key, "error", err)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "stream already active"))
		return
	}
	defer s.registry.Unregister(key)
	stream.SetRemoteAddr(conn.RemoteAddr().String())
	s.log.Info("publish", "stream_key", key, "remote", conn.RemoteAddr())

	conn.SetReadLimit(wsReadLimit)
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("read error", "stream_key", key, "error", err)
			}
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		if err := s.registry.consume(stream, bytes.NewReader(data), len(data)+16); err != nil {
			s.log.Warn("bad envelope", "stream_key", key, "error", err)
			return
		}
	}
}
