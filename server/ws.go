package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	chatsync "github.com/rppbarbosa/whatsapp-crm-sub002"
	"github.com/rppbarbosa/whatsapp-crm-sub002/internal/metrics"
)

const (
	wsReadLimit    = 64 << 10
	wsWriteTimeout = 5 * time.Second
)

var (
	errQueueFull  = errors.New("outbound queue full")
	errConnClosed = errors.New("connection closed")
)

// wsConn is one push channel client. The reader goroutine owns the
// authentication state; the writer drains send.
type wsConn struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	authenticated bool
	subject       string
}

func (c *wsConn) ID() string { return c.id }

// Enqueue hands a frame to the writer without blocking. A full queue
// closes the connection; the client reconnects and resyncs.
func (c *wsConn) Enqueue(frame []byte) error {
	select {
	case <-c.ctx.Done():
		return errConnClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		c.cancel()
		return errQueueFull
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket accept")
		return
	}
	conn.SetReadLimit(wsReadLimit)

	ctx, cancel := context.WithCancel(s.ctx)
	c := &wsConn{
		id:     ulid.Make().String(),
		conn:   conn,
		send:   make(chan []byte, s.queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	c.logger = s.logger.With().Str("conn_id", c.id).Logger()

	s.hub.Register(c)
	metrics.PushConnections.Inc()
	defer func() {
		s.hub.Unregister(c.id)
		metrics.PushConnections.Dec()
		cancel()
	}()

	go c.writePump()
	s.readPump(c)
}

func (c *wsConn) writePump() {
	defer func() { _ = c.conn.Close(websocket.StatusNormalClosure, "") }()
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.send:
			ctx, cancel := context.WithTimeout(c.ctx, wsWriteTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				c.logger.Debug().Err(err).Msg("websocket write")
				c.cancel()
				return
			}
		}
	}
}

// readPump reads commands until the client goes away or stays silent for
// longer than the idle timeout.
func (s *Server) readPump(c *wsConn) {
	for {
		ctx, cancel := context.WithTimeout(c.ctx, s.idleTimeout)
		_, data, err := c.conn.Read(ctx)
		cancel()
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Debug().Err(err).Msg("websocket read")
			}
			return
		}

		cmd, err := chatsync.DecodeClientCommand(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping malformed command")
			continue
		}
		s.handleCommand(c, cmd)
	}
}

func (s *Server) handleCommand(c *wsConn, cmd chatsync.ClientCommand) {
	if auth, ok := cmd.(chatsync.AuthenticateCommand); ok {
		subject, err := s.auth.Authenticate(c.ctx, auth.Credential)
		if err != nil {
			c.logger.Info().Err(err).Msg("push authentication rejected")
			s.reply(c, chatsync.AuthErrorEvent{Reason: err.Error()})
			return
		}
		c.authenticated = true
		c.subject = subject
		s.reply(c, chatsync.AuthenticatedEvent{Success: true})
		if auth.ConversationID != "" {
			s.join(c, auth.ConversationID)
		}
		return
	}

	if !c.authenticated {
		s.reply(c, chatsync.AuthErrorEvent{Reason: "not authenticated"})
		return
	}

	switch cmd := cmd.(type) {
	case chatsync.JoinRoomCommand:
		s.join(c, cmd.RoomID)
	case chatsync.LeaveRoomCommand:
		s.hub.Leave(c.id, cmd.RoomID)
	case chatsync.PingCommand:
		s.reply(c, chatsync.PongEvent{RequestID: cmd.RequestID})
	}
}

func (s *Server) join(c *wsConn, conversationID string) {
	if err := s.hub.Join(c.id, conversationID); err != nil {
		c.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("join room")
	}
}

func (s *Server) reply(c *wsConn, ev chatsync.ServerEvent) {
	frame, err := chatsync.Encode(ev)
	if err != nil {
		c.logger.Error().Err(err).Msg("encode reply")
		return
	}
	if err := c.Enqueue(frame); err != nil {
		c.logger.Debug().Err(err).Msg("reply dropped")
	}
}
