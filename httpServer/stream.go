package httpServer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"camrelay/internal/relay"
	"camrelay/internal/sessionmanager"
	"camrelay/pkg/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const wsWriteTimeout = 10 * time.Second

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) handleStream(c *gin.Context) {
	s.serveMultipart(c, relay.Params{Port: s.opts.DefaultCameraPort})
}

func (s *Server) handlePresetStream(c *gin.Context) {
	preset, ok := relay.LookupPreset(c.Param("preset"))
	if !ok {
		c.String(http.StatusNotFound, "unknown preset %q\n", c.Param("preset"))
		return
	}
	s.serveMultipart(c, preset.Apply(relay.Params{Port: s.opts.DefaultCameraPort}))
}

// newSession parses the request on top of base. It writes the 400 response
// itself and returns nil when the parameters are invalid.
func (s *Server) newSession(c *gin.Context, base relay.Params, transport string) *relay.Session {
	params, err := relay.ParseParams(c.Request.URL.Query(), base)
	if err != nil {
		c.String(http.StatusBadRequest, "%s\n", err)
		return nil
	}
	params.Transport = transport
	params.ClientIP = c.ClientIP()
	return s.relay.NewSession(params)
}

func (s *Server) serveMultipart(c *gin.Context, base relay.Params) {
	sess := s.newSession(c, base, "multipart")
	if sess == nil {
		return
	}

	err := s.sessions.Run(c.Request.Context(), sess, relay.NewMultipartSink(c.Writer))
	s.finishStream(c, sess, err)
}

// finishStream reports errors the sink could not: a rejected admission
// never reached the session.
func (s *Server) finishStream(c *gin.Context, sess *relay.Session, err error) {
	if errors.Is(err, sessionmanager.ErrTooManySessions) {
		s.log.WithField("client", c.ClientIP()).Warn("Rejected stream: session limit reached")
		c.String(http.StatusServiceUnavailable, "%s\n", err)
		return
	}
	if err != nil {
		c.Error(fmt.Errorf("session %s: %w", sess.ID, err))
	}
}

func (s *Server) handleWSStream(c *gin.Context) {
	sess := s.newSession(c, relay.Params{Port: s.opts.DefaultCameraPort}, "websocket")
	if sess == nil {
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sink := &wsSink{
		w:       c.Writer,
		r:       c.Request,
		session: sess,
		cancel:  cancel,
		log:     s.log.WithField("session", sess.ID),
	}
	err := s.sessions.Run(ctx, sess, sink)
	sink.close()
	s.finishStream(c, sess, err)
}

// wsMessage is a text control message on the websocket stream
type wsMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	Error     string `json:"error,omitempty"`
}

// wsSink sends frames as binary websocket messages. The upgrade happens on
// the first frame so earlier failures are still plain HTTP errors.
type wsSink struct {
	w       http.ResponseWriter
	r       *http.Request
	conn    *websocket.Conn
	session *relay.Session
	cancel  context.CancelFunc
	closed  bool
	log     logrus.FieldLogger
}

func (w *wsSink) upgrade() error {
	conn, err := wsUpgrader.Upgrade(w.w, w.r, nil)
	if err != nil {
		// the upgrader has already answered the request
		return fmt.Errorf("%w: upgrade failed: %v", relay.ErrDownstreamClosed, err)
	}
	w.conn = conn
	go w.readLoop()

	return w.writeJSON(wsMessage{
		Type:      "hello",
		SessionID: w.session.ID,
		Endpoint:  w.session.Endpoint(),
	})
}

// readLoop discards client messages and cancels the session when the client
// closes the socket
func (w *wsSink) readLoop() {
	defer w.cancel()
	for {
		if _, _, err := w.conn.NextReader(); err != nil {
			return
		}
	}
}

func (w *wsSink) writeJSON(msg wsMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", relay.ErrDownstreamClosed, err)
	}
	return nil
}

func (w *wsSink) WriteFrame(frame *models.Frame) error {
	if w.conn == nil {
		if err := w.upgrade(); err != nil {
			return err
		}
	}
	w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := w.conn.WriteMessage(websocket.BinaryMessage, frame.Data); err != nil {
		return fmt.Errorf("%w: %v", relay.ErrDownstreamClosed, err)
	}
	return nil
}

func (w *wsSink) Fail(err error) {
	if w.conn == nil {
		w.w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.w.WriteHeader(relay.HTTPStatus(err))
		fmt.Fprintln(w.w, relay.Diagnostic(err))
		return
	}
	if werr := w.writeJSON(wsMessage{Type: "error", SessionID: w.session.ID, Error: err.Error()}); werr != nil {
		w.log.WithError(werr).Debug("Could not deliver error to websocket client")
	}
	w.closeWith(websocket.CloseInternalServerErr, "stream error")
}

func (w *wsSink) closeWith(code int, reason string) {
	if w.closed {
		return
	}
	w.closed = true
	deadline := time.Now().Add(time.Second)
	_ = w.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	w.conn.Close()
}

// close ends the websocket, if one was opened
func (w *wsSink) close() {
	if w.conn == nil {
		return
	}
	w.closeWith(websocket.CloseNormalClosure, "stream ended")
}
