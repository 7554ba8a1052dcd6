package aqualink

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// socket is the Node's low-level WebSocket transport. It is adapted from
// the teacher's Socket type (original socket.go): a dialer plus a single
// writer goroutine serializing sends over a channel, and a single reader
// goroutine delivering frames to a callback. Reconnect/backoff policy
// belongs to Node (§4.8) now, not to the transport — the teacher folded a
// fixed linear-backoff retry loop into Connect itself (recursing on
// failure), which this module splits out so the jittered-exponential
// formula in §4.8 can be tested independent of the transport, and so a
// close code can drive Node's fatal/retryable decision table.
type socket struct {
	mu        sync.RWMutex
	dialer    *websocket.Dialer
	url       *url.URL
	conn      *websocket.Conn
	connected bool
	sendCh    chan wsFrame
	log       *zap.Logger

	OnMessage func([]byte)
	OnError   func(error)
	OnClose   func(code int, text string)
}

type wsFrame struct {
	data    []byte
	errChan chan error
}

func newSocket(endpoint string, bufferSize int, log *zap.Logger) *socket {
	u, _ := url.Parse(endpoint)
	if log == nil {
		log = zap.NewNop()
	}
	return &socket{
		dialer: &websocket.Dialer{
			ReadBufferSize:   bufferSize,
			WriteBufferSize:  bufferSize,
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 45 * time.Second,
		},
		url:       u,
		sendCh:    make(chan wsFrame),
		OnMessage: func([]byte) {},
		OnError:   func(error) {},
		OnClose:   func(int, string) {},
		log:       log,
	}
}

// connect opens the connection with the given headers, bounded by ctx
// (§5: "WebSocket handshake timeout: node.timeout").
func (s *socket) connect(ctx context.Context, headers http.Header) error {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.mu.Unlock()

	dialer := *s.dialer
	conn, _, err := dialer.DialContext(ctx, s.url.String(), headers)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.sendCh = make(chan wsFrame)
	s.mu.Unlock()

	go s.sendLoop(s.sendCh, conn)
	go s.readLoop()
	return nil
}

func (s *socket) sendLoop(ch chan wsFrame, conn *websocket.Conn) {
	for frame := range ch {
		frame.errChan <- conn.WriteMessage(websocket.TextMessage, frame.data)
	}
}

func (s *socket) readLoop() {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return
	}
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			wasConnected := s.connected
			s.connected = false
			s.mu.Unlock()
			if wasConnected {
				s.log.Debug("node websocket read error", zap.Error(err))
				code, text := websocket.CloseAbnormalClosure, err.Error()
				if ce, ok := err.(*websocket.CloseError); ok {
					code, text = ce.Code, ce.Text
				}
				go s.OnError(err)
				go s.OnClose(code, text)
			}
			return
		}
		// Binary frames and text frames not starting with `{` are ignored
		// (§6 "Worker WebSocket").
		if msgType != websocket.TextMessage || len(data) == 0 || data[0] != '{' {
			continue
		}
		go s.OnMessage(data)
	}
}

// send writes data as a single text frame, blocking until the write
// completes or the socket is not connected.
func (s *socket) send(data []byte) error {
	s.mu.RLock()
	connected := s.connected
	ch := s.sendCh
	s.mu.RUnlock()
	if !connected {
		return ErrNodeNotConnected
	}
	errCh := make(chan error, 1)
	select {
	case ch <- wsFrame{data, errCh}:
	case <-time.After(10 * time.Second):
		return context.DeadlineExceeded
	}
	return <-errCh
}

func (s *socket) isConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *socket) close() error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil
	}
	s.connected = false
	conn := s.conn
	ch := s.sendCh
	s.conn = nil
	s.mu.Unlock()
	close(ch)
	if conn == nil {
		return nil
	}
	return conn.Close()
}
