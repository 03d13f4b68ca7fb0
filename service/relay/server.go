package relay

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"PPAuth/logger"
	"PPAuth/service/metrics"
	"PPAuth/tools/ids"
)

// ===== 配置 =====

type ServerConf struct {
	WriteWait  time.Duration // 单帧写超时
	PongWait   time.Duration // 未收到 pong 即断开
	PingPeriod time.Duration // 必须小于 PongWait
	SendBuffer int           // 每连接发送队列长度, 满了丢帧
	MaxFrame   int64
}

func (c *ServerConf) norm() {
	if c.WriteWait <= 0 {
		c.WriteWait = 5 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.MaxFrame <= 0 {
		c.MaxFrame = 64 << 10
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsConn struct {
	id     string
	origin string
	ctxID  string
	conn   *websocket.Conn
	send   chan []byte
	once   sync.Once
	done   chan struct{}
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Server fans every frame out to the other connections of the same origin.
// Delivery is best effort: a slow connection loses frames.
type Server struct {
	conf    ServerConf
	log     *zap.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	byOrigin map[string]map[string]*wsConn // origin -> (connID -> conn)
	closed   bool
}

func NewServer(conf ServerConf, log *zap.Logger, m *metrics.Metrics) *Server {
	conf.norm()
	return &Server{
		conf:     conf,
		log:      logger.OrNamed(log, "relay"),
		metrics:  m,
		byOrigin: make(map[string]map[string]*wsConn),
	}
}

// Register mounts the websocket endpoint on r.
func (s *Server) Register(r gin.IRoutes) {
	r.GET("/ws", s.HandleWS)
}

// HandleWS expects ?origin=<origin>&ctx=<contextId>.
func (s *Server) HandleWS(c *gin.Context) {
	origin := c.Query("origin")
	if origin == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "origin required"})
		return
	}
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Info("upgrade websocket error", zap.Error(err))
		return
	}
	wc := &wsConn{
		id:     ids.NewContextID(),
		origin: origin,
		ctxID:  c.Query("ctx"),
		conn:   ws,
		send:   make(chan []byte, s.conf.SendBuffer),
		done:   make(chan struct{}),
	}
	if !s.add(wc) {
		wc.close()
		return
	}
	s.log.Debug("connected", zap.String("origin", origin), zap.String("ctx", wc.ctxID))

	go s.writeLoop(wc)
	s.readLoop(wc)

	s.remove(wc)
	wc.close()
	s.log.Debug("disconnected", zap.String("origin", origin), zap.String("ctx", wc.ctxID))
}

func (s *Server) add(wc *wsConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	mm := s.byOrigin[wc.origin]
	if mm == nil {
		mm = make(map[string]*wsConn)
		s.byOrigin[wc.origin] = mm
	}
	mm[wc.id] = wc
	s.metrics.RelayConn(1)
	return true
}

func (s *Server) remove(wc *wsConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mm := s.byOrigin[wc.origin]
	if _, ok := mm[wc.id]; !ok {
		return
	}
	delete(mm, wc.id)
	if len(mm) == 0 {
		delete(s.byOrigin, wc.origin)
	}
	s.metrics.RelayConn(-1)
}

// ---- 读循环：只读，不写；出错即退出 ----
func (s *Server) readLoop(wc *wsConn) {
	ws := wc.conn
	ws.SetReadLimit(s.conf.MaxFrame)
	_ = ws.SetReadDeadline(time.Now().Add(s.conf.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.conf.PongWait))
	})
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.log.Debug("peer closed", zap.String("ctx", wc.ctxID))
			} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.log.Info("read timeout", zap.String("ctx", wc.ctxID))
			} else {
				s.log.Debug("read error", zap.String("ctx", wc.ctxID), zap.Error(err))
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		if _, perr := ParseFrameJSON(data); perr != nil {
			sample := data
			if len(sample) > 256 {
				sample = sample[:256]
			}
			s.log.Info("bad frame", zap.String("ctx", wc.ctxID), zap.Error(perr), zap.ByteString("sample", sample))
			s.metrics.RelayFrame("malformed")
			continue
		}
		s.fanout(wc, data)
	}
}

func (s *Server) fanout(from *wsConn, data []byte) {
	s.mu.RLock()
	peers := make([]*wsConn, 0, len(s.byOrigin[from.origin]))
	for id, c := range s.byOrigin[from.origin] {
		if id != from.id {
			peers = append(peers, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range peers {
		select {
		case c.send <- data:
			s.metrics.RelayFrame("fanout")
		case <-c.done:
		default:
			s.metrics.RelayFrame("dropped")
			s.log.Info("send queue full, drop frame", zap.String("ctx", c.ctxID))
		}
	}
}

func (s *Server) writeLoop(wc *wsConn) {
	ticker := time.NewTicker(s.conf.PingPeriod)
	defer ticker.Stop()
	defer wc.close()
	for {
		select {
		case <-wc.done:
			return
		case data := <-wc.send:
			_ = wc.conn.SetWriteDeadline(time.Now().Add(s.conf.WriteWait))
			if err := wc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := wc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.conf.WriteWait)); err != nil {
				return
			}
		}
	}
}

// Conns returns the number of live connections of origin.
func (s *Server) Conns(origin string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byOrigin[origin])
}

// Kick closes every connection of origin and returns how many were closed.
func (s *Server) Kick(origin string) int {
	s.mu.RLock()
	list := make([]*wsConn, 0, len(s.byOrigin[origin]))
	for _, c := range s.byOrigin[origin] {
		list = append(list, c)
	}
	s.mu.RUnlock()
	for _, c := range list {
		c.close()
	}
	return len(list)
}

// Close refuses new connections and closes the existing ones.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	var all []*wsConn
	for _, mm := range s.byOrigin {
		for _, c := range mm {
			all = append(all, c)
		}
	}
	s.mu.Unlock()
	for _, c := range all {
		c.close()
	}
}
