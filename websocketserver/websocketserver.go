package websocketserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"mjbridge/bridge"
	"mjbridge/hostconnector"
	"mjbridge/metrics"
)

const timeLayout = "2006-01-02 15:04:05"

// ErrBroadcastFull 广播通道已满，消息被丢弃
var ErrBroadcastFull = errors.New("broadcast channel full")

type Message struct {
	Type    string      `json:"type"`
	Content interface{} `json:"content"`
	Time    string      `json:"time"`
	From    string      `json:"from,omitempty"` // 发送者信息
}

// 客户端发来的消息，content 按类型延迟解析
type inboundMessage struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
	From    string          `json:"from,omitempty"`
}

// Welcome 连接建立后发送给客户端
type Welcome struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Actuators int    `json:"actuators"`
	Paused    bool   `json:"paused"`
}

// SimulationControl 仿真控制面，由 bridge.Simulation 实现
type SimulationControl interface {
	State() (bridge.SimulationState, bool)
	SetControl(v []float64) error
	SetPaused(paused bool)
	Paused() bool
	Actuators() int
}

// 客户端信息
type Client struct {
	ID       string
	Name     string
	Conn     *websocket.Conn
	Addr     string
	JoinTime time.Time

	writeMu sync.Mutex // 同一连接同时只能有一个写者
}

func (c *Client) send(message Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.Conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.Conn.WriteJSON(message)
}

// Server 连接池 + 仿真控制消息处理
type Server struct {
	sim        SimulationControl
	clients    map[*websocket.Conn]*Client // 连接 -> 客户端信息
	mutex      sync.RWMutex                // 读写锁，保证线程安全
	broadcast  chan Message                // 广播消息通道
	register   chan *Client                // 注册通道
	unregister chan *websocket.Conn        // 注销通道
	done       chan struct{}
	closeOnce  sync.Once
	upgrader   websocket.Upgrader
}

// NewServer 创建服务器并启动连接池主循环
func NewServer(sim SimulationControl) *Server {
	s := &Server{
		sim:        sim,
		clients:    make(map[*websocket.Conn]*Client),
		broadcast:  make(chan Message, 100),
		register:   make(chan *Client),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	go s.run()
	return s
}

// 连接池主循环
func (s *Server) run() {
	for {
		select {
		case <-s.done:
			s.mutex.Lock()
			for conn := range s.clients {
				conn.Close()
				delete(s.clients, conn)
			}
			s.mutex.Unlock()
			metrics.WebsocketClients.Set(0)
			return

		case client := <-s.register:
			// 注册新客户端
			s.mutex.Lock()
			s.clients[client.Conn] = client
			count := len(s.clients)
			s.mutex.Unlock()
			metrics.WebsocketClients.Set(float64(count))

			log.Printf("客户端 %s (%s) 加入，当前在线: %d", client.Name, client.ID, count)

			s.deliver(Message{
				Type:    "client_join",
				Content: fmt.Sprintf("客户端 %s 已连接", client.Name),
				Time:    now(),
				From:    "系统",
			})

		case conn := <-s.unregister:
			// 注销客户端
			s.mutex.Lock()
			client, exists := s.clients[conn]
			if exists {
				delete(s.clients, conn)
				conn.Close()
			}
			count := len(s.clients)
			s.mutex.Unlock()

			if exists {
				metrics.WebsocketClients.Set(float64(count))
				log.Printf("客户端 %s (%s) 离开，当前在线: %d", client.Name, client.ID, count)
				s.deliver(Message{
					Type:    "client_leave",
					Content: fmt.Sprintf("客户端 %s 已断开", client.Name),
					Time:    now(),
					From:    "系统",
				})
			}

		case message := <-s.broadcast:
			s.deliver(message)
		}
	}
}

// 发送给所有客户端。只在主循环中调用
func (s *Server) deliver(message Message) {
	s.mutex.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mutex.RUnlock()

	for _, c := range clients {
		if err := c.send(message); err != nil {
			log.Printf("广播消息失败 (%s): %v", c.Name, err)
			// 读协程会因连接关闭而退出并注销
			c.Conn.Close()
		}
	}
}

// Broadcast 异步广播消息，通道满时丢弃并返回 ErrBroadcastFull
func (s *Server) Broadcast(message Message) error {
	select {
	case <-s.done:
		return http.ErrServerClosed
	default:
	}
	select {
	case s.broadcast <- message:
		return nil
	case <-s.done:
		return http.ErrServerClosed
	default:
		return ErrBroadcastFull
	}
}

// WriteFrame 实现 hostconnector.FrameSink：把同步帧广播给所有客户端
func (s *Server) WriteFrame(frame hostconnector.SyncFrame) error {
	return s.Broadcast(Message{
		Type:    "frame",
		Content: frame,
		Time:    now(),
		From:    "服务器",
	})
}

// ClientCount 在线客户端数量
func (s *Server) ClientCount() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.clients)
}

// Handler 返回 /ws 与 /metrics 路由
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// 服务器端处理函数（使用连接池）
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	// 生成客户端ID和名称
	clientID := uuid.NewString()
	clientName := r.URL.Query().Get("name")
	if clientName == "" {
		clientName = "client-" + clientID[:8]
	}

	// 创建客户端信息
	client := &Client{
		ID:       clientID,
		Name:     clientName,
		Conn:     conn,
		Addr:     conn.RemoteAddr().String(),
		JoinTime: time.Now(),
	}

	// 欢迎消息先于注册发送，保证它是客户端收到的第一条消息
	welcome := Message{
		Type: "welcome",
		Content: Welcome{
			ID:        clientID,
			Name:      clientName,
			Actuators: s.sim.Actuators(),
			Paused:    s.sim.Paused(),
		},
		Time: now(),
		From: "系统",
	}
	if err := client.send(welcome); err != nil {
		log.Printf("发送欢迎消息失败 (%s): %v", clientName, err)
		conn.Close()
		return
	}

	// 注册客户端到连接池
	select {
	case s.register <- client:
	case <-s.done:
		conn.Close()
		return
	}

	defer func() {
		// 注销客户端
		select {
		case s.unregister <- conn:
		case <-s.done:
		}
	}()

	// 处理客户端消息
	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("读取消息错误 (%s): %v", clientName, err)
			}
			break
		}

		if reply, ok := s.handleMessage(client, msg); ok {
			if err := client.send(reply); err != nil {
				log.Printf("回复消息失败 (%s): %v", clientName, err)
				break
			}
		}
	}

	log.Printf("客户端 %s 断开连接", clientName)
}

// 处理不同类型的消息，返回需要回复给发送者的消息
func (s *Server) handleMessage(client *Client, msg inboundMessage) (Message, bool) {
	reply := func(typ string, content interface{}) (Message, bool) {
		return Message{Type: typ, Content: content, Time: now(), From: "服务器"}, true
	}

	switch msg.Type {
	case "ping":
		return reply("pong", "pong")

	case "state":
		state, ok := s.sim.State()
		if !ok {
			return reply("error", "仿真尚未产生任何帧")
		}
		return reply("state", state)

	case "control":
		var ctrl []float64
		if err := json.Unmarshal(msg.Content, &ctrl); err != nil {
			return reply("error", fmt.Sprintf("控制向量格式错误: %v", err))
		}
		if err := s.sim.SetControl(ctrl); err != nil {
			metrics.ControlRejectedTotal.WithLabelValues(bridge.RejectReason(err)).Inc()
			return reply("error", err.Error())
		}
		return reply("control_ack", len(ctrl))

	case "pause", "resume":
		paused := msg.Type == "pause"
		s.sim.SetPaused(paused)
		log.Printf("客户端 %s 请求%s", client.Name, map[bool]string{true: "暂停", false: "恢复"}[paused])
		_ = s.Broadcast(Message{
			Type:    "paused",
			Content: paused,
			Time:    now(),
			From:    client.Name,
		})
		return Message{}, false

	default:
		return reply("error", fmt.Sprintf("未知消息类型: %q", msg.Type))
	}
}

// Close 停止主循环并关闭所有连接
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// ListenAndServe 监听 addr 直到 ctx 结束
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("仿真WebSocket服务器启动在 %s", addr)
		log.Printf("WebSocket端点: ws://%s/ws, 指标: http://%s/metrics", addr, addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func now() string {
	return time.Now().Format(timeLayout)
}
