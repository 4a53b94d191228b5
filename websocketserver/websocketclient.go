package websocketserver

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// 客户端状态
type ClientStatus int32

const (
	StatusDisconnected ClientStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusShuttingDown
)

// 客户端收到的消息，content 按类型延迟解析
type clientMessage struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
	Time    string          `json:"time"`
	From    string          `json:"from,omitempty"`
}

// 增强的客户端结构
type WebSocketClient struct {
	conn     *websocket.Conn
	server   string
	name     string
	autoMode bool

	// 自动模式下发送随机控制向量的间隔
	ControlInterval time.Duration
	// 每收到多少个 frame 消息打印一次
	FrameLogEvery uint64

	in  io.Reader
	out io.Writer

	// 连接管理
	status   ClientStatus
	mu       sync.RWMutex
	writeMu  sync.Mutex
	stopChan chan struct{}
	stopOnce sync.Once
	errChan  chan error

	// 统计信息
	messageCount      uint64
	frameCount        uint64
	actuators         int32
	lastPongTime      time.Time
	reconnectAttempts int
}

// NewWebSocketClient 创建客户端，Run 之前不会连接
func NewWebSocketClient(server, name string, autoMode bool) *WebSocketClient {
	return &WebSocketClient{
		server:          server,
		name:            name,
		autoMode:        autoMode,
		ControlInterval: 100 * time.Millisecond,
		FrameLogEvery:   60,
		in:              os.Stdin,
		out:             os.Stdout,
		stopChan:        make(chan struct{}),
		errChan:         make(chan error, 10),
		status:          StatusDisconnected,
	}
}

// 客户端初始化
func WebSocketClientInit(server, name string, autoMode bool) error {
	return NewWebSocketClient(server, name, autoMode).Run()
}

// Run 客户端主循环，交互模式输入 quit 或 Stop 后返回
func (c *WebSocketClient) Run() error {
	defer c.cleanup()

	// 初始连接
	if err := c.connectWithRetry(); err != nil {
		return fmt.Errorf("初始连接失败: %w", err)
	}

	// 启动各个协程
	var wg sync.WaitGroup

	// 消息接收协程
	wg.Add(1)
	go c.messageReceiver(&wg)

	// 心跳检测协程
	wg.Add(1)
	go c.heartbeatMonitor(&wg)

	// 错误监控协程
	wg.Add(1)
	go c.errorMonitor(&wg)

	// 根据模式启动发送逻辑
	if c.autoMode {
		log.Println("启动自动模式：发送随机控制向量")
		c.autoSendMode()
	} else {
		log.Println("启动交互模式")
		c.interactiveMode()
	}

	// 等待所有协程结束
	c.Stop()
	c.mu.RLock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.RUnlock()
	wg.Wait()
	return nil
}

// Stop 结束主循环
func (c *WebSocketClient) Stop() {
	c.stopOnce.Do(func() {
		c.setStatus(StatusShuttingDown)
		close(c.stopChan)
	})
}

// 带重试的连接
func (c *WebSocketClient) connectWithRetry() error {
	maxRetries := 5
	retryDelay := time.Second * 2

	for attempt := 0; attempt < maxRetries; attempt++ {
		c.setStatus(StatusConnecting)
		log.Printf("尝试连接服务器 (尝试 %d/%d)...", attempt+1, maxRetries)

		err := c.connect()
		if err == nil {
			c.setStatus(StatusConnected)
			c.reconnectAttempts = 0
			log.Printf("连接服务器成功")
			return nil
		}

		log.Printf("连接失败: %v", err)

		if attempt < maxRetries-1 {
			log.Printf("等待 %v 后重试...", retryDelay)
			select {
			case <-time.After(retryDelay):
			case <-c.stopChan:
				return fmt.Errorf("客户端已停止")
			}
			retryDelay *= 2 // 指数退避
		}
	}

	return fmt.Errorf("连接失败，已达到最大重试次数")
}

// 连接到服务器
func (c *WebSocketClient) connect() error {
	u := url.URL{Scheme: "ws", Host: c.server, Path: "/ws", RawQuery: url.Values{"name": {c.name}}.Encode()}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.lastPongTime = time.Now()
	c.mu.Unlock()

	return nil
}

// 设置客户端状态
func (c *WebSocketClient) setStatus(status ClientStatus) {
	atomic.StoreInt32((*int32)(&c.status), int32(status))
}

// 获取客户端状态
func (c *WebSocketClient) getStatus() ClientStatus {
	return ClientStatus(atomic.LoadInt32((*int32)(&c.status)))
}

// 消息接收协程
func (c *WebSocketClient) messageReceiver(wg *sync.WaitGroup) {
	defer wg.Done()
	defer log.Println("消息接收协程结束")

	for {
		select {
		case <-c.stopChan:
			return
		default:
			if c.getStatus() != StatusConnected {
				time.Sleep(100 * time.Millisecond)
				continue
			}

			c.mu.RLock()
			conn := c.conn
			c.mu.RUnlock()

			var msg clientMessage
			if err := conn.ReadJSON(&msg); err != nil {
				if c.getStatus() == StatusShuttingDown {
					return
				}
				c.setStatus(StatusReconnecting)
				c.errChan <- fmt.Errorf("读取消息错误: %w", err)
				continue
			}

			atomic.AddUint64(&c.messageCount, 1)
			c.handleMessage(msg)
		}
	}
}

// 处理接收到的消息
func (c *WebSocketClient) handleMessage(msg clientMessage) {
	switch msg.Type {
	case "welcome":
		var w Welcome
		if err := json.Unmarshal(msg.Content, &w); err == nil {
			atomic.StoreInt32(&c.actuators, int32(w.Actuators))
			fmt.Fprintf(c.out, "[系统] 已连接: id=%s, 执行器=%d, 暂停=%v\n", w.ID, w.Actuators, w.Paused)
		}
	case "pong":
		c.mu.Lock()
		c.lastPongTime = time.Now()
		c.mu.Unlock()
	case "frame":
		n := atomic.AddUint64(&c.frameCount, 1)
		if c.FrameLogEvery > 0 && n%c.FrameLogEvery == 0 {
			var f struct {
				Frame   uint64          `json:"frame"`
				Time    float64         `json:"time"`
				Objects json.RawMessage `json:"objects"`
			}
			if err := json.Unmarshal(msg.Content, &f); err == nil {
				fmt.Fprintf(c.out, "[帧] frame=%d t=%.3f\n", f.Frame, f.Time)
			}
		}
	case "state":
		fmt.Fprintf(c.out, "[状态] %s\n", msg.Content)
	case "client_join", "client_leave", "paused":
		fmt.Fprintf(c.out, "[系统] %s: %s\n", msg.Type, msg.Content)
	case "error":
		fmt.Fprintf(c.out, "[错误] %s\n", msg.Content)
	default:
		fmt.Fprintf(c.out, "[%s] %s\n", msg.Type, msg.Content)
	}
}

// 心跳检测协程
func (c *WebSocketClient) heartbeatMonitor(wg *sync.WaitGroup) {
	defer wg.Done()
	defer log.Println("心跳检测协程结束")

	heartbeatTicker := time.NewTicker(10 * time.Second) // 每10秒发送一次ping
	defer heartbeatTicker.Stop()

	healthCheckTicker := time.NewTicker(30 * time.Second) // 每30秒检查一次连接健康度
	defer healthCheckTicker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-heartbeatTicker.C:
			if c.getStatus() == StatusConnected {
				if err := c.sendMessage("ping", nil); err != nil {
					c.errChan <- fmt.Errorf("发送ping失败: %w", err)
				}
			}
		case <-healthCheckTicker.C:
			if c.getStatus() == StatusConnected {
				c.checkConnectionHealth()
			}
		}
	}
}

// 检查连接健康度
func (c *WebSocketClient) checkConnectionHealth() {
	c.mu.RLock()
	lastPong := c.lastPongTime
	c.mu.RUnlock()

	if time.Since(lastPong) > 60*time.Second {
		c.errChan <- fmt.Errorf("连接健康检查失败: 超过60秒未收到pong响应")
	}
}

// 错误监控协程
func (c *WebSocketClient) errorMonitor(wg *sync.WaitGroup) {
	defer wg.Done()
	defer log.Println("错误监控协程结束")

	for {
		select {
		case <-c.stopChan:
			return
		case err := <-c.errChan:
			log.Printf("检测到错误: %v", err)
			c.handleError(err)
		}
	}
}

// 处理错误
func (c *WebSocketClient) handleError(err error) {
	if c.getStatus() == StatusShuttingDown {
		return
	}

	log.Printf("处理连接错误: %v", err)

	// 尝试重连
	c.setStatus(StatusReconnecting)
	c.reconnectAttempts++

	if c.reconnectAttempts > 10 {
		log.Printf("重连尝试次数过多，停止客户端")
		c.Stop()
		return
	}

	log.Printf("尝试重新连接 (第%d次)...", c.reconnectAttempts)
	if err := c.connectWithRetry(); err != nil {
		log.Printf("重连失败: %v", err)
		// 继续等待下一次错误处理
	} else {
		log.Println("重连成功")
	}
}

// 发送消息到服务器（线程安全）
func (c *WebSocketClient) sendMessage(msgType string, content interface{}) error {
	if c.getStatus() != StatusConnected {
		return fmt.Errorf("客户端未连接")
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return fmt.Errorf("连接对象为空")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(Message{
		Type:    msgType,
		Content: content,
		Time:    now(),
		From:    c.name,
	})
}

// SendControl 发送控制向量
func (c *WebSocketClient) SendControl(ctrl []float64) error {
	return c.sendMessage("control", ctrl)
}

// 自动发送模式：按间隔发送 [-1, 1] 内的随机控制向量
func (c *WebSocketClient) autoSendMode() {
	ticker := time.NewTicker(c.ControlInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			if c.getStatus() != StatusConnected {
				continue
			}
			n := int(atomic.LoadInt32(&c.actuators))
			if n == 0 {
				continue
			}
			if err := c.SendControl(RandomControl(n)); err != nil {
				log.Printf("发送控制向量失败: %v", err)
			}
		}
	}
}

// RandomControl 生成 [-1, 1] 内均匀分布的控制向量
func RandomControl(n int) []float64 {
	ctrl := make([]float64, n)
	for i := range ctrl {
		ctrl[i] = rand.Float64()*2 - 1
	}
	return ctrl
}

// 交互式模式
func (c *WebSocketClient) interactiveMode() {
	reader := bufio.NewReader(c.in)

	fmt.Fprintln(c.out, "=== 仿真客户端交互模式 ===")
	fmt.Fprintln(c.out, "命令说明:")
	fmt.Fprintln(c.out, "  ping               - 发送ping消息")
	fmt.Fprintln(c.out, "  state              - 获取最新仿真状态")
	fmt.Fprintln(c.out, "  control v1 v2 ...  - 设置控制向量")
	fmt.Fprintln(c.out, "  random             - 发送一次随机控制向量")
	fmt.Fprintln(c.out, "  pause / resume     - 暂停/恢复物理推进")
	fmt.Fprintln(c.out, "  status             - 查看连接状态")
	fmt.Fprintln(c.out, "  quit               - 退出客户端")
	fmt.Fprintln(c.out, "==============================")

	for {
		select {
		case <-c.stopChan:
			return
		default:
			if c.getStatus() != StatusConnected {
				fmt.Fprintf(c.out, "连接状态: %s，等待连接恢复...\n", c.getStatusString())
				time.Sleep(2 * time.Second)
				continue
			}

			input, err := reader.ReadString('\n')
			input = strings.TrimSpace(input)
			if input == "quit" || (err != nil && input == "") {
				return
			}

			c.handleCommand(input)
		}
	}
}

// 处理用户命令
func (c *WebSocketClient) handleCommand(input string) {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return
	}

	var err error
	switch parts[0] {
	case "ping", "state", "pause", "resume":
		err = c.sendMessage(parts[0], nil)

	case "control":
		ctrl, perr := parseControl(parts[1:])
		if perr != nil {
			fmt.Fprintf(c.out, "用法: control <v1> <v2> ... (%v)\n", perr)
			return
		}
		err = c.SendControl(ctrl)

	case "random":
		err = c.SendControl(RandomControl(int(atomic.LoadInt32(&c.actuators))))

	case "status":
		c.showStatus()
		return

	default:
		fmt.Fprintln(c.out, "未知命令，请输入: ping, state, control, random, pause, resume, status 或 quit")
		return
	}

	if err != nil {
		fmt.Fprintf(c.out, "发送失败: %v\n", err)
	}
}

func parseControl(fields []string) ([]float64, error) {
	ctrl := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		ctrl = append(ctrl, v)
	}
	return ctrl, nil
}

// 显示连接状态
func (c *WebSocketClient) showStatus() {
	c.mu.RLock()
	defer c.mu.RUnlock()

	fmt.Fprintln(c.out, "\n=== 客户端状态 ===")
	fmt.Fprintf(c.out, "连接状态: %s\n", c.getStatusString())
	fmt.Fprintf(c.out, "服务器: %s\n", c.server)
	fmt.Fprintf(c.out, "客户端名: %s\n", c.name)
	fmt.Fprintf(c.out, "执行器数量: %d\n", atomic.LoadInt32(&c.actuators))
	fmt.Fprintf(c.out, "已接收消息: %d (帧 %d)\n", atomic.LoadUint64(&c.messageCount), atomic.LoadUint64(&c.frameCount))
	fmt.Fprintf(c.out, "重连尝试次数: %d\n", c.reconnectAttempts)
	fmt.Fprintf(c.out, "最后pong时间: %s\n", c.lastPongTime.Format(timeLayout))
	fmt.Fprintln(c.out, "=================")
}

// 获取状态字符串
func (c *WebSocketClient) getStatusString() string {
	switch c.getStatus() {
	case StatusDisconnected:
		return "未连接"
	case StatusConnecting:
		return "连接中"
	case StatusConnected:
		return "已连接"
	case StatusReconnecting:
		return "重连中"
	case StatusShuttingDown:
		return "关闭中"
	default:
		return "未知状态"
	}
}

// 清理资源
func (c *WebSocketClient) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	log.Println("客户端资源清理完成")
}
