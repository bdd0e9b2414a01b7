package channel

import (
	"context"
	"encoding/json"
	"sync"

	"pinsync/pkg/config"
	"pinsync/pkg/logger"
	"pinsync/pkg/retry"
)

// 订阅状态机
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateSubscribed   = "subscribed"
)

// Event 推送事件
type Event struct {
	Type  string          `json:"type"`  // insert / update / delete
	Topic string          `json:"topic"` // 订阅主题
	Table string          `json:"table"` // 来源数据表
	Row   json.RawMessage `json:"row"`   // 行数据
}

// Conn 一次订阅的连接
// Events通道关闭即视为订阅断开
type Conn interface {
	Events() <-chan Event
	Close() error
}

// Transport 通道传输层
type Transport interface {
	Dial(ctx context.Context, topic string) (Conn, error)
}

// Handler 事件处理回调
type Handler func(Event)

// CatchUpFunc 补偿回调，订阅（重新）建立后调用以覆盖断连缺口
type CatchUpFunc func()

// Manager 推送通道管理器
// 按主题引用计数维护订阅，断开后带退避重连，
// 每次重新订阅都重新触发补偿回调
type Manager struct {
	mu  sync.Mutex
	log logger.Logger

	transport Transport
	clock     retry.Clock
	backoff   retry.Backoff

	topics map[string]*topicState
	ctx    context.Context
	cancel context.CancelFunc
}

type topicState struct {
	refs     int
	state    string
	gen      int // 订阅代数，旧连接的读循环据此退出
	attempt  int
	conn     Conn
	task     *retry.Task
	handlers map[int]Handler
	catchups map[int]CatchUpFunc
	nextID   int
}

// NewManager 创建通道管理器
func NewManager(transport Transport, cfg config.ChannelConfig, clock retry.Clock, log logger.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		log:       log,
		transport: transport,
		clock:     clock,
		backoff: retry.Backoff{
			Base:   cfg.BackoffBase,
			Max:    cfg.BackoffMax,
			Jitter: 0.4,
		},
		topics: make(map[string]*topicState),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Attach 订阅主题，返回退订函数
// 同一主题的多个订阅者共享一条连接；首个订阅者触发建连，
// 最后一个退订者关闭连接
func (m *Manager) Attach(topic string, handler Handler, catchUp CatchUpFunc) func() {
	m.mu.Lock()
	ts, ok := m.topics[topic]
	if !ok {
		ts = &topicState{
			state:    StateDisconnected,
			handlers: make(map[int]Handler),
			catchups: make(map[int]CatchUpFunc),
		}
		ts.task = retry.NewTask(m.clock, func() { m.connect(topic) })
		m.topics[topic] = ts
	}

	ts.refs++
	ts.nextID++
	id := ts.nextID
	if handler != nil {
		ts.handlers[id] = handler
	}
	if catchUp != nil {
		ts.catchups[id] = catchUp
	}

	needDial := ts.state == StateDisconnected
	alreadyUp := ts.state == StateSubscribed
	m.mu.Unlock()

	if needDial {
		ts.task.Trigger()
	} else if alreadyUp && catchUp != nil {
		// 连接已就绪，新订阅者立即补偿一次
		catchUp()
	}

	return func() { m.detach(topic, id) }
}

// State 主题当前状态
func (m *Manager) State(topic string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ts, ok := m.topics[topic]; ok {
		return ts.state
	}
	return StateDisconnected
}

// OnConnectivityRestored 网络恢复，立即重连所有断开的主题
func (m *Manager) OnConnectivityRestored() {
	m.kickDisconnected()
}

// OnVisibilityRegained 窗口重获焦点，检查并拉起断开的主题
func (m *Manager) OnVisibilityRegained() {
	m.kickDisconnected()
}

// Close 关闭管理器，断开全部连接
func (m *Manager) Close() {
	m.cancel()

	m.mu.Lock()
	for _, ts := range m.topics {
		ts.task.Cancel()
		ts.gen++
		if ts.conn != nil {
			ts.conn.Close()
			ts.conn = nil
		}
		ts.state = StateDisconnected
	}
	m.mu.Unlock()
}

// ==================== 内部方法 ====================

func (m *Manager) kickDisconnected() {
	m.mu.Lock()
	tasks := make([]*retry.Task, 0)
	for _, ts := range m.topics {
		if ts.refs > 0 && ts.state != StateSubscribed {
			tasks = append(tasks, ts.task)
		}
	}
	m.mu.Unlock()

	for _, task := range tasks {
		task.Trigger()
	}
}

func (m *Manager) detach(topic string, id int) {
	m.mu.Lock()
	ts, ok := m.topics[topic]
	if !ok {
		m.mu.Unlock()
		return
	}

	delete(ts.handlers, id)
	delete(ts.catchups, id)
	ts.refs--
	if ts.refs > 0 {
		m.mu.Unlock()
		return
	}

	// 最后一个订阅者离开，拆除连接
	ts.task.Cancel()
	ts.gen++
	conn := ts.conn
	ts.conn = nil
	ts.state = StateDisconnected
	delete(m.topics, topic)
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// connect 任务体：建连并转入已订阅态
func (m *Manager) connect(topic string) {
	m.mu.Lock()
	ts, ok := m.topics[topic]
	if !ok || ts.refs == 0 || ts.state == StateSubscribed {
		m.mu.Unlock()
		return
	}
	ts.state = StateConnecting
	attempt := ts.attempt
	m.mu.Unlock()

	conn, err := m.transport.Dial(m.ctx, topic)

	m.mu.Lock()
	ts, ok = m.topics[topic]
	if !ok || ts.refs == 0 {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}

	if err != nil {
		ts.state = StateDisconnected
		ts.attempt++
		delay := m.backoff.JitteredInterval(attempt)
		m.mu.Unlock()

		m.log.Warn(context.Background(), "主题订阅失败，稍后重连",
			logger.F("topic", topic), logger.F("attempt", attempt), logger.F("error", err.Error()))
		ts.task.Schedule(delay)
		return
	}

	ts.conn = conn
	ts.state = StateSubscribed
	ts.attempt = 0
	ts.gen++
	gen := ts.gen
	catchups := make([]CatchUpFunc, 0, len(ts.catchups))
	for _, fn := range ts.catchups {
		catchups = append(catchups, fn)
	}
	m.mu.Unlock()

	m.log.Info(context.Background(), "主题订阅建立", logger.F("topic", topic))

	// 先补偿再消费，断连期间漏掉的行由补偿查询兜底
	for _, fn := range catchups {
		fn()
	}

	go m.readLoop(topic, gen, conn)
}

// readLoop 消费事件直到连接断开，断开后排定重连
func (m *Manager) readLoop(topic string, gen int, conn Conn) {
	for event := range conn.Events() {
		m.mu.Lock()
		ts, ok := m.topics[topic]
		if !ok || ts.gen != gen {
			m.mu.Unlock()
			return
		}
		handlers := make([]Handler, 0, len(ts.handlers))
		for _, fn := range ts.handlers {
			handlers = append(handlers, fn)
		}
		m.mu.Unlock()

		for _, fn := range handlers {
			fn(event)
		}
	}

	// 事件通道关闭，订阅已断开
	m.mu.Lock()
	ts, ok := m.topics[topic]
	if !ok || ts.gen != gen || ts.refs == 0 {
		m.mu.Unlock()
		return
	}
	ts.conn = nil
	ts.state = StateDisconnected
	delay := m.backoff.JitteredInterval(ts.attempt)
	ts.attempt++
	m.mu.Unlock()

	m.log.Warn(context.Background(), "主题订阅断开，准备重连", logger.F("topic", topic))
	ts.task.Schedule(delay)
}
