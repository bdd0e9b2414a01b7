package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"pinsync/pkg/config"
	"pinsync/pkg/logger"
	"pinsync/pkg/retry"
)

// fakeConn 测试连接
type fakeConn struct {
	mu     sync.Mutex
	events chan Event
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan Event, 16)}
}

func (c *fakeConn) Events() <-chan Event { return c.events }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// drop 模拟服务端断开
func (c *fakeConn) drop() {
	c.Close()
}

// fakeTransport 可编程的传输层桩
type fakeTransport struct {
	mu       sync.Mutex
	failures int // 先失败的拨号次数
	dials    int
	conns    []*fakeConn
}

func (t *fakeTransport) Dial(ctx context.Context, topic string) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.dials++
	if t.failures > 0 {
		t.failures--
		return nil, errors.New("dial refused")
	}
	conn := newFakeConn()
	t.conns = append(t.conns, conn)
	return conn, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) lastConn() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

func testChannelConfig() config.ChannelConfig {
	return config.ChannelConfig{
		BackoffBase:  time.Second,
		BackoffMax:   4 * time.Second,
		CatchUpLimit: 50,
	}
}

func newTestManager(transport *fakeTransport) (*Manager, *retry.ManualClock) {
	clock := retry.NewManualClock(time.Unix(0, 0))
	m := NewManager(transport, testChannelConfig(), clock, logger.NewFallbackLogger())
	return m, clock
}

// waitTimer 等待后台读循环把重连定时器排上
func waitTimer(t *testing.T, clock *retry.ManualClock) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if clock.PendingTimers() > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("等待重连定时器超时")
}

func TestAttachDialsAndCatchesUp(t *testing.T) {
	transport := &fakeTransport{}
	m, _ := newTestManager(transport)
	defer m.Close()

	catchUps := 0
	m.Attach("thread:1", func(Event) {}, func() { catchUps++ })

	if transport.dialCount() != 1 {
		t.Fatalf("拨号次数 = %d, want 1", transport.dialCount())
	}
	if m.State("thread:1") != StateSubscribed {
		t.Fatalf("State = %s, want subscribed", m.State("thread:1"))
	}
	if catchUps != 1 {
		t.Errorf("订阅建立后补偿次数 = %d, want 1", catchUps)
	}
}

func TestAttachSharesConnection(t *testing.T) {
	transport := &fakeTransport{}
	m, _ := newTestManager(transport)
	defer m.Close()

	detachA := m.Attach("thread:1", func(Event) {}, nil)

	lateCatchUps := 0
	detachB := m.Attach("thread:1", func(Event) {}, func() { lateCatchUps++ })

	if transport.dialCount() != 1 {
		t.Fatalf("同主题重复拨号: %d 次", transport.dialCount())
	}
	// 连接已就绪时，后来的订阅者立即补偿
	if lateCatchUps != 1 {
		t.Errorf("后来订阅者补偿次数 = %d, want 1", lateCatchUps)
	}

	detachA()
	if transport.lastConn().isClosed() {
		t.Fatal("仍有订阅者时连接被关闭")
	}

	detachB()
	if !transport.lastConn().isClosed() {
		t.Error("最后一个订阅者退订后连接未关闭")
	}
	if m.State("thread:1") != StateDisconnected {
		t.Errorf("退订后 State = %s, want disconnected", m.State("thread:1"))
	}
}

func TestEventsDispatchedToHandlers(t *testing.T) {
	transport := &fakeTransport{}
	m, _ := newTestManager(transport)
	defer m.Close()

	received := make(chan Event, 1)
	m.Attach("thread:1", func(e Event) { received <- e }, nil)

	transport.lastConn().events <- Event{Type: "INSERT", Table: "messages", Row: json.RawMessage(`{"id":1}`)}

	select {
	case e := <-received:
		if e.Table != "messages" {
			t.Errorf("事件表 = %s, want messages", e.Table)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("事件未分发到处理器")
	}
}

func TestDialFailureRetriesWithBackoff(t *testing.T) {
	transport := &fakeTransport{failures: 2}
	m, clock := newTestManager(transport)
	defer m.Close()

	m.Attach("thread:1", func(Event) {}, nil)

	if m.State("thread:1") != StateDisconnected {
		t.Fatalf("拨号失败后 State = %s, want disconnected", m.State("thread:1"))
	}
	if clock.PendingTimers() != 1 {
		t.Fatalf("未排定重连, timers = %d", clock.PendingTimers())
	}

	clock.Advance(2 * time.Second) // 第二次拨号仍失败
	clock.Advance(4 * time.Second) // 第三次成功

	if m.State("thread:1") != StateSubscribed {
		t.Fatalf("重试后 State = %s, want subscribed", m.State("thread:1"))
	}
	if transport.dialCount() != 3 {
		t.Errorf("拨号次数 = %d, want 3", transport.dialCount())
	}
}

func TestDropReconnectsAndCatchesUpAgain(t *testing.T) {
	transport := &fakeTransport{}
	m, clock := newTestManager(transport)
	defer m.Close()

	var mu sync.Mutex
	catchUps := 0
	m.Attach("thread:1", func(Event) {}, func() {
		mu.Lock()
		catchUps++
		mu.Unlock()
	})

	// 服务端断开，读循环排定重连
	transport.lastConn().drop()
	waitTimer(t, clock)

	clock.Advance(2 * time.Second)

	if m.State("thread:1") != StateSubscribed {
		t.Fatalf("重连后 State = %s, want subscribed", m.State("thread:1"))
	}
	if transport.dialCount() != 2 {
		t.Fatalf("拨号次数 = %d, want 2", transport.dialCount())
	}

	// 每次重新订阅都重新补偿，覆盖断连缺口
	mu.Lock()
	got := catchUps
	mu.Unlock()
	if got != 2 {
		t.Errorf("补偿次数 = %d, want 2", got)
	}
}

func TestConnectivityRestoredKicksReconnect(t *testing.T) {
	transport := &fakeTransport{failures: 1}
	m, clock := newTestManager(transport)
	defer m.Close()

	m.Attach("thread:1", func(Event) {}, nil)
	if m.State("thread:1") != StateDisconnected {
		t.Fatal("首次拨号应失败")
	}

	// 不等退避窗口，连通性恢复直接重连
	m.OnConnectivityRestored()

	if m.State("thread:1") != StateSubscribed {
		t.Fatalf("连通性恢复后 State = %s, want subscribed", m.State("thread:1"))
	}

	// 残留的退避定时器触发时不重复拨号
	clock.Advance(10 * time.Second)
	if transport.dialCount() != 2 {
		t.Errorf("拨号次数 = %d, want 2", transport.dialCount())
	}
}
