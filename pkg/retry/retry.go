package retry

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// Backoff 指数退避参数
type Backoff struct {
	Base   time.Duration // 首次重试间隔
	Max    time.Duration // 间隔上限
	Factor float64       // 增长因子，0时取2
	Jitter float64       // 抖动比例 0.0-1.0
}

// Interval 计算第attempt次重试的间隔（纯函数，不含抖动）
// attempt从0开始：0→Base, 1→Base*Factor, ...，封顶Max
func (b Backoff) Interval(attempt int) time.Duration {
	factor := b.Factor
	if factor <= 0 {
		factor = 2
	}
	if attempt < 0 {
		attempt = 0
	}

	d := float64(b.Base) * math.Pow(factor, float64(attempt))
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

// JitteredInterval 在Interval基础上叠加随机抖动，避免重试同步
func (b Backoff) JitteredInterval(attempt int) time.Duration {
	d := b.Interval(attempt)
	if b.Jitter <= 0 {
		return d
	}
	delta := float64(d) * b.Jitter
	return time.Duration(float64(d) - delta/2 + rand.Float64()*delta)
}

// Timer 可取消的定时器
type Timer interface {
	Stop() bool
}

// Clock 时钟接口，测试时可注入手动时钟
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// realClock 系统时钟
type realClock struct{}

// NewClock 创建系统时钟
func NewClock() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// TaskState 任务状态
type TaskState int

const (
	// StateIdle 空闲
	StateIdle TaskState = iota
	// StateScheduled 已排定
	StateScheduled
	// StateRunning 执行中
	StateRunning
)

// Task 可重试任务
// 同一时刻至多一个定时器、至多一次执行；执行期间的调度请求
// 会在本次执行结束后生效，防止并发触发
type Task struct {
	mu    sync.Mutex
	clock Clock
	fn    func()

	state        TaskState
	timer        Timer
	pending      bool
	pendingDelay time.Duration
}

// NewTask 创建可重试任务
func NewTask(clock Clock, fn func()) *Task {
	return &Task{
		clock: clock,
		fn:    fn,
	}
}

// State 当前状态
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Schedule 在delay后执行任务
// 空闲时排定；已排定时保持原定时器不变；执行中时记为待排定
func (t *Task) Schedule(delay time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case StateIdle:
		t.schedule(delay)
	case StateScheduled:
		// 合并窗口内的重复调度不推迟首次触发
	case StateRunning:
		if !t.pending || delay < t.pendingDelay {
			t.pending = true
			t.pendingDelay = delay
		}
	}
}

// Reschedule 取消已排定的定时器并按新的delay重新排定
func (t *Task) Reschedule(delay time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case StateIdle, StateScheduled:
		t.cancelTimer()
		t.schedule(delay)
	case StateRunning:
		t.pending = true
		t.pendingDelay = delay
	}
}

// Trigger 立即执行，取消排定中的定时器
func (t *Task) Trigger() {
	t.mu.Lock()
	if t.state == StateRunning {
		// 执行中再触发，结束后立刻补一次
		t.pending = true
		t.pendingDelay = 0
		t.mu.Unlock()
		return
	}
	t.cancelTimer()
	t.state = StateRunning
	t.mu.Unlock()

	t.execute()
}

// Cancel 取消排定，执行中的任务不被打断
func (t *Task) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cancelTimer()
	t.pending = false
	if t.state == StateScheduled {
		t.state = StateIdle
	}
}

// schedule 内部排定，调用方需持锁
func (t *Task) schedule(delay time.Duration) {
	t.state = StateScheduled
	t.timer = t.clock.AfterFunc(delay, t.fire)
}

// cancelTimer 停止定时器，调用方需持锁
func (t *Task) cancelTimer() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// fire 定时器到期回调
func (t *Task) fire() {
	t.mu.Lock()
	if t.state != StateScheduled {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.state = StateRunning
	t.mu.Unlock()

	t.execute()
}

// execute 执行任务体并处理执行期间积压的调度请求
func (t *Task) execute() {
	t.fn()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.state = StateIdle
	if t.pending {
		t.pending = false
		t.schedule(t.pendingDelay)
	}
}

// ManualClock 手动时钟，测试专用
type ManualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

// NewManualClock 创建手动时钟
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now 当前时间
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc 注册定时回调
func (c *ManualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	timer := &manualTimer{clock: c, deadline: c.now.Add(d), fn: f}
	c.timers = append(c.timers, timer)
	return timer
}

// Advance 推进时间并同步触发到期回调
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	deadline := c.now

	due := make([]*manualTimer, 0)
	remaining := c.timers[:0]
	for _, timer := range c.timers {
		if !timer.stopped && !timer.deadline.After(deadline) {
			due = append(due, timer)
		} else {
			remaining = append(remaining, timer)
		}
	}
	c.timers = remaining
	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	c.mu.Unlock()

	for _, timer := range due {
		timer.fn()
	}
}

// PendingTimers 未触发的定时器数量
func (c *ManualClock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for _, timer := range c.timers {
		if !timer.stopped {
			count++
		}
	}
	return count
}

// manualTimer 手动时钟定时器
type manualTimer struct {
	clock    *ManualClock
	deadline time.Time
	fn       func()
	stopped  bool
}

// Stop 停止定时器
func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}
