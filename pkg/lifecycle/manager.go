package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	kratoslog "github.com/go-kratos/kratos/v2/log"
)

// LifecycleManager 生命周期管理器
type LifecycleManager struct {
	logger   kratoslog.Logger
	hooks    []Hook
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// Hook 生命周期钩子
type Hook struct {
	Name     string                      // 钩子名称
	OnStart  func(context.Context) error // 启动时执行的函数
	OnStop   func(context.Context) error // 停止时执行的函数
	Priority int                         // 优先级，数字越小优先级越高
	// Priority分级:
	// 0-99:    存储层（Redis连接、本地缓存）
	// 100-199: 通道层（推送订阅、补偿拉取）
	// 200-299: 队列层（发件队列、回执队列）
	// 300+:    调试/辅助层
}

// NewLifecycleManager 创建生命周期管理器
func NewLifecycleManager(logger kratoslog.Logger) *LifecycleManager {
	ctx, cancel := context.WithCancel(context.Background())

	return &LifecycleManager{
		logger: logger,
		hooks:  make([]Hook, 0),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// AddHook 添加生命周期钩子
func (lm *LifecycleManager) AddHook(hook Hook) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.hooks = append(lm.hooks, hook)
}

// Start 按优先级升序启动全部钩子，任一失败即回滚已启动的钩子
func (lm *LifecycleManager) Start() error {
	lm.mu.RLock()
	hooks := make([]Hook, len(lm.hooks))
	copy(hooks, lm.hooks)
	lm.mu.RUnlock()

	sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].Priority < hooks[j].Priority })

	started := make([]Hook, 0, len(hooks))
	for _, hook := range hooks {
		if hook.OnStart == nil {
			started = append(started, hook)
			continue
		}

		startCtx, cancel := context.WithTimeout(lm.ctx, 30*time.Second)
		err := hook.OnStart(startCtx)
		cancel()
		if err != nil {
			lm.logger.Log(kratoslog.LevelError, "msg", "Hook start failed", "name", hook.Name, "error", err)
			// 逆序停掉已启动的钩子
			for i := len(started) - 1; i >= 0; i-- {
				if started[i].OnStop != nil {
					_ = started[i].OnStop(context.Background())
				}
			}
			return err
		}

		lm.logger.Log(kratoslog.LevelInfo, "msg", "Hook started", "name", hook.Name)
		started = append(started, hook)
	}

	return nil
}

// Stop 按优先级降序停止全部钩子
func (lm *LifecycleManager) Stop() error {
	var stopErr error

	lm.stopOnce.Do(func() {
		lm.mu.RLock()
		hooks := make([]Hook, len(lm.hooks))
		copy(hooks, lm.hooks)
		lm.mu.RUnlock()

		sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].Priority > hooks[j].Priority })

		for _, hook := range hooks {
			if hook.OnStop == nil {
				continue
			}

			stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			if err := hook.OnStop(stopCtx); err != nil {
				lm.logger.Log(kratoslog.LevelError, "msg", "Hook stop failed", "name", hook.Name, "error", err)
				if stopErr == nil {
					stopErr = err
				}
			} else {
				lm.logger.Log(kratoslog.LevelInfo, "msg", "Hook stopped", "name", hook.Name)
			}
			cancel()
		}

		lm.cancel()
		close(lm.done)

		lm.logger.Log(kratoslog.LevelInfo, "msg", "All lifecycle hooks stopped")
	})

	return stopErr
}

// Wait 等待停止信号
func (lm *LifecycleManager) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)

	select {
	case sig := <-sigChan:
		lm.logger.Log(kratoslog.LevelInfo, "msg", "Received signal", "signal", sig.String())
		lm.Stop()
	case <-lm.done:
		// 已经停止
	}
}

// Context 获取生命周期上下文
func (lm *LifecycleManager) Context() context.Context {
	return lm.ctx
}

// Done 获取完成通道
func (lm *LifecycleManager) Done() <-chan struct{} {
	return lm.done
}
