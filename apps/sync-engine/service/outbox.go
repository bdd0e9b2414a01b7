package service

import (
	"context"
	"sync"
	"time"

	"pinsync/apps/sync-engine/dao"
	"pinsync/apps/sync-engine/model"
	"pinsync/pkg/config"
	"pinsync/pkg/logger"
	"pinsync/pkg/retry"
	"pinsync/pkg/seqgen"
)

// Outbox 发件队列
// 缓冲、合并、持久化并带退避地重发建消息请求。
// 自认离线时不发起请求，但仍排定重试，不依赖显式的上线信号自愈
type Outbox struct {
	mu  sync.Mutex
	log logger.Logger

	msgs     *MessageStore
	dao      dao.CacheDAO
	backend  Backend
	gen      *seqgen.Generator
	cfg      config.OutboxConfig
	backoff  retry.Backoff
	task     *retry.Task
	selfUser string

	queue           []*model.OutboxItem
	flushing        bool
	attempt         int // 连续网络类失败次数
	offline         bool
	offlineNotified bool // 每个离线期只通知一次
	notices         NoticeFunc
}

// NewOutbox 创建发件队列
func NewOutbox(msgs *MessageStore, d dao.CacheDAO, backend Backend, gen *seqgen.Generator,
	cfg config.OutboxConfig, selfUser string, clock retry.Clock, log logger.Logger) *Outbox {
	o := &Outbox{
		log:      log,
		msgs:     msgs,
		dao:      d,
		backend:  backend,
		gen:      gen,
		cfg:      cfg,
		selfUser: selfUser,
		backoff: retry.Backoff{
			Base:   cfg.BackoffBase,
			Max:    cfg.BackoffMax,
			Jitter: 0.4,
		},
	}
	o.task = retry.NewTask(clock, o.flush)
	return o
}

// SetNotices 注册用户可见通知回调
func (o *Outbox) SetNotices(fn NoticeFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.notices = fn
}

// Load 从本地缓存恢复队列，重载后继续发送
func (o *Outbox) Load() {
	items := o.dao.LoadOutbox()

	o.mu.Lock()
	o.queue = items
	pending := len(items)
	o.mu.Unlock()

	if pending > 0 {
		o.log.Info(context.Background(), "发件队列已恢复", logger.F("pending", pending))
		o.task.Schedule(o.cfg.DebounceWindow)
	}
}

// EnqueueSendMessage 同步创建乐观消息并入队发送，立即返回临时ID
// 合并窗口内的连续发送会并入同一批请求
func (o *Outbox) EnqueueSendMessage(threadID int64, text string) int64 {
	tempID := o.gen.TempID()
	msg := o.msgs.AddOptimistic(threadID, tempID, text, o.selfUser, false)

	item := &model.OutboxItem{
		QID:         -tempID,
		ThreadID:    threadID,
		TempID:      tempID,
		Text:        text,
		ClientNonce: msg.Meta.ClientNonce,
		EnqueuedAt:  time.Now(),
	}

	o.mu.Lock()
	o.queue = append(o.queue, item)
	o.dao.SaveOutbox(o.queue)
	o.mu.Unlock()

	o.task.Schedule(o.cfg.DebounceWindow)
	return tempID
}

// Flush 手动触发发送，取消排定中的合并窗口
func (o *Outbox) Flush() {
	o.task.Trigger()
}

// SetOnline 更新连通性判断
// 恢复在线时立即冲刷，离线期计数随之重置
func (o *Outbox) SetOnline(online bool) {
	o.mu.Lock()
	o.offline = !online
	if online {
		o.offlineNotified = false
	}
	o.mu.Unlock()

	if online {
		o.task.Trigger()
	}
}

// OnVisibilityRegained 窗口重获焦点，与手动冲刷走同一条调度路径
func (o *Outbox) OnVisibilityRegained() {
	o.task.Trigger()
}

// Pending 待发送条数
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// flush 任务体：取一批发出并按结果分派
func (o *Outbox) flush() {
	o.mu.Lock()
	if o.flushing {
		o.mu.Unlock()
		return
	}
	if len(o.queue) == 0 {
		o.attempt = 0
		o.mu.Unlock()
		return
	}

	if o.offline {
		// 自认离线：不发请求，但排定重试让队列自愈
		notice := !o.offlineNotified
		o.offlineNotified = true
		delay := o.backoff.JitteredInterval(o.attempt)
		o.attempt++
		notices := o.notices
		o.mu.Unlock()

		if notice && notices != nil {
			notices(model.Notice{Kind: model.NoticeKindOffline, Text: "当前离线，消息将在恢复连接后发送"})
		}
		o.task.Schedule(delay)
		return
	}

	batchSize := len(o.queue)
	if o.cfg.MaxBatch > 0 && batchSize > o.cfg.MaxBatch {
		batchSize = o.cfg.MaxBatch
	}
	batch := make([]*model.OutboxItem, batchSize)
	copy(batch, o.queue[:batchSize])
	o.flushing = true
	o.mu.Unlock()

	results, err := o.backend.CreateMessages(context.Background(), batch)

	o.mu.Lock()
	o.flushing = false

	if err != nil {
		// 网络类/整批失败：整批留队，退避重试，数据不丢
		notice := !o.offlineNotified
		o.offlineNotified = true
		delay := o.backoff.JitteredInterval(o.attempt)
		o.attempt++
		notices := o.notices
		o.mu.Unlock()

		o.log.Warn(context.Background(), "批量发送失败，稍后重试",
			logger.F("batch", len(batch)), logger.F("error", err.Error()))
		if notice && notices != nil {
			notices(model.Notice{Kind: model.NoticeKindOffline, Text: "发送失败，将自动重试"})
		}
		o.task.Schedule(delay)
		return
	}

	o.attempt = 0
	o.offlineNotified = false

	byNonce := make(map[string]model.BatchResult, len(results))
	for _, res := range results {
		byNonce[res.ClientNonce] = res
	}

	type confirmation struct {
		item *model.OutboxItem
		msg  *model.Message
	}
	confirms := make([]confirmation, 0)
	terminal := make([]*model.OutboxItem, 0)
	drop := make(map[int64]bool)

	for _, item := range batch {
		res, ok := byNonce[item.ClientNonce]
		if !ok {
			// 响应缺了这一条，按单条失败计数
			item.RetryCount++
			item.LastError = "后端响应缺少该条结果"
		} else if res.Message != nil {
			confirms = append(confirms, confirmation{item: item, msg: res.Message})
			drop[item.QID] = true
			continue
		} else {
			item.RetryCount++
			item.LastError = res.Err
		}

		if item.RetryCount >= o.cfg.MaxRetries {
			// 超过最大重试次数，终态移除并通知用户
			terminal = append(terminal, item)
			drop[item.QID] = true
		}
	}

	kept := o.queue[:0]
	for _, item := range o.queue {
		if !drop[item.QID] {
			kept = append(kept, item)
		}
	}
	o.queue = kept
	o.dao.SaveOutbox(o.queue)

	remaining := len(o.queue)
	notices := o.notices
	o.mu.Unlock()

	for _, c := range confirms {
		o.msgs.ConfirmMessage(c.item.ThreadID, c.item.TempID, c.msg)
	}
	for _, item := range terminal {
		o.log.Error(context.Background(), "消息发送终态失败",
			logger.F("temp_id", item.TempID), logger.F("error", item.LastError))
		if notices != nil {
			notices(model.Notice{
				Kind:      model.NoticeKindSendFailed,
				Text:      "消息发送失败: " + item.LastError,
				MessageID: item.TempID,
			})
		}
	}

	if remaining > 0 {
		o.task.Schedule(o.backoff.JitteredInterval(0))
	}
}
