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
)

// ReceiptOutbox 回执队列
// 聚合本人对他人消息的已读/送达回执，去重后批量提交。
// 会话记忆记录已确认的最高强度，避免重复提交同强度回执；
// 只升不降：已提交过已读的消息不再提交送达
type ReceiptOutbox struct {
	mu  sync.Mutex
	log logger.Logger

	msgs      *MessageStore
	dao       dao.CacheDAO
	backend   Backend
	cfg       config.ReceiptConfig
	backoff   retry.Backoff
	task      *retry.Task
	selfUser  string
	sessionID string

	pending   map[int64]string // 消息ID -> 待提交的最高强度
	confirmed map[int64]string // 消息ID -> 服务端已确认的最高强度
	flushing  bool
	attempt   int
	offline   bool
}

// NewReceiptOutbox 创建回执队列
func NewReceiptOutbox(msgs *MessageStore, d dao.CacheDAO, backend Backend,
	cfg config.ReceiptConfig, selfUser, sessionID string, clock retry.Clock, log logger.Logger) *ReceiptOutbox {
	r := &ReceiptOutbox{
		log:       log,
		msgs:      msgs,
		dao:       d,
		backend:   backend,
		cfg:       cfg,
		selfUser:  selfUser,
		sessionID: sessionID,
		pending:   make(map[int64]string),
		confirmed: make(map[int64]string),
		backoff: retry.Backoff{
			Base:   cfg.BackoffBase,
			Max:    cfg.BackoffMax,
			Jitter: 0.4,
		},
	}
	r.task = retry.NewTask(clock, r.flush)
	return r
}

// Load 恢复本会话已确认的回执记忆
func (r *ReceiptOutbox) Load() {
	confirmed := r.dao.LoadReceiptSession(r.sessionID)
	if confirmed == nil {
		return
	}

	r.mu.Lock()
	r.confirmed = confirmed
	r.mu.Unlock()
}

// EnqueueRead 对一条消息登记已读回执
// 本地投递状态立即乐观升级，网络提交在合并窗口后进行
func (r *ReceiptOutbox) EnqueueRead(messageID int64) {
	r.enqueue(messageID, model.DeliveryRead)
}

// EnqueueDelivered 对一条消息登记送达回执
func (r *ReceiptOutbox) EnqueueDelivered(messageID int64) {
	r.enqueue(messageID, model.DeliveryDelivered)
}

// Flush 手动触发提交
func (r *ReceiptOutbox) Flush() {
	r.task.Trigger()
}

// SetOnline 更新连通性判断，恢复在线时立即提交
func (r *ReceiptOutbox) SetOnline(online bool) {
	r.mu.Lock()
	r.offline = !online
	r.mu.Unlock()

	if online {
		r.task.Trigger()
	}
}

// Pending 待提交回执条数
func (r *ReceiptOutbox) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// enqueue 登记回执，只升不降
func (r *ReceiptOutbox) enqueue(messageID int64, status string) {
	if messageID < 0 {
		// 临时消息无服务端ID，回执无处落地
		return
	}

	r.mu.Lock()
	if model.DeliveryRank(r.confirmed[messageID]) >= model.DeliveryRank(status) {
		r.mu.Unlock()
		return
	}
	if model.DeliveryRank(r.pending[messageID]) >= model.DeliveryRank(status) {
		r.mu.Unlock()
		return
	}
	r.pending[messageID] = status
	r.mu.Unlock()

	// 本地乐观升级，他方看到回执前自己的界面先行一致
	now := time.Now()
	var readAt *time.Time
	if status == model.DeliveryRead {
		readAt = &now
	}
	r.msgs.UpsertReceipt(messageID, r.selfUser, readAt)

	r.task.Schedule(r.cfg.DebounceWindow)
}

// flush 任务体：快照待提交集合，提交成功后只清除强度未变的条目
func (r *ReceiptOutbox) flush() {
	r.mu.Lock()
	if r.flushing || len(r.pending) == 0 {
		if len(r.pending) == 0 {
			r.attempt = 0
		}
		r.mu.Unlock()
		return
	}

	if r.offline {
		delay := r.backoff.JitteredInterval(r.attempt)
		r.attempt++
		r.mu.Unlock()
		r.task.Schedule(delay)
		return
	}

	snapshot := make(map[int64]string, len(r.pending))
	readIDs := make([]int64, 0, len(r.pending))
	deliveredIDs := make([]int64, 0)
	for id, status := range r.pending {
		snapshot[id] = status
		if status == model.DeliveryRead {
			readIDs = append(readIDs, id)
		} else {
			deliveredIDs = append(deliveredIDs, id)
		}
	}
	r.flushing = true
	r.mu.Unlock()

	err := r.backend.SubmitReceipts(context.Background(), readIDs, deliveredIDs)

	r.mu.Lock()
	r.flushing = false

	if err != nil {
		delay := r.backoff.JitteredInterval(r.attempt)
		r.attempt++
		r.mu.Unlock()

		r.log.Warn(context.Background(), "回执提交失败，稍后重试",
			logger.F("count", len(snapshot)), logger.F("error", err.Error()))
		r.task.Schedule(delay)
		return
	}

	r.attempt = 0
	for id, status := range snapshot {
		if model.DeliveryRank(r.confirmed[id]) < model.DeliveryRank(status) {
			r.confirmed[id] = status
		}
		// 提交期间又升级过的条目留待下一轮
		if r.pending[id] == status {
			delete(r.pending, id)
		}
	}
	r.dao.SaveReceiptSession(r.sessionID, r.confirmed)

	remaining := len(r.pending)
	r.mu.Unlock()

	if remaining > 0 {
		r.task.Schedule(r.cfg.DebounceWindow)
	}
}
