package consumer

import (
	"context"
	"fmt"

	"pinsync/apps/sync-engine/channel"
	"pinsync/apps/sync-engine/converter"
	"pinsync/apps/sync-engine/model"
	"pinsync/apps/sync-engine/service"
	"pinsync/pkg/logger"
)

// PushConsumer 推送事件消费者
// 把通道事件按表和类型分派进各协调存储，
// 订阅（重新）建立时用补偿查询覆盖断连缺口
type PushConsumer struct {
	log      logger.Logger
	manager  *channel.Manager
	backend  service.Backend
	msgs     *service.MessageStore
	threads  *service.ThreadStore
	receipts *service.ReceiptOutbox
	selfUser string
	catchUp  int
}

// NewPushConsumer 创建推送消费者
func NewPushConsumer(manager *channel.Manager, backend service.Backend,
	msgs *service.MessageStore, threads *service.ThreadStore, receipts *service.ReceiptOutbox,
	selfUser string, catchUpLimit int, log logger.Logger) *PushConsumer {
	return &PushConsumer{
		log:      log,
		manager:  manager,
		backend:  backend,
		msgs:     msgs,
		threads:  threads,
		receipts: receipts,
		selfUser: selfUser,
		catchUp:  catchUpLimit,
	}
}

// WatchThread 订阅会话的消息与回执推送，返回退订函数
func (c *PushConsumer) WatchThread(threadID int64) func() {
	topic := fmt.Sprintf("thread:%d", threadID)
	return c.manager.Attach(topic, c.dispatch, func() { c.catchUpThread(threadID) })
}

// WatchImage 订阅图片下的会话推送，返回退订函数
func (c *PushConsumer) WatchImage(image string) func() {
	topic := "image:" + image
	return c.manager.Attach(topic, c.dispatch, func() { c.catchUpImage(image) })
}

// dispatch 按表和事件类型分派一条推送
func (c *PushConsumer) dispatch(event channel.Event) {
	switch event.Table {
	case model.TableMessages:
		c.handleMessage(event)
	case model.TableThreads:
		c.handleThread(event)
	case model.TableReceipts:
		c.handleReceipt(event)
	default:
		c.log.Debug(context.Background(), "未知表的推送，忽略", logger.F("table", event.Table))
	}
}

func (c *PushConsumer) handleMessage(event channel.Event) {
	msg, err := converter.MessageFromJSON(event.Row)
	if err != nil {
		c.log.Warn(context.Background(), "消息行解析失败，跳过", logger.F("error", err.Error()))
		return
	}

	switch event.Type {
	case model.EventInsert, model.EventUpdate:
		c.msgs.UpsertFromRealtime(msg)
		c.noteDelivered(msg)
	case model.EventDelete:
		c.msgs.RemoveFromRealtime(msg)
	}
}

func (c *PushConsumer) handleThread(event channel.Event) {
	thread, err := converter.ThreadFromJSON(event.Row)
	if err != nil {
		c.log.Warn(context.Background(), "会话行解析失败，跳过", logger.F("error", err.Error()))
		return
	}

	switch event.Type {
	case model.EventInsert, model.EventUpdate:
		c.threads.UpsertFromRealtime(thread)
	case model.EventDelete:
		c.threads.RemoveFromRealtime(thread)
	}
}

func (c *PushConsumer) handleReceipt(event channel.Event) {
	if event.Type == model.EventDelete {
		return
	}

	receipt, err := converter.ReceiptFromJSON(event.Row)
	if err != nil {
		c.log.Warn(context.Background(), "回执行解析失败，跳过", logger.F("error", err.Error()))
		return
	}
	c.msgs.UpsertReceipt(receipt.MessageID, receipt.UserID, receipt.ReadAt)
}

// catchUpThread 补偿拉取会话的近期消息
func (c *PushConsumer) catchUpThread(threadID int64) {
	msgs, err := c.backend.RecentMessages(context.Background(), threadID, c.catchUp)
	if err != nil {
		c.log.Warn(context.Background(), "会话补偿查询失败",
			logger.F("thread_id", threadID), logger.F("error", err.Error()))
		return
	}

	for _, msg := range msgs {
		c.msgs.UpsertFromRealtime(msg)
		c.noteDelivered(msg)
	}
}

// catchUpImage 补偿拉取图片下的近期会话
func (c *PushConsumer) catchUpImage(image string) {
	threads, err := c.backend.RecentThreads(context.Background(), image, c.catchUp)
	if err != nil {
		c.log.Warn(context.Background(), "图片补偿查询失败",
			logger.F("image", image), logger.F("error", err.Error()))
		return
	}

	for _, thread := range threads {
		c.threads.UpsertFromRealtime(thread)
	}
}

// noteDelivered 收到他人消息即登记送达回执
func (c *PushConsumer) noteDelivered(msg *model.Message) {
	if c.receipts == nil || msg.IsSystem || msg.CreatedBy == c.selfUser {
		return
	}
	c.receipts.EnqueueDelivered(msg.ID)
}
