package dao

import (
	"context"
	"encoding/json"
	"fmt"

	"pinsync/apps/sync-engine/model"
	"pinsync/pkg/kvstore"
	"pinsync/pkg/logger"
)

// kvDAO 基于作用域键值存储的持久化实现
type kvDAO struct {
	kv  *kvstore.Scoped
	log logger.Logger
}

// NewKVDAO 创建键值存储DAO实例
func NewKVDAO(kv *kvstore.Scoped, log logger.Logger) CacheDAO {
	return &kvDAO{
		kv:  kv,
		log: log,
	}
}

// threadKey 会话缓存键
func threadKey(threadID int64) string {
	return fmt.Sprintf("thread:%d", threadID)
}

// SaveThreadMessages 保存会话消息，调用方保证只传已确认的行
func (d *kvDAO) SaveThreadMessages(threadID int64, messages []*model.Message) {
	data, err := json.Marshal(messages)
	if err != nil {
		d.log.Warn(context.Background(), "序列化会话消息失败",
			logger.F("thread_id", threadID), logger.F("error", err.Error()))
		return
	}
	d.kv.Set(threadKey(threadID), string(data))
}

// LoadThreadMessages 加载会话消息
func (d *kvDAO) LoadThreadMessages(threadID int64) []*model.Message {
	data, ok := d.kv.Get(threadKey(threadID))
	if !ok {
		return nil
	}

	var messages []*model.Message
	if err := json.Unmarshal([]byte(data), &messages); err != nil {
		d.log.Warn(context.Background(), "会话缓存损坏，忽略",
			logger.F("thread_id", threadID), logger.F("error", err.Error()))
		d.kv.Remove(threadKey(threadID))
		return nil
	}
	return messages
}

// ClearThread 清除会话缓存
func (d *kvDAO) ClearThread(threadID int64) {
	d.kv.Remove(threadKey(threadID))
}

// SaveOutbox 保存发件队列
func (d *kvDAO) SaveOutbox(items []*model.OutboxItem) {
	if len(items) == 0 {
		d.kv.Remove("outbox:queue")
		return
	}

	data, err := json.Marshal(items)
	if err != nil {
		d.log.Warn(context.Background(), "序列化发件队列失败", logger.F("error", err.Error()))
		return
	}
	d.kv.Set("outbox:queue", string(data))
}

// LoadOutbox 加载发件队列
func (d *kvDAO) LoadOutbox() []*model.OutboxItem {
	data, ok := d.kv.Get("outbox:queue")
	if !ok {
		return nil
	}

	var items []*model.OutboxItem
	if err := json.Unmarshal([]byte(data), &items); err != nil {
		d.log.Warn(context.Background(), "发件队列缓存损坏，忽略", logger.F("error", err.Error()))
		d.kv.Remove("outbox:queue")
		return nil
	}
	return items
}

// SaveReceiptSession 保存回执会话记忆
func (d *kvDAO) SaveReceiptSession(sessionID string, confirmed map[int64]string) {
	data, err := json.Marshal(confirmed)
	if err != nil {
		d.log.Warn(context.Background(), "序列化回执记忆失败", logger.F("error", err.Error()))
		return
	}
	d.kv.Set("receipts:"+sessionID, string(data))
}

// LoadReceiptSession 加载回执会话记忆
func (d *kvDAO) LoadReceiptSession(sessionID string) map[int64]string {
	data, ok := d.kv.Get("receipts:" + sessionID)
	if !ok {
		return nil
	}

	var confirmed map[int64]string
	if err := json.Unmarshal([]byte(data), &confirmed); err != nil {
		d.log.Warn(context.Background(), "回执记忆缓存损坏，忽略", logger.F("error", err.Error()))
		d.kv.Remove("receipts:" + sessionID)
		return nil
	}
	return confirmed
}
