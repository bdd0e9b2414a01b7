package dao

import (
	"pinsync/apps/sync-engine/model"
)

// CacheDAO 引擎本地持久化接口
// 写入永不报错：底层存储失败由kvstore降级吸收，内存状态不受影响
type CacheDAO interface {
	// 会话消息缓存，只覆盖已确认(ID>=0)的行
	SaveThreadMessages(threadID int64, messages []*model.Message)
	LoadThreadMessages(threadID int64) []*model.Message
	ClearThread(threadID int64)

	// 发件队列，重载后恢复未确认的发送请求
	SaveOutbox(items []*model.OutboxItem)
	LoadOutbox() []*model.OutboxItem

	// 回执会话记忆：本会话内已确认发出的回执强度
	SaveReceiptSession(sessionID string, confirmed map[int64]string)
	LoadReceiptSession(sessionID string) map[int64]string
}
