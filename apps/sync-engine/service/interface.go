package service

import (
	"context"

	"pinsync/apps/sync-engine/model"
)

// Backend 后端存储契约
// 批量建消息按clientNonce幂等；回执提交容忍同ID同强度的重复提交；
// 补偿查询用于订阅恢复后覆盖断连期间的缺口
type Backend interface {
	CreateMessages(ctx context.Context, items []*model.OutboxItem) ([]model.BatchResult, error)
	SubmitReceipts(ctx context.Context, readIDs, deliveredIDs []int64) error
	RecentMessages(ctx context.Context, threadID int64, limit int) ([]*model.Message, error)
	RecentThreads(ctx context.Context, image string, limit int) ([]*model.Thread, error)
}

// NoticeFunc 用户可见通知回调
type NoticeFunc func(model.Notice)
