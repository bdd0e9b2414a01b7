package model

// 投递状态常量，只允许沿 sending → sent → delivered → read 单调推进
const (
	DeliverySending   = "sending"   // 本地乐观记录，尚未确认
	DeliverySent      = "sent"      // 服务端已确认
	DeliveryDelivered = "delivered" // 对方已收到
	DeliveryRead      = "read"      // 对方已读
)

// 会话状态常量
const (
	ThreadStatusOpen     = "open"
	ThreadStatusResolved = "resolved"
	ThreadStatusReopened = "reopened"
	ThreadStatusDeleted  = "deleted"
)

// 推送事件类型常量
const (
	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
)

// 推送行所属的数据表
const (
	TableMessages = "messages"
	TableThreads  = "threads"
	TableReceipts = "receipts"
)

// 快捷状态常量，供UI按消息ID一次查询
const (
	QuickStateUnknown   = "unknown"
	QuickStateSystem    = "system"
	QuickStateMine      = "mine"
	QuickStateRead      = "read"
	QuickStateDelivered = "delivered"
	QuickStateSent      = "sent"
)

// 通知类型常量
const (
	NoticeKindOffline    = "offline"
	NoticeKindSendFailed = "send_failed"
)

// SystemUser 系统消息的作者标识
const SystemUser = "system"

// AnchorPrecision 锚点坐标百分比的固定精度（小数位数）
const AnchorPrecision = 2

// DeliveryRank 投递状态的等级，未知状态返回-1
func DeliveryRank(status string) int {
	switch status {
	case DeliverySending:
		return 0
	case DeliverySent:
		return 1
	case DeliveryDelivered:
		return 2
	case DeliveryRead:
		return 3
	default:
		return -1
	}
}

// HigherDelivery 返回等级更高的投递状态
func HigherDelivery(a, b string) string {
	if DeliveryRank(b) > DeliveryRank(a) {
		return b
	}
	return a
}
