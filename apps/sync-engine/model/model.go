package model

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// MessageMeta 消息的本地元数据
// DisplaySeq/DisplayNano 铸造一次后不再改变，决定展示顺序，
// 与网络到达顺序和服务器时钟无关
type MessageMeta struct {
	LocalDelivery string    `json:"local_delivery"`
	ClientNonce   string    `json:"client_nonce"`
	DisplaySeq    int64     `json:"display_seq"`
	DisplayNano   int64     `json:"display_nano"`
	DisplayAt     time.Time `json:"display_at"`
}

// Message 锚点会话中的一条消息
// 负ID为本地临时ID，非负ID为服务端确认ID
type Message struct {
	ID        int64       `json:"id"`
	ThreadID  int64       `json:"thread_id"`
	Text      string      `json:"text"`
	CreatedAt time.Time   `json:"created_at"`
	CreatedBy string      `json:"created_by"`
	IsSystem  bool        `json:"is_system"`
	Meta      MessageMeta `json:"meta"`
}

// IsTemp 是否为未确认的本地记录
func (m *Message) IsTemp() bool {
	return m.ID < 0
}

// Clone 深拷贝
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	clone := *m
	return &clone
}

// Thread 图片上的锚点会话
type Thread struct {
	ID         int64   `json:"id"`
	ImageName  string  `json:"image_name"`
	X          float64 `json:"x"` // 横向百分比 0-100
	Y          float64 `json:"y"` // 纵向百分比 0-100
	Status     string  `json:"status"`
	MessageIDs []int64 `json:"message_ids,omitempty"`
}

// IsTemp 是否为未确认的本地记录
func (t *Thread) IsTemp() bool {
	return t.ID < 0
}

// Clone 深拷贝
func (t *Thread) Clone() *Thread {
	if t == nil {
		return nil
	}
	clone := *t
	clone.MessageIDs = append([]int64(nil), t.MessageIDs...)
	return &clone
}

// AnchorKey 锚点键：图片名加固定精度的坐标
// 同一锚点键至多对应一个待确认的临时会话
func (t *Thread) AnchorKey() string {
	return AnchorKey(t.ImageName, t.X, t.Y)
}

// AnchorKey 计算锚点键
func AnchorKey(image string, x, y float64) string {
	return fmt.Sprintf("%s|%.*f|%.*f", image, AnchorPrecision, roundAnchor(x), AnchorPrecision, roundAnchor(y))
}

// roundAnchor 坐标按固定精度取整
func roundAnchor(v float64) float64 {
	scale := math.Pow10(AnchorPrecision)
	return math.Round(v*scale) / scale
}

// OutboxItem 发件队列单元
type OutboxItem struct {
	QID         int64     `json:"qid"`
	ThreadID    int64     `json:"thread_id"`
	TempID      int64     `json:"temp_id"`
	Text        string    `json:"text"`
	IsSystem    bool      `json:"is_system"`
	ClientNonce string    `json:"client_nonce"`
	RetryCount  int       `json:"retry_count"`
	LastError   string    `json:"last_error,omitempty"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// BatchResult 批量建消息接口的单条结果，按clientNonce对应
type BatchResult struct {
	ClientNonce string
	Message     *Message // 确认成功时非空
	Err         string   // 单条被拒时的错误串
}

// Receipt 一条投递/已读回执
type Receipt struct {
	MessageID int64
	UserID    string
	ReadAt    *time.Time // 非空表示已读，否则为已投递
}

// Status 回执对应的投递状态
func (r *Receipt) Status() string {
	if r.ReadAt != nil {
		return DeliveryRead
	}
	return DeliveryDelivered
}

// PendingReceipt 目标消息尚未就位的回执缓冲
// 只保留更高的状态；FromSelf记录确认方是否为本端用户，
// 回执只作用于消息作者的对端
type PendingReceipt struct {
	Status   string `json:"status"`
	FromSelf bool   `json:"from_self"`
}

// Notice 用户可见的终态通知
type Notice struct {
	Kind      string
	Text      string
	MessageID int64 // 发送失败时对应的本地临时ID
}

// NormalizeText 文本归一化，用于无nonce时的兜底匹配
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
