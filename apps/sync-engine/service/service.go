package service

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"pinsync/apps/sync-engine/dao"
	"pinsync/apps/sync-engine/model"
	"pinsync/pkg/config"
	"pinsync/pkg/logger"
	"pinsync/pkg/retry"
	"pinsync/pkg/seqgen"
	"pinsync/pkg/telemetry"
)

// Engine 同步引擎门面
// 把各协调存储和队列组装成一套面向界面层的同步接口：
// 乐观写入立即生效，网络提交在后台合并、重试并与推送对账
type Engine struct {
	log       logger.Logger
	telemetry *telemetry.Provider

	gen      *seqgen.Generator
	msgs     *MessageStore
	threads  *ThreadStore
	outbox   *Outbox
	receipts *ReceiptOutbox
}

// NewEngine 组装同步引擎
func NewEngine(cfg *config.Config, d dao.CacheDAO, backend Backend,
	clock retry.Clock, tel *telemetry.Provider, log logger.Logger) *Engine {
	gen := seqgen.NewGenerator()
	msgs := NewMessageStore(d, gen, cfg.App.UserID, log)
	threads := NewThreadStore(msgs, gen, log)
	outbox := NewOutbox(msgs, d, backend, gen, cfg.Outbox, cfg.App.UserID, clock, log)
	receipts := NewReceiptOutbox(msgs, d, backend, cfg.Receipt, cfg.App.UserID, cfg.App.SessionID, clock, log)

	return &Engine{
		log:       log,
		telemetry: tel,
		gen:       gen,
		msgs:      msgs,
		threads:   threads,
		outbox:    outbox,
		receipts:  receipts,
	}
}

// Load 恢复持久化状态，重载后继续未完成的发送
func (e *Engine) Load() {
	e.outbox.Load()
	e.receipts.Load()
}

// Messages 会话消息存储
func (e *Engine) Messages() *MessageStore {
	return e.msgs
}

// Threads 会话协调存储
func (e *Engine) Threads() *ThreadStore {
	return e.threads
}

// Receipts 回执队列
func (e *Engine) Receipts() *ReceiptOutbox {
	return e.receipts
}

// SendMessage 发送一条消息，立即返回乐观记录的临时ID
func (e *Engine) SendMessage(ctx context.Context, threadID int64, text string) int64 {
	_, span := e.startSpan(ctx, "engine.send_message",
		attribute.Int64("thread.id", threadID))
	defer span.End()

	tempID := e.outbox.EnqueueSendMessage(threadID, text)
	span.SetAttributes(attribute.Int64("message.temp_id", tempID))
	return tempID
}

// CreateThread 在图片坐标上乐观创建会话
// 网络写入由调用方发起，结果通过ConfirmThread或推送兑现
func (e *Engine) CreateThread(ctx context.Context, image string, x, y float64) *model.Thread {
	_, span := e.startSpan(ctx, "engine.create_thread",
		attribute.String("image.name", image))
	defer span.End()

	return e.threads.CreateOptimistic(image, x, y)
}

// ConfirmThread 用服务端响应兑现临时会话
func (e *Engine) ConfirmThread(tempID int64, rec *model.Thread) {
	e.threads.ConfirmCreate(tempID, rec)
}

// MarkRead 登记一条消息的已读回执
func (e *Engine) MarkRead(messageID int64) {
	e.receipts.EnqueueRead(messageID)
}

// MarkDelivered 登记一条消息的送达回执
func (e *Engine) MarkDelivered(messageID int64) {
	e.receipts.EnqueueDelivered(messageID)
}

// QuickState 按消息ID查询快捷状态，供界面渲染回执角标
func (e *Engine) QuickState(messageID int64) string {
	return e.msgs.QuickState(messageID)
}

// SubscribeThread 订阅会话的消息快照
func (e *Engine) SubscribeThread(threadID int64, fn func([]*model.Message)) func() {
	return e.msgs.Subscribe(threadID, fn)
}

// SubscribeImage 订阅图片下的会话列表
func (e *Engine) SubscribeImage(image string, fn func([]*model.Thread)) func() {
	return e.threads.Subscribe(image, fn)
}

// Notices 注册用户可见通知回调
func (e *Engine) Notices(fn NoticeFunc) {
	e.outbox.SetNotices(fn)
}

// Flush 立即冲刷全部待发送内容
func (e *Engine) Flush() {
	e.outbox.Flush()
	e.receipts.Flush()
}

// SetOnline 更新连通性判断，传播到各队列
func (e *Engine) SetOnline(online bool) {
	e.log.Info(context.Background(), "连通性变更", logger.F("online", online))
	e.outbox.SetOnline(online)
	e.receipts.SetOnline(online)
}

// OnVisibilityRegained 窗口重获焦点，检查未完成的发送
func (e *Engine) OnVisibilityRegained() {
	e.outbox.OnVisibilityRegained()
	e.receipts.Flush()
}

// PendingSends 待发送消息条数
func (e *Engine) PendingSends() int {
	return e.outbox.Pending()
}

// Close 关闭引擎，取消排定中的任务
func (e *Engine) Close() {
	e.outbox.task.Cancel()
	e.receipts.task.Cancel()
}

func (e *Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if e.telemetry == nil {
		return trace.NewNoopTracerProvider().Tracer("").Start(ctx, name)
	}
	ctx, span := e.telemetry.StartSpan(ctx, name)
	span.SetAttributes(attrs...)
	return ctx, span
}
