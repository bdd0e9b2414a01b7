package converter

import (
	"testing"
	"time"

	"pinsync/apps/sync-engine/model"
)

func TestMessageFromRowFieldVariants(t *testing.T) {
	// 批量响应用id/thread_id，推送行用message_id/threadId，两种形态都要认
	snake := map[string]interface{}{
		"id":           float64(10),
		"thread_id":    float64(1),
		"text":         "hello",
		"created_by":   "alice",
		"client_nonce": "n-1",
		"created_at":   float64(1700000000000),
	}
	camel := map[string]interface{}{
		"message_id": "11",
		"threadId":   "1",
		"content":    "hello",
		"createdBy":  "alice",
	}

	msg, err := MessageFromRow(snake)
	if err != nil {
		t.Fatalf("MessageFromRow(snake) error: %v", err)
	}
	if msg.ID != 10 || msg.ThreadID != 1 || msg.Text != "hello" {
		t.Errorf("snake行解析错误: %+v", msg)
	}
	if msg.Meta.LocalDelivery != model.DeliverySent {
		t.Errorf("服务端行默认状态 = %s, want sent", msg.Meta.LocalDelivery)
	}
	if msg.Meta.ClientNonce != "n-1" {
		t.Errorf("client_nonce 未提取: %q", msg.Meta.ClientNonce)
	}
	if want := time.UnixMilli(1700000000000); !msg.CreatedAt.Equal(want) {
		t.Errorf("unix毫秒时间解析错误: %v", msg.CreatedAt)
	}

	msg, err = MessageFromRow(camel)
	if err != nil {
		t.Fatalf("MessageFromRow(camel) error: %v", err)
	}
	if msg.ID != 11 || msg.ThreadID != 1 {
		t.Errorf("camel行解析错误: %+v", msg)
	}
}

func TestMessageFromRowSystemUser(t *testing.T) {
	row := map[string]interface{}{
		"id":         float64(1),
		"thread_id":  float64(1),
		"text":       "thread resolved",
		"created_by": model.SystemUser,
	}

	msg, err := MessageFromRow(row)
	if err != nil {
		t.Fatal(err)
	}
	if !msg.IsSystem {
		t.Error("系统用户的行未标记为系统消息")
	}
}

func TestMessageFromRowMissingID(t *testing.T) {
	if _, err := MessageFromRow(map[string]interface{}{"thread_id": float64(1)}); err == nil {
		t.Error("缺id的行应报错")
	}
}

func TestThreadFromRowDefaultsStatus(t *testing.T) {
	thread, err := ThreadFromRow(map[string]interface{}{
		"id":    float64(5),
		"image": "plan.png",
		"x":     "10.5",
		"y":     float64(20),
	})
	if err != nil {
		t.Fatal(err)
	}
	if thread.Status != model.ThreadStatusOpen {
		t.Errorf("缺省状态 = %s, want open", thread.Status)
	}
	if thread.X != 10.5 || thread.Y != 20 {
		t.Errorf("坐标解析错误: (%v, %v)", thread.X, thread.Y)
	}
}

func TestReceiptFromRow(t *testing.T) {
	receipt, err := ReceiptFromRow(map[string]interface{}{
		"message_id": float64(9),
		"user_id":    "bob",
		"read_at":    "2026-08-01T10:00:00Z",
	})
	if err != nil {
		t.Fatal(err)
	}
	if receipt.MessageID != 9 || receipt.UserID != "bob" {
		t.Errorf("回执行解析错误: %+v", receipt)
	}
	if receipt.ReadAt == nil || receipt.Status() != model.DeliveryRead {
		t.Errorf("read_at 未解析为已读回执")
	}

	receipt, err = ReceiptFromRow(map[string]interface{}{
		"messageId": float64(9),
		"userId":    "bob",
	})
	if err != nil {
		t.Fatal(err)
	}
	if receipt.ReadAt != nil || receipt.Status() != model.DeliveryDelivered {
		t.Errorf("无read_at的行应为送达回执")
	}
}
