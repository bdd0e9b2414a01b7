package converter

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"pinsync/apps/sync-engine/model"
)

// 归一化边界：后端批量响应和推送行的字段形态并不完全一致，
// 这里统一转换为规范记录，协调逻辑只接触规范记录

// MessageFromJSON 解析一条消息行
func MessageFromJSON(raw []byte) (*model.Message, error) {
	var row map[string]interface{}
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("解析消息行失败: %w", err)
	}
	return MessageFromRow(row)
}

// MessageFromRow 将原始消息行转换为规范记录
// 服务端行默认投递状态为sent
func MessageFromRow(row map[string]interface{}) (*model.Message, error) {
	id, ok := toInt64(pick(row, "id", "message_id"))
	if !ok {
		return nil, fmt.Errorf("消息行缺少id: %v", row)
	}
	threadID, ok := toInt64(pick(row, "thread_id", "threadId"))
	if !ok {
		return nil, fmt.Errorf("消息行缺少thread_id: %v", row)
	}

	msg := &model.Message{
		ID:        id,
		ThreadID:  threadID,
		Text:      toString(pick(row, "text", "content")),
		CreatedAt: toTime(pick(row, "created_at", "createdAt")),
		CreatedBy: toString(pick(row, "created_by", "createdBy")),
		IsSystem:  toBool(pick(row, "is_system", "isSystem")),
		Meta: model.MessageMeta{
			LocalDelivery: model.DeliverySent,
			ClientNonce:   toString(pick(row, "client_nonce", "clientNonce")),
		},
	}
	if msg.CreatedBy == model.SystemUser {
		msg.IsSystem = true
	}
	return msg, nil
}

// ThreadFromJSON 解析一条会话行
func ThreadFromJSON(raw []byte) (*model.Thread, error) {
	var row map[string]interface{}
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("解析会话行失败: %w", err)
	}
	return ThreadFromRow(row)
}

// ThreadFromRow 将原始会话行转换为规范记录
func ThreadFromRow(row map[string]interface{}) (*model.Thread, error) {
	id, ok := toInt64(pick(row, "id", "thread_id"))
	if !ok {
		return nil, fmt.Errorf("会话行缺少id: %v", row)
	}

	x, _ := toFloat(pick(row, "x", "x_percent"))
	y, _ := toFloat(pick(row, "y", "y_percent"))

	thread := &model.Thread{
		ID:        id,
		ImageName: toString(pick(row, "image_name", "imageName", "image")),
		X:         x,
		Y:         y,
		Status:    toString(pick(row, "status")),
	}
	if thread.Status == "" {
		thread.Status = model.ThreadStatusOpen
	}
	return thread, nil
}

// ReceiptFromJSON 解析一条回执行
func ReceiptFromJSON(raw []byte) (*model.Receipt, error) {
	var row map[string]interface{}
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("解析回执行失败: %w", err)
	}
	return ReceiptFromRow(row)
}

// ReceiptFromRow 将原始回执行转换为规范记录
func ReceiptFromRow(row map[string]interface{}) (*model.Receipt, error) {
	messageID, ok := toInt64(pick(row, "message_id", "messageId"))
	if !ok {
		return nil, fmt.Errorf("回执行缺少message_id: %v", row)
	}

	receipt := &model.Receipt{
		MessageID: messageID,
		UserID:    toString(pick(row, "user_id", "userId")),
	}
	if readAt := toTime(pick(row, "read_at", "readAt")); !readAt.IsZero() {
		receipt.ReadAt = &readAt
	}
	return receipt, nil
}

// pick 依次取第一个存在的字段
func pick(row map[string]interface{}, keys ...string) interface{} {
	for _, key := range keys {
		if value, ok := row[key]; ok && value != nil {
			return value
		}
	}
	return nil
}

// toInt64 宽容地转换整数，接受数字和数字字符串
func toInt64(value interface{}) (int64, bool) {
	switch v := value.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// toFloat 宽容地转换浮点数
func toFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// toString 转换字符串
func toString(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// toBool 转换布尔值
func toBool(value interface{}) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1"
	case float64:
		return v != 0
	default:
		return false
	}
}

// toTime 转换时间，接受RFC3339字符串和unix毫秒
func toTime(value interface{}) time.Time {
	switch v := value.(type) {
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
		return time.Time{}
	case float64:
		return time.UnixMilli(int64(v))
	case int64:
		return time.UnixMilli(v)
	default:
		return time.Time{}
	}
}
