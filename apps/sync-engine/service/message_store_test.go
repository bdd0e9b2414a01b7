package service

import (
	"testing"
	"time"

	"pinsync/apps/sync-engine/dao"
	"pinsync/apps/sync-engine/model"
	"pinsync/pkg/kvstore"
	"pinsync/pkg/logger"
	"pinsync/pkg/seqgen"
)

const (
	testSelf  = "alice"
	testOther = "bob"
)

func newTestDAO() dao.CacheDAO {
	log := logger.NewFallbackLogger()
	kv := kvstore.NewScoped(kvstore.NewMemoryBacking(), "test", 1, log)
	return dao.NewKVDAO(kv, log)
}

func newTestMessageStore() (*MessageStore, dao.CacheDAO) {
	d := newTestDAO()
	return NewMessageStore(d, seqgen.NewGenerator(), testSelf, logger.NewFallbackLogger()), d
}

func confirmedRec(id int64, threadID int64, text, nonce, author string) *model.Message {
	return &model.Message{
		ID:        id,
		ThreadID:  threadID,
		Text:      text,
		CreatedAt: time.Now(),
		CreatedBy: author,
		Meta: model.MessageMeta{
			LocalDelivery: model.DeliverySent,
			ClientNonce:   nonce,
		},
	}
}

func TestConfirmKeepsDisplayTuple(t *testing.T) {
	s, _ := newTestMessageStore()

	opt := s.AddOptimistic(1, -100, "hello", testSelf, false)
	if opt.Meta.LocalDelivery != model.DeliverySending {
		t.Fatalf("乐观消息投递状态 = %s, want sending", opt.Meta.LocalDelivery)
	}

	rec := confirmedRec(500, 1, "hello", opt.Meta.ClientNonce, testSelf)
	s.ConfirmMessage(1, -100, rec)

	list := s.ThreadMessages(1)
	if len(list) != 1 {
		t.Fatalf("确认后消息数 = %d, want 1", len(list))
	}
	got := list[0]
	if got.ID != 500 {
		t.Errorf("确认后ID = %d, want 500", got.ID)
	}
	if got.Meta.DisplaySeq != opt.Meta.DisplaySeq || got.Meta.DisplayNano != opt.Meta.DisplayNano {
		t.Errorf("确认不得改写展示元组: (%d,%d) -> (%d,%d)",
			opt.Meta.DisplaySeq, opt.Meta.DisplayNano, got.Meta.DisplaySeq, got.Meta.DisplayNano)
	}
	if got.Meta.LocalDelivery != model.DeliverySent {
		t.Errorf("确认后投递状态 = %s, want sent", got.Meta.LocalDelivery)
	}
}

func TestRealtimeBeforeConfirmConverges(t *testing.T) {
	s, _ := newTestMessageStore()

	opt := s.AddOptimistic(1, -100, "race", testSelf, false)

	// 推送先于批量响应到达
	s.UpsertFromRealtime(confirmedRec(600, 1, "race", opt.Meta.ClientNonce, testSelf))

	list := s.ThreadMessages(1)
	if len(list) != 1 || list[0].ID != 600 {
		t.Fatalf("推送先行后应收敛为单条确认消息, got %d 条", len(list))
	}

	// 批量响应随后到达，结果不变
	s.ConfirmMessage(1, -100, confirmedRec(600, 1, "race", opt.Meta.ClientNonce, testSelf))

	list = s.ThreadMessages(1)
	if len(list) != 1 || list[0].ID != 600 {
		t.Errorf("确认与推送双路到达后消息数 = %d, want 1", len(list))
	}
}

func TestRealtimeIdempotent(t *testing.T) {
	s, _ := newTestMessageStore()

	rec := confirmedRec(700, 1, "dup", "nonce-700", testOther)
	s.UpsertFromRealtime(rec)
	s.UpsertFromRealtime(rec)

	list := s.ThreadMessages(1)
	if len(list) != 1 {
		t.Errorf("重复推送后消息数 = %d, want 1", len(list))
	}
}

func TestTextFallbackFirstMatchWins(t *testing.T) {
	s, _ := newTestMessageStore()

	// 两条同文本的乐观消息，nonce在途丢失时按先到先得折叠
	s.AddOptimistic(1, -100, "same text", testSelf, false)
	s.AddOptimistic(1, -101, "same text", testSelf, false)

	first := confirmedRec(800, 1, "same  text", "", testSelf)
	s.UpsertFromRealtime(first)

	list := s.ThreadMessages(1)
	if len(list) != 2 {
		t.Fatalf("首条推送后消息数 = %d, want 2", len(list))
	}
	if list[0].ID != 800 {
		t.Errorf("兜底匹配应折叠最旧的乐观条目, 首位ID = %d", list[0].ID)
	}
	if list[1].ID != -101 {
		t.Errorf("第二条乐观消息不应被折叠, ID = %d", list[1].ID)
	}

	second := confirmedRec(801, 1, "same text", "", testSelf)
	s.UpsertFromRealtime(second)

	list = s.ThreadMessages(1)
	if len(list) != 2 || list[0].ID != 800 || list[1].ID != 801 {
		ids := []int64{}
		for _, m := range list {
			ids = append(ids, m.ID)
		}
		t.Errorf("两条推送后应各自折叠一条, got %v", ids)
	}
}

func TestTextFallbackSkipsDifferentShape(t *testing.T) {
	s, _ := newTestMessageStore()

	s.AddOptimistic(1, -100, "note", testSelf, true) // 系统消息

	rec := confirmedRec(900, 1, "note", "", testSelf)
	s.UpsertFromRealtime(rec)

	// isSystem不同，不得折叠
	list := s.ThreadMessages(1)
	if len(list) != 2 {
		t.Errorf("形态不同的消息被错误折叠, 消息数 = %d", len(list))
	}
}

func TestReceiptMonotonicAndSided(t *testing.T) {
	s, _ := newTestMessageStore()

	// 本端发出的消息，对端回执推进状态
	s.UpsertFromRealtime(confirmedRec(10, 1, "mine", "n10", testSelf))

	readAt := time.Now()
	s.UpsertReceipt(10, testOther, &readAt)
	if got := s.QuickState(10); got != model.QuickStateMine {
		t.Fatalf("QuickState(本端消息) = %s, want mine", got)
	}
	list := s.ThreadMessages(1)
	if list[0].Meta.LocalDelivery != model.DeliveryRead {
		t.Fatalf("对端已读回执未生效, 状态 = %s", list[0].Meta.LocalDelivery)
	}

	// 已读后送达回执不得降级
	s.UpsertReceipt(10, testOther, nil)
	list = s.ThreadMessages(1)
	if list[0].Meta.LocalDelivery != model.DeliveryRead {
		t.Errorf("投递状态被降级: %s", list[0].Meta.LocalDelivery)
	}

	// 作者同侧的回执不作用于消息
	s.UpsertFromRealtime(confirmedRec(11, 1, "theirs", "n11", testOther))
	s.UpsertReceipt(11, testOther, &readAt)
	list = s.ThreadMessages(1)
	for _, msg := range list {
		if msg.ID == 11 && msg.Meta.LocalDelivery != model.DeliverySent {
			t.Errorf("作者同侧回执不应推进状态, got %s", msg.Meta.LocalDelivery)
		}
	}
}

func TestReceiptBufferedUntilMessageArrives(t *testing.T) {
	s, _ := newTestMessageStore()

	// 回执先于消息到达
	readAt := time.Now()
	s.UpsertReceipt(42, testOther, nil)
	s.UpsertReceipt(42, testOther, &readAt) // 更高状态覆盖缓冲

	s.UpsertFromRealtime(confirmedRec(42, 1, "late", "n42", testSelf))

	list := s.ThreadMessages(1)
	if len(list) != 1 || list[0].Meta.LocalDelivery != model.DeliveryRead {
		t.Errorf("缓冲回执未在消息就位后兑现, 状态 = %s", list[0].Meta.LocalDelivery)
	}

	// 缓冲兑现后即丢弃，重复到达不再生效
	s.RemoveFromRealtime(&model.Message{ID: 42})
	s.UpsertFromRealtime(confirmedRec(42, 1, "late", "n42", testSelf))
	list = s.ThreadMessages(1)
	if list[0].Meta.LocalDelivery != model.DeliverySent {
		t.Errorf("已兑现的缓冲回执被重复套用, 状态 = %s", list[0].Meta.LocalDelivery)
	}
}

func TestQuickState(t *testing.T) {
	s, _ := newTestMessageStore()

	s.UpsertFromRealtime(confirmedRec(1, 1, "sys", "n1", model.SystemUser))
	s.UpsertFromRealtime(confirmedRec(2, 1, "mine", "n2", testSelf))
	s.UpsertFromRealtime(confirmedRec(3, 1, "theirs", "n3", testOther))

	cases := map[int64]string{
		1:   model.QuickStateSystem,
		2:   model.QuickStateMine,
		3:   model.QuickStateSent,
		999: model.QuickStateUnknown,
	}
	for id, want := range cases {
		if got := s.QuickState(id); got != want {
			t.Errorf("QuickState(%d) = %s, want %s", id, got, want)
		}
	}

	readAt := time.Now()
	s.UpsertReceipt(3, testSelf, &readAt)
	if got := s.QuickState(3); got != model.QuickStateRead {
		t.Errorf("本端已读他人消息后 QuickState = %s, want read", got)
	}
}

func TestStableOrderByArrival(t *testing.T) {
	s, _ := newTestMessageStore()

	// 到达顺序决定展示顺序，与服务端时间戳无关
	early := confirmedRec(20, 1, "first arrived", "n20", testOther)
	early.CreatedAt = time.Now().Add(time.Hour) // 服务端时钟偏移
	late := confirmedRec(21, 1, "second arrived", "n21", testOther)

	s.UpsertFromRealtime(early)
	s.UpsertFromRealtime(late)

	list := s.ThreadMessages(1)
	if list[0].ID != 20 || list[1].ID != 21 {
		t.Errorf("展示顺序应按到达顺序, got [%d, %d]", list[0].ID, list[1].ID)
	}
	if list[0].Meta.DisplaySeq >= list[1].Meta.DisplaySeq {
		t.Errorf("displaySeq 未递增: %d >= %d", list[0].Meta.DisplaySeq, list[1].Meta.DisplaySeq)
	}
}

func TestPersistExcludesOptimistic(t *testing.T) {
	s, d := newTestMessageStore()

	s.AddOptimistic(1, -100, "unsent", testSelf, false)
	s.UpsertFromRealtime(confirmedRec(30, 1, "stored", "n30", testOther))

	cached := d.LoadThreadMessages(1)
	if len(cached) != 1 || cached[0].ID != 30 {
		t.Fatalf("缓存应只含已确认的行, got %d 条", len(cached))
	}

	// 重载：乐观条目不复活，序号水位抬高
	s2 := NewMessageStore(d, seqgen.NewGenerator(), testSelf, logger.NewFallbackLogger())
	list := s2.ThreadMessages(1)
	if len(list) != 1 || list[0].ID != 30 {
		t.Fatalf("重载后消息数 = %d, want 1", len(list))
	}

	fresh := s2.AddOptimistic(1, -200, "after reload", testSelf, false)
	if fresh.Meta.DisplaySeq <= list[0].Meta.DisplaySeq {
		t.Errorf("重载后新序号 %d 未高于历史水位 %d", fresh.Meta.DisplaySeq, list[0].Meta.DisplaySeq)
	}
}

func TestRemoveLastMessageClearsThread(t *testing.T) {
	s, d := newTestMessageStore()

	s.UpsertFromRealtime(confirmedRec(40, 1, "only", "n40", testOther))
	s.RemoveFromRealtime(&model.Message{ID: 40})

	if got := s.ThreadMessages(1); len(got) != 0 {
		t.Fatalf("删除后消息数 = %d, want 0", len(got))
	}
	if cached := d.LoadThreadMessages(1); cached != nil {
		t.Errorf("清空会话后缓存未清除: %v", cached)
	}
}

func TestRemoveBeforeHydrationDropsCachedRow(t *testing.T) {
	// 缓存里有已确认的行，但本次会话尚未接触过该会话，
	// 删除事件先到也必须命中缓存行，重载后不得复活
	d := newTestDAO()
	d.SaveThreadMessages(1, []*model.Message{confirmedRec(40, 1, "only", "n40", testOther)})

	s := NewMessageStore(d, seqgen.NewGenerator(), testSelf, logger.NewFallbackLogger())
	s.RemoveFromRealtime(&model.Message{ID: 40, ThreadID: 1})

	if got := s.ThreadMessages(1); len(got) != 0 {
		t.Fatalf("删除后消息数 = %d, want 0", len(got))
	}
	if cached := d.LoadThreadMessages(1); len(cached) != 0 {
		t.Errorf("删除后缓存未清除: %v", cached)
	}
}

func TestMigrateThreadMovesMessagesAndSubscribers(t *testing.T) {
	s, _ := newTestMessageStore()

	var snapshots [][]*model.Message
	s.Subscribe(-50, func(list []*model.Message) {
		snapshots = append(snapshots, list)
	})

	opt := s.AddOptimistic(-50, -100, "pending thread", testSelf, false)
	s.MigrateThread(-50, 77)

	list := s.ThreadMessages(77)
	if len(list) != 1 || list[0].ThreadID != 77 {
		t.Fatalf("迁移后消息未挂到新会话, got %d 条", len(list))
	}
	if list[0].Meta.DisplaySeq != opt.Meta.DisplaySeq {
		t.Errorf("迁移不得改写展示元组")
	}
	if len(s.ThreadMessages(-50)) != 0 {
		t.Error("旧会话仍有消息残留")
	}

	// 订阅者随迁移继续收到新会话的快照
	before := len(snapshots)
	s.ConfirmMessage(77, -100, confirmedRec(55, 77, "pending thread", opt.Meta.ClientNonce, testSelf))
	if len(snapshots) <= before {
		t.Error("迁移后的变更未通知原订阅者")
	}
}

func TestSubscribeSnapshotAndUnsubscribe(t *testing.T) {
	s, _ := newTestMessageStore()

	s.UpsertFromRealtime(confirmedRec(60, 1, "existing", "n60", testOther))

	calls := 0
	unsubscribe := s.Subscribe(1, func(list []*model.Message) {
		calls++
	})

	if calls != 1 {
		t.Fatalf("订阅时应立即回调一次, calls = %d", calls)
	}

	s.UpsertFromRealtime(confirmedRec(61, 1, "update", "n61", testOther))
	if calls != 2 {
		t.Fatalf("变更后 calls = %d, want 2", calls)
	}

	unsubscribe()
	s.UpsertFromRealtime(confirmedRec(62, 1, "after", "n62", testOther))
	if calls != 2 {
		t.Errorf("退订后仍收到回调, calls = %d", calls)
	}
}

func TestDedupPrefersConfirmedAndEarliestTuple(t *testing.T) {
	s, _ := newTestMessageStore()

	opt := s.AddOptimistic(1, -100, "dup", testSelf, false)
	s.UpsertFromRealtime(confirmedRec(70, 1, "noise", "other-nonce", testOther))

	// 同nonce的确认记录后到，胜出且继承乐观条目更早的展示元组
	s.UpsertFromRealtime(confirmedRec(71, 1, "dup", opt.Meta.ClientNonce, testSelf))

	list := s.ThreadMessages(1)
	if len(list) != 2 {
		t.Fatalf("消息数 = %d, want 2", len(list))
	}
	if list[0].ID != 71 {
		t.Errorf("同nonce收敛后胜者应保持原位置, 首位ID = %d", list[0].ID)
	}
	if list[0].Meta.DisplaySeq != opt.Meta.DisplaySeq {
		t.Errorf("胜者未继承最早展示元组: %d != %d", list[0].Meta.DisplaySeq, opt.Meta.DisplaySeq)
	}
}
