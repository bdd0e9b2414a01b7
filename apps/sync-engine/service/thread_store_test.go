package service

import (
	"testing"

	"pinsync/apps/sync-engine/model"
	"pinsync/pkg/logger"
	"pinsync/pkg/seqgen"
)

func newTestThreadStore() (*ThreadStore, *MessageStore) {
	log := logger.NewFallbackLogger()
	gen := seqgen.NewGenerator()
	msgs := NewMessageStore(newTestDAO(), gen, testSelf, log)
	return NewThreadStore(msgs, gen, log), msgs
}

func TestCreateOptimisticReusesPendingAnchor(t *testing.T) {
	s, _ := newTestThreadStore()

	first := s.CreateOptimistic("floor-plan.png", 10.123, 20.456)
	second := s.CreateOptimistic("floor-plan.png", 10.123, 20.456)

	if first.ID >= 0 {
		t.Fatalf("乐观会话应使用临时ID, got %d", first.ID)
	}
	if second.ID != first.ID {
		t.Errorf("同锚点重复创建应复用待确认会话: %d != %d", second.ID, first.ID)
	}

	other := s.CreateOptimistic("floor-plan.png", 11.0, 20.456)
	if other.ID == first.ID {
		t.Error("不同锚点不应复用会话")
	}
}

func TestConfirmCreateResolvesAndMigratesMessages(t *testing.T) {
	s, msgs := newTestThreadStore()

	temp := s.CreateOptimistic("site.jpg", 5.0, 5.0)
	msgs.AddOptimistic(temp.ID, -900, "first comment", testSelf, false)

	s.ConfirmCreate(temp.ID, &model.Thread{ID: 77, ImageName: "site.jpg", X: 5.0, Y: 5.0, Status: model.ThreadStatusOpen})

	if got := s.ThreadByID(77); got == nil {
		t.Fatal("确认后按真实ID查不到会话")
	}
	if got := s.ThreadByID(temp.ID); got != nil {
		t.Error("临时会话未被移除")
	}

	moved := msgs.ThreadMessages(77)
	if len(moved) != 1 || moved[0].Text != "first comment" {
		t.Errorf("名下消息未随确认迁移, got %d 条", len(moved))
	}

	// 同锚点再次创建应铸造新会话，不再复用已兑现的临时ID
	fresh := s.CreateOptimistic("site.jpg", 5.0, 5.0)
	if fresh.ID == temp.ID {
		t.Error("已兑现的锚点映射未清除")
	}
}

func TestRealtimeResolvesByAnchorKey(t *testing.T) {
	s, msgs := newTestThreadStore()

	temp := s.CreateOptimistic("site.jpg", 10.12, 20.0)
	msgs.AddOptimistic(temp.ID, -901, "anchored", testSelf, false)

	// 直接确认丢失，推送按锚点键（2位小数）兑现
	s.UpsertFromRealtime(&model.Thread{ID: 88, ImageName: "site.jpg", X: 10.1201, Y: 20.0001, Status: model.ThreadStatusOpen})

	if got := s.ThreadByID(88); got == nil {
		t.Fatal("推送未按锚点键兑现临时会话")
	}
	if got := s.ThreadByID(temp.ID); got != nil {
		t.Error("临时会话未被移除")
	}
	if moved := msgs.ThreadMessages(88); len(moved) != 1 {
		t.Errorf("消息未迁移到推送兑现的会话, got %d 条", len(moved))
	}

	threads := s.ThreadsForImage("site.jpg")
	if len(threads) != 1 || threads[0].ID != 88 {
		t.Errorf("图片下会话列表错误: %v", threads)
	}
}

func TestRealtimeStatusUpdate(t *testing.T) {
	s, _ := newTestThreadStore()

	s.UpsertFromRealtime(&model.Thread{ID: 5, ImageName: "a.png", X: 1, Y: 1, Status: model.ThreadStatusOpen})
	s.UpsertFromRealtime(&model.Thread{ID: 5, Status: model.ThreadStatusResolved})

	got := s.ThreadByID(5)
	if got == nil || got.Status != model.ThreadStatusResolved {
		t.Fatalf("状态更新未生效: %+v", got)
	}
	if got.ImageName != "a.png" {
		t.Errorf("状态更新不应丢失图片名, got %q", got.ImageName)
	}
}

func TestThreadsForImageExcludesDeleted(t *testing.T) {
	s, _ := newTestThreadStore()

	s.UpsertFromRealtime(&model.Thread{ID: 1, ImageName: "a.png", X: 1, Y: 1, Status: model.ThreadStatusOpen})
	s.UpsertFromRealtime(&model.Thread{ID: 2, ImageName: "a.png", X: 2, Y: 2, Status: model.ThreadStatusDeleted})

	threads := s.ThreadsForImage("a.png")
	if len(threads) != 1 || threads[0].ID != 1 {
		t.Errorf("已删除会话应从列表排除, got %v", threads)
	}
}

func TestSubscribeImageNotifies(t *testing.T) {
	s, _ := newTestThreadStore()

	calls := 0
	unsubscribe := s.Subscribe("a.png", func(list []*model.Thread) {
		calls++
	})
	if calls != 1 {
		t.Fatalf("订阅时应立即回调, calls = %d", calls)
	}

	s.UpsertFromRealtime(&model.Thread{ID: 1, ImageName: "a.png", X: 1, Y: 1, Status: model.ThreadStatusOpen})
	if calls != 2 {
		t.Fatalf("新会话到达后 calls = %d, want 2", calls)
	}

	// 其他图片的变更不打扰
	s.UpsertFromRealtime(&model.Thread{ID: 2, ImageName: "b.png", X: 1, Y: 1, Status: model.ThreadStatusOpen})
	if calls != 2 {
		t.Fatalf("无关图片变更触发了回调, calls = %d", calls)
	}

	unsubscribe()
	s.UpsertFromRealtime(&model.Thread{ID: 3, ImageName: "a.png", X: 3, Y: 3, Status: model.ThreadStatusOpen})
	if calls != 2 {
		t.Errorf("退订后仍收到回调, calls = %d", calls)
	}
}
