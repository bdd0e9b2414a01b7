package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"pinsync/apps/sync-engine/dao"
	"pinsync/apps/sync-engine/model"
	"pinsync/pkg/logger"
	"pinsync/pkg/seqgen"
)

// MessageStore 消息协调存储
// 持有每个会话的有序消息列表，合并乐观记录、确认记录和推送记录，
// 独占消息顺序与投递状态。所有操作不抛错，未知输入直接忽略
type MessageStore struct {
	mu       sync.Mutex
	log      logger.Logger
	dao      dao.CacheDAO
	gen      *seqgen.Generator
	selfUser string

	threads         map[int64][]*model.Message
	index           map[int64]int64 // messageID -> threadID
	pendingReceipts map[int64]*model.PendingReceipt
	subs            map[int64]map[int]func([]*model.Message)
	nextSubID       int
	hydrated        map[int64]bool
}

// NewMessageStore 创建消息协调存储
func NewMessageStore(d dao.CacheDAO, gen *seqgen.Generator, selfUser string, log logger.Logger) *MessageStore {
	return &MessageStore{
		log:             log,
		dao:             d,
		gen:             gen,
		selfUser:        selfUser,
		threads:         make(map[int64][]*model.Message),
		index:           make(map[int64]int64),
		pendingReceipts: make(map[int64]*model.PendingReceipt),
		subs:            make(map[int64]map[int]func([]*model.Message)),
		hydrated:        make(map[int64]bool),
	}
}

// AddOptimistic 插入本地乐观消息
// 铸造新的clientNonce与(displaySeq, displayNano)，恒排在现有条目之后
func (s *MessageStore) AddOptimistic(threadID, tempID int64, text, createdBy string, isSystem bool) *model.Message {
	s.mu.Lock()
	s.ensureHydratedLocked(threadID)

	seq, nano := s.gen.NextDisplay(threadID)
	now := time.Now()
	msg := &model.Message{
		ID:        tempID,
		ThreadID:  threadID,
		Text:      text,
		CreatedAt: now,
		CreatedBy: createdBy,
		IsSystem:  isSystem,
		Meta: model.MessageMeta{
			LocalDelivery: model.DeliverySending,
			ClientNonce:   uuid.NewString(),
			DisplaySeq:    seq,
			DisplayNano:   nano,
			DisplayAt:     now,
		},
	}

	s.threads[threadID] = append(s.threads[threadID], msg)
	s.index[tempID] = threadID
	s.applyPendingLocked(msg)

	result := msg.Clone()
	fns, snapshot := s.collectSubsLocked(threadID)
	s.mu.Unlock()

	notify(fns, snapshot)
	return result
}

// ConfirmMessage 用服务端确认记录兑现乐观消息
// 乐观条目仍在则原位替换并保留展示元数据；推送先行送达的同ID副本
// 已在则并入该副本；两者皆无则追加
func (s *MessageStore) ConfirmMessage(threadID, tempID int64, rec *model.Message) {
	if rec == nil || rec.ID < 0 {
		return
	}

	s.mu.Lock()
	s.ensureHydratedLocked(threadID)

	list := s.threads[threadID]
	var target *model.Message
	for _, msg := range list {
		if msg.ID == tempID {
			target = msg
			break
		}
	}
	if target == nil {
		for _, msg := range list {
			if msg.ID == rec.ID {
				target = msg
				break
			}
		}
	}

	if target != nil {
		s.confirmIntoLocked(target, rec)
	} else {
		s.appendConfirmedLocked(threadID, rec)
	}

	s.finishMutationLocked(threadID, rec.ID)
}

// UpsertFromRealtime 合并一条推送送达的服务端记录
// 优先按clientNonce对上乐观条目；nonce在途丢失时按(isSystem, 归一化文本)
// 兜底匹配最旧的一条待确认乐观条目，单次事件至多套用一次，
// 避免把两条同文本的不同消息错误折叠
func (s *MessageStore) UpsertFromRealtime(rec *model.Message) {
	if rec == nil || rec.ID < 0 {
		return
	}

	s.mu.Lock()
	threadID := rec.ThreadID
	s.ensureHydratedLocked(threadID)

	list := s.threads[threadID]
	var target *model.Message

	// 同ID副本已在，幂等合并
	for _, msg := range list {
		if msg.ID == rec.ID {
			target = msg
			break
		}
	}

	// 按clientNonce对上乐观条目
	if target == nil && rec.Meta.ClientNonce != "" {
		for _, msg := range list {
			if msg.IsTemp() && msg.Meta.ClientNonce == rec.Meta.ClientNonce {
				target = msg
				break
			}
		}
	}

	// nonce丢失时的兜底：最旧的同形态待确认条目，先到先得
	if target == nil && rec.Meta.ClientNonce == "" {
		want := model.NormalizeText(rec.Text)
		for _, msg := range list {
			if msg.IsTemp() && msg.Meta.LocalDelivery == model.DeliverySending &&
				msg.IsSystem == rec.IsSystem && model.NormalizeText(msg.Text) == want {
				target = msg
				break
			}
		}
	}

	if target != nil {
		s.confirmIntoLocked(target, rec)
	} else {
		s.appendConfirmedLocked(threadID, rec)
	}

	s.finishMutationLocked(threadID, rec.ID)
}

// RemoveFromRealtime 按ID移除一条推送删除的记录
func (s *MessageStore) RemoveFromRealtime(rec *model.Message) {
	if rec == nil {
		return
	}

	s.mu.Lock()
	if rec.ThreadID != 0 {
		// 删除目标可能还躺在未加载的缓存里，先恢复再查
		s.ensureHydratedLocked(rec.ThreadID)
	}
	threadID, ok := s.index[rec.ID]
	if !ok {
		s.mu.Unlock()
		return
	}

	list := s.threads[threadID]
	kept := list[:0]
	for _, msg := range list {
		if msg.ID == rec.ID {
			delete(s.index, msg.ID)
			continue
		}
		kept = append(kept, msg)
	}

	if len(kept) == 0 {
		// 会话清空时连缓存一起清
		delete(s.threads, threadID)
		s.dao.ClearThread(threadID)
	} else {
		s.threads[threadID] = kept
		s.persistLocked(threadID)
	}

	fns, snapshot := s.collectSubsLocked(threadID)
	s.mu.Unlock()

	notify(fns, snapshot)
}

// UpsertReceipt 套用一条投递/已读回执
// 目标消息未知时缓冲为待定回执，保留更高状态，消息就位后兑现并丢弃。
// 回执只作用于消息作者的对端
func (s *MessageStore) UpsertReceipt(messageID int64, userID string, readAt *time.Time) {
	status := model.DeliveryDelivered
	if readAt != nil {
		status = model.DeliveryRead
	}
	fromSelf := userID == s.selfUser

	s.mu.Lock()
	threadID, known := s.index[messageID]
	if !known {
		existing := s.pendingReceipts[messageID]
		if existing == nil {
			s.pendingReceipts[messageID] = &model.PendingReceipt{Status: status, FromSelf: fromSelf}
		} else if model.DeliveryRank(status) > model.DeliveryRank(existing.Status) {
			existing.Status = status
			existing.FromSelf = fromSelf
		}
		s.mu.Unlock()
		s.log.Debug(context.Background(), "回执目标消息未知，已缓冲",
			logger.F("message_id", messageID), logger.F("status", status))
		return
	}

	changed := false
	for _, msg := range s.threads[threadID] {
		if msg.ID != messageID {
			continue
		}
		if fromSelf != (msg.CreatedBy == s.selfUser) {
			promoted := model.HigherDelivery(msg.Meta.LocalDelivery, status)
			if promoted != msg.Meta.LocalDelivery {
				msg.Meta.LocalDelivery = promoted
				changed = true
			}
		}
		break
	}

	if !changed {
		s.mu.Unlock()
		return
	}

	s.persistLocked(threadID)
	fns, snapshot := s.collectSubsLocked(threadID)
	s.mu.Unlock()

	notify(fns, snapshot)
}

// MigrateThread 把临时会话ID下的全部消息迁移到确认ID下
func (s *MessageStore) MigrateThread(oldThreadID, newThreadID int64) {
	if oldThreadID == newThreadID {
		return
	}

	s.mu.Lock()
	moved := s.threads[oldThreadID]
	if len(moved) == 0 {
		s.mu.Unlock()
		return
	}
	delete(s.threads, oldThreadID)
	s.ensureHydratedLocked(newThreadID)

	var maxSeq int64
	for _, msg := range moved {
		msg.ThreadID = newThreadID
		s.index[msg.ID] = newThreadID
		if msg.Meta.DisplaySeq > maxSeq {
			maxSeq = msg.Meta.DisplaySeq
		}
	}
	s.gen.Seed(newThreadID, maxSeq)
	s.threads[newThreadID] = append(s.threads[newThreadID], moved...)

	// 订阅者随消息一起迁移
	if old := s.subs[oldThreadID]; len(old) > 0 {
		if s.subs[newThreadID] == nil {
			s.subs[newThreadID] = make(map[int]func([]*model.Message))
		}
		for id, fn := range old {
			s.subs[newThreadID][id] = fn
		}
		delete(s.subs, oldThreadID)
	}

	s.dedupLocked(newThreadID)
	s.sortLocked(newThreadID)
	s.persistLocked(newThreadID)
	s.dao.ClearThread(oldThreadID)

	fns, snapshot := s.collectSubsLocked(newThreadID)
	s.mu.Unlock()

	notify(fns, snapshot)
}

// ThreadMessages 会话消息快照
func (s *MessageStore) ThreadMessages(threadID int64) []*model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensureHydratedLocked(threadID)
	return cloneMessages(s.threads[threadID])
}

// QuickState 按消息ID返回快捷状态
// unknown: 未知ID；system: 系统消息；mine: 本端用户发出；
// 其余返回当前投递状态，供UI判断是否需要补发回执
func (s *MessageStore) QuickState(messageID int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	threadID, ok := s.index[messageID]
	if !ok {
		return model.QuickStateUnknown
	}
	for _, msg := range s.threads[threadID] {
		if msg.ID != messageID {
			continue
		}
		if msg.IsSystem {
			return model.QuickStateSystem
		}
		if msg.CreatedBy == s.selfUser {
			return model.QuickStateMine
		}
		switch msg.Meta.LocalDelivery {
		case model.DeliveryRead:
			return model.QuickStateRead
		case model.DeliveryDelivered:
			return model.QuickStateDelivered
		default:
			return model.QuickStateSent
		}
	}
	return model.QuickStateUnknown
}

// Subscribe 订阅会话消息列表，返回退订函数
// 订阅时立即回调一次当前快照，之后每次变更同步回调
func (s *MessageStore) Subscribe(threadID int64, fn func([]*model.Message)) func() {
	s.mu.Lock()
	s.ensureHydratedLocked(threadID)

	s.nextSubID++
	id := s.nextSubID
	if s.subs[threadID] == nil {
		s.subs[threadID] = make(map[int]func([]*model.Message))
	}
	s.subs[threadID][id] = fn
	snapshot := cloneMessages(s.threads[threadID])
	s.mu.Unlock()

	fn(snapshot)

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		// 迁移后订阅可能挂在新的会话ID下
		for tid, set := range s.subs {
			if _, ok := set[id]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(s.subs, tid)
				}
				return
			}
		}
	}
}

// ==================== 内部方法 ====================

// ensureHydratedLocked 首次接触会话时从本地缓存恢复已确认的行
func (s *MessageStore) ensureHydratedLocked(threadID int64) {
	if s.hydrated[threadID] {
		return
	}
	s.hydrated[threadID] = true

	cached := s.dao.LoadThreadMessages(threadID)
	if len(cached) == 0 {
		return
	}

	var maxSeq int64
	for _, msg := range cached {
		if msg == nil || msg.ID < 0 {
			// 缓存里不应出现未确认的行，出现则丢弃
			continue
		}
		if _, ok := s.index[msg.ID]; ok {
			continue
		}
		s.threads[threadID] = append(s.threads[threadID], msg)
		s.index[msg.ID] = threadID
		if msg.Meta.DisplaySeq > maxSeq {
			maxSeq = msg.Meta.DisplaySeq
		}
		s.applyPendingLocked(msg)
	}
	s.gen.Seed(threadID, maxSeq)
	s.sortLocked(threadID)
}

// confirmIntoLocked 把服务端记录并入既有条目
// 展示元数据保持不变，投递状态只升不降
func (s *MessageStore) confirmIntoLocked(target *model.Message, rec *model.Message) {
	if target.ID != rec.ID {
		delete(s.index, target.ID)
		s.index[rec.ID] = target.ThreadID
		target.ID = rec.ID
	}
	target.Text = rec.Text
	if !rec.CreatedAt.IsZero() {
		target.CreatedAt = rec.CreatedAt
	}
	if rec.CreatedBy != "" {
		target.CreatedBy = rec.CreatedBy
	}
	target.IsSystem = target.IsSystem || rec.IsSystem
	if target.Meta.ClientNonce == "" {
		target.Meta.ClientNonce = rec.Meta.ClientNonce
	}
	target.Meta.LocalDelivery = model.HigherDelivery(
		model.HigherDelivery(target.Meta.LocalDelivery, model.DeliverySent),
		rec.Meta.LocalDelivery,
	)
}

// appendConfirmedLocked 追加一条此前不在场的确认记录
func (s *MessageStore) appendConfirmedLocked(threadID int64, rec *model.Message) {
	seq, nano := s.gen.NextDisplay(threadID)
	msg := rec.Clone()
	msg.ThreadID = threadID
	msg.Meta.LocalDelivery = model.HigherDelivery(model.DeliverySent, rec.Meta.LocalDelivery)
	msg.Meta.DisplaySeq = seq
	msg.Meta.DisplayNano = nano
	msg.Meta.DisplayAt = time.Now()

	s.threads[threadID] = append(s.threads[threadID], msg)
	s.index[msg.ID] = threadID
}

// finishMutationLocked 变更收尾：去重、排序、兑现待定回执、落盘、通知
// 进入时持锁，返回前释放锁
func (s *MessageStore) finishMutationLocked(threadID, touchedID int64) {
	s.dedupLocked(threadID)
	s.sortLocked(threadID)

	if tid, ok := s.index[touchedID]; ok && tid == threadID {
		for _, msg := range s.threads[threadID] {
			if msg.ID == touchedID {
				s.applyPendingLocked(msg)
				break
			}
		}
	}

	s.persistLocked(threadID)
	fns, snapshot := s.collectSubsLocked(threadID)
	s.mu.Unlock()

	notify(fns, snapshot)
}

// applyPendingLocked 兑现缓冲中的回执并丢弃
func (s *MessageStore) applyPendingLocked(msg *model.Message) {
	pending, ok := s.pendingReceipts[msg.ID]
	if !ok {
		return
	}
	delete(s.pendingReceipts, msg.ID)

	if pending.FromSelf != (msg.CreatedBy == s.selfUser) {
		msg.Meta.LocalDelivery = model.HigherDelivery(msg.Meta.LocalDelivery, pending.Status)
	}
}

// dedupLocked 按clientNonce收敛重复条目
// 确认记录(id>=0)胜过乐观记录；平手比投递等级，再比时间戳新旧。
// 胜者继承组内最早的展示元组，保持位置不动
func (s *MessageStore) dedupLocked(threadID int64) {
	list := s.threads[threadID]
	if len(list) < 2 {
		return
	}

	winners := make(map[string]*model.Message)
	kept := make([]*model.Message, 0, len(list))
	for _, msg := range list {
		nonce := msg.Meta.ClientNonce
		if nonce == "" {
			kept = append(kept, msg)
			continue
		}

		winner, ok := winners[nonce]
		if !ok {
			winners[nonce] = msg
			kept = append(kept, msg)
			continue
		}

		loser := msg
		if beats(msg, winner) {
			winner, loser = msg, winner
			winners[nonce] = winner
			for i, m := range kept {
				if m == loser {
					kept[i] = winner
					break
				}
			}
		}

		// 胜者取组内最早的展示元组并吸收更高的投递状态
		if displayLess(loser, winner) {
			winner.Meta.DisplaySeq = loser.Meta.DisplaySeq
			winner.Meta.DisplayNano = loser.Meta.DisplayNano
			winner.Meta.DisplayAt = loser.Meta.DisplayAt
		}
		winner.Meta.LocalDelivery = model.HigherDelivery(winner.Meta.LocalDelivery, loser.Meta.LocalDelivery)
		if tid, ok := s.index[loser.ID]; ok && tid == threadID && loser.ID != winner.ID {
			delete(s.index, loser.ID)
		}
	}
	s.threads[threadID] = kept
}

// beats 判断a是否胜过b
func beats(a, b *model.Message) bool {
	aConfirmed, bConfirmed := a.ID >= 0, b.ID >= 0
	if aConfirmed != bConfirmed {
		return aConfirmed
	}
	aRank, bRank := model.DeliveryRank(a.Meta.LocalDelivery), model.DeliveryRank(b.Meta.LocalDelivery)
	if aRank != bRank {
		return aRank > bRank
	}
	return a.CreatedAt.After(b.CreatedAt)
}

// displayLess 按展示元组比较先后
func displayLess(a, b *model.Message) bool {
	if a.Meta.DisplaySeq != b.Meta.DisplaySeq {
		return a.Meta.DisplaySeq < b.Meta.DisplaySeq
	}
	if a.Meta.DisplayNano != b.Meta.DisplayNano {
		return a.Meta.DisplayNano < b.Meta.DisplayNano
	}
	return a.ID < b.ID
}

// sortLocked 按(displaySeq, displayNano, id)稳定排序
func (s *MessageStore) sortLocked(threadID int64) {
	list := s.threads[threadID]
	sort.SliceStable(list, func(i, j int) bool {
		return displayLess(list[i], list[j])
	})
}

// persistLocked 落盘已确认的行
// 只有乐观条目的会话直接清缓存，重载不会复活无发件保障的行
func (s *MessageStore) persistLocked(threadID int64) {
	confirmed := make([]*model.Message, 0)
	for _, msg := range s.threads[threadID] {
		if msg.ID >= 0 {
			confirmed = append(confirmed, msg)
		}
	}
	if len(confirmed) == 0 {
		s.dao.ClearThread(threadID)
		return
	}
	s.dao.SaveThreadMessages(threadID, confirmed)
}

// collectSubsLocked 收集订阅回调与快照，回调在锁外执行
func (s *MessageStore) collectSubsLocked(threadID int64) ([]func([]*model.Message), []*model.Message) {
	set := s.subs[threadID]
	if len(set) == 0 {
		return nil, nil
	}
	fns := make([]func([]*model.Message), 0, len(set))
	for _, fn := range set {
		fns = append(fns, fn)
	}
	return fns, cloneMessages(s.threads[threadID])
}

// notify 执行订阅回调
func notify(fns []func([]*model.Message), snapshot []*model.Message) {
	for _, fn := range fns {
		fn(snapshot)
	}
}

// cloneMessages 深拷贝消息列表
func cloneMessages(list []*model.Message) []*model.Message {
	result := make([]*model.Message, 0, len(list))
	for _, msg := range list {
		result = append(result, msg.Clone())
	}
	return result
}
