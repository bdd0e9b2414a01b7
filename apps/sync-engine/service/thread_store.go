package service

import (
	"sync"

	"pinsync/apps/sync-engine/model"
	"pinsync/pkg/logger"
	"pinsync/pkg/seqgen"
)

// ThreadStore 会话协调存储
// 管理锚定在图片坐标上的会话：乐观创建、确认、推送合并，
// 临时会话ID兑现为真实ID时迁移名下全部消息
type ThreadStore struct {
	mu   sync.Mutex
	log  logger.Logger
	msgs *MessageStore
	gen  *seqgen.Generator

	threads        map[int64]*model.Thread
	byImage        map[string][]int64
	pendingAnchors map[string]int64 // 锚点键 -> 待确认的临时ID，至多一个
	subs           map[string]map[int]func([]*model.Thread)
	nextSubID      int
}

// NewThreadStore 创建会话协调存储
func NewThreadStore(msgs *MessageStore, gen *seqgen.Generator, log logger.Logger) *ThreadStore {
	return &ThreadStore{
		log:            log,
		msgs:           msgs,
		gen:            gen,
		threads:        make(map[int64]*model.Thread),
		byImage:        make(map[string][]int64),
		pendingAnchors: make(map[string]int64),
		subs:           make(map[string]map[int]func([]*model.Thread)),
	}
}

// CreateOptimistic 乐观创建锚点会话
// 同一锚点键已有待确认会话时直接复用，保证锚点键至多映射一个临时ID
func (s *ThreadStore) CreateOptimistic(image string, x, y float64) *model.Thread {
	key := model.AnchorKey(image, x, y)

	s.mu.Lock()
	if tempID, ok := s.pendingAnchors[key]; ok {
		if existing, ok := s.threads[tempID]; ok {
			s.mu.Unlock()
			return existing.Clone()
		}
	}

	thread := &model.Thread{
		ID:        s.gen.TempID(),
		ImageName: image,
		X:         x,
		Y:         y,
		Status:    model.ThreadStatusOpen,
	}
	s.threads[thread.ID] = thread
	s.byImage[image] = append(s.byImage[image], thread.ID)
	s.pendingAnchors[key] = thread.ID

	result := thread.Clone()
	fns, snapshot := s.collectSubsLocked(image)
	s.mu.Unlock()

	notifyThreads(fns, snapshot)
	return result
}

// ConfirmCreate 用服务端确认记录兑现临时会话
// 解析临时ID到真实ID，迁移名下消息并清除锚点映射
func (s *ThreadStore) ConfirmCreate(tempID int64, rec *model.Thread) {
	if rec == nil || rec.ID < 0 {
		return
	}

	s.mu.Lock()
	temp, ok := s.threads[tempID]
	if !ok {
		s.mu.Unlock()
		// 临时会话已不在（可能推送先行兑现过），幂等地走合并路径
		s.UpsertFromRealtime(rec)
		return
	}
	image := s.resolveLocked(temp, rec)
	fns, snapshot := s.collectSubsLocked(image)
	s.mu.Unlock()

	s.msgs.MigrateThread(tempID, rec.ID)
	notifyThreads(fns, snapshot)
}

// UpsertFromRealtime 合并一条推送送达的会话记录
// 已知ID幂等更新；未知ID先按锚点键对上待确认的临时会话，
// 直接确认丢失时也能正确兑现
func (s *ThreadStore) UpsertFromRealtime(rec *model.Thread) {
	if rec == nil || rec.ID < 0 {
		return
	}

	s.mu.Lock()
	if existing, ok := s.threads[rec.ID]; ok {
		if rec.Status != "" {
			existing.Status = rec.Status
		}
		image := existing.ImageName
		fns, snapshot := s.collectSubsLocked(image)
		s.mu.Unlock()
		notifyThreads(fns, snapshot)
		return
	}

	if tempID, ok := s.pendingAnchors[rec.AnchorKey()]; ok {
		if temp, ok := s.threads[tempID]; ok {
			image := s.resolveLocked(temp, rec)
			fns, snapshot := s.collectSubsLocked(image)
			s.mu.Unlock()
			s.msgs.MigrateThread(tempID, rec.ID)
			notifyThreads(fns, snapshot)
			return
		}
		delete(s.pendingAnchors, rec.AnchorKey())
	}

	thread := rec.Clone()
	if thread.Status == "" {
		thread.Status = model.ThreadStatusOpen
	}
	s.threads[thread.ID] = thread
	s.byImage[thread.ImageName] = append(s.byImage[thread.ImageName], thread.ID)

	fns, snapshot := s.collectSubsLocked(thread.ImageName)
	s.mu.Unlock()

	notifyThreads(fns, snapshot)
}

// RemoveFromRealtime 按ID移除一条推送删除的会话
func (s *ThreadStore) RemoveFromRealtime(rec *model.Thread) {
	if rec == nil {
		return
	}

	s.mu.Lock()
	thread, ok := s.threads[rec.ID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.threads, rec.ID)

	image := thread.ImageName
	ids := s.byImage[image]
	kept := ids[:0]
	for _, id := range ids {
		if id != rec.ID {
			kept = append(kept, id)
		}
	}
	s.byImage[image] = kept

	fns, snapshot := s.collectSubsLocked(image)
	s.mu.Unlock()

	notifyThreads(fns, snapshot)
}

// ThreadByID 按ID取会话快照
func (s *ThreadStore) ThreadByID(threadID int64) *model.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.threads[threadID].Clone()
}

// ThreadsForImage 图片下的会话快照，不含已删除的
func (s *ThreadStore) ThreadsForImage(image string) []*model.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.imageSnapshotLocked(image)
}

// Subscribe 订阅图片下的会话列表，返回退订函数
func (s *ThreadStore) Subscribe(image string, fn func([]*model.Thread)) func() {
	s.mu.Lock()
	s.nextSubID++
	id := s.nextSubID
	if s.subs[image] == nil {
		s.subs[image] = make(map[int]func([]*model.Thread))
	}
	s.subs[image][id] = fn
	snapshot := s.imageSnapshotLocked(image)
	s.mu.Unlock()

	fn(snapshot)

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if set, ok := s.subs[image]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(s.subs, image)
			}
		}
	}
}

// ==================== 内部方法 ====================

// resolveLocked 把临时会话解析为确认记录，返回所属图片名
func (s *ThreadStore) resolveLocked(temp *model.Thread, rec *model.Thread) string {
	delete(s.threads, temp.ID)
	delete(s.pendingAnchors, temp.AnchorKey())

	resolved := rec.Clone()
	if resolved.ImageName == "" {
		resolved.ImageName = temp.ImageName
	}
	if resolved.Status == "" {
		resolved.Status = temp.Status
	}
	s.threads[resolved.ID] = resolved

	ids := s.byImage[resolved.ImageName]
	replaced := false
	for i, id := range ids {
		if id == temp.ID {
			ids[i] = resolved.ID
			replaced = true
			break
		}
	}
	if !replaced {
		s.byImage[resolved.ImageName] = append(ids, resolved.ID)
	}

	return resolved.ImageName
}

// imageSnapshotLocked 图片下的会话快照
func (s *ThreadStore) imageSnapshotLocked(image string) []*model.Thread {
	result := make([]*model.Thread, 0)
	for _, id := range s.byImage[image] {
		if thread, ok := s.threads[id]; ok && thread.Status != model.ThreadStatusDeleted {
			result = append(result, thread.Clone())
		}
	}
	return result
}

// collectSubsLocked 收集订阅回调与快照，回调在锁外执行
func (s *ThreadStore) collectSubsLocked(image string) ([]func([]*model.Thread), []*model.Thread) {
	set := s.subs[image]
	if len(set) == 0 {
		return nil, nil
	}
	fns := make([]func([]*model.Thread), 0, len(set))
	for _, fn := range set {
		fns = append(fns, fn)
	}
	return fns, s.imageSnapshotLocked(image)
}

// notifyThreads 执行订阅回调
func notifyThreads(fns []func([]*model.Thread), snapshot []*model.Thread) {
	for _, fn := range fns {
		fn(snapshot)
	}
}
