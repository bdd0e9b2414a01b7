package kvstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"pinsync/pkg/logger"
	redisclient "pinsync/pkg/redis"
)

// Backing 底层键值存储接口，操作可能失败
type Backing interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Scan(ctx context.Context, prefix string) ([]string, error)
}

// RedisBacking Redis底层存储
type RedisBacking struct {
	client  *redisclient.RedisClient
	timeout time.Duration
}

// NewRedisBacking 创建Redis底层存储
func NewRedisBacking(client *redisclient.RedisClient) *RedisBacking {
	return &RedisBacking{
		client:  client,
		timeout: 3 * time.Second,
	}
}

// Get 读取键
func (b *RedisBacking) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	value, err := b.client.Get(ctx, key)
	if err != nil {
		if redisclient.IsNotFound(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

// Set 写入键
func (b *RedisBacking) Set(ctx context.Context, key, value string) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	return b.client.Set(ctx, key, value, 0)
}

// Remove 删除键
func (b *RedisBacking) Remove(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	return b.client.Del(ctx, key)
}

// Scan 按前缀列出键
func (b *RedisBacking) Scan(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	return b.client.Keys(ctx, prefix+"*")
}

// MemoryBacking 内存底层存储，测试及降级时使用
type MemoryBacking struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryBacking 创建内存底层存储
func NewMemoryBacking() *MemoryBacking {
	return &MemoryBacking{data: make(map[string]string)}
}

// Get 读取键
func (b *MemoryBacking) Get(ctx context.Context, key string) (string, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	value, ok := b.data[key]
	return value, ok, nil
}

// Set 写入键
func (b *MemoryBacking) Set(ctx context.Context, key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data[key] = value
	return nil
}

// Remove 删除键
func (b *MemoryBacking) Remove(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.data, key)
	return nil
}

// Scan 按前缀列出键
func (b *MemoryBacking) Scan(ctx context.Context, prefix string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]string, 0)
	for key := range b.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Scoped 带命名空间和版本号的同步键值存储
// 写入永不报错：底层失败时按动作去重告警一次，内存镜像保持最新，
// 重新上线后的写入会覆盖旧值。版本号提升会使全部历史缓存失效。
type Scoped struct {
	backing   Backing
	namespace string
	version   int
	log       logger.Logger

	mu     sync.Mutex
	mirror map[string]string
	warned map[string]bool
}

// NewScoped 创建作用域存储并完成版本校验
func NewScoped(backing Backing, namespace string, version int, log logger.Logger) *Scoped {
	s := &Scoped{
		backing:   backing,
		namespace: namespace,
		version:   version,
		log:       log,
		mirror:    make(map[string]string),
		warned:    make(map[string]bool),
	}
	s.invalidateStale()
	return s
}

// prefix 当前版本的键前缀
func (s *Scoped) prefix() string {
	return fmt.Sprintf("%s:v%d:", s.namespace, s.version)
}

// versionKey 版本标记键
func (s *Scoped) versionKey() string {
	return s.namespace + ":cache_version"
}

// invalidateStale 版本号变化时清除命名空间下的全部旧键
func (s *Scoped) invalidateStale() {
	ctx := context.Background()

	current, ok, err := s.backing.Get(ctx, s.versionKey())
	if err != nil {
		s.warnOnce("version_check", err)
		return
	}
	want := fmt.Sprintf("%d", s.version)
	if ok && current == want {
		return
	}

	keys, err := s.backing.Scan(ctx, s.namespace+":")
	if err != nil {
		s.warnOnce("version_invalidate", err)
		return
	}
	for _, key := range keys {
		if err := s.backing.Remove(ctx, key); err != nil {
			s.warnOnce("version_invalidate", err)
			break
		}
	}

	if err := s.backing.Set(ctx, s.versionKey(), want); err != nil {
		s.warnOnce("version_mark", err)
	}
}

// Get 读取键，优先内存镜像
func (s *Scoped) Get(key string) (string, bool) {
	s.mu.Lock()
	if value, ok := s.mirror[key]; ok {
		s.mu.Unlock()
		return value, true
	}
	s.mu.Unlock()

	value, ok, err := s.backing.Get(context.Background(), s.prefix()+key)
	if err != nil {
		s.warnOnce(actionOf(key), err)
		return "", false
	}
	if ok {
		s.mu.Lock()
		s.mirror[key] = value
		s.mu.Unlock()
	}
	return value, ok
}

// Set 写入键，失败不抛出
func (s *Scoped) Set(key, value string) {
	s.mu.Lock()
	s.mirror[key] = value
	s.mu.Unlock()

	if err := s.backing.Set(context.Background(), s.prefix()+key, value); err != nil {
		s.warnOnce(actionOf(key), err)
	}
}

// Remove 删除键，失败不抛出
func (s *Scoped) Remove(key string) {
	s.mu.Lock()
	delete(s.mirror, key)
	s.mu.Unlock()

	if err := s.backing.Remove(context.Background(), s.prefix()+key); err != nil {
		s.warnOnce(actionOf(key), err)
	}
}

// warnOnce 同一动作只告警一次
func (s *Scoped) warnOnce(action string, err error) {
	s.mu.Lock()
	seen := s.warned[action]
	s.warned[action] = true
	s.mu.Unlock()

	if seen {
		return
	}
	s.log.Warn(context.Background(), "本地缓存写入失败，降级为仅内存",
		logger.F("action", action), logger.F("error", err.Error()))
}

// actionOf 取键的首段作为动作名，用于告警去重
func actionOf(key string) string {
	if idx := strings.IndexByte(key, ':'); idx > 0 {
		return key[:idx]
	}
	return key
}
