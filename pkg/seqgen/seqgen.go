package seqgen

import (
	"sync"
	"time"
)

// Generator 排序元数据与临时ID生成器
// displaySeq按会话话题严格递增且一经分配不再改变，配合displayNano
// 给消息一个与网络到达顺序、服务器时钟都无关的稳定总序
type Generator struct {
	mu sync.Mutex

	seqs          map[int64]int64 // threadID -> 已分配的最大displaySeq
	lastNano      int64           // 上次分配的displayNano
	lastTempMilli int64           // 上次分配临时ID使用的毫秒值
}

// NewGenerator 创建生成器
func NewGenerator() *Generator {
	return &Generator{
		seqs: make(map[int64]int64),
	}
}

// NextDisplay 为话题threadID铸造一对(displaySeq, displayNano)
// displaySeq每话题严格递增；displayNano单调递增，同纳秒内递增1防并列
func (g *Generator) NextDisplay(threadID int64) (seq int64, nano int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	seq = g.seqs[threadID] + 1
	g.seqs[threadID] = seq

	nano = time.Now().UnixNano()
	// 时钟回拨或同纳秒，顺延保证单调
	if nano <= g.lastNano {
		nano = g.lastNano + 1
	}
	g.lastNano = nano

	return seq, nano
}

// Seed 用已加载的缓存抬高话题的displaySeq水位
// 重载后新铸造的序号必须高于全部历史序号
func (g *Generator) Seed(threadID, maxSeq int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if maxSeq > g.seqs[threadID] {
		g.seqs[threadID] = maxSeq
	}
}

// TempID 铸造负的临时ID，毫秒时间戳取负
// 同毫秒内连续铸造时递增毫秒值，保证临时ID互不相同
func (g *Generator) TempID() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	milli := time.Now().UnixMilli()
	if milli <= g.lastTempMilli {
		milli = g.lastTempMilli + 1
	}
	g.lastTempMilli = milli

	return -milli
}
