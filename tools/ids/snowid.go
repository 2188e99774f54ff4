package ids

import (
	"hash/crc32"
	"strconv"
	"sync"
	"time"
)

const (
	nodeBits = 10
	seqBits  = 12
	maxNode  = 1<<nodeBits - 1
	seqMask  = 1<<seqBits - 1
)

var epoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

// Generator 雪花ID：41 位毫秒时间戳 | 10 位节点号 | 12 位序列。
// 同一进程内每个网关节点持有一个。
type Generator struct {
	mu     sync.Mutex
	nodeID int64
	seq    int64
	lastMS int64
	now    func() int64
}

func NewGenerator(nodeID int64) *Generator {
	if nodeID < 0 || nodeID > maxNode {
		nodeID = 1
	}
	return &Generator{nodeID: nodeID, now: func() int64 { return time.Now().UnixMilli() }}
}

// NodeIDFromName maps a gateway node name onto the 10-bit node space.
func NodeIDFromName(name string) int64 {
	return int64(crc32.ChecksumIEEE([]byte(name)) % (maxNode + 1))
}

func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if now < g.lastMS {
		// 时钟回拨：沿用上一毫秒，靠序列号区分
		now = g.lastMS
	}
	if now == g.lastMS {
		g.seq = (g.seq + 1) & seqMask
		if g.seq == 0 {
			// 序列溢出，等到下一毫秒
			for now <= g.lastMS {
				time.Sleep(100 * time.Microsecond)
				now = g.now()
			}
		}
	} else {
		g.seq = 0
	}
	g.lastMS = now

	ts := (now - epoch) & (1<<41 - 1)
	return ts<<(nodeBits+seqBits) | g.nodeID<<seqBits | g.seq
}

// NextString 十进制字符串形式，用作连接句柄
func (g *Generator) NextString() string {
	return strconv.FormatInt(g.Next(), 10)
}

// Node 从 ID 中取回节点号
func Node(id int64) int64 {
	return (id >> seqBits) & maxNode
}
