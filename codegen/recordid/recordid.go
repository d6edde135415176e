// Package recordid 提供审计记录ID生成器（雪花算法变体）。
// 审计记录可能在同一毫秒内大量产生，时间戳+节点+序列号的组合
// 保证ID单调递增且在多进程部署下不冲突。
package recordid

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// 起始时间戳 (2024-01-01 00:00:00 UTC)
	epoch int64 = 1704067200000

	// 各部分位数
	nodeIDBits   = 10
	sequenceBits = 12

	// 最大值
	maxNodeID   = -1 ^ (-1 << nodeIDBits)   // 1023
	maxSequence = -1 ^ (-1 << sequenceBits) // 4095

	// 位移
	nodeIDShift        = sequenceBits
	timestampLeftShift = sequenceBits + nodeIDBits
)

// Generator 审计记录ID生成器
type Generator struct {
	mux           sync.Mutex
	nodeID        int64
	sequence      int64
	lastTimestamp int64
}

// NewGenerator 创建ID生成器
func NewGenerator(nodeID int64) (*Generator, error) {
	if nodeID < 0 || nodeID > maxNodeID {
		return nil, errors.New("node ID out of range")
	}

	return &Generator{
		nodeID:        nodeID,
		sequence:      0,
		lastTimestamp: -1,
	}, nil
}

// NextID 生成下一个ID
func (g *Generator) NextID() (int64, error) {
	g.mux.Lock()
	defer g.mux.Unlock()

	now := time.Now().UnixMilli()

	if now < g.lastTimestamp {
		return 0, errors.New("clock moved backwards, refusing to generate id")
	}

	if now == g.lastTimestamp {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			// 序列号用完，等待下一毫秒
			for now <= g.lastTimestamp {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		g.sequence = 0
	}

	g.lastTimestamp = now

	id := ((now - epoch) << timestampLeftShift) |
		(g.nodeID << nodeIDShift) |
		g.sequence

	return id, nil
}

// Generate 生成ID（忽略错误）
func (g *Generator) Generate() int64 {
	id, _ := g.NextID()
	return id
}

// Timestamp 解析ID中的时间戳（毫秒）
func Timestamp(id int64) int64 {
	return (id >> timestampLeftShift) + epoch
}

// NodeID 解析ID中的节点编号
func NodeID(id int64) int64 {
	return (id >> nodeIDShift) & maxNodeID
}

// 全局默认生成器（原子指针保证并发安全）
var defaultGenerator atomic.Pointer[Generator]

func init() {
	gen, _ := NewGenerator(0)
	defaultGenerator.Store(gen)
}

// NextID 使用默认生成器生成ID
func NextID() (int64, error) {
	gen := defaultGenerator.Load()
	if gen == nil {
		return 0, errors.New("default generator is not initialized")
	}
	return gen.NextID()
}

// Generate 使用默认生成器生成ID
func Generate() int64 {
	gen := defaultGenerator.Load()
	if gen == nil {
		return 0
	}
	return gen.Generate()
}

// SetDefaultNode 设置默认生成器的节点编号
func SetDefaultNode(nodeID int64) error {
	gen, err := NewGenerator(nodeID)
	if err != nil {
		return err
	}
	defaultGenerator.Store(gen)
	return nil
}
