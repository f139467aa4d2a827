// Package snowflake 生成 saga ID（雪花算法）
//
// ID 布局：41 位毫秒时间戳 | 5 位数据中心 | 5 位节点 | 12 位序列号。
// 同一编排器实例内单调递增，多实例靠 (datacenter, worker) 区分。
package snowflake

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	// Epoch 起始时间 2024-01-01 00:00:00 UTC
	Epoch int64 = 1704067200000

	workerIDBits     = 5
	datacenterIDBits = 5
	sequenceBits     = 12

	MaxWorkerID     = -1 ^ (-1 << workerIDBits)
	MaxDatacenterID = -1 ^ (-1 << datacenterIDBits)
	maxSequence     = -1 ^ (-1 << sequenceBits)

	workerIDShift      = sequenceBits
	datacenterIDShift  = sequenceBits + workerIDBits
	timestampLeftShift = sequenceBits + workerIDBits + datacenterIDBits

	// maxBackwardDrift 时钟回拨在此范围内时等待追平，超出直接报错
	maxBackwardDrift = 5 * time.Millisecond
)

// ErrClockMovedBackwards 时钟回拨超过容忍范围
var ErrClockMovedBackwards = errors.New("snowflake: clock moved backwards")

// Generator 雪花 ID 生成器，并发安全
type Generator struct {
	mux           sync.Mutex
	datacenterID  int64
	workerID      int64
	sequence      int64
	lastTimestamp int64
	now           func() int64
}

// NewGenerator 创建生成器
func NewGenerator(datacenterID, workerID int64) (*Generator, error) {
	if datacenterID < 0 || datacenterID > MaxDatacenterID {
		return nil, fmt.Errorf("snowflake: datacenter id %d out of range [0,%d]", datacenterID, MaxDatacenterID)
	}
	if workerID < 0 || workerID > MaxWorkerID {
		return nil, fmt.Errorf("snowflake: worker id %d out of range [0,%d]", workerID, MaxWorkerID)
	}
	return &Generator{
		datacenterID:  datacenterID,
		workerID:      workerID,
		lastTimestamp: -1,
		now:           func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// NextID 生成下一个 ID
func (g *Generator) NextID() (int64, error) {
	g.mux.Lock()
	defer g.mux.Unlock()

	now := g.now()
	if now < g.lastTimestamp {
		if time.Duration(g.lastTimestamp-now)*time.Millisecond > maxBackwardDrift {
			return 0, fmt.Errorf("%w: %dms", ErrClockMovedBackwards, g.lastTimestamp-now)
		}
		now = g.waitUntil(g.lastTimestamp)
	}

	if now == g.lastTimestamp {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			// 序列号用完，等待下一毫秒
			now = g.waitUntil(g.lastTimestamp + 1)
		}
	} else {
		g.sequence = 0
	}
	g.lastTimestamp = now

	return ((now - Epoch) << timestampLeftShift) |
		(g.datacenterID << datacenterIDShift) |
		(g.workerID << workerIDShift) |
		g.sequence, nil
}

func (g *Generator) waitUntil(ts int64) int64 {
	now := g.now()
	for now < ts {
		time.Sleep(100 * time.Microsecond)
		now = g.now()
	}
	return now
}

// Parts 解析后的 ID 组成部分
type Parts struct {
	Time         time.Time
	DatacenterID int64
	WorkerID     int64
	Sequence     int64
}

// Parse 解析 ID
func Parse(id int64) Parts {
	return Parts{
		Time:         time.UnixMilli((id >> timestampLeftShift) + Epoch).UTC(),
		DatacenterID: (id >> datacenterIDShift) & MaxDatacenterID,
		WorkerID:     (id >> workerIDShift) & MaxWorkerID,
		Sequence:     id & maxSequence,
	}
}
