package decision

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	xerrors "TreasuryMind-Chain/internal/errors"
	"TreasuryMind-Chain/pkg/logger"
)

// Entry 是决策日志中的一条记录。
type Entry struct {
	Seq      uint64   `json:"seq"`
	Decision Decision `json:"decision"`
}

// Query 描述只读查询条件。
type Query struct {
	AgentID string
	After   uint64
	Limit   int
}

// Persister 是决策日志的持久化后端。
type Persister interface {
	SaveEntry(ctx context.Context, entry Entry) error
	LoadEntries(ctx context.Context) ([]Entry, error)
}

// Reader 暴露只读的日志查询能力。
type Reader interface {
	List(ctx context.Context, q Query) ([]Entry, error)
}

// Log 是只追加的决策日志，序号由内部分配器单调递增地分配。
type Log struct {
	mu        sync.RWMutex
	entries   []Entry
	next      uint64
	persister Persister
}

// NewLog 创建决策日志，persister 可以为空。
func NewLog(persister Persister) *Log {
	return &Log{persister: persister, next: 1}
}

// Restore 从持久化后端恢复历史记录与序号分配器。
func (l *Log) Restore(ctx context.Context) error {
	if l.persister == nil {
		return nil
	}
	entries, err := l.persister.LoadEntries(ctx)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "加载决策日志失败")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries[:0], entries...)
	for _, entry := range entries {
		if entry.Seq >= l.next {
			l.next = entry.Seq + 1
		}
	}
	return nil
}

// Append 校验并追加一条决策，返回分配的序号。
// 未附加证明或置信度越界的决策会被拒绝。
func (l *Log) Append(ctx context.Context, d Decision) (Entry, error) {
	if d.Attestation == nil {
		return Entry{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("决策 %s 缺少证明引用", d.ID))
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return Entry{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("决策 %s 的置信度越界: %v", d.ID, d.Confidence))
	}

	l.mu.Lock()
	entry := Entry{Seq: l.next, Decision: d}
	l.next++
	l.entries = append(l.entries, entry)
	l.mu.Unlock()

	if l.persister != nil {
		if err := l.persister.SaveEntry(ctx, entry); err != nil {
			// 内存日志已经包含该条目，持久化失败只记录不回滚。
			logger.L().Error("持久化决策失败",
				slog.Any("error", err),
				slog.Uint64("seq", entry.Seq),
				slog.String("decision_id", d.ID))
		}
	}

	logger.Audit().Info("决策已追加",
		slog.Uint64("seq", entry.Seq),
		slog.String("decision_id", d.ID),
		slog.String("agent_id", d.AgentID),
		slog.String("action", d.Action),
		slog.Float64("confidence", d.Confidence),
		slog.Bool("degraded", d.Degraded),
		slog.Bool("escalated", d.Escalated),
	)
	return entry, nil
}

// List 按序号升序返回满足条件的记录。Limit<=0 表示不限制。
func (l *Log) List(_ context.Context, q Query) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, 0)
	for _, entry := range l.entries {
		if entry.Seq <= q.After {
			continue
		}
		if q.AgentID != "" && entry.Decision.AgentID != q.AgentID {
			continue
		}
		out = append(out, entry)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// Recent 返回最近的 n 条记录，按序号升序。
func (l *Log) Recent(n int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n <= 0 || n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]Entry, n)
	copy(out, l.entries[len(l.entries)-n:])
	return out
}

// Get 根据序号返回记录。
func (l *Log) Get(seq uint64) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, entry := range l.entries {
		if entry.Seq == seq {
			return entry, true
		}
	}
	return Entry{}, false
}

// Len 返回日志长度。
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
