package unlearning

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	xerrors "TreasuryMind-Chain/internal/errors"
)

// Status 表示遗忘请求的生命周期状态。
type Status string

const (
	StatusQueued    Status = "queued"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Request 是一次遗忘请求及其处理结果。
type Request struct {
	ID            string    `json:"id"`
	AgentID       string    `json:"agent_id"`
	SampleHashes  []string  `json:"sample_hashes"`
	Reason        string    `json:"reason"`
	Status        Status    `json:"status"`
	Attempts      int       `json:"attempts"`
	Removed       int       `json:"removed"`
	RemovedHashes []string  `json:"removed_hashes,omitempty"`
	Remaining     int       `json:"remaining"`
	CostEstimate  float64   `json:"cost_estimate"`
	Proof         string    `json:"proof,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	CompletedAt   time.Time `json:"completed_at,omitzero"`
}

// Clone 返回深拷贝。
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := *r
	out.SampleHashes = slices.Clone(r.SampleHashes)
	out.RemovedHashes = slices.Clone(r.RemovedHashes)
	return &out
}

// ErrRequestNotFound 表示请求不存在。
var ErrRequestNotFound = xerrors.New(xerrors.CodeNotFound, "unlearning request not found")

// Store 持久化遗忘请求。
type Store interface {
	Create(ctx context.Context, req *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	Save(ctx context.Context, req *Request) error
	List(ctx context.Context, limit int) ([]*Request, error)
}

// MemoryStore 是进程内的请求存储。
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*Request
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*Request)}
}

// Create 写入新请求，ID 重复时返回 CONFLICT。
func (s *MemoryStore) Create(_ context.Context, req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[req.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "遗忘请求已存在", xerrors.WithMetadata("request_id", req.ID))
	}
	s.requests[req.ID] = req.Clone()
	return nil
}

// Get 按 ID 读取请求。
func (s *MemoryStore) Get(_ context.Context, id string) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return req.Clone(), nil
}

// Save 覆盖已有请求。
func (s *MemoryStore) Save(_ context.Context, req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[req.ID]; !ok {
		return ErrRequestNotFound
	}
	s.requests[req.ID] = req.Clone()
	return nil
}

// List 按创建时间倒序返回最多 limit 条请求。
func (s *MemoryStore) List(_ context.Context, limit int) ([]*Request, error) {
	s.mu.RLock()
	out := make([]*Request, 0, len(s.requests))
	for _, req := range s.requests {
		out = append(out, req.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
