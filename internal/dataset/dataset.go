// Package dataset 维护每个智能体的本地训练样本集合，样本以内容哈希寻址。
package dataset

import (
	"encoding/binary"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// defaultCapacity 是样本集合的默认容量，超出时淘汰最早的样本。
const defaultCapacity = 512

// Sample 是一条本地训练样本。
type Sample struct {
	Hash     string    `json:"hash"`
	Features []float64 `json:"features"`
	Label    float64   `json:"label"`
	AddedAt  time.Time `json:"added_at"`
}

// HashSample 计算样本的内容哈希。
func HashSample(features []float64, label float64) string {
	buf := make([]byte, 8*(len(features)+1))
	for i, f := range features {
		binary.BigEndian.PutUint64(buf[i*8:], math.Float64bits(f))
	}
	binary.BigEndian.PutUint64(buf[len(features)*8:], math.Float64bits(label))
	return crypto.Keccak256Hash(buf).Hex()
}

// SampleSet 是并发安全的样本集合。
type SampleSet struct {
	mu       sync.RWMutex
	samples  map[string]Sample
	order    []string
	capacity int
}

// NewSampleSet 创建样本集合，capacity<=0 时使用默认容量。
func NewSampleSet(capacity int) *SampleSet {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &SampleSet{samples: make(map[string]Sample), capacity: capacity}
}

// Add 加入样本并返回其哈希；相同内容的样本只保留一份。
func (s *SampleSet) Add(features []float64, label float64, at time.Time) (string, bool) {
	hash := HashSample(features, label)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.samples[hash]; ok {
		return hash, false
	}
	s.samples[hash] = Sample{
		Hash:     hash,
		Features: append([]float64(nil), features...),
		Label:    label,
		AddedAt:  at,
	}
	s.order = append(s.order, hash)
	for len(s.order) > s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.samples, oldest)
	}
	return hash, true
}

// Remove 删除哈希匹配的样本，返回实际删除的哈希（已排序）。
func (s *SampleSet) Remove(hashes []string) []string {
	want := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		want[h] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := make([]string, 0, len(want))
	for h := range want {
		if _, ok := s.samples[h]; ok {
			delete(s.samples, h)
			removed = append(removed, h)
		}
	}
	if len(removed) > 0 {
		kept := s.order[:0]
		for _, h := range s.order {
			if _, ok := s.samples[h]; ok {
				kept = append(kept, h)
			}
		}
		s.order = kept
	}
	sort.Strings(removed)
	return removed
}

// Contains 判断样本是否存在。
func (s *SampleSet) Contains(hash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.samples[hash]
	return ok
}

// Len 返回样本数量。
func (s *SampleSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.samples)
}

// Samples 按加入顺序返回样本副本。
func (s *SampleSet) Samples() []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Sample, 0, len(s.order))
	for _, h := range s.order {
		sample := s.samples[h]
		sample.Features = append([]float64(nil), sample.Features...)
		out = append(out, sample)
	}
	return out
}

// Hashes 返回全部样本哈希，按加入顺序。
func (s *SampleSet) Hashes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}
