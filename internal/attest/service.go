package attest

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"

	xerrors "TreasuryMind-Chain/internal/errors"
	"TreasuryMind-Chain/internal/events"
	"TreasuryMind-Chain/internal/observability/metrics"
	"TreasuryMind-Chain/pkg/logger"
)

const defaultTimeout = 30 * time.Second

type cacheEntry struct {
	proof    Proof
	digest   common.Hash
	verified bool
	valid    bool
}

// Service generates and verifies proofs for registered circuits.
type Service struct {
	registry  *Registry
	backend   ProofBackend
	timeout   time.Duration
	limiter   *rate.Limiter
	publisher events.Publisher
	clock     func() time.Time
	logger    *slog.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// Option configures a Service.
type Option func(*Service)

// WithTimeout bounds proof generation.
func WithTimeout(timeout time.Duration) Option {
	return func(s *Service) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// WithRateLimit caps proof generations per second.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Service) {
		if perSecond <= 0 {
			s.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithPublisher sets the event sink for proofGenerated/proofVerified.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

// WithClock overrides the timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewService wires a registry and backend.
func NewService(registry *Registry, backend ProofBackend, opts ...Option) *Service {
	s := &Service{
		registry:  registry,
		backend:   backend,
		timeout:   defaultTimeout,
		publisher: events.Nop{},
		clock:     time.Now,
		logger:    logger.Named("attest"),
		cache:     make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.publisher = events.OrNop(s.publisher)
	return s
}

// Circuits lists registered circuits.
func (s *Service) Circuits() []Circuit {
	return s.registry.List()
}

// GenerateProof proves the given inputs on the named circuit. It fails with
// CONFIGURATION_ERROR for unknown circuits and TIMEOUT when the backend does
// not finish within the configured timeout.
func (s *Service) GenerateProof(ctx context.Context, circuitID string, private, public map[string]string) (*Proof, error) {
	circuit, err := s.registry.Lookup(circuitID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			metrics.ProofsTotal.WithLabelValues(circuit.Name, "generate", "throttled").Inc()
			return nil, s.ctxError(ctx, err, circuit.Name)
		}
	}

	signals := buildSignals(private, public)
	ts := s.clock().UTC()
	sum := digest(circuit.Name, signals, ts)

	type result struct {
		blob []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		blob, err := s.backend.Prove(ctx, circuit, sum)
		done <- result{blob: blob, err: err}
	}()

	var blob []byte
	select {
	case <-ctx.Done():
		metrics.ProofsTotal.WithLabelValues(circuit.Name, "generate", "timeout").Inc()
		return nil, s.ctxError(ctx, ctx.Err(), circuit.Name)
	case res := <-done:
		if res.err != nil {
			if ctx.Err() != nil {
				metrics.ProofsTotal.WithLabelValues(circuit.Name, "generate", "timeout").Inc()
				return nil, s.ctxError(ctx, res.err, circuit.Name)
			}
			metrics.ProofsTotal.WithLabelValues(circuit.Name, "generate", "error").Inc()
			return nil, xerrors.Wrap(xerrors.CodeAttestationFailure, res.err, fmt.Sprintf("电路 %s 生成证明失败", circuit.Name))
		}
		blob = res.blob
	}

	elapsed := time.Since(start)
	proof := Proof{
		Blob:          blob,
		PublicSignals: signals,
		Circuit:       circuit.Name,
		Timestamp:     ts,
		GasEstimate:   estimateGas(circuit),
	}

	s.mu.Lock()
	s.cache[CacheKey(&proof)] = cacheEntry{proof: proof, digest: common.BytesToHash(sum), verified: true, valid: true}
	size := len(s.cache)
	s.mu.Unlock()

	metrics.ProofCacheSize.Set(float64(size))
	metrics.ProofsTotal.WithLabelValues(circuit.Name, "generate", "ok").Inc()
	metrics.ProofLatency.WithLabelValues(circuit.Name, "generate").Observe(elapsed.Seconds())
	s.publisher.Publish(events.KindProofGenerated, "attest", events.ProofTiming{CircuitName: circuit.Name, Timing: elapsed})

	out := proof
	return &out, nil
}

func (s *Service) ctxError(ctx context.Context, err error, circuit string) error {
	if stdErrors.Is(ctx.Err(), context.DeadlineExceeded) || stdErrors.Is(err, context.DeadlineExceeded) {
		s.logger.Warn("生成证明超时", slog.String("circuit", circuit), slog.Duration("timeout", s.timeout))
		return xerrors.Wrap(xerrors.CodeTimeout, err, fmt.Sprintf("电路 %s 生成证明超时", circuit),
			xerrors.WithMetadata("circuit", circuit))
	}
	return xerrors.Wrap(xerrors.CodeAttestationFailure, err, fmt.Sprintf("电路 %s 生成证明被取消", circuit))
}

// VerifyProof reports whether proof is valid for its circuit's verification
// key. It never panics: malformed input, unknown circuits and tampered signals
// all yield false. Results are cached by content hash.
func (s *Service) VerifyProof(proof *Proof) (valid bool) {
	start := time.Now()
	circuitName := ""
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("验证证明时发生 panic", slog.Any("panic", r))
			valid = false
		}
		elapsed := time.Since(start)
		result := "invalid"
		if valid {
			result = "valid"
		}
		metrics.ProofsTotal.WithLabelValues(circuitName, "verify", result).Inc()
		metrics.ProofLatency.WithLabelValues(circuitName, "verify").Observe(elapsed.Seconds())
		v := valid
		s.publisher.Publish(events.KindProofVerified, "attest", events.ProofTiming{CircuitName: circuitName, Timing: elapsed, Valid: &v})
	}()

	if proof == nil || len(proof.Blob) == 0 || proof.Circuit == "" {
		return false
	}
	circuitName = proof.Circuit
	circuit, err := s.registry.Lookup(proof.Circuit)
	if err != nil {
		return false
	}

	key := CacheKey(proof)
	sum := signalsDigest(proof)

	s.mu.RLock()
	entry, ok := s.cache[key]
	s.mu.RUnlock()
	if ok && entry.verified && entry.digest == sum {
		return entry.valid
	}

	valid = s.backend.Verify(circuit, sum.Bytes(), proof.Blob)

	s.mu.Lock()
	if !ok || entry.digest == sum {
		s.cache[key] = cacheEntry{proof: cloneProof(proof), digest: sum, verified: true, valid: valid}
	}
	size := len(s.cache)
	s.mu.Unlock()
	metrics.ProofCacheSize.Set(float64(size))
	return valid
}

// Lookup returns a cached proof by its cache key.
func (s *Service) Lookup(key string) (*Proof, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.cache[key]
	if !ok {
		return nil, false
	}
	p := cloneProof(&entry.proof)
	return &p, true
}

// ClearCache drops every cached proof and verdict.
func (s *Service) ClearCache() {
	s.mu.Lock()
	s.cache = make(map[string]cacheEntry)
	s.mu.Unlock()
	metrics.ProofCacheSize.Set(0)
}

// CacheSize returns the number of cached entries.
func (s *Service) CacheSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}

func cloneProof(p *Proof) Proof {
	out := *p
	out.Blob = append([]byte(nil), p.Blob...)
	out.PublicSignals = append([]string(nil), p.PublicSignals...)
	return out
}
