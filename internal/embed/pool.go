package embed

import (
	"context"
	"fmt"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"
)

// ExecutionProvider names an ONNX Runtime execution backend. Auto means
// "first of the preference list that initializes successfully."
type ExecutionProvider string

const (
	ProviderCUDA     ExecutionProvider = "cuda"
	ProviderCPU      ExecutionProvider = "cpu"
	ProviderDirectML ExecutionProvider = "directml"
	ProviderCoreML   ExecutionProvider = "coreml"
	ProviderAuto     ExecutionProvider = "auto"
)

// PoolConfig configures a SessionPool. Zero-valued fields fall back to
// DefaultPoolConfig's values where that makes sense.
type PoolConfig struct {
	MinSessions                 int
	MaxSessions                 int
	ExecutionProviderPreference []ExecutionProvider
	GraphOptimizationLevel      int // 0..=3, forwarded to ort.SessionOptions
	IntraOpThreads              int
	InterOpThreads              int
	EnableMemoryPattern         bool
	EnableIOBinding             bool
	// AcquireTimeout bounds how long Get blocks for an idle session before
	// the pool grows (up to MaxSessions) or, once at the ceiling, returns
	// a SessionTimeout error.
	AcquireTimeout time.Duration
}

// DefaultPoolConfig is a CPU-only, 4-thread session configuration sized
// for a single-machine CLI rather than a service: a small pool is enough
// to overlap tokenization of the next batch with inference of the
// current one.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinSessions:                  1,
		MaxSessions:                  2,
		ExecutionProviderPreference:  []ExecutionProvider{ProviderAuto},
		GraphOptimizationLevel:       int(ort.GraphOptimizationLevelEnableAll),
		IntraOpThreads:               4,
		InterOpThreads:               1,
		EnableMemoryPattern:          true,
		EnableIOBinding:              false,
		AcquireTimeout:               30 * time.Second,
	}
}

// pooledSession is one checked-out-or-idle ONNX session. Sessions are
// interchangeable: the pool does not track which request used which one.
type pooledSession struct {
	session *ort.DynamicAdvancedSession
}

// SessionPool amortizes ONNX session construction across many inference
// calls. Sessions are single-threaded while checked out; the pool
// enforces that by handing out exclusive ownership via Get/Return.
type SessionPool struct {
	mu               sync.Mutex
	cfg              PoolConfig
	modelPath        string
	inputNames       []string
	outputNames      []string
	idle             []*pooledSession
	numCreated       int
	acceptedProvider ExecutionProvider
	closed           bool
	releaseSignal    chan struct{}
}

// NewSessionPool eagerly creates MinSessions sessions, trying each
// execution provider in cfg.ExecutionProviderPreference until one
// succeeds (Auto tries CPU, the only backend guaranteed present in this
// build). The provider accepted by the first session is reused for every
// subsequent session in the pool — mixing providers within one pool would
// make results non-reproducible across instances.
func NewSessionPool(modelPath string, inputNames, outputNames []string, cfg PoolConfig) (*SessionPool, error) {
	if cfg.MinSessions <= 0 {
		cfg.MinSessions = 1
	}
	if cfg.MaxSessions < cfg.MinSessions {
		cfg.MaxSessions = cfg.MinSessions
	}
	if len(cfg.ExecutionProviderPreference) == 0 {
		cfg.ExecutionProviderPreference = []ExecutionProvider{ProviderAuto}
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}

	p := &SessionPool{
		cfg:           cfg,
		modelPath:     modelPath,
		inputNames:    inputNames,
		outputNames:   outputNames,
		releaseSignal: make(chan struct{}, 1),
	}

	for i := 0; i < cfg.MinSessions; i++ {
		s, err := p.newSession()
		if err != nil {
			p.Close()
			return nil, err
		}
		p.idle = append(p.idle, s)
		p.numCreated++
	}
	return p, nil
}

// AcceptedProvider returns the execution provider the pool's first
// session accepted.
func (p *SessionPool) AcceptedProvider() ExecutionProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acceptedProvider
}

// newSession builds one ONNX session, trying providers in preference
// order. Must be called without p.mu held (ort calls may be slow).
func (p *SessionPool) newSession() (*pooledSession, error) {
	p.mu.Lock()
	prefs := p.cfg.ExecutionProviderPreference
	if p.acceptedProvider != "" {
		prefs = []ExecutionProvider{p.acceptedProvider}
	}
	p.mu.Unlock()
	var lastErr error
	for _, ep := range prefs {
		s, accepted, err := p.tryCreate(ep)
		if err != nil {
			lastErr = err
			continue
		}
		p.mu.Lock()
		if p.acceptedProvider == "" {
			p.acceptedProvider = accepted
		}
		p.mu.Unlock()
		return s, nil
	}
	return nil, fmt.Errorf("no execution provider in preference list succeeded: %w", lastErr)
}

// tryCreate attempts to construct a session under one execution provider.
// Auto resolves to CPU, the only provider this build always has available;
// CUDA/DirectML/CoreML are accepted as configuration but degrade to CPU
// when the corresponding ONNX Runtime provider shared library isn't
// present on the host, matching "first that succeeds."
func (p *SessionPool) tryCreate(ep ExecutionProvider) (*pooledSession, ExecutionProvider, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, "", fmt.Errorf("session options: %w", err)
	}
	defer opts.Destroy()

	intra := p.cfg.IntraOpThreads
	if intra <= 0 {
		intra = 4
	}
	if err := opts.SetIntraOpNumThreads(intra); err != nil {
		return nil, "", fmt.Errorf("set intra threads: %w", err)
	}
	if err := opts.SetInterOpNumThreads(max(1, p.cfg.InterOpThreads)); err != nil {
		return nil, "", fmt.Errorf("set inter threads: %w", err)
	}
	if p.cfg.GraphOptimizationLevel > 0 {
		_ = opts.SetGraphOptimizationLevel(ort.GraphOptimizationLevel(p.cfg.GraphOptimizationLevel))
	}
	_ = opts.SetMemPattern(p.cfg.EnableMemoryPattern)

	accepted := ep
	switch ep {
	case ProviderCUDA:
		if err := opts.AppendExecutionProviderCUDA(ort.CUDAProviderOptions{}); err != nil {
			accepted = ProviderCPU // fall through to CPU for this attempt
		}
	case ProviderDirectML:
		if err := opts.AppendExecutionProviderDirectML(0); err != nil {
			accepted = ProviderCPU
		}
	case ProviderCoreML:
		if err := opts.AppendExecutionProviderCoreML(0); err != nil {
			accepted = ProviderCPU
		}
	case ProviderAuto, ProviderCPU:
		accepted = ProviderCPU
	}

	session, err := ort.NewDynamicAdvancedSession(p.modelPath, p.inputNames, p.outputNames, opts)
	if err != nil {
		return nil, "", fmt.Errorf("create session (%s): %w", ep, err)
	}
	return &pooledSession{session: session}, accepted, nil
}

// Get blocks until a session is available, ctx is done, or the pool is at
// MaxSessions with none idle for AcquireTimeout, whichever comes first.
// The caller must Return the session on every exit path.
func (p *SessionPool) Get(ctx context.Context) (*pooledSession, error) {
	deadline := time.Now().Add(p.cfg.AcquireTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("session pool closed")
		}
		if n := len(p.idle); n > 0 {
			s := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()
			return s, nil
		}
		if p.numCreated < p.cfg.MaxSessions {
			p.numCreated++
			p.mu.Unlock()
			s, err := p.newSession()
			if err != nil {
				p.mu.Lock()
				p.numCreated--
				p.mu.Unlock()
				return nil, err
			}
			return s, nil
		}
		p.mu.Unlock()

		select {
		case <-p.releaseSignal:
			continue
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrSessionTimeout, ctx.Err())
		case <-time.After(time.Until(deadline)):
			return nil, ErrSessionTimeout
		}
	}
}

// Return gives a session back to the idle pool and wakes one waiter.
func (p *SessionPool) Return(s *pooledSession) {
	if s == nil {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		s.session.Destroy()
		return
	}
	p.idle = append(p.idle, s)
	p.mu.Unlock()
	select {
	case p.releaseSignal <- struct{}{}:
	default:
	}
}

// Close destroys every idle session; a session still checked out is
// destroyed when it is handed back through Return. Callers must not use
// the pool afterward.
func (p *SessionPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, s := range p.idle {
		s.session.Destroy()
	}
	p.idle = nil
}
