package spm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/psa-spm/internal/domain/envelope"
	"github.com/GriffinCanCode/psa-spm/internal/domain/fault"
	"github.com/GriffinCanCode/psa-spm/internal/domain/handle"
	"github.com/GriffinCanCode/psa-spm/internal/domain/partition"
	"github.com/GriffinCanCode/psa-spm/internal/domain/registry"
	"github.com/GriffinCanCode/psa-spm/internal/infrastructure/config"
	"github.com/GriffinCanCode/psa-spm/internal/infrastructure/logging"
	"github.com/GriffinCanCode/psa-spm/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/psa-spm/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/psa-spm/internal/shared/id"
)

var (
	// ErrNotRunning is returned while the manager is stopped or resetting
	ErrNotRunning = errors.New("spm: not running")

	// ErrAlreadyStarted is returned by a second Start
	ErrAlreadyStarted = errors.New("spm: already started")
)

// Entry is the body of a partition. It runs in its own goroutine and should
// return once ctx is cancelled.
type Entry func(ctx context.Context, srv *Server) error

// FaultHandler observes violations. It runs on the goroutine that detected
// the violation and must not call Reset or Shutdown.
type FaultHandler func(v *fault.Violation)

// State of the manager
type State int

const (
	StateStopped State = iota
	StateRunning
	StateHalted
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateHalted:
		return "halted"
	default:
		return "unknown"
	}
}

// Option configures an SPM
type Option func(*SPM)

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(s *SPM) { s.logger = logger }
}

// WithMetrics enables Prometheus metrics
func WithMetrics(metrics *monitoring.Metrics) Option {
	return func(s *SPM) { s.metrics = metrics }
}

// WithTracer records a span per delivered message
func WithTracer(tracer *tracing.Tracer) Option {
	return func(s *SPM) { s.tracer = tracer }
}

// WithFaultHandler installs a violation observer
func WithFaultHandler(h FaultHandler) Option {
	return func(s *SPM) { s.onFault = h }
}

// part is the runtime state of one partition for one boot
type part struct {
	info  *registry.Partition
	space *partition.Space
	entry Entry

	mu     sync.Mutex
	queues map[partition.Signal][]*delivery
	active map[handle.ID]*delivery
}

// boot is everything that is thrown away by Reset
type boot struct {
	id         id.BootID
	started    time.Time
	ctx        context.Context
	cancel     context.CancelFunc
	group      *errgroup.Group
	partitions map[int32]*part
	violation  atomic.Pointer[fault.Violation]
}

// err is what blocked operations return once the boot has ended
func (b *boot) err() error {
	if v := b.violation.Load(); v != nil {
		return v
	}
	return ErrNotRunning
}

// SPM is the partition manager
type SPM struct {
	reg    *registry.Registry
	cfg    config.SPMConfig
	limits envelope.Limits
	table  *handle.Table

	logger  *logging.Logger
	metrics *monitoring.Metrics
	tracer  *tracing.Tracer
	onFault FaultHandler

	// gate is held shared by every operation that touches the handle table
	// and exclusively by Reset while it swaps boots.
	gate      sync.RWMutex
	lifecycle sync.Mutex

	mu        sync.Mutex
	entries   map[int32]Entry
	parent    context.Context
	state     State
	boot      *boot
	violation *fault.Violation
	resets    int
}

// New creates a stopped manager for the given registry
func New(reg *registry.Registry, cfg config.SPMConfig, opts ...Option) (*SPM, error) {
	if reg == nil {
		return nil, errors.New("spm: registry is required")
	}
	limits := cfg.Limits()
	if limits.MaxIOVec <= 0 || limits.MaxTxSize <= 0 || limits.MaxRxSize <= 0 {
		return nil, fmt.Errorf("spm: invalid limits %+v", limits)
	}
	table, err := handle.New(cfg.MaxHandles)
	if err != nil {
		return nil, fmt.Errorf("spm: %w", err)
	}

	s := &SPM{
		reg:     reg,
		cfg:     cfg,
		limits:  limits,
		table:   table,
		logger:  logging.NewNop(),
		entries: make(map[int32]Entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Registry returns the service registry
func (s *SPM) Registry() *registry.Registry { return s.reg }

// Limits returns the envelope limits
func (s *SPM) Limits() envelope.Limits { return s.limits }

// Bind sets the entry of a partition. It takes effect at the next Start or
// Reset.
func (s *SPM) Bind(pid int32, entry Entry) error {
	if _, ok := s.reg.Partition(pid); !ok {
		return fmt.Errorf("spm: partition %d is not in the manifest", pid)
	}
	if entry == nil {
		return fmt.Errorf("spm: nil entry for partition %d", pid)
	}
	s.mu.Lock()
	s.entries[pid] = entry
	s.mu.Unlock()
	return nil
}

// Start launches every bound partition. Partitions that expose services must
// be bound.
func (s *SPM) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.state != StateStopped || s.boot != nil {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	for _, p := range s.reg.Partitions() {
		if len(p.Services) > 0 && s.entries[p.ID] == nil {
			s.mu.Unlock()
			return fmt.Errorf("spm: partition %q exposes services but has no entry", p.Name)
		}
	}
	s.parent = ctx
	b := s.newBoot()
	s.boot = b
	s.state = StateRunning
	s.mu.Unlock()

	s.logger.Info("partition manager started",
		zap.String("boot_id", b.id.String()),
		zap.Int("partitions", len(b.partitions)),
		zap.Int("max_handles", s.table.Capacity()),
	)
	s.launch(b)
	return nil
}

// Reset halts every partition, empties the handle table and boots again.
// It is the only way out of StateHalted.
func (s *SPM) Reset() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	old := s.boot
	if old == nil {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.state = StateStopped
	s.mu.Unlock()

	s.stop(old)

	s.gate.Lock()
	s.table.Reset()
	s.mu.Lock()
	b := s.newBoot()
	s.boot = b
	s.state = StateRunning
	s.violation = nil
	s.resets++
	s.mu.Unlock()
	s.gate.Unlock()

	if s.metrics != nil {
		s.metrics.IncResets()
		s.metrics.SetHandlesActive(0)
	}
	s.logger.Info("partition manager reset",
		zap.String("previous_boot_id", old.id.String()),
		zap.String("boot_id", b.id.String()),
	)
	s.launch(b)
	return nil
}

// Shutdown stops every partition and releases blocked clients with
// ErrNotRunning. It returns the error that ended the last boot, if any.
func (s *SPM) Shutdown() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	b := s.boot
	s.boot = nil
	s.state = StateStopped
	s.mu.Unlock()

	if b == nil {
		return nil
	}
	err := s.stop(b)

	s.gate.Lock()
	s.table.Reset()
	s.gate.Unlock()

	s.logger.Info("partition manager stopped", zap.String("boot_id", b.id.String()))
	return err
}

func (s *SPM) newBoot() *boot {
	ctx, cancel := context.WithCancel(s.parent)
	group, gctx := errgroup.WithContext(ctx)

	b := &boot{
		id:         id.NewBootID(),
		started:    time.Now(),
		ctx:        gctx,
		cancel:     cancel,
		group:      group,
		partitions: make(map[int32]*part),
	}
	for _, info := range s.reg.Partitions() {
		b.partitions[info.ID] = &part{
			info:   info,
			space:  partition.NewSpace(info.ID, info.Signals),
			entry:  s.entries[info.ID],
			queues: make(map[partition.Signal][]*delivery),
			active: make(map[handle.ID]*delivery),
		}
	}
	return b
}

func (s *SPM) launch(b *boot) {
	for _, info := range s.reg.Partitions() {
		p := b.partitions[info.ID]
		if p.entry == nil {
			continue
		}
		b.group.Go(func() error { return s.run(b, p) })
	}
}

func (s *SPM) stop(b *boot) error {
	b.cancel()
	return b.group.Wait()
}

func (s *SPM) run(b *boot, p *part) (err error) {
	srv := &Server{
		spm:    s,
		boot:   b,
		part:   p,
		logger: s.logger.Partition(p.info.ID, p.info.Name),
	}

	defer func() {
		if r := recover(); r != nil {
			err = s.fault(b, fault.New(fault.KindPartitionExit, "entry", "partition panicked: %v", r).Attribute(p.info.ID))
		}
	}()

	srv.logger.Debug("partition running")
	err = p.entry(b.ctx, srv)

	switch {
	case b.ctx.Err() != nil:
		return nil
	case err == nil:
		srv.logger.Info("partition returned")
		return nil
	default:
		if v, ok := fault.As(err); ok {
			return s.fault(b, v.Attribute(p.info.ID))
		}
		return s.fault(b, fault.New(fault.KindPartitionExit, "entry", "partition exited: %v", err).Attribute(p.info.ID))
	}
}

// current returns the running boot
func (s *SPM) current() (*boot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateRunning:
		return s.boot, nil
	case StateHalted:
		return nil, fault.ErrHalted
	default:
		return nil, ErrNotRunning
	}
}

// enter takes the gate for one non-blocking step of an operation
func (s *SPM) enter() (*boot, func(), error) {
	s.gate.RLock()
	b, err := s.current()
	if err != nil {
		s.gate.RUnlock()
		return nil, nil, err
	}
	return b, s.gate.RUnlock, nil
}

// reenter takes the gate again after a blocking wait, provided b is still
// the live boot
func (s *SPM) reenter(b *boot) (func(), error) {
	s.gate.RLock()
	if b.ctx.Err() != nil {
		s.gate.RUnlock()
		return nil, b.err()
	}
	return s.gate.RUnlock, nil
}

// violate attributes err to who and halts the manager. Errors that are not
// violations pass through.
func (s *SPM) violate(b *boot, who int32, err error) error {
	if v, ok := fault.As(err); ok {
		return s.fault(b, v.Attribute(who))
	}
	return err
}

// fault halts boot b. Only the first violation of a boot is recorded.
func (s *SPM) fault(b *boot, v *fault.Violation) error {
	s.mu.Lock()
	if s.boot != b || s.state != StateRunning {
		s.mu.Unlock()
		return v
	}
	s.state = StateHalted
	s.violation = v
	b.violation.Store(v)
	s.mu.Unlock()

	s.logger.Error("protocol violation, partition manager halted",
		zap.String("kind", v.Kind.String()),
		zap.String("op", v.Op),
		zap.Int32("partition", v.Partition),
		zap.String("detail", v.Detail),
		zap.String("boot_id", b.id.String()),
	)
	if s.metrics != nil {
		s.metrics.RecordViolation(v.Kind.String(), v.Op)
	}
	if s.onFault != nil {
		s.onFault(v)
	}

	// Blocked clients and partitions are released only after the handler ran
	b.cancel()
	return v
}

// enqueue hands d to its target partition and raises the service signal.
// Caller holds the gate.
func (s *SPM) enqueue(b *boot, d *delivery) {
	p := b.partitions[d.target]

	if s.tracer != nil {
		ctx := tracing.WithTrace(b.ctx, tracing.TraceID(d.msg.ID))
		d.span, _ = s.tracer.StartSpan(ctx, d.msg.Kind.String())
		d.span.SetTag("sid", fmt.Sprintf("0x%08x", d.msg.SID))
		d.span.SetTag("handle", fmt.Sprint(int32(d.msg.Handle)))
		d.span.SetTag("client", fmt.Sprint(int32(d.msg.ClientID)))
		d.span.SetTag("partition", p.info.Name)
	}
	if s.metrics != nil {
		d.timer = monitoring.NewTimer(s.metrics, d.msg.Kind.String())
	}

	p.mu.Lock()
	p.queues[d.signal] = append(p.queues[d.signal], d)
	p.space.Raise(d.signal)
	p.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordSignal("service")
	}
	s.logger.Debug("message delivered",
		zap.String("message_id", d.msg.ID.String()),
		zap.String("kind", d.msg.Kind.String()),
		zap.Int32("handle", int32(d.msg.Handle)),
		zap.Int32("target", d.target),
	)
}

// await blocks until the service ends d or the boot ends
func (s *SPM) await(b *boot, d *delivery) (Status, error) {
	select {
	case r := <-d.done:
		return r.status, nil
	case <-b.ctx.Done():
	}

	// Wait out any Read or Write that entered before the cancel. Later ones
	// see the cancelled boot in reenter, so the caller's buffers are free
	// once this returns.
	s.gate.Lock()
	s.gate.Unlock()

	// An End that raced the halt still wins
	select {
	case r := <-d.done:
		return r.status, nil
	default:
	}
	err := b.err()
	s.finish(d, "aborted", 0, err)
	return 0, err
}

// complete unblocks the client waiting on d
func (s *SPM) complete(d *delivery, status Status) {
	outcome := "success"
	if status != StatusSuccess {
		outcome = "error"
		if d.msg.Kind == KindConnect {
			outcome = "refused"
		}
	}
	s.finish(d, outcome, status, nil)
	d.done <- result{status: status}
}

// finish records the end of d exactly once
func (s *SPM) finish(d *delivery, outcome string, status Status, err error) {
	d.once.Do(func() {
		if d.timer != nil {
			d.timer.Stop(outcome)
		}
		if d.span == nil {
			return
		}
		d.span.SetTag("outcome", outcome)
		d.span.SetStatus(int(status))
		if err != nil {
			d.span.SetError(err)
		}
		d.span.Finish()
		s.tracer.Submit(d.span)
	})
}

func (s *SPM) syncHandles() {
	if s.metrics != nil {
		s.metrics.SetHandlesActive(s.table.Len())
	}
}

// Client returns the client side of a manifest partition
func (s *SPM) Client(pid int32) (*Client, error) {
	if _, ok := s.reg.Partition(pid); !ok {
		return nil, fmt.Errorf("spm: partition %d is not in the manifest", pid)
	}
	return &Client{spm: s, id: ClientID(pid)}, nil
}

// NonSecure returns the client used by the non-secure side
func (s *SPM) NonSecure() *Client {
	return &Client{spm: s, id: NonSecureClientID}
}

// State returns the current state
func (s *SPM) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Violation returns the violation that halted the manager, if any
func (s *SPM) Violation() *fault.Violation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.violation
}

// BootID returns the id of the current boot, or "" when stopped
func (s *SPM) BootID() id.BootID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.boot == nil {
		return ""
	}
	return s.boot.id
}
