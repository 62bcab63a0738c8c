package sched

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/vk/detgraph/internal/cbs"
	"github.com/vk/detgraph/internal/ctxlog"
	"github.com/vk/detgraph/internal/edf"
	"github.com/vk/detgraph/internal/graph"
	"github.com/vk/detgraph/internal/monitor"
	"github.com/vk/detgraph/internal/operator"
	"github.com/vk/detgraph/internal/workload"
)

var (
	ErrNoGraph             = errors.New("no active graph")
	ErrReservationExists   = errors.New("reservation already exists")
	ErrUnknownReservation  = errors.New("unknown reservation")
	ErrBudgetExhausted     = cbs.ErrBudgetExhausted
	ErrOperatorFaulted     = graph.ErrOperatorFaulted
	ErrUtilizationExceeded = cbs.ErrUtilizationExceeded
	ErrInfeasibleTriple    = cbs.ErrInfeasibleTriple
)

// graphReservation names the reservation admitted by `det on`.
const graphReservation = "graph"

// Mode is the dispatch discipline.
type Mode int

const (
	BestEffort Mode = iota
	Deterministic
)

func (m Mode) String() string {
	if m == Deterministic {
		return "cbs+edf"
	}
	return "best-effort"
}

// Config holds the scheduler tunables.
type Config struct {
	// FaultThreshold is the number of consecutive misses that faults an
	// operator; 0 disables fault isolation.
	FaultThreshold         int
	DefaultChannelCapacity int
	// UtilizationBound is the admission bound as a fraction of one CPU.
	UtilizationBound float64
	AuditLogSize     int
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		FaultThreshold:         3,
		DefaultChannelCapacity: graph.DefaultChannelCapacity,
		UtilizationBound:       1.0,
		AuditLogSize:           256,
	}
}

// DetConfig is the active deterministic-mode triple.
type DetConfig struct {
	WCET     uint64
	Period   uint64
	Deadline uint64
	Enabled  bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithWorkload sets the model that supplies per-step demand. A nil model
// keeps the default, which charges declared estimates.
func WithWorkload(m workload.Model) Option {
	return func(s *Scheduler) {
		if m != nil {
			s.workload = m
		}
	}
}

// WithMonitor replaces the monitor built from Config.
func WithMonitor(m *monitor.Monitor) Option {
	return func(s *Scheduler) { s.monitor = m }
}

// Scheduler is the deterministic execution controller.
type Scheduler struct {
	mu sync.Mutex

	cfg      Config
	table    *cbs.Table
	monitor  *monitor.Monitor
	workload workload.Model

	graph       *graph.Graph
	mode        Mode
	det         DetConfig
	reservation *cbs.Server
	servers     map[int]*cbs.Server
	serverSet   []int
	external    map[string]*cbs.Server
	queue       *edf.Queue[int]

	now     uint64
	runSeq  uint64
	lastRun map[int]uint64
}

// New returns a scheduler in best-effort mode with no graph.
func New(cfg Config, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.DefaultChannelCapacity == 0 {
		cfg.DefaultChannelCapacity = def.DefaultChannelCapacity
	}
	if cfg.UtilizationBound == 0 {
		cfg.UtilizationBound = def.UtilizationBound
	}
	s := &Scheduler{
		cfg:      cfg,
		table:    cbs.NewTable(cbs.BoundFromFraction(cfg.UtilizationBound)),
		workload: workload.Declared{},
		servers:  make(map[int]*cbs.Server),
		external: make(map[string]*cbs.Server),
		queue:    edf.New[int](),
		lastRun:  make(map[int]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.monitor == nil {
		s.monitor = monitor.New(cfg.FaultThreshold, cfg.AuditLogSize)
	}
	s.publishLocked()
	return s
}

// Monitor returns the monitor fed by this scheduler.
func (s *Scheduler) Monitor() *monitor.Monitor { return s.monitor }

// Table returns the admission table.
func (s *Scheduler) Table() *cbs.Table { return s.table }

// Config returns the scheduler configuration.
func (s *Scheduler) Config() Config { return s.cfg }

// Status returns the latest published snapshot without blocking.
func (s *Scheduler) Status() *monitor.Snapshot { return s.monitor.Snapshot() }

// Graph returns the active graph, or nil.
func (s *Scheduler) Graph() *graph.Graph {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph
}

// Now returns the virtual clock in cycles.
func (s *Scheduler) Now() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Mode returns the active dispatch discipline.
func (s *Scheduler) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Det returns the deterministic-mode configuration.
func (s *Scheduler) Det() DetConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.det
}

func (s *Scheduler) liveGraphLocked() (*graph.Graph, error) {
	if s.graph == nil || s.graph.State() == graph.Destroyed {
		return nil, ErrNoGraph
	}
	return s.graph, nil
}

// Create replaces any existing graph with a fresh one holding up to
// numOperators operators.
func (s *Scheduler) Create(ctx context.Context, numOperators int) (*graph.Graph, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	logger := ctxlog.FromContext(ctx)

	g, err := graph.New(numOperators, s.cfg.DefaultChannelCapacity)
	if err != nil {
		return nil, err
	}
	if s.graph != nil && s.graph.State() != graph.Destroyed {
		s.destroyLocked(ctx)
	}
	s.graph = g
	s.monitor.ForgetOperators()
	s.lastRun = make(map[int]uint64)
	s.serverSet = nil
	logger.Info("Graph created.", "graph", g.ID(), "capacity", numOperators)
	s.publishLocked()
	return g, nil
}

// AddChannel appends a channel to the active graph.
func (s *Scheduler) AddChannel(ctx context.Context, capacity int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, err := s.liveGraphLocked()
	if err != nil {
		return 0, err
	}
	id, err := g.AddChannel(capacity)
	if err != nil {
		return 0, err
	}
	ctxlog.FromContext(ctx).Debug("Channel added.", "channel", id, "capacity", capacity)
	s.publishLocked()
	return id, nil
}

// AddOperator adds an operator to the active graph.
func (s *Scheduler) AddOperator(ctx context.Context, spec operator.Spec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, err := s.liveGraphLocked()
	if err != nil {
		return err
	}
	if err := g.AddOperator(spec); err != nil {
		ctxlog.FromContext(ctx).Debug("Operator rejected.", "operator", spec.ID, "error", err)
		return err
	}
	ctxlog.FromContext(ctx).Debug("Operator added.", "operator", spec.ID, "priority", spec.Priority)
	s.publishLocked()
	return nil
}

// Start runs iterations scheduling rounds on the active graph.
func (s *Scheduler) Start(ctx context.Context, iterations int) (graph.RunReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	logger := ctxlog.FromContext(ctx)

	g, err := s.liveGraphLocked()
	if err != nil {
		return graph.RunReport{}, err
	}
	if iterations < 0 {
		return graph.RunReport{}, fmt.Errorf("iterations must be non-negative, got %d", iterations)
	}
	if s.mode == Deterministic && !sameIDs(s.serverSet, operatorIDs(g)) {
		s.rebuildServersLocked(ctx)
	}

	logger.Debug("Graph run started.", "graph", g.ID(), "iterations", iterations, "mode", s.mode)
	report, err := g.Start(ctx, iterations, s.round)
	s.publishLocked()
	if err != nil {
		logger.Warn("Graph run stopped early.", "rounds", report.Rounds, "error", err)
		return report, err
	}
	logger.Info("Graph run complete.", "rounds", report.Rounds, "steps", report.Steps, "idle_rounds", report.IdleRounds)
	return report, nil
}

// Destroy tears down the active graph: servers are cancelled, channels
// drained and operators returned to Idle. It returns the tensors freed.
func (s *Scheduler) Destroy(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.liveGraphLocked(); err != nil {
		return 0, err
	}
	freed := s.destroyLocked(ctx)
	s.publishLocked()
	return freed, nil
}

func (s *Scheduler) destroyLocked(ctx context.Context) int {
	s.cancelServersLocked(ctx)
	freed := s.graph.Destroy()
	ctxlog.FromContext(ctx).Info("Graph destroyed.", "graph", s.graph.ID(), "freed_tensors", freed)
	return freed
}

// DetOn admits (wcet, period, deadline) as the graph reservation and
// switches to CBS+EDF dispatch. A rejected triple leaves the previous mode
// and reservation in place.
func (s *Scheduler) DetOn(ctx context.Context, wcet, period, deadline uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	logger := ctxlog.FromContext(ctx)

	var (
		res *cbs.Server
		err error
	)
	if s.reservation != nil {
		res, err = s.table.Replace(s.reservation, graphReservation, wcet, period, deadline, s.now)
	} else {
		res, err = s.table.Admit(graphReservation, wcet, period, deadline, s.now)
	}
	if err != nil {
		s.monitor.Audit(s.now, monitor.KindReject, monitor.NoOperator, graphReservation, err.Error())
		logger.Warn("Deterministic mode rejected.", "wcet", wcet, "period", period, "deadline", deadline, "error", err)
		s.publishLocked()
		return err
	}

	if s.reservation != nil {
		s.monitor.Audit(s.now, monitor.KindRelease, monitor.NoOperator, graphReservation, "replaced")
	}
	s.cancelServersLocked(ctx)
	s.reservation = res
	s.det = DetConfig{WCET: wcet, Period: period, Deadline: deadline, Enabled: true}
	s.monitor.Audit(s.now, monitor.KindAdmit, monitor.NoOperator, graphReservation,
		fmt.Sprintf("wcet=%d period=%d deadline=%d utilization=%s", wcet, period, deadline, cbs.FormatPPB(res.Utilization())))
	if s.mode != Deterministic {
		s.mode = Deterministic
		s.monitor.Audit(s.now, monitor.KindModeChange, monitor.NoOperator, "", Deterministic.String())
	}
	if _, err := s.liveGraphLocked(); err == nil {
		s.rebuildServersLocked(ctx)
	}
	logger.Info("Deterministic mode enabled.", "wcet", wcet, "period", period, "deadline", deadline)
	s.publishLocked()
	return nil
}

// DetOff cancels every operator server, releases the graph reservation
// and reverts to best-effort dispatch.
func (s *Scheduler) DetOff(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelServersLocked(ctx)
	if s.reservation != nil {
		_ = s.table.Release(s.reservation)
		s.monitor.Audit(s.now, monitor.KindRelease, monitor.NoOperator, graphReservation, "")
		s.reservation = nil
	}
	s.det.Enabled = false
	if s.mode != BestEffort {
		s.mode = BestEffort
		s.monitor.Audit(s.now, monitor.KindModeChange, monitor.NoOperator, "", BestEffort.String())
	}
	ctxlog.FromContext(ctx).Info("Deterministic mode disabled.")
	s.publishLocked()
}

// DetReset zeroes the monitor counters and brings Faulted operators back
// to Idle, with fresh servers in deterministic mode.
func (s *Scheduler) DetReset(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.monitor.Reset()
	if g, err := s.liveGraphLocked(); err == nil {
		for _, op := range g.Operators() {
			if op.State() == operator.Faulted {
				op.SetState(operator.Idle)
			}
		}
		if s.mode == Deterministic {
			s.rebuildServersLocked(ctx)
		}
	}
	ctxlog.FromContext(ctx).Info("Scheduler counters reset.")
	s.publishLocked()
}

// Reserve admits a named reservation for a collaborator outside the graph
// (for example an inference engine). It shares the admission table with
// the graph, so it reduces the bandwidth `det on` can claim.
func (s *Scheduler) Reserve(ctx context.Context, name string, wcet, period, deadline uint64) (*cbs.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.external[name]; ok || name == graphReservation {
		return nil, fmt.Errorf("%w: %q", ErrReservationExists, name)
	}
	srv, err := s.table.Admit(name, wcet, period, deadline, s.now)
	if err != nil {
		s.monitor.Audit(s.now, monitor.KindReject, monitor.NoOperator, name, err.Error())
		s.publishLocked()
		return nil, err
	}
	s.external[name] = srv
	s.monitor.Audit(s.now, monitor.KindAdmit, monitor.NoOperator, name,
		fmt.Sprintf("wcet=%d period=%d deadline=%d", wcet, period, deadline))
	ctxlog.FromContext(ctx).Info("Reservation admitted.", "name", name, "utilization", cbs.FormatPPB(srv.Utilization()))
	s.publishLocked()
	return srv, nil
}

// ReleaseReservation returns a named reservation's bandwidth.
func (s *Scheduler) ReleaseReservation(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	srv, ok := s.external[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownReservation, name)
	}
	delete(s.external, name)
	_ = s.table.Release(srv)
	s.monitor.Audit(s.now, monitor.KindRelease, monitor.NoOperator, name, "")
	ctxlog.FromContext(ctx).Info("Reservation released.", "name", name)
	s.publishLocked()
	return nil
}

// rebuildServersLocked partitions the reservation over the graph's
// non-faulted operators.
func (s *Scheduler) rebuildServersLocked(ctx context.Context) {
	s.cancelServersLocked(ctx)
	g, err := s.liveGraphLocked()
	if err != nil || s.reservation == nil {
		return
	}

	var (
		ops     []*operator.Operator
		names   []string
		weights []uint64
	)
	for _, op := range g.Operators() {
		if op.State() == operator.Faulted {
			continue
		}
		ops = append(ops, op)
		names = append(names, fmt.Sprintf("op%d", op.ID()))
		weights = append(weights, op.WCETEstimate())
	}
	children := s.reservation.Partition(names, weights)
	for i, c := range children {
		c.Restart(s.now)
		s.servers[ops[i].ID()] = c
		s.monitor.Audit(s.now, monitor.KindAdmit, ops[i].ID(), c.Name(), fmt.Sprintf("wcet=%d", c.WCET()))
	}
	s.serverSet = operatorIDs(g)
	ctxlog.FromContext(ctx).Debug("Operator servers rebuilt.", "servers", len(children))
}

func (s *Scheduler) cancelServersLocked(ctx context.Context) {
	for _, id := range sortedServerIDs(s.servers) {
		srv := s.servers[id]
		if !srv.Cancelled() {
			srv.Cancel()
			s.monitor.Audit(s.now, monitor.KindCancel, id, srv.Name(), "")
		}
	}
	if len(s.servers) > 0 {
		ctxlog.FromContext(ctx).Debug("Operator servers cancelled.", "servers", len(s.servers))
	}
	s.servers = make(map[int]*cbs.Server)
	s.serverSet = nil
	s.queue.Clear()
}

func operatorIDs(g *graph.Graph) []int {
	ops := g.Operators()
	ids := make([]int, len(ops))
	for i, op := range ops {
		ids[i] = op.ID()
	}
	return ids
}

func sameIDs(a, b []int) bool {
	if a == nil || len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sortedServerIDs(m map[int]*cbs.Server) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
