// Package orchestrator drives the periodic discovery and evaluation
// pipeline: cluster the uncategorized corpus, ask the oracle for rule
// proposals, gate them through the rule compiler, persist the survivors
// as pending suggestions, run the lifecycle sweeps, and refresh the
// runtime rule cache.
//
// The pipeline is a single sequential batch; there are no internal
// parallel workers. Steps degrade independently: an oracle outage or a
// single bad proposal skips that step's output and the run continues.
// Store writes are individually atomic but the run is not transactional;
// cluster hashing and suggestion dedup make a re-run after a crash
// idempotent.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/noisegate/internal/lifecycle"
	"github.com/fyrsmithlabs/noisegate/internal/metrics"
	"github.com/fyrsmithlabs/noisegate/internal/oracle"
	"github.com/fyrsmithlabs/noisegate/internal/pattern"
	"github.com/fyrsmithlabs/noisegate/internal/rules"
)

const (
	// DefaultDiscoveryInterval is the cadence of the main pipeline run.
	DefaultDiscoveryInterval = 1 * time.Hour

	// DefaultStalenessInterval is the cadence of the staleness sweep.
	DefaultStalenessInterval = 7 * 24 * time.Hour

	// runTimeout bounds a single pipeline run.
	runTimeout = 10 * time.Minute

	actorDiscovery = "system:discovery"
)

// Discoverer produces candidate clusters from the uncategorized corpus.
type Discoverer interface {
	Discover(ctx context.Context) ([]*pattern.ErrorCluster, error)
}

// Suggester proposes candidate rules for clusters. Implemented by the
// oracle client.
type Suggester interface {
	Suggest(ctx context.Context, clusters []*pattern.ErrorCluster) ([]oracle.Proposal, error)
}

// Clusters records cluster bookkeeping so a suggestion's provenance is
// queryable after the run. Implemented by the store.
type Clusters interface {
	UpsertCluster(ctx context.Context, c *pattern.ErrorCluster) error
}

// Lifecycle is the slice of the lifecycle manager the pipeline drives.
type Lifecycle interface {
	Create(ctx context.Context, sg *pattern.Suggestion, actor string) error
	ShadowEntrySweep(ctx context.Context) (int, error)
	EvaluationSweep(ctx context.Context) (*lifecycle.SweepResult, error)
	StalenessSweep(ctx context.Context) (int, error)
	RefreshCache(ctx context.Context) error
}

// RunReport summarizes one discovery run.
type RunReport struct {
	Clusters       int  `json:"clusters"`
	Proposals      int  `json:"proposals"`
	Created        int  `json:"created"`
	Skipped        int  `json:"skipped"`
	ShadowEntered  int  `json:"shadow_entered"`
	Evaluated      int  `json:"evaluated"`
	Demoted        int  `json:"demoted"`
	ReadyForReview int  `json:"ready_for_review"`
	Degraded       bool `json:"degraded"`
	Took           time.Duration
}

// Orchestrator runs the pipeline on a schedule and on demand.
type Orchestrator struct {
	discoverer Discoverer
	suggester  Suggester
	lifecycle  Lifecycle
	clusters   Clusters
	logger     *zap.Logger

	discoveryInterval time.Duration
	stalenessInterval time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithDiscoveryInterval sets the pipeline cadence.
func WithDiscoveryInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.discoveryInterval = d }
}

// WithStalenessInterval sets the staleness sweep cadence.
func WithStalenessInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.stalenessInterval = d }
}

// New creates an orchestrator. It does not start automatically; call
// Start to begin scheduled runs. The clusters recorder may be nil, in
// which case cluster bookkeeping is skipped.
func New(discoverer Discoverer, suggester Suggester, lc Lifecycle, clusters Clusters, logger *zap.Logger, opts ...Option) (*Orchestrator, error) {
	if discoverer == nil {
		return nil, fmt.Errorf("discoverer cannot be nil")
	}
	if lc == nil {
		return nil, fmt.Errorf("lifecycle cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		discoverer:        discoverer,
		suggester:         suggester,
		lifecycle:         lc,
		clusters:          clusters,
		logger:            logger,
		discoveryInterval: DefaultDiscoveryInterval,
		stalenessInterval: DefaultStalenessInterval,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Start begins the background schedule. Idempotent: starting a running
// orchestrator returns an error without spawning a second loop.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return fmt.Errorf("orchestrator is already running")
	}
	o.stopCh = make(chan struct{})
	o.running = true

	o.logger.Info("orchestrator started",
		zap.Duration("discovery_interval", o.discoveryInterval),
		zap.Duration("staleness_interval", o.stalenessInterval))

	o.wg.Add(1)
	go o.loop()
	return nil
}

// Stop signals the schedule loop to exit and waits for it.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	close(o.stopCh)
	o.mu.Unlock()

	o.wg.Wait()
	o.logger.Info("orchestrator stopped")
}

func (o *Orchestrator) loop() {
	defer o.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("orchestrator loop panicked",
				zap.Any("panic", r), zap.Stack("stack"))
			o.mu.Lock()
			o.running = false
			o.mu.Unlock()
		}
	}()

	discovery := time.NewTicker(o.discoveryInterval)
	defer discovery.Stop()
	staleness := time.NewTicker(o.stalenessInterval)
	defer staleness.Stop()

	for {
		select {
		case <-discovery.C:
			o.scheduledRun()

		case <-staleness.C:
			ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
			if moved, err := o.lifecycle.StalenessSweep(ctx); err != nil {
				o.logger.Error("staleness sweep failed", zap.Error(err))
			} else if moved > 0 {
				o.logger.Info("staleness sweep moved rules", zap.Int("moved", moved))
			}
			cancel()

		case <-o.stopCh:
			return
		}
	}
}

func (o *Orchestrator) scheduledRun() {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("discovery run panicked",
				zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	report, err := o.Run(ctx)
	if err != nil {
		o.logger.Error("discovery run failed", zap.Error(err))
		return
	}
	o.logger.Info("discovery run completed",
		zap.Int("clusters", report.Clusters),
		zap.Int("created", report.Created),
		zap.Int("demoted", report.Demoted),
		zap.Int("ready_for_review", report.ReadyForReview),
		zap.Bool("degraded", report.Degraded),
		zap.Duration("took", report.Took))
}

// Run executes one full pipeline pass: shadow-entry sweep, discovery,
// oracle proposals, safety gate, suggestion creation, evaluation sweep,
// cache refresh. Also the on-demand entry point behind the API.
func (o *Orchestrator) Run(ctx context.Context) (*RunReport, error) {
	started := time.Now()
	report := &RunReport{}

	// Age-eligible pending suggestions enter shadow first so this run's
	// new suggestions start their own clock cleanly.
	if moved, err := o.lifecycle.ShadowEntrySweep(ctx); err != nil {
		o.logger.Warn("shadow entry sweep failed", zap.Error(err))
		report.Degraded = true
	} else {
		report.ShadowEntered = moved
	}

	clusters, err := o.discoverer.Discover(ctx)
	if err != nil {
		// Without a corpus there is nothing to propose, but the
		// evaluation sweep and cache refresh still run.
		o.logger.Error("cluster discovery failed", zap.Error(err))
		report.Degraded = true
	}
	report.Clusters = len(clusters)
	metrics.ClustersDiscovered.Add(float64(len(clusters)))

	if len(clusters) > 0 && o.suggester != nil {
		o.markClusters(ctx, clusters, pattern.ClusterProcessing)
		proposals, err := o.suggester.Suggest(ctx, clusters)
		if err != nil {
			// Oracle unavailability degrades the run, never fails it.
			// Clusters left in processing return to pending on the next
			// discovery pass.
			o.logger.Warn("oracle suggestion step skipped", zap.Error(err))
			metrics.OracleRequests.WithLabelValues("error").Inc()
			report.Degraded = true
		} else {
			metrics.OracleRequests.WithLabelValues("success").Inc()
			report.Proposals = len(proposals)
			o.createSuggestions(ctx, proposals, clusters, report)
		}
	}

	if sweep, err := o.lifecycle.EvaluationSweep(ctx); err != nil {
		o.logger.Warn("evaluation sweep failed", zap.Error(err))
		report.Degraded = true
	} else {
		report.Evaluated = sweep.Evaluated
		report.Demoted = sweep.Demoted
		report.ReadyForReview = sweep.ReadyForReview
	}

	// Refreshing on every run bounds cache staleness even when nothing
	// changed.
	if err := o.lifecycle.RefreshCache(ctx); err != nil {
		o.logger.Warn("cache refresh failed", zap.Error(err))
		report.Degraded = true
	}

	report.Took = time.Since(started)
	result := "success"
	if report.Degraded {
		result = "degraded"
	}
	metrics.RecordDiscoveryRun(result, report.Took)
	return report, nil
}

// createSuggestions gates each proposal through the rule compiler and
// persists the survivors, stamping each with its originating cluster's
// hash. One proposal's failure never blocks the rest. Clusters whose
// proposal was accepted (or already active) move to suggested; the rest
// the oracle declined or the gate dropped move to ignored.
func (o *Orchestrator) createSuggestions(ctx context.Context, proposals []oracle.Proposal, clusters []*pattern.ErrorCluster, report *RunReport) {
	suggested := make(map[string]bool, len(proposals))
	for _, p := range proposals {
		var cl *pattern.ErrorCluster
		if p.Cluster >= 1 && p.Cluster <= len(clusters) {
			cl = clusters[p.Cluster-1]
		}

		kind, err := rules.ParseKind(p.Kind)
		if err != nil {
			o.logger.Warn("proposal dropped: unknown rule kind",
				zap.String("kind", p.Kind), zap.String("value", p.Value))
			report.Skipped++
			continue
		}
		rule, err := rules.Compile(kind, p.Value, p.Category)
		if err != nil {
			o.logger.Warn("proposal dropped by safety gate",
				zap.String("value", p.Value), zap.Error(err))
			report.Skipped++
			continue
		}

		sg, err := pattern.NewSuggestion(*rule, p.Confidence, pattern.SourceOracle)
		if err != nil {
			o.logger.Warn("proposal dropped: invalid suggestion",
				zap.String("value", p.Value), zap.Error(err))
			report.Skipped++
			continue
		}
		sg.Reasoning = p.Reasoning
		sg.SampleMessages = p.Examples
		if cl != nil {
			sg.ClusterHash = cl.Hash
		}

		if err := o.lifecycle.Create(ctx, sg, actorDiscovery); err != nil {
			if errors.Is(err, pattern.ErrDuplicateRule) {
				// Re-discovery of an active rule; idempotence, not failure.
				report.Skipped++
				if cl != nil && !suggested[cl.Hash] {
					o.markCluster(ctx, cl, pattern.ClusterSuggested)
					suggested[cl.Hash] = true
				}
				continue
			}
			o.logger.Error("suggestion create failed",
				zap.String("value", p.Value), zap.Error(err))
			report.Skipped++
			report.Degraded = true
			continue
		}
		metrics.SuggestionsCreated.WithLabelValues(string(pattern.SourceOracle)).Inc()
		report.Created++
		if cl != nil && !suggested[cl.Hash] {
			o.markCluster(ctx, cl, pattern.ClusterSuggested)
			suggested[cl.Hash] = true
		}
	}

	for _, cl := range clusters {
		if !suggested[cl.Hash] {
			o.markCluster(ctx, cl, pattern.ClusterIgnored)
		}
	}
}

// markCluster persists a cluster status change. Bookkeeping only; a
// failed write is logged and never degrades the run.
func (o *Orchestrator) markCluster(ctx context.Context, cl *pattern.ErrorCluster, status pattern.ClusterStatus) {
	if o.clusters == nil {
		return
	}
	cl.Status = status
	if err := o.clusters.UpsertCluster(ctx, cl); err != nil {
		o.logger.Warn("cluster status update failed",
			zap.String("hash", cl.Hash), zap.Error(err))
	}
}

func (o *Orchestrator) markClusters(ctx context.Context, clusters []*pattern.ErrorCluster, status pattern.ClusterStatus) {
	for _, cl := range clusters {
		o.markCluster(ctx, cl, status)
	}
}
