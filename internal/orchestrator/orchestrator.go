// Package orchestrator drives check cycles: authenticate, list inventory,
// reconcile, probe every active edge node through a bounded worker pool,
// persist each result and emit alerts.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/etnwatch/etnwatch/internal/alert"
	"github.com/etnwatch/etnwatch/internal/lock"
	"github.com/etnwatch/etnwatch/internal/metrics"
	"github.com/etnwatch/etnwatch/internal/nsx"
	"github.com/etnwatch/etnwatch/internal/reconcile"
	"github.com/etnwatch/etnwatch/internal/sshprobe"
	"github.com/etnwatch/etnwatch/internal/store"
)

// ErrAlreadyRunning is returned synchronously when a cycle or sync is
// triggered while one is in progress. It is a rejection, not a fault.
var ErrAlreadyRunning = errors.New("a cycle is already running")

// State is the orchestrator's position in the cycle state machine.
type State string

const (
	StateIdle             State = "idle"
	StateAuthenticating   State = "authenticating"
	StateListingInventory State = "listing_inventory"
	StateReconciling      State = "reconciling"
	StateProbing          State = "probing"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
)

// Inventory is the NSX manager surface the orchestrator consumes.
type Inventory interface {
	Authenticate(ctx context.Context) (nsx.Credential, error)
	ListTransportNodes(ctx context.Context, cred nsx.Credential) ([]nsx.TransportNode, error)
}

// Prober retrieves certificate expiry from one host.
type Prober interface {
	Probe(ctx context.Context, host string) (sshprobe.CertificateInfo, error)
}

// Store is the persistence surface the orchestrator writes through.
type Store interface {
	AllNodes(ctx context.Context) ([]store.TransportNode, error)
	ActiveEdgeNodes(ctx context.Context) ([]store.TransportNode, error)
	ApplyReconcile(ctx context.Context, inserted, updated, reactivated []store.TransportNode, deactivatedIDs []string) error
	TouchSeen(ctx context.Context, ids []string) error
	InsertCheck(ctx context.Context, check store.CertificateCheck) error
	LatestChecks(ctx context.Context) (map[string]store.CertificateCheck, error)
	ActiveNodes(ctx context.Context) ([]store.TransportNode, error)
}

// Notifier is the alert fan-out.
type Notifier interface {
	AlertExpiring(ctx context.Context, events []alert.Event)
	SendSummary(ctx context.Context, sum alert.Summary)
	AnnounceNodeChanges(ctx context.Context, changes []alert.NodeChange)
}

// CycleReport describes one runCycle invocation.
type CycleReport struct {
	RunID           string        `json:"run_id"`
	State           State         `json:"state"`
	FailureReason   string        `json:"failure_reason,omitempty"`
	NodesDiscovered int           `json:"nodes_discovered"`
	EdgesProbed     int           `json:"edges_probed"`
	Summary         alert.Summary `json:"summary"`
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      time.Time     `json:"finished_at"`
}

// SyncReport describes one inventory-only synchronization.
type SyncReport struct {
	Discovered  int `json:"discovered"`
	Inserted    int `json:"inserted"`
	Updated     int `json:"updated"`
	Reactivated int `json:"reactivated"`
	Deactivated int `json:"deactivated"`
}

// Orchestrator owns the cycle lock and the cycle state machine. All other
// state is request-scoped.
type Orchestrator struct {
	inv         Inventory
	prober      Prober
	st          Store
	notifier    Notifier
	cycleLock   lock.CycleLock
	concurrency int
	warningDays int
	whitelist   map[string]bool
	log         *zap.SugaredLogger

	mu            sync.Mutex
	state         State
	lastCompleted time.Time
}

// Options configures an Orchestrator.
type Options struct {
	Concurrency  int
	WarningDays  int
	ETNWhitelist []string
}

func New(inv Inventory, prober Prober, st Store, notifier Notifier, cycleLock lock.CycleLock, opts Options, log *zap.SugaredLogger) *Orchestrator {
	if opts.Concurrency < 1 {
		opts.Concurrency = 5
	}
	if opts.Concurrency > 10 {
		opts.Concurrency = 10
	}
	if opts.WarningDays < 1 {
		opts.WarningDays = 30
	}
	var wl map[string]bool
	if len(opts.ETNWhitelist) > 0 {
		wl = make(map[string]bool, len(opts.ETNWhitelist))
		for _, ip := range opts.ETNWhitelist {
			wl[ip] = true
		}
	}
	return &Orchestrator{
		inv:         inv,
		prober:      prober,
		st:          st,
		notifier:    notifier,
		cycleLock:   cycleLock,
		concurrency: opts.Concurrency,
		warningDays: opts.WarningDays,
		whitelist:   wl,
		log:         log,
		state:       StateIdle,
	}
}

// State returns the current position in the state machine.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// LastCompleted reports when a cycle last finished successfully; zero if
// none has.
func (o *Orchestrator) LastCompleted() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastCompleted
}

// RunCycle executes one full check cycle. Exactly one cycle runs at a
// time; concurrent invocations get ErrAlreadyRunning without touching the
// one in flight.
func (o *Orchestrator) RunCycle(ctx context.Context) (CycleReport, error) {
	if !o.cycleLock.TryAcquire() {
		return CycleReport{State: StateFailed, FailureReason: "already running"}, ErrAlreadyRunning
	}
	defer o.cycleLock.Release()
	defer o.setState(StateIdle)

	tr := otel.Tracer("etnwatch/orchestrator")
	ctx, span := tr.Start(ctx, "RunCycle")
	defer span.End()

	report := CycleReport{RunID: uuid.NewString(), StartedAt: time.Now().UTC()}
	o.log.Info("check cycle started", "run_id", report.RunID)

	err := o.runLocked(ctx, &report)
	report.FinishedAt = time.Now().UTC()

	if err != nil {
		report.State = StateFailed
		report.FailureReason = err.Error()
		metrics.CyclesTotal.WithLabelValues("failed").Inc()
		o.log.Error("check cycle failed", "run_id", report.RunID, "reason", err)
		return report, err
	}

	report.State = StateCompleted
	o.mu.Lock()
	o.lastCompleted = report.FinishedAt
	o.mu.Unlock()
	metrics.CyclesTotal.WithLabelValues("completed").Inc()
	metrics.LastCycleTS.SetToCurrentTime()
	o.log.Info("check cycle completed",
		"run_id", report.RunID,
		"probed", report.EdgesProbed,
		"ok", report.Summary.OK,
		"warning", report.Summary.Warning,
		"expired", report.Summary.Expired,
		"error", report.Summary.Error,
	)
	return report, nil
}

func (o *Orchestrator) runLocked(ctx context.Context, report *CycleReport) error {
	discovered, err := o.fetchInventory(ctx)
	if err != nil {
		return err
	}
	report.NodesDiscovered = len(discovered)

	o.setState(StateReconciling)
	if _, err := o.reconcileInventory(ctx, discovered); err != nil {
		return err
	}

	o.setState(StateProbing)
	targets, err := o.st.ActiveEdgeNodes(ctx)
	if err != nil {
		return fmt.Errorf("load probe targets: %w", err)
	}
	targets = o.filterProbeTargets(targets)
	report.EdgesProbed = len(targets)

	results, err := o.probeAll(ctx, targets)
	if err != nil {
		// A storage write failed; unrecorded results are worse than a
		// failed cycle retried later.
		return err
	}

	report.Summary = summarize(results)
	o.notifier.AlertExpiring(ctx, expiringEvents(results))
	o.notifier.SendSummary(ctx, report.Summary)
	return nil
}

// fetchInventory authenticates and lists nodes, re-authenticating and
// retrying exactly once if the token turns out to be stale.
func (o *Orchestrator) fetchInventory(ctx context.Context) ([]nsx.TransportNode, error) {
	o.setState(StateAuthenticating)
	cred, err := o.inv.Authenticate(ctx)
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}

	o.setState(StateListingInventory)
	nodes, err := o.inv.ListTransportNodes(ctx, cred)
	if err == nil {
		return nodes, nil
	}

	var apiErr *nsx.APIError
	if !errors.As(err, &apiErr) || !apiErr.AuthExpired() {
		return nil, fmt.Errorf("list inventory: %w", err)
	}

	o.log.Warn("session token expired, re-authenticating once")
	o.setState(StateAuthenticating)
	cred, err = o.inv.Authenticate(ctx)
	if err != nil {
		return nil, fmt.Errorf("re-authenticate: %w", err)
	}
	o.setState(StateListingInventory)
	nodes, err = o.inv.ListTransportNodes(ctx, cred)
	if err != nil {
		return nil, fmt.Errorf("list inventory after re-auth: %w", err)
	}
	return nodes, nil
}

func (o *Orchestrator) reconcileInventory(ctx context.Context, discovered []nsx.TransportNode) (reconcile.Result, error) {
	existing, err := o.st.AllNodes(ctx)
	if err != nil {
		return reconcile.Result{}, fmt.Errorf("load existing nodes: %w", err)
	}

	plan := reconcile.Plan(existing, toStoreNodes(discovered))
	if err := o.st.ApplyReconcile(ctx, plan.Inserted, plan.Updated, plan.Reactivated, plan.DeactivatedIDs); err != nil {
		return reconcile.Result{}, err
	}
	if err := o.st.TouchSeen(ctx, plan.UnchangedIDs); err != nil {
		return reconcile.Result{}, err
	}

	o.notifier.AnnounceNodeChanges(ctx, nodeChanges(plan, existing))
	o.updateNodeGauges(ctx)

	if !plan.Empty() {
		o.log.Info("inventory reconciled",
			"inserted", len(plan.Inserted),
			"updated", len(plan.Updated),
			"reactivated", len(plan.Reactivated),
			"deactivated", len(plan.DeactivatedIDs),
		)
	}
	return plan, nil
}

// filterProbeTargets applies probe policy: nodes in maintenance are not
// probed, and a configured whitelist restricts probing to named IPs.
func (o *Orchestrator) filterProbeTargets(nodes []store.TransportNode) []store.TransportNode {
	out := nodes[:0]
	for _, n := range nodes {
		if n.IPAddress == "" || n.MaintenanceMode == "ENABLED" {
			continue
		}
		if o.whitelist != nil && !o.whitelist[n.IPAddress] {
			continue
		}
		out = append(out, n)
	}
	return out
}

type probeResult struct {
	node  store.TransportNode
	check store.CertificateCheck
}

// probeAll fans the targets out to a bounded worker pool. Every target
// yields exactly one CertificateCheck row: failed probes are recorded with
// status error/unreachable and do not abort the cycle. A persistence
// failure does.
func (o *Orchestrator) probeAll(ctx context.Context, targets []store.TransportNode) ([]probeResult, error) {
	// Fully buffered so a worker bailing out on a storage error never
	// strands the feed.
	tasks := make(chan store.TransportNode, len(targets))
	for _, n := range targets {
		tasks <- n
	}
	close(tasks)

	resultCh := make(chan probeResult, len(targets))
	errCh := make(chan error, len(targets))

	workers := o.concurrency
	if workers > len(targets) {
		workers = len(targets)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for node := range tasks {
				check := o.probeOne(ctx, node)
				if err := o.st.InsertCheck(ctx, check); err != nil {
					errCh <- err
					return
				}
				metrics.ProbesTotal.WithLabelValues(check.Status).Inc()
				resultCh <- probeResult{node: node, check: check}
			}
		}()
	}
	wg.Wait()
	close(resultCh)
	close(errCh)

	if err := <-errCh; err != nil {
		return nil, fmt.Errorf("persist check result: %w", err)
	}

	results := make([]probeResult, 0, len(targets))
	for r := range resultCh {
		results = append(results, r)
	}
	return results, nil
}

func (o *Orchestrator) probeOne(ctx context.Context, node store.TransportNode) store.CertificateCheck {
	tr := otel.Tracer("etnwatch/orchestrator")
	ctx, span := tr.Start(ctx, "ProbeNode")
	defer span.End()

	check := store.CertificateCheck{
		NodeID:    node.ID,
		CheckedAt: time.Now().UTC(),
	}

	info, err := o.prober.Probe(ctx, node.IPAddress)
	if err != nil {
		var pe *sshprobe.ProbeError
		if errors.As(err, &pe) && pe.Kind == sshprobe.KindUnreachable {
			check.Status = string(sshprobe.StatusUnreachable)
		} else {
			check.Status = string(sshprobe.StatusError)
		}
		check.ErrorMessage = err.Error()
		o.log.Warn("probe failed", "node", node.ID, "host", node.IPAddress, "status", check.Status, "err", err)
		return check
	}

	expiry := info.ExpiresAt
	check.CertExpiryDate = &expiry
	check.DaysRemaining = info.DaysRemaining
	check.Status = string(info.Status)
	return check
}

func (o *Orchestrator) updateNodeGauges(ctx context.Context) {
	nodes, err := o.st.AllNodes(ctx)
	if err != nil {
		return
	}
	active, inactive := 0, 0
	for _, n := range nodes {
		if n.IsActive {
			active++
		} else {
			inactive++
		}
	}
	metrics.NodesGauge.WithLabelValues("active").Set(float64(active))
	metrics.NodesGauge.WithLabelValues("inactive").Set(float64(inactive))
}

// RunInventorySync refreshes the node inventory without probing. It takes
// the same cycle lock: inventory rows must never have two writers.
func (o *Orchestrator) RunInventorySync(ctx context.Context) (SyncReport, error) {
	if !o.cycleLock.TryAcquire() {
		return SyncReport{}, ErrAlreadyRunning
	}
	defer o.cycleLock.Release()
	defer o.setState(StateIdle)

	discovered, err := o.fetchInventory(ctx)
	if err != nil {
		return SyncReport{}, err
	}

	o.setState(StateReconciling)
	plan, err := o.reconcileInventory(ctx, discovered)
	if err != nil {
		return SyncReport{}, err
	}
	return SyncReport{
		Discovered:  len(discovered),
		Inserted:    len(plan.Inserted),
		Updated:     len(plan.Updated),
		Reactivated: len(plan.Reactivated),
		Deactivated: len(plan.DeactivatedIDs),
	}, nil
}

// ResendExpiryAlerts re-evaluates the latest persisted checks and
// re-notifies for nodes still inside the warning window. Suppression keeps
// this from repeating within a day.
func (o *Orchestrator) ResendExpiryAlerts(ctx context.Context) error {
	nodes, err := o.st.ActiveNodes(ctx)
	if err != nil {
		return err
	}
	latest, err := o.st.LatestChecks(ctx)
	if err != nil {
		return err
	}

	var events []alert.Event
	for _, n := range nodes {
		check, ok := latest[n.ID]
		if !ok {
			continue
		}
		if check.Status != string(sshprobe.StatusWarning) && check.Status != string(sshprobe.StatusExpired) {
			continue
		}
		events = append(events, alert.Event{
			NodeID:        n.ID,
			NodeName:      n.DisplayName,
			DaysRemaining: check.DaysRemaining,
			Status:        check.Status,
			Severity:      alert.SeverityFor(check.Status, check.DaysRemaining),
		})
	}
	o.notifier.AlertExpiring(ctx, events)
	return nil
}

func toStoreNodes(nodes []nsx.TransportNode) []store.TransportNode {
	out := make([]store.TransportNode, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, store.TransportNode{
			ID:              n.ID,
			DisplayName:     n.DisplayName,
			IPAddress:       n.IPAddress,
			Hostname:        n.Hostname,
			Kind:            string(n.Kind),
			MaintenanceMode: n.MaintenanceMode,
		})
	}
	return out
}

func nodeChanges(plan reconcile.Result, existing []store.TransportNode) []alert.NodeChange {
	byID := make(map[string]store.TransportNode, len(existing))
	for _, n := range existing {
		byID[n.ID] = n
	}

	var changes []alert.NodeChange
	for _, n := range plan.Inserted {
		changes = append(changes, alert.NodeChange{Type: store.EventAdded, NodeID: n.ID, NodeName: n.DisplayName, IPAddress: n.IPAddress})
	}
	for _, n := range plan.Reactivated {
		changes = append(changes, alert.NodeChange{Type: store.EventReappeared, NodeID: n.ID, NodeName: n.DisplayName, IPAddress: n.IPAddress})
	}
	for _, id := range plan.DeactivatedIDs {
		n := byID[id]
		changes = append(changes, alert.NodeChange{Type: store.EventRemoved, NodeID: id, NodeName: n.DisplayName, IPAddress: n.IPAddress})
	}
	return changes
}

func summarize(results []probeResult) alert.Summary {
	sum := alert.Summary{Total: len(results)}
	for _, r := range results {
		switch r.check.Status {
		case string(sshprobe.StatusOK):
			sum.OK++
		case string(sshprobe.StatusWarning):
			sum.Warning++
		case string(sshprobe.StatusExpired):
			sum.Expired++
		default:
			// error and unreachable both land here.
			sum.Error++
		}
	}
	return sum
}

func expiringEvents(results []probeResult) []alert.Event {
	var events []alert.Event
	for _, r := range results {
		if r.check.Status != string(sshprobe.StatusWarning) && r.check.Status != string(sshprobe.StatusExpired) {
			continue
		}
		events = append(events, alert.Event{
			NodeID:        r.node.ID,
			NodeName:      r.node.DisplayName,
			DaysRemaining: r.check.DaysRemaining,
			Status:        r.check.Status,
			Severity:      alert.SeverityFor(r.check.Status, r.check.DaysRemaining),
		})
	}
	return events
}
