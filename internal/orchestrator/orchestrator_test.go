package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/etnwatch/etnwatch/internal/alert"
	"github.com/etnwatch/etnwatch/internal/lock"
	"github.com/etnwatch/etnwatch/internal/nsx"
	"github.com/etnwatch/etnwatch/internal/sshprobe"
	"github.com/etnwatch/etnwatch/internal/store"
)

type fakeInventory struct {
	mu        sync.Mutex
	authCalls int
	listCalls int
	authErr   error
	listErrs  []error // consumed per call; nil entry means success
	nodes     []nsx.TransportNode
}

func (f *fakeInventory) Authenticate(context.Context) (nsx.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authCalls++
	if f.authErr != nil {
		return nsx.Credential{}, f.authErr
	}
	return nsx.Credential{Token: "tok"}, nil
}

func (f *fakeInventory) ListTransportNodes(context.Context, nsx.Credential) ([]nsx.TransportNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if len(f.listErrs) > 0 {
		err := f.listErrs[0]
		f.listErrs = f.listErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.nodes, nil
}

type fakeProber struct {
	mu    sync.Mutex
	calls int
	// per-host outcome; missing host means a healthy cert far in the future
	fail map[string]error
	days map[string]int
}

func (f *fakeProber) Probe(_ context.Context, host string) (sshprobe.CertificateInfo, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if err, ok := f.fail[host]; ok {
		return sshprobe.CertificateInfo{}, err
	}
	days := 365
	if d, ok := f.days[host]; ok {
		days = d
	}
	expiry := time.Now().UTC().Add(time.Duration(days) * 24 * time.Hour).Add(time.Hour)
	return sshprobe.CertificateInfo{
		ExpiresAt:     expiry,
		DaysRemaining: days,
		Status:        sshprobe.Classify(days, 30),
	}, nil
}

type fakeStore struct {
	mu        sync.Mutex
	nodes     map[string]store.TransportNode
	checks    []store.CertificateCheck
	insertErr error
}

func newFakeStore(nodes ...store.TransportNode) *fakeStore {
	f := &fakeStore{nodes: map[string]store.TransportNode{}}
	for _, n := range nodes {
		f.nodes[n.ID] = n
	}
	return f
}

func (f *fakeStore) AllNodes(context.Context) ([]store.TransportNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.TransportNode, 0, len(f.nodes))
	for _, n := range f.nodes {
		out = append(out, n)
	}
	return out, nil
}

func (f *fakeStore) ActiveNodes(ctx context.Context) ([]store.TransportNode, error) {
	all, _ := f.AllNodes(ctx)
	out := all[:0]
	for _, n := range all {
		if n.IsActive {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeStore) ActiveEdgeNodes(ctx context.Context) ([]store.TransportNode, error) {
	all, _ := f.AllNodes(ctx)
	out := all[:0]
	for _, n := range all {
		if n.IsActive && n.Kind == store.KindEdge {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeStore) ApplyReconcile(_ context.Context, inserted, updated, reactivated []store.TransportNode, deactivatedIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range inserted {
		n.IsActive = true
		f.nodes[n.ID] = n
	}
	for _, n := range updated {
		n.IsActive = true
		f.nodes[n.ID] = n
	}
	for _, n := range reactivated {
		n.IsActive = true
		f.nodes[n.ID] = n
	}
	for _, id := range deactivatedIDs {
		n := f.nodes[id]
		n.IsActive = false
		f.nodes[id] = n
	}
	return nil
}

func (f *fakeStore) TouchSeen(context.Context, []string) error { return nil }

func (f *fakeStore) InsertCheck(_ context.Context, check store.CertificateCheck) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.checks = append(f.checks, check)
	return nil
}

func (f *fakeStore) LatestChecks(context.Context) (map[string]store.CertificateCheck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	latest := make(map[string]store.CertificateCheck)
	for _, c := range f.checks {
		latest[c.NodeID] = c
	}
	return latest, nil
}

func (f *fakeStore) checkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.checks)
}

type fakeNotifier struct {
	mu      sync.Mutex
	events  []alert.Event
	sums    []alert.Summary
	changes []alert.NodeChange
}

func (f *fakeNotifier) AlertExpiring(_ context.Context, events []alert.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, events...)
}

func (f *fakeNotifier) SendSummary(_ context.Context, s alert.Summary) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sums = append(f.sums, s)
}

func (f *fakeNotifier) AnnounceNodeChanges(_ context.Context, changes []alert.NodeChange) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, changes...)
}

func edgeAPI(id, ip string) nsx.TransportNode {
	return nsx.TransportNode{ID: id, DisplayName: id, IPAddress: ip, Kind: nsx.KindEdge}
}

func newTestOrchestrator(inv *fakeInventory, pr *fakeProber, st *fakeStore, nt *fakeNotifier) *Orchestrator {
	return New(inv, pr, st, nt, lock.NewLocal(), Options{Concurrency: 3, WarningDays: 30}, zap.NewNop().Sugar())
}

func TestRunCycle_HappyPath(t *testing.T) {
	inv := &fakeInventory{nodes: []nsx.TransportNode{
		edgeAPI("edge-1", "10.0.0.1"),
		edgeAPI("edge-2", "10.0.0.2"),
		{ID: "host-1", DisplayName: "host-1", IPAddress: "10.0.0.9", Kind: nsx.KindHost},
	}}
	pr := &fakeProber{days: map[string]int{"10.0.0.2": 12}}
	st := newFakeStore()
	nt := &fakeNotifier{}

	report, err := newTestOrchestrator(inv, pr, st, nt).RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if report.State != StateCompleted {
		t.Fatalf("state = %s, want completed", report.State)
	}
	if report.NodesDiscovered != 3 {
		t.Errorf("discovered %d nodes, want 3", report.NodesDiscovered)
	}
	// Host nodes are inventoried but never probed.
	if report.EdgesProbed != 2 {
		t.Errorf("probed %d nodes, want 2", report.EdgesProbed)
	}
	if st.checkCount() != 2 {
		t.Errorf("persisted %d checks, want 2", st.checkCount())
	}
	want := alert.Summary{Total: 2, OK: 1, Warning: 1}
	if len(nt.sums) != 1 || nt.sums[0] != want {
		t.Errorf("summary = %+v, want one %+v", nt.sums, want)
	}
	if len(nt.events) != 1 || nt.events[0].NodeID != "edge-2" {
		t.Errorf("expected a single warning event for edge-2, got %+v", nt.events)
	}
}

func TestRunCycle_AlreadyRunning(t *testing.T) {
	inv := &fakeInventory{nodes: []nsx.TransportNode{edgeAPI("edge-1", "10.0.0.1")}}
	st := newFakeStore()
	o := newTestOrchestrator(inv, &fakeProber{}, st, &fakeNotifier{})

	if !o.cycleLock.TryAcquire() {
		t.Fatal("setup: could not take the lock")
	}
	defer o.cycleLock.Release()

	_, err := o.RunCycle(context.Background())
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("err = %v, want ErrAlreadyRunning", err)
	}
	if st.checkCount() != 0 {
		t.Error("rejected cycle must not write checks")
	}
	if inv.authCalls != 0 {
		t.Error("rejected cycle must not authenticate")
	}
}

func TestRunCycle_AuthFailureAborts(t *testing.T) {
	inv := &fakeInventory{authErr: &nsx.AuthError{Reason: "unsupported auth method"}}
	st := newFakeStore()
	nt := &fakeNotifier{}

	report, err := newTestOrchestrator(inv, &fakeProber{}, st, nt).RunCycle(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if report.State != StateFailed {
		t.Fatalf("state = %s, want failed", report.State)
	}
	if st.checkCount() != 0 {
		t.Error("aborted cycle must not write checks")
	}
	if len(nt.events) != 0 {
		t.Error("aborted cycle must not alert")
	}
}

func TestRunCycle_ReauthOnceOnExpiredToken(t *testing.T) {
	inv := &fakeInventory{
		nodes:    []nsx.TransportNode{edgeAPI("edge-1", "10.0.0.1")},
		listErrs: []error{&nsx.APIError{Code: 403}, nil},
	}
	st := newFakeStore()

	report, err := newTestOrchestrator(inv, &fakeProber{}, st, &fakeNotifier{}).RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if report.State != StateCompleted {
		t.Fatalf("state = %s, want completed", report.State)
	}
	if inv.authCalls != 2 {
		t.Errorf("authenticated %d times, want 2", inv.authCalls)
	}
	if inv.listCalls != 2 {
		t.Errorf("listed %d times, want 2", inv.listCalls)
	}
}

func TestRunCycle_ReauthNotRepeated(t *testing.T) {
	inv := &fakeInventory{
		listErrs: []error{&nsx.APIError{Code: 403}, &nsx.APIError{Code: 403}},
	}

	_, err := newTestOrchestrator(inv, &fakeProber{}, newFakeStore(), &fakeNotifier{}).RunCycle(context.Background())
	if err == nil {
		t.Fatal("expected failure after second 403")
	}
	if inv.authCalls != 2 {
		t.Errorf("authenticated %d times, want exactly 2", inv.authCalls)
	}
}

func TestRunCycle_ProbeFailuresRecordedNotFatal(t *testing.T) {
	inv := &fakeInventory{nodes: []nsx.TransportNode{
		edgeAPI("edge-1", "10.0.0.1"),
		edgeAPI("edge-2", "10.0.0.2"),
		edgeAPI("edge-3", "10.0.0.3"),
	}}
	pr := &fakeProber{fail: map[string]error{
		"10.0.0.2": &sshprobe.ProbeError{Kind: sshprobe.KindUnreachable, Host: "10.0.0.2", Err: errors.New("dial timeout")},
		"10.0.0.3": &sshprobe.ProbeError{Kind: sshprobe.KindParse, Host: "10.0.0.3", Err: errors.New("garbage output")},
	}}
	st := newFakeStore()
	nt := &fakeNotifier{}

	report, err := newTestOrchestrator(inv, pr, st, nt).RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if st.checkCount() != 3 {
		t.Fatalf("persisted %d checks, want one per target", st.checkCount())
	}

	latest, _ := st.LatestChecks(context.Background())
	if got := latest["edge-2"].Status; got != string(sshprobe.StatusUnreachable) {
		t.Errorf("edge-2 status = %s, want unreachable", got)
	}
	if latest["edge-2"].ErrorMessage == "" {
		t.Error("failed check must record the error message")
	}
	if got := latest["edge-3"].Status; got != string(sshprobe.StatusError) {
		t.Errorf("edge-3 status = %s, want error", got)
	}
	if report.Summary.Error != 2 || report.Summary.OK != 1 {
		t.Errorf("summary = %+v", report.Summary)
	}
}

func TestRunCycle_PersistenceFailureAborts(t *testing.T) {
	inv := &fakeInventory{nodes: []nsx.TransportNode{edgeAPI("edge-1", "10.0.0.1")}}
	st := newFakeStore()
	st.insertErr = errors.New("disk full")

	report, err := newTestOrchestrator(inv, &fakeProber{}, st, &fakeNotifier{}).RunCycle(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if report.State != StateFailed {
		t.Fatalf("state = %s, want failed", report.State)
	}
}

func TestRunCycle_SkipsMaintenanceAndWhitelist(t *testing.T) {
	inv := &fakeInventory{nodes: []nsx.TransportNode{
		edgeAPI("edge-1", "10.0.0.1"),
		edgeAPI("edge-2", "10.0.0.2"),
		{ID: "edge-3", DisplayName: "edge-3", IPAddress: "10.0.0.3", Kind: nsx.KindEdge, MaintenanceMode: "ENABLED"},
	}}
	pr := &fakeProber{}
	st := newFakeStore()

	o := New(inv, pr, st, &fakeNotifier{}, lock.NewLocal(),
		Options{Concurrency: 3, WarningDays: 30, ETNWhitelist: []string{"10.0.0.1"}},
		zap.NewNop().Sugar())

	report, err := o.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if report.EdgesProbed != 1 {
		t.Fatalf("probed %d nodes, want only the whitelisted one", report.EdgesProbed)
	}
	latest, _ := st.LatestChecks(context.Background())
	if _, ok := latest["edge-1"]; !ok {
		t.Error("whitelisted node was not probed")
	}
}

func TestRunCycle_ReleasesLockOnFailure(t *testing.T) {
	inv := &fakeInventory{authErr: &nsx.AuthError{Reason: "unreachable", Retryable: true}}
	o := newTestOrchestrator(inv, &fakeProber{}, newFakeStore(), &fakeNotifier{})

	if _, err := o.RunCycle(context.Background()); err == nil {
		t.Fatal("expected failure")
	}
	if !o.cycleLock.TryAcquire() {
		t.Fatal("lock must be released after a failed cycle")
	}
	o.cycleLock.Release()
}

func TestRunInventorySync(t *testing.T) {
	inv := &fakeInventory{nodes: []nsx.TransportNode{
		edgeAPI("edge-1", "10.0.0.1"),
		edgeAPI("edge-2", "10.0.0.2"),
	}}
	pr := &fakeProber{}
	st := newFakeStore()
	nt := &fakeNotifier{}
	o := newTestOrchestrator(inv, pr, st, nt)

	rep, err := o.RunInventorySync(context.Background())
	if err != nil {
		t.Fatalf("RunInventorySync: %v", err)
	}
	if rep.Inserted != 2 {
		t.Errorf("inserted = %d, want 2", rep.Inserted)
	}
	if pr.calls != 0 {
		t.Error("inventory sync must not probe")
	}
	if len(nt.changes) != 2 {
		t.Errorf("expected 2 node-added announcements, got %d", len(nt.changes))
	}

	// A second sync with identical inventory is a no-op.
	rep, err = o.RunInventorySync(context.Background())
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if rep.Inserted+rep.Updated+rep.Reactivated+rep.Deactivated != 0 {
		t.Errorf("second sync must be empty, got %+v", rep)
	}
}

func TestResendExpiryAlerts(t *testing.T) {
	st := newFakeStore(
		store.TransportNode{ID: "edge-1", DisplayName: "edge-1", Kind: store.KindEdge, IsActive: true},
		store.TransportNode{ID: "edge-2", DisplayName: "edge-2", Kind: store.KindEdge, IsActive: true},
	)
	st.checks = []store.CertificateCheck{
		{NodeID: "edge-1", Status: string(sshprobe.StatusWarning), DaysRemaining: 5},
		{NodeID: "edge-2", Status: string(sshprobe.StatusOK), DaysRemaining: 200},
	}
	nt := &fakeNotifier{}
	o := newTestOrchestrator(&fakeInventory{}, &fakeProber{}, st, nt)

	if err := o.ResendExpiryAlerts(context.Background()); err != nil {
		t.Fatalf("ResendExpiryAlerts: %v", err)
	}
	if len(nt.events) != 1 {
		t.Fatalf("expected one event, got %d", len(nt.events))
	}
	if nt.events[0].NodeID != "edge-1" || nt.events[0].Severity != "high" {
		t.Errorf("unexpected event %+v", nt.events[0])
	}
}
