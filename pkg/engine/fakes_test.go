package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// memLedger is an in-memory Ledger with the same semantics as the SQL store.
type memLedger struct {
	mu        sync.Mutex
	records   map[string]*Instance
	insertErr error
	findErr   error
}

func newMemLedger() *memLedger {
	return &memLedger{records: make(map[string]*Instance)}
}

func cloneInstance(i *Instance) *Instance {
	c := *i
	if i.ExpiresAt != nil {
		t := *i.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

func (m *memLedger) Insert(ctx context.Context, inst *Instance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	for _, r := range m.records {
		if r.InstanceID == inst.InstanceID || r.HeartbeatID == inst.HeartbeatID {
			return errors.New("duplicate instance")
		}
	}
	m.records[inst.InstanceID] = cloneInstance(inst)
	return nil
}

func (m *memLedger) FindByInstanceID(_ context.Context, instanceID string) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	r, ok := m.records[instanceID]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return cloneInstance(r), nil
}

func (m *memLedger) FindByHeartbeatID(_ context.Context, heartbeatID string) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	for _, r := range m.records {
		if r.HeartbeatID == heartbeatID {
			return cloneInstance(r), nil
		}
	}
	return nil, ErrInstanceNotFound
}

func (m *memLedger) filter(keep func(*Instance) bool) []*Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Instance
	for _, r := range m.records {
		if keep(r) {
			out = append(out, cloneInstance(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out
}

func (m *memLedger) FindStale(_ context.Context, cutoff time.Time) ([]*Instance, error) {
	return m.filter(func(r *Instance) bool { return r.Active && r.LastHeartbeat.Before(cutoff) }), nil
}

func (m *memLedger) FindExpired(_ context.Context, now time.Time) ([]*Instance, error) {
	return m.filter(func(r *Instance) bool { return r.Active && r.ExpiresAt != nil && r.ExpiresAt.Before(now) }), nil
}

func (m *memLedger) FindActive(_ context.Context) ([]*Instance, error) {
	return m.filter(func(r *Instance) bool { return r.Active }), nil
}

func (m *memLedger) TouchHeartbeat(_ context.Context, heartbeatID string, at time.Time, backfill *time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.HeartbeatID != heartbeatID || !r.Active {
			continue
		}
		if at.After(r.LastHeartbeat) {
			r.LastHeartbeat = at
		}
		if r.ExpiresAt == nil && backfill != nil {
			t := *backfill
			r.ExpiresAt = &t
		}
		return true, nil
	}
	return false, nil
}

func (m *memLedger) MarkInactive(_ context.Context, instanceID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[instanceID]
	if !ok || !r.Active {
		return false, nil
	}
	r.Active = false
	return true, nil
}

func (m *memLedger) put(inst *Instance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[inst.InstanceID] = cloneInstance(inst)
}

func (m *memLedger) get(instanceID string) *Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[instanceID]
	if !ok {
		return nil
	}
	return cloneInstance(r)
}

func (m *memLedger) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// callLog records the order in which collaborators were invoked.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (c *callLog) add(call string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.calls = append(c.calls, call)
	c.mu.Unlock()
}

func (c *callLog) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.calls, ",")
}

type fakeExecutor struct {
	mu           sync.Mutex
	log          *callLog
	provisionErr error
	terminateErr error
	nextID       int
	provisioned  []HeartbeatIdentity
	credentials  []string
	terminated   []string
	delay        time.Duration
	// onProvision runs after a successful launch, before Provision returns.
	onProvision func()
	// honourCtx fails Terminate when its context is already done.
	honourCtx bool
}

func (f *fakeExecutor) Provision(_ context.Context, req LaunchRequest, credential string, hb HeartbeatIdentity) (string, error) {
	f.log.add("provision")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.provisionErr != nil {
		return "", f.provisionErr
	}
	f.nextID++
	f.provisioned = append(f.provisioned, hb)
	f.credentials = append(f.credentials, credential)
	if f.onProvision != nil {
		f.onProvision()
	}
	return fmt.Sprintf("i-%03d", f.nextID), nil
}

func (f *fakeExecutor) Terminate(ctx context.Context, provider ProviderName, instanceID, credential string) error {
	f.log.add("terminate")
	if f.honourCtx && ctx.Err() != nil {
		return ctx.Err()
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.terminateErr != nil {
		return f.terminateErr
	}
	f.terminated = append(f.terminated, instanceID)
	f.credentials = append(f.credentials, credential)
	return nil
}

func (f *fakeExecutor) setTerminateErr(err error) {
	f.mu.Lock()
	f.terminateErr = err
	f.mu.Unlock()
}

func (f *fakeExecutor) terminatedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.terminated...)
}

type fakeVerifier struct {
	log *callLog
	ok  bool
}

func (f *fakeVerifier) Verify(context.Context, LaunchRequest, string) bool {
	f.log.add("verify")
	return f.ok
}

// fakeSealer "seals" by prefixing. Anything else fails to open.
type fakeSealer struct {
	encryptErr error
}

func (f *fakeSealer) Encrypt(plaintext string) (string, error) {
	if f.encryptErr != nil {
		return "", f.encryptErr
	}
	return "sealed:" + plaintext, nil
}

func (f *fakeSealer) Decrypt(sealed string) (string, error) {
	if !strings.HasPrefix(sealed, "sealed:") {
		return "", errors.New("VAULT_ACCESS_DENIED")
	}
	return strings.TrimPrefix(sealed, "sealed:"), nil
}

// fakePolicy applies the EU prefix rule plus any extra violations.
type fakePolicy struct {
	log   *callLog
	extra []PolicyViolation
	err   error
}

func (f *fakePolicy) EvaluateLaunch(_ context.Context, req LaunchRequest) (*PolicyDecision, error) {
	f.log.add("policy")
	if f.err != nil {
		return nil, f.err
	}
	decision := &PolicyDecision{Allowed: true}
	isEU := func(r string) bool { return strings.HasPrefix(strings.ToLower(r), "eu-") }
	if req.SourceRegion != "" && isEU(req.SourceRegion) != isEU(req.Region) {
		decision.Allowed = false
		decision.Violations = append(decision.Violations, PolicyViolation{Policy: "sovereignty", Code: ErrCodeSovereignty, Message: "EU boundary"})
	}
	if len(f.extra) > 0 {
		decision.Allowed = false
		decision.Violations = append(decision.Violations, f.extra...)
	}
	return decision, nil
}

type fakeLimiter struct {
	log     *callLog
	allowed bool
	err     error
}

func (f *fakeLimiter) Allow(context.Context, string) (bool, error) {
	f.log.add("fuse")
	return f.allowed, f.err
}

type fakePrices struct {
	log   *callLog
	price float64
	err   error
}

func (f *fakePrices) TargetPrice(context.Context, ProviderName, string) (float64, error) {
	f.log.add("price")
	return f.price, f.err
}

func fixedIdentity() IdentityMinter {
	n := 0
	var mu sync.Mutex
	return func() (HeartbeatIdentity, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		return HeartbeatIdentity{
			ID:        fmt.Sprintf("hb-%d", n),
			Token:     fmt.Sprintf("token-%d", n),
			TokenHash: fmt.Sprintf("hash-%d", n),
		}, nil
	}
}

func fixedClock(t time.Time) Clock {
	return func() time.Time { return t }
}
