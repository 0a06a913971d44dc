package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/SiriusScan/go-fleet/fleet"
	"github.com/SiriusScan/go-fleet/fleet/notify"
	"github.com/SiriusScan/go-fleet/fleet/remote"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type hostStore struct {
	mu      sync.Mutex
	hosts   []fleet.Host
	updates map[uint][]fleet.HostStatus
	listErr error
}

func (s *hostStore) ListHosts(context.Context) ([]fleet.Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	return append([]fleet.Host(nil), s.hosts...), nil
}

func (s *hostStore) UpdateHostStatus(_ context.Context, id uint, st fleet.HostStatus, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updates == nil {
		s.updates = map[uint][]fleet.HostStatus{}
	}
	s.updates[id] = append(s.updates[id], st)
	return nil
}

// scriptedProber returns the next scripted result per host, repeating the last.
type scriptedProber struct {
	mu     sync.Mutex
	script map[uint][]remote.ProbeResult
	calls  int
}

func (p *scriptedProber) Probe(_ context.Context, h fleet.Host) remote.ProbeResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	seq := p.script[h.ID]
	res := seq[0]
	if len(seq) > 1 {
		p.script[h.ID] = seq[1:]
	}
	res.CheckedAt = time.Now().UTC()
	return res
}

type recorder struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recorder) Notify(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

// slowProber blocks until release is closed, failing like a killed session
// if its context ends first.
type slowProber struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *slowProber) Probe(ctx context.Context, _ fleet.Host) remote.ProbeResult {
	p.once.Do(func() { close(p.started) })
	select {
	case <-p.release:
		return remote.ProbeResult{Online: true, CheckedAt: time.Now().UTC()}
	case <-ctx.Done():
		return remote.ProbeResult{Kind: remote.KindConnection, Err: ctx.Err().Error(), CheckedAt: time.Now().UTC()}
	}
}

var (
	online  = remote.ProbeResult{Online: true}
	offline = remote.ProbeResult{Kind: remote.KindConnection, Err: "refused"}
)

func TestSnapshotObserve(t *testing.T) {
	s := NewSnapshot()
	_, changed := s.Observe(1, fleet.HostOnline)
	assert.False(t, changed, "first observation is not a change")

	_, changed = s.Observe(1, fleet.HostOnline)
	assert.False(t, changed)

	prev, changed := s.Observe(1, fleet.HostOffline)
	assert.True(t, changed)
	assert.Equal(t, fleet.HostOnline, prev)

	s.Observe(2, fleet.HostOffline)
	assert.Equal(t, map[fleet.HostStatus]int{fleet.HostOffline: 2}, s.Summary())

	s.Forget(2)
	_, ok := s.Get(2)
	assert.False(t, ok)
}

func TestCheckAllNotifiesOnlyOnChange(t *testing.T) {
	ctx := context.Background()
	hosts := &hostStore{hosts: []fleet.Host{{ID: 1, Name: "edge"}}}
	prober := &scriptedProber{script: map[uint][]remote.ProbeResult{1: {offline, offline, online}}}
	rec := &recorder{}
	m := NewMonitor(hosts, prober, rec, Config{})

	for range 3 {
		_, err := m.CheckAll(ctx)
		require.NoError(t, err)
	}

	assert.Equal(t, []fleet.HostStatus{fleet.HostOffline, fleet.HostOffline, fleet.HostOnline}, hosts.updates[1])
	require.Len(t, rec.sent, 1)
	assert.Equal(t, "host_status_changed", rec.sent[0].Type)
	assert.Equal(t, "offline", rec.sent[0].Metadata["previous"])
	assert.Equal(t, "online", rec.sent[0].Metadata["current"])
}

func TestCheckAllStatusMapping(t *testing.T) {
	hosts := &hostStore{hosts: []fleet.Host{{ID: 1}, {ID: 2}, {ID: 3}, {ID: 4}}}
	prober := &scriptedProber{script: map[uint][]remote.ProbeResult{
		1: {online},
		2: {offline},
		3: {{Kind: remote.KindAuth, Err: "denied"}},
		4: {{Kind: remote.KindTimeout}},
	}}
	m := NewMonitor(hosts, prober, nil, Config{MaxWorkers: 2})

	checks, err := m.CheckAll(context.Background())
	require.NoError(t, err)
	require.Len(t, checks, 4)
	assert.Equal(t, fleet.HostOnline, checks[0].Status)
	assert.Equal(t, fleet.HostOffline, checks[1].Status)
	assert.Equal(t, fleet.HostError, checks[2].Status)
	assert.Equal(t, fleet.HostOffline, checks[3].Status)
	assert.Equal(t, map[fleet.HostStatus]int{fleet.HostOnline: 1, fleet.HostOffline: 2, fleet.HostError: 1}, m.Summary())
}

func TestHeartbeat(t *testing.T) {
	ctx := context.Background()
	hosts := &hostStore{hosts: []fleet.Host{{ID: 1}}}
	rec := &recorder{}
	m := NewMonitor(hosts, &scriptedProber{script: map[uint][]remote.ProbeResult{1: {offline}}}, rec, Config{})

	_, err := m.CheckAll(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Heartbeat(ctx, fleet.Host{ID: 1}, time.Now()))

	st, ok := m.Status(1)
	assert.True(t, ok)
	assert.Equal(t, fleet.HostOnline, st)
	assert.Len(t, rec.sent, 1)
}

func TestStartStop(t *testing.T) {
	hosts := &hostStore{hosts: []fleet.Host{{ID: 1}}}
	prober := &scriptedProber{script: map[uint][]remote.ProbeResult{1: {online}}}
	m := NewMonitor(hosts, prober, nil, Config{Interval: 10 * time.Millisecond})

	m.Start(context.Background())
	m.Start(context.Background())
	require.Eventually(t, func() bool {
		prober.mu.Lock()
		defer prober.mu.Unlock()
		return prober.calls >= 3
	}, 2*time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
	m.Stop()
}

func TestStopLetsRunningProbesFinish(t *testing.T) {
	hosts := &hostStore{hosts: []fleet.Host{{ID: 1}}}
	prober := &slowProber{started: make(chan struct{}), release: make(chan struct{})}
	rec := &recorder{}
	m := NewMonitor(hosts, prober, rec, Config{Interval: time.Hour})
	m.snapshot.Observe(1, fleet.HostOnline)

	m.Start(context.Background())
	<-prober.started

	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned before the running cycle finished")
	case <-time.After(50 * time.Millisecond):
	}
	close(prober.release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}

	assert.Equal(t, []fleet.HostStatus{fleet.HostOnline}, hosts.updates[1])
	assert.Equal(t, map[fleet.HostStatus]int{fleet.HostOnline: 1}, m.Summary())
	assert.Empty(t, rec.sent)
}

func TestForget(t *testing.T) {
	m := NewMonitor(&hostStore{}, &scriptedProber{}, nil, Config{})
	require.NoError(t, m.Heartbeat(context.Background(), fleet.Host{ID: 4}, time.Now()))
	m.Forget(4)
	_, ok := m.Status(4)
	assert.False(t, ok)
	assert.Empty(t, m.Summary())
}

func TestRunBacksOffOnError(t *testing.T) {
	hosts := &hostStore{listErr: errors.New("db down")}
	m := NewMonitor(hosts, &scriptedProber{}, nil, Config{Interval: time.Millisecond, ErrorBackoff: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop while backing off")
	}
}
