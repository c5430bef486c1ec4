package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitushen/modelprobe/internal/classify"
	"github.com/hitushen/modelprobe/internal/models"
	"github.com/hitushen/modelprobe/internal/probe"
	"github.com/hitushen/modelprobe/internal/realtime"
	"github.com/hitushen/modelprobe/internal/store"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "probe.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func ollamaServer(t *testing.T, tags string, tagsStatus int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		if tagsStatus != http.StatusOK {
			w.WriteHeader(tagsStatus)
			return
		}
		_, _ = w.Write([]byte(tags))
	})
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			System string `json:"system"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		text := "Hello there, this is a simple sentence for you."
		if req.System != "" {
			text = "Paris."
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"response": text})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func hostPort(t *testing.T, srv *httptest.Server) (string, int) {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, rawPort, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(rawPort)
	require.NoError(t, err)
	return host, port
}

func realProber() *probe.Prober {
	r := probe.NewResponder(nil)
	r.RetryDelay = time.Millisecond
	return probe.NewProber(r, classify.NewDetector(classify.DefaultTunables()), probe.Options{}, nil)
}

type fixture struct {
	st      *store.Store
	a, b, c *models.Endpoint
}

// newFixture 准备三个端点：A 正常，B 的 tags 返回 500，C 全部是 decoy 模型。
func newFixture(t *testing.T) fixture {
	t.Helper()
	st := newStore(t)
	ctx := context.Background()

	srvA := ollamaServer(t, `{"models":[{"name":"llama3:8b","size":4000},{"name":"phi3","size":2000}]}`, http.StatusOK)
	srvB := ollamaServer(t, "", http.StatusInternalServerError)
	srvC := ollamaServer(t, `{"models":[{"name":"deepseek-r1:7b","size":1},{"name":"deepseek-r1:14b","size":2}]}`, http.StatusOK)

	add := func(srv *httptest.Server) *models.Endpoint {
		host, port := hostPort(t, srv)
		ep, err := st.AddCandidate(ctx, host, port)
		require.NoError(t, err)
		return ep
	}
	return fixture{st: st, a: add(srvA), b: add(srvB), c: add(srvC)}
}

func (f fixture) get(t *testing.T, ep *models.Endpoint) *models.Endpoint {
	t.Helper()
	got, err := f.st.GetEndpoint(context.Background(), ep.ID)
	require.NoError(t, err)
	return got
}

func fastOptions() Options {
	return Options{BatchPause: -1}
}

func TestRunVerificationPassNormal(t *testing.T) {
	f := newFixture(t)
	m := NewManager(f.st, realProber(), fastOptions())

	summary, err := m.RunVerificationPass(context.Background(), RunOptions{BatchSize: 2, Workers: 2, Mode: models.ModeNormal})
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 3, summary.Checked)
	assert.Equal(t, 1, summary.Verified)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Honeypots)
	assert.Equal(t, 2, summary.Invalidated)
	assert.Equal(t, 0, summary.Errors)

	a, b, c := f.get(t, f.a), f.get(t, f.b), f.get(t, f.c)
	assert.Equal(t, models.Verified, a.Verified)
	assert.True(t, a.Eligible())
	assert.Equal(t, models.Invalid, b.Verified)
	assert.True(t, b.IsActive, "an HTTP error is not unreachability")
	assert.True(t, c.IsHoneypot)
	assert.Contains(t, c.HoneypotReason, "deepseek")
	assert.Equal(t, models.Invalid, c.Verified)

	modelsA, err := f.st.ListModels(context.Background(), f.a.ID)
	require.NoError(t, err)
	assert.Len(t, modelsA, 2)

	history, err := f.st.ListVerifications(context.Background(), f.c.ID, 5)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.ProbeHoneypot, history[0].Status)

	end, err := f.st.GetMetadata(context.Background(), metaLastRunEnd)
	require.NoError(t, err)
	assert.NotEmpty(t, end)
}

func TestRunVerificationPassIdempotent(t *testing.T) {
	f := newFixture(t)
	m := NewManager(f.st, realProber(), fastOptions())
	ctx := context.Background()

	_, err := m.RunVerificationPass(ctx, RunOptions{})
	require.NoError(t, err)
	first := []*models.Endpoint{f.get(t, f.a), f.get(t, f.b), f.get(t, f.c)}

	_, err = m.RunVerificationPass(ctx, RunOptions{})
	require.NoError(t, err)
	second := []*models.Endpoint{f.get(t, f.a), f.get(t, f.b), f.get(t, f.c)}

	for i := range first {
		assert.Equal(t, first[i].Verified, second[i].Verified)
		assert.Equal(t, first[i].IsHoneypot, second[i].IsHoneypot)
		assert.Equal(t, first[i].IsActive, second[i].IsActive)
	}
}

func TestRunVerificationPassNoRemove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.st.SetVerified(ctx, f.b.ID, models.Verified, time.Now()))
	before := []*models.Endpoint{f.get(t, f.a), f.get(t, f.b), f.get(t, f.c)}

	m := NewManager(f.st, realProber(), fastOptions())
	summary, err := m.RunVerificationPass(ctx, RunOptions{Mode: models.ModeNoRemove})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Verified)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Honeypots)
	assert.Equal(t, 0, summary.Invalidated)

	after := []*models.Endpoint{f.get(t, f.a), f.get(t, f.b), f.get(t, f.c)}
	for i := range before {
		assert.Equal(t, before[i].Verified, after[i].Verified)
		assert.Equal(t, before[i].IsHoneypot, after[i].IsHoneypot)
		assert.Equal(t, before[i].IsActive, after[i].IsActive)
	}
	history, err := f.st.ListVerifications(ctx, f.a.ID, 5)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestRunVerificationPassVerifyOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.st.SetVerified(ctx, f.b.ID, models.Verified, time.Now()))
	require.NoError(t, f.st.SetVerified(ctx, f.c.ID, models.Verified, time.Now()))

	m := NewManager(f.st, realProber(), fastOptions())
	summary, err := m.RunVerificationPass(ctx, RunOptions{Mode: models.ModeVerifyOnly})
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Invalidated)

	a, b, c := f.get(t, f.a), f.get(t, f.b), f.get(t, f.c)
	assert.Equal(t, models.Verified, a.Verified)
	assert.Equal(t, models.Verified, b.Verified, "verify-only never demotes")
	assert.Equal(t, models.Verified, c.Verified)
	assert.True(t, c.IsHoneypot, "honeypot flag is still recorded")
	assert.False(t, c.Eligible())
}

func TestHoneypotFlagIsSticky(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.st.SetHoneypot(ctx, f.a.ID, "flagged earlier"))

	m := NewManager(f.st, realProber(), fastOptions())
	_, err := m.RunVerificationPass(ctx, RunOptions{})
	require.NoError(t, err)

	a := f.get(t, f.a)
	assert.Equal(t, models.Verified, a.Verified)
	assert.True(t, a.IsHoneypot)
	assert.False(t, a.Eligible())

	res, err := m.Reinstate(ctx, f.a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProbeSuccess, res.Status)
	assert.True(t, f.get(t, f.a).Eligible())

	res, err = m.Reinstate(ctx, f.c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProbeHoneypot, res.Status)
	assert.True(t, f.get(t, f.c).IsHoneypot)
}

func TestUnreachableEndpointIsDeactivated(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	srv := httptest.NewServer(http.NotFoundHandler())
	host, port := hostPort(t, srv)
	srv.Close()

	ep, err := st.AddCandidate(ctx, host, port)
	require.NoError(t, err)
	require.NoError(t, st.SetVerified(ctx, ep.ID, models.Verified, time.Now()))

	m := NewManager(st, realProber(), fastOptions())
	summary, err := m.RunVerificationPass(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Invalidated)

	got, err := st.GetEndpoint(ctx, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, models.Invalid, got.Verified)
	assert.False(t, got.IsActive)
	assert.Contains(t, got.InactiveReason, "connection error")
}

type scriptedProber struct {
	mu     sync.Mutex
	calls  int
	active int32
	peak   int32
	delay  time.Duration
	fn     func(ep models.Endpoint) models.ProbeResult
}

func (p *scriptedProber) Probe(ctx context.Context, ep models.Endpoint) models.ProbeResult {
	n := atomic.AddInt32(&p.active, 1)
	defer atomic.AddInt32(&p.active, -1)
	for {
		peak := atomic.LoadInt32(&p.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&p.peak, peak, n) {
			break
		}
	}
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	return p.fn(ep)
}

func TestWorkerPoolIsBounded(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		_, err := st.AddCandidate(ctx, "10.0.0."+strconv.Itoa(i), 11434)
		require.NoError(t, err)
	}
	p := &scriptedProber{delay: 10 * time.Millisecond, fn: func(ep models.Endpoint) models.ProbeResult {
		return models.ProbeResult{Endpoint: ep, Status: models.ProbeSuccess}
	}}

	m := NewManager(st, p, fastOptions())
	summary, err := m.RunVerificationPass(ctx, RunOptions{BatchSize: 5, Workers: 3, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 10, summary.Total)
	assert.Equal(t, 10, summary.Checked)
	assert.Equal(t, 10, p.calls)
	assert.LessOrEqual(t, atomic.LoadInt32(&p.peak), int32(3))
}

func TestProbePanicIsCounted(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	good, err := st.AddCandidate(ctx, "good", 1)
	require.NoError(t, err)
	bad, err := st.AddCandidate(ctx, "bad", 1)
	require.NoError(t, err)

	p := &scriptedProber{fn: func(ep models.Endpoint) models.ProbeResult {
		if ep.Host == "bad" {
			panic("boom")
		}
		return models.ProbeResult{Endpoint: ep, Status: models.ProbeSuccess}
	}}
	m := NewManager(st, p, fastOptions())
	summary, err := m.RunVerificationPass(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Checked)
	assert.Equal(t, 1, summary.Verified)
	assert.Equal(t, 1, summary.Errors)

	got, err := st.GetEndpoint(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, models.Unverified, got.Verified)
	assert.False(t, got.IsHoneypot)
	got, err = st.GetEndpoint(ctx, good.ID)
	require.NoError(t, err)
	assert.Equal(t, models.Verified, got.Verified)
}

type failingStore struct {
	*store.Store
}

func (f failingStore) SetVerified(ctx context.Context, id int64, state models.VerificationState, at time.Time) error {
	if state == models.Invalid {
		return errors.New("disk full")
	}
	return f.Store.SetVerified(ctx, id, state, at)
}

func TestPersistenceErrorsAreIsolated(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	for _, h := range []string{"a", "b", "c"} {
		_, err := st.AddCandidate(ctx, h, 1)
		require.NoError(t, err)
	}
	p := &scriptedProber{fn: func(ep models.Endpoint) models.ProbeResult {
		if ep.Host == "b" {
			return models.ProbeResult{Endpoint: ep, Status: models.ProbeFailed, ShouldInvalidate: true, Reason: "no models available"}
		}
		return models.ProbeResult{Endpoint: ep, Status: models.ProbeSuccess}
	}}

	m := NewManager(failingStore{st}, p, fastOptions())
	summary, err := m.RunVerificationPass(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Checked)
	assert.Equal(t, 2, summary.Verified)
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, 0, summary.Invalidated)
}

func TestCancelledRunStopsAtBatchBoundary(t *testing.T) {
	st := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < 6; i++ {
		_, err := st.AddCandidate(context.Background(), "h"+strconv.Itoa(i), 1)
		require.NoError(t, err)
	}
	p := &scriptedProber{fn: func(ep models.Endpoint) models.ProbeResult {
		cancel()
		return models.ProbeResult{Endpoint: ep, Status: models.ProbeFailed, ShouldInvalidate: false, Reason: "probe cancelled"}
	}}

	m := NewManager(st, p, Options{BatchPause: time.Hour})
	summary, err := m.RunVerificationPass(ctx, RunOptions{BatchSize: 2, Workers: 1})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 6, summary.Total)
	assert.Equal(t, 2, summary.Checked)
	assert.Equal(t, 0, summary.Invalidated)

	list, _, err := st.ListEndpoints(context.Background(), &store.EndpointQuery{State: "invalid"})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestConcurrentPassIsRejected(t *testing.T) {
	st := newStore(t)
	_, err := st.AddCandidate(context.Background(), "slow", 1)
	require.NoError(t, err)

	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	p := &scriptedProber{fn: func(ep models.Endpoint) models.ProbeResult {
		once.Do(func() { close(started) })
		<-release
		return models.ProbeResult{Endpoint: ep, Status: models.ProbeSuccess}
	}}
	m := NewManager(st, p, fastOptions())

	done := make(chan error, 1)
	go func() {
		_, err := m.RunVerificationPass(context.Background(), RunOptions{})
		done <- err
	}()
	<-started
	assert.True(t, m.Running())
	progress, ok := m.Progress()
	assert.True(t, ok)
	assert.Equal(t, 1, progress.Total)

	_, err = m.RunVerificationPass(context.Background(), RunOptions{})
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.False(t, m.TriggerPass(RunOptions{}))

	close(release)
	require.NoError(t, <-done)
	assert.False(t, m.Running())
	m.Close()
}

func TestRecheckOneCreatesEndpoint(t *testing.T) {
	st := newStore(t)
	srv := ollamaServer(t, `{"models":[{"name":"llama3:8b","size":4000}]}`, http.StatusOK)
	host, port := hostPort(t, srv)

	broker := realtime.NewBroker()
	events, cleanup := broker.Subscribe()
	defer cleanup()

	m := NewManager(st, realProber(), Options{BatchPause: -1, Broker: broker})
	res, err := m.RecheckOne(context.Background(), host, port)
	require.NoError(t, err)
	assert.Equal(t, models.ProbeSuccess, res.Status)

	ep, err := st.FindEndpoint(context.Background(), host, port)
	require.NoError(t, err)
	assert.True(t, ep.Eligible())

	var evt realtime.Event
	require.NoError(t, json.Unmarshal(<-events, &evt))
	assert.Equal(t, realtime.EventEndpointProbe, evt.Type)
	assert.Equal(t, ep.ID, evt.EndpointID)
}

type fakeScanner struct {
	open map[string]map[int]struct{}
	err  map[string]error
}

func (f fakeScanner) OpenPorts(_ context.Context, host string, _ []int) (map[int]struct{}, error) {
	if err := f.err[host]; err != nil {
		return nil, err
	}
	return f.open[host], nil
}

func TestSweepLiveness(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	up, err := st.AddCandidate(ctx, "10.0.0.1", 11434)
	require.NoError(t, err)
	down, err := st.AddCandidate(ctx, "10.0.0.1", 8080)
	require.NoError(t, err)
	broken, err := st.AddCandidate(ctx, "10.0.0.2", 11434)
	require.NoError(t, err)
	require.NoError(t, st.SetActive(ctx, up.ID, false, "old", time.Now()))

	scanner := fakeScanner{
		open: map[string]map[int]struct{}{"10.0.0.1": {11434: {}}},
		err:  map[string]error{"10.0.0.2": errors.New("scan failed")},
	}

	m := NewManager(st, realProber(), Options{BatchPause: -1, Scanner: scanner})
	summary, err := m.SweepLiveness(ctx, models.ModeNoRemove)
	require.NoError(t, err)
	assert.Equal(t, SweepSummary{Hosts: 2, Checked: 2, Active: 1, Inactive: 1, Errors: 1}, summary)
	got, _ := st.GetEndpoint(ctx, up.ID)
	assert.False(t, got.IsActive, "no-remove leaves liveness untouched")

	_, err = m.SweepLiveness(ctx, models.ModeNormal)
	require.NoError(t, err)
	got, _ = st.GetEndpoint(ctx, up.ID)
	assert.True(t, got.IsActive)
	got, _ = st.GetEndpoint(ctx, down.ID)
	assert.False(t, got.IsActive)
	assert.Equal(t, inactiveByScan, got.InactiveReason)
	got, _ = st.GetEndpoint(ctx, broken.ID)
	assert.True(t, got.IsActive)

	noScanner := NewManager(st, realProber(), fastOptions())
	_, err = noScanner.SweepLiveness(ctx, models.ModeNormal)
	assert.Error(t, err)
}

func TestBatchStatsConcurrentRecord(t *testing.T) {
	stats := NewBatchStats(100)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := models.ProbeSuccess
			if i%2 == 0 {
				status = models.ProbeFailed
			}
			stats.Record(models.ProbeResult{Status: status})
		}(i)
	}
	wg.Wait()
	snap := stats.Snapshot()
	assert.Equal(t, 100, snap.Checked)
	assert.Equal(t, 50, snap.Verified)
	assert.Equal(t, 50, snap.Failed)
}
