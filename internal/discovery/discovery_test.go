package discovery_test

import (
	"context"
	"net"
	"path"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/kiranshivaraju/jobqueue/internal/cache"
	"github.com/kiranshivaraju/jobqueue/internal/config"
	"github.com/kiranshivaraju/jobqueue/internal/discovery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock Cache ---

type mockCache struct {
	mu   sync.Mutex
	data map[string][]byte
	ttls map[string]time.Duration
	sets int
}

func newMockCache() *mockCache {
	return &mockCache{data: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (m *mockCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	m.ttls[key] = ttl
	m.sets++
	return nil
}

func (m *mockCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mockCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *mockCache) Ping(_ context.Context) error { return nil }

func (m *mockCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 0, nil
}

func (m *mockCache) Scan(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.data {
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *mockCache) setCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sets
}

var testDiscovery = config.DiscoveryConfig{Namespace: "_serval_queue._tcp.local.", TTL: 30 * time.Second}

// ========================================
// Advertiser
// ========================================

func TestRegister_WritesRecordWithTTL(t *testing.T) {
	mc := newMockCache()
	adv := discovery.NewAdvertiser(mc, testDiscovery, discovery.Endpoint{Host: "10.0.0.5", Port: 1717})

	require.NoError(t, adv.Register(context.Background()))

	key := cache.ServiceKey(testDiscovery.Namespace, "10.0.0.5-1717")
	_, ok, _ := mc.Get(context.Background(), key)
	assert.True(t, ok)
	assert.Equal(t, 30*time.Second, mc.ttls[key])
}

func TestRun_RefreshesAndDeregisters(t *testing.T) {
	mc := newMockCache()
	cfg := config.DiscoveryConfig{Namespace: "ns", TTL: 30 * time.Millisecond}
	adv := discovery.NewAdvertiser(mc, cfg, discovery.Endpoint{Instance: "q1", Host: "h", Port: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- adv.Run(ctx) }()

	assert.Eventually(t, func() bool { return mc.setCount() >= 3 }, 2*time.Second, 5*time.Millisecond)

	eps, err := discovery.Discover(context.Background(), mc, "ns")
	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.Equal(t, "h:1", eps[0].Addr())

	cancel()
	require.NoError(t, <-done)

	eps, err = discovery.Discover(context.Background(), mc, "ns")
	require.NoError(t, err)
	assert.Empty(t, eps)
}

// ========================================
// Discover
// ========================================

func TestDiscover_FiltersNamespaceAndSorts(t *testing.T) {
	mc := newMockCache()
	ctx := context.Background()

	for _, inst := range []string{"b", "a"} {
		adv := discovery.NewAdvertiser(mc, config.DiscoveryConfig{Namespace: "ns1", TTL: time.Minute},
			discovery.Endpoint{Instance: inst, Host: "host-" + inst, Port: 1717})
		require.NoError(t, adv.Register(ctx))
	}
	other := discovery.NewAdvertiser(mc, config.DiscoveryConfig{Namespace: "ns2", TTL: time.Minute},
		discovery.Endpoint{Instance: "c", Host: "host-c", Port: 1717})
	require.NoError(t, other.Register(ctx))

	eps, err := discovery.Discover(ctx, mc, "ns1")
	require.NoError(t, err)
	require.Len(t, eps, 2)
	assert.Equal(t, "a", eps[0].Instance)
	assert.Equal(t, "b", eps[1].Instance)
}

func TestDiscover_SkipsMalformedRecords(t *testing.T) {
	mc := newMockCache()
	ctx := context.Background()
	require.NoError(t, mc.Set(ctx, cache.ServiceKey("ns", "bad"), []byte("not json"), time.Minute))

	eps, err := discovery.Discover(ctx, mc, "ns")
	require.NoError(t, err)
	assert.Empty(t, eps)
}

// ========================================
// Ports
// ========================================

func TestFindNearestPort_SkipsBoundPort(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()
	base := taken.Addr().(*net.TCPAddr).Port

	port, err := discovery.FindNearestPort("127.0.0.1", base)
	require.NoError(t, err)
	assert.Greater(t, port, base)
}

func TestListenNearest_ReturnsBoundListener(t *testing.T) {
	ln, err := discovery.ListenNearest("127.0.0.1", 0)
	require.NoError(t, err)
	defer ln.Close()

	_, err = net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)))
	assert.Error(t, err, "port must stay bound by the returned listener")
}

func TestListenNearest_OutOfRange(t *testing.T) {
	_, err := discovery.ListenNearest("127.0.0.1", 70000)
	assert.Error(t, err)
}
