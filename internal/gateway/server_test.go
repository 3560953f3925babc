package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/bookline/concierge/internal/bus"
	"github.com/bookline/concierge/internal/config"
	httpapi "github.com/bookline/concierge/internal/http"
	"github.com/bookline/concierge/internal/recovery"
	"github.com/bookline/concierge/internal/store"
	"github.com/bookline/concierge/internal/store/sqlite"
)

// inboundSink accepts webhook events without processing them.
type inboundSink struct{}

func (inboundSink) HandleInbound(ctx context.Context, ev bus.InboundEvent) error { return nil }

// noopTrigger satisfies the sweeper without a dispatcher.
type noopTrigger struct{}

func (noopTrigger) Trigger(ctx context.Context, customerID string) {}

// startGateway brings up a full server on a loopback port backed by a
// throwaway sqlite database and returns its base URL and stores.
func startGateway(t *testing.T) (string, *store.Stores) {
	t.Helper()

	stores, err := sqlite.NewSQLiteStores(store.Config{
		SQLitePath: filepath.Join(t.TempDir(), "gateway.db"),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { stores.Close() })

	sweeper, err := recovery.NewSweeper(stores, noopTrigger{}, 5*time.Minute, 10*time.Minute, "*/5 * * * *")
	if err != nil {
		t.Fatalf("sweeper: %v", err)
	}

	webhook := httpapi.NewWebhookHandler(inboundSink{}, "handshake-token", "secret", httpapi.NewSenderRateLimiter(60))
	ops := httpapi.NewOpsHandler(stores.Locks, sweeper)
	srv := NewServer(config.Default(), webhook, ops)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	addr, start := StartTestServer(srv, ctx)
	go start()

	return "http://" + addr, stores
}

func getBody(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, body
}

func TestServerWebhookHandshake(t *testing.T) {
	base, _ := startGateway(t)

	url := base + "/webhook?hub.mode=subscribe&hub.verify_token=handshake-token&hub.challenge=777"
	status, body := getBody(t, url)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if string(body) != "777" {
		t.Errorf("challenge echo = %q, want %q", body, "777")
	}

	// A wrong token is rejected without echoing the challenge.
	url = base + "/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=777"
	status, _ = getBody(t, url)
	if status != http.StatusForbidden {
		t.Errorf("status with wrong token = %d, want 403", status)
	}
}

func TestServerOpsEndpoints(t *testing.T) {
	base, stores := startGateway(t)
	ctx := context.Background()

	if status, _ := getBody(t, base+"/healthz"); status != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", status)
	}

	if ok, err := stores.Locks.TryAcquire(ctx, "alice", "worker-1"); err != nil || !ok {
		t.Fatalf("TryAcquire = %v, %v", ok, err)
	}

	status, body := getBody(t, base+"/ops/locks")
	if status != http.StatusOK {
		t.Fatalf("ops/locks status = %d, want 200", status)
	}
	var got struct {
		Count int                    `json:"count"`
		Locks []store.ProcessingLock `json:"locks"`
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode %s: %v", body, err)
	}
	if got.Count != 1 || len(got.Locks) != 1 {
		t.Fatalf("got %d locks, want 1: %s", got.Count, body)
	}
	if got.Locks[0].CustomerID != "alice" || got.Locks[0].OwnerID != "worker-1" {
		t.Errorf("lock = %+v, want alice held by worker-1", got.Locks[0])
	}
}

func TestServerServesMetrics(t *testing.T) {
	base, _ := startGateway(t)

	status, body := getBody(t, base+"/metrics")
	if status != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", status)
	}
	if len(body) == 0 {
		t.Error("metrics body is empty")
	}
}
