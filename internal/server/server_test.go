package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"scribepool/internal/config"
	"scribepool/internal/db"
	"scribepool/internal/engine"
	"scribepool/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default()
	// Server tests run on the wall clock; the claim cooldown would force
	// sleeps, so it is off unless a test opts back in.
	cfg.Leases.ClaimCooldownSeconds = 0
	cfg.Auth.JWTSecret = testSecret
	if mutate != nil {
		mutate(cfg)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: AuthConfig{JWTSecret: cfg.Auth.JWTSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func signToken(t *testing.T, sub, role string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":  sub,
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func authHeader(t *testing.T, sub, role string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + signToken(t, sub, role)}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decodeInto(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/work", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeInto(t, data, &envelope)
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("error code = %q", envelope.Error.Code)
	}
}

func TestTranscriptionLifecycle(t *testing.T) {
	srv := newTestServer(t, nil)
	client := srv.Client()
	admin := authHeader(t, "admin-1", "admin")
	worker := authHeader(t, "worker-1", "worker")
	reviewer := authHeader(t, "reviewer-1", "reviewer")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/rate-plans", map[string]any{
		"rate_per_minute_cents": 120,
		"activate":              true,
	}, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create rate plan status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/items", map[string]any{
		"storage_ref":      "audio/ep1-part3.mp3",
		"duration_seconds": 90,
	}, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create item status %d: %s", res.StatusCode, string(data))
	}
	var item WorkItemResponse
	decodeInto(t, data, &item)

	// Workers cannot ingest items.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/items", map[string]any{
		"duration_seconds": 60,
	}, worker)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("worker ingest status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/claims", map[string]any{}, worker)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("claim status %d: %s", res.StatusCode, string(data))
	}
	var lease LeaseResponse
	decodeInto(t, data, &lease)
	if lease.WorkItemID != item.ID {
		t.Fatalf("claimed %s, want %s", lease.WorkItemID, item.ID)
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/leases/"+lease.ID+"/draft", map[string]any{
		"text": "partial",
	}, worker)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("draft status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/leases/"+lease.ID+"/submit", map[string]any{
		"text": "full transcript",
	}, worker)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var sub SubmissionResponse
	decodeInto(t, data, &sub)

	// Workers cannot see the review queue.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/reviews/pending", nil, worker)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("worker queue status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/reviews/pending", nil, reviewer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pending status %d: %s", res.StatusCode, string(data))
	}
	var pending []PendingReviewResponse
	decodeInto(t, data, &pending)
	if len(pending) != 1 || pending[0].Submission.ID != sub.ID {
		t.Fatalf("pending = %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/submissions/"+sub.ID+"/decision", map[string]any{
		"decision": "approved",
	}, reviewer)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("decide status %d: %s", res.StatusCode, string(data))
	}

	// 90s at 120 cents/min, rounded up to 2 minutes.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/workers/worker-1/balance", nil, worker)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("balance status %d: %s", res.StatusCode, string(data))
	}
	var balance BalanceResponse
	decodeInto(t, data, &balance)
	if balance.TotalEarningsCents != 240 {
		t.Fatalf("balance = %d, want 240", balance.TotalEarningsCents)
	}

	// A second decision on the same submission conflicts.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/submissions/"+sub.ID+"/decision", map[string]any{
		"decision": "rejected",
	}, reviewer)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("re-decide status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeInto(t, data, &envelope)
	if envelope.Error.Code != "already_reviewed" {
		t.Fatalf("error code = %q", envelope.Error.Code)
	}
}

func TestClaimCooldownEnvelope(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Leases.ClaimCooldownSeconds = 300
		cfg.Leases.MaxActiveLeases = 2
	})
	client := srv.Client()
	admin := authHeader(t, "admin-1", "admin")
	worker := authHeader(t, "worker-1", "worker")

	for i := 0; i < 2; i++ {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/items", map[string]any{
			"duration_seconds": 60,
		}, admin)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create item status %d: %s", res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/claims", map[string]any{}, worker)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("first claim status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/claims", map[string]any{}, worker)
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second claim status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	decodeInto(t, data, &envelope)
	if envelope.Error.Code != "cooldown" {
		t.Fatalf("error code = %q", envelope.Error.Code)
	}
	if _, ok := envelope.Error.Details["retry_after_seconds"]; !ok {
		t.Fatalf("details = %v, want retry_after_seconds", envelope.Error.Details)
	}
}

func TestNoCapacityEnvelope(t *testing.T) {
	srv := newTestServer(t, nil)
	client := srv.Client()
	admin := authHeader(t, "admin-1", "admin")
	worker := authHeader(t, "worker-1", "worker")

	for i := 0; i < 2; i++ {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/items", map[string]any{
			"duration_seconds": 60,
		}, admin)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create item status %d: %s", res.StatusCode, string(data))
		}
	}
	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/claims", map[string]any{}, worker); res.StatusCode != http.StatusCreated {
		t.Fatalf("first claim status %d: %s", res.StatusCode, string(data))
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/claims", map[string]any{}, worker)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second claim status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeInto(t, data, &envelope)
	if envelope.Error.Code != "no_capacity" {
		t.Fatalf("error code = %q", envelope.Error.Code)
	}
}

func TestWorkerCannotReadOtherLedger(t *testing.T) {
	srv := newTestServer(t, nil)
	client := srv.Client()
	worker := authHeader(t, "worker-1", "worker")

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/workers/worker-2/ledger", nil, worker)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	// Admin can.
	admin := authHeader(t, "admin-1", "admin")
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/workers/worker-2/ledger", nil, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin status %d: %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv := newTestServer(t, nil)
	client := srv.Client()
	admin := authHeader(t, "admin-1", "admin")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/keys", map[string]any{
		"actor_id": "worker-9",
		"role":     "worker",
		"name":     "ci",
	}, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key status %d: %s", res.StatusCode, string(data))
	}
	var key APIKeyResponse
	decodeInto(t, data, &key)
	if key.Key == "" {
		t.Fatal("create response missing plaintext key")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/work", nil, map[string]string{"X-Api-Key": key.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key request status %d: %s", res.StatusCode, string(data))
	}

	// Listing never returns the plaintext.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/keys", nil, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list keys status %d: %s", res.StatusCode, string(data))
	}
	var keys []APIKeyResponse
	decodeInto(t, data, &keys)
	if len(keys) != 1 || keys[0].Key != "" {
		t.Fatalf("keys = %s", string(data))
	}
}

func TestMaintenanceEndpointsAdminOnly(t *testing.T) {
	srv := newTestServer(t, nil)
	client := srv.Client()
	worker := authHeader(t, "worker-1", "worker")
	admin := authHeader(t, "admin-1", "admin")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/maintenance/reconcile-statuses", nil, worker)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("worker reconcile status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/maintenance/reconcile-statuses", nil, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin reconcile status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/maintenance/sweep-leases", nil, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sweep status %d: %s", res.StatusCode, string(data))
	}
}
