package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, maxRetries int) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	clnt := New(srv.URL, maxRetries, WithBaseDelay(time.Millisecond))
	return clnt, srv
}

func TestInvokeSuccess(t *testing.T) {
	clnt, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/get-rollout-details" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-Request-Id") == "" {
			t.Error("missing request id header")
		}
		_, _ = w.Write([]byte(`{"rolloutId": "ro-1"}`))
	}, 3)

	raw, err := clnt.Invoke(context.Background(), "get-rollout-details", map[string]string{"rolloutId": "ro-1"})
	if err != nil {
		t.Fatal(err)
	}
	var resp struct {
		RolloutID string `json:"rolloutId"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.RolloutID != "ro-1" {
		t.Fatalf("unexpected payload: %s", raw)
	}
}

func TestTransient429RetriedExactlyMaxRetries(t *testing.T) {
	calls := 0
	maxRetries := 3
	clnt, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"code": "Throttled", "message": "slow down"}}`))
	}, maxRetries)

	_, err := clnt.Invoke(context.Background(), "start-rollout", nil)
	if err == nil {
		t.Fatal("expected error after retries exhausted")
	}
	if calls != maxRetries+1 {
		t.Fatalf("expected %d total attempts, got %d", maxRetries+1, calls)
	}
}

func TestNonRecoverable401NotRetried(t *testing.T) {
	calls := 0
	clnt, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": {"code": "Unauthorized", "message": "bad token"}}`))
	}, 3)

	_, err := clnt.Invoke(context.Background(), "start-rollout", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("401 must not be retried, got %d attempts", calls)
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if apiErr.Code != "Unauthorized" || apiErr.Transient {
		t.Fatalf("bad classification: %+v", apiErr)
	}
}

func TestTransientRecoversMidway(t *testing.T) {
	calls := 0
	clnt, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error": {"code": "ServiceUnavailable", "message": "draining"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok": true}`))
	}, 3)

	_, err := clnt.Invoke(context.Background(), "get-rollout-details", nil)
	if err != nil {
		t.Fatalf("expected recovery on third attempt, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestErrorWithoutEnvelopeClassifiedByStatus(t *testing.T) {
	clnt, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("not json at all"))
	}, 0)

	_, err := clnt.Invoke(context.Background(), "get-repository", nil)
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if apiErr.Transient {
		t.Fatal("404 without envelope must be non-recoverable")
	}
	if apiErr.HTTPStatus != http.StatusNotFound {
		t.Fatalf("unexpected status %d", apiErr.HTTPStatus)
	}
}

func TestClassifyTable(t *testing.T) {
	cases := []struct {
		name      string
		code      string
		status    int
		transient bool
	}{
		{"queue full", "QueueFull", 200, true},
		{"internal code", "InternalError", 500, true},
		{"throttled", "Throttled", 429, true},
		{"not found", "NotFound", 404, false},
		{"conflict", "Conflict", 409, false},
		{"invalid parameter", "InvalidParameter", 400, false},
		{"auth failed", "AuthenticationFailed", 401, false},
		{"unknown code transient status", "SomethingNew", 503, true},
		{"unknown code unknown status", "SomethingNew", 418, false},
		{"bare 429", "HTTP429", 429, true},
		{"bare 500", "HTTP500", 500, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classify(tc.code, tc.status); got != tc.transient {
				t.Fatalf("classify(%s, %d) = %v, want %v", tc.code, tc.status, got, tc.transient)
			}
		})
	}
}
