package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig(srv.URL + "/api")
	cfg.Token = "secret-token"
	cfg.TenantID = "farm-7"
	cfg.Timeout = 2 * time.Second
	c, err := NewHTTPClient(cfg)
	if err != nil {
		t.Fatalf("NewHTTPClient() failed: %v", err)
	}
	return c
}

func TestNewHTTPClient_Validation(t *testing.T) {
	for _, u := range []string{"", "ftp://example.com", "://bad"} {
		if _, err := NewHTTPClient(DefaultConfig(u)); err == nil {
			t.Errorf("NewHTTPClient(%q) should fail", u)
		}
	}
}

func TestPush_Payload(t *testing.T) {
	var body []byte
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/sync/push" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret-token" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("X-Tenant-ID"); got != "farm-7" {
			t.Errorf("X-Tenant-ID = %q", got)
		}
		body, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{"success":true}`))
	})

	created := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	changes := ChangeSet{}
	animals := changes.Table("animals")
	animals.Created = append(animals.Created, &Record{
		ID:        "a1",
		Fields:    map[string]any{"internalCode": "PQ-001", "sex": "male", "weightKg": nil},
		CreatedAt: created,
		UpdatedAt: created.Add(1500 * time.Millisecond),
	})
	animals.Deleted = append(animals.Deleted, "a0")

	pulled := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	if err := c.Push(context.Background(), changes, &pulled); err != nil {
		t.Fatalf("Push() failed: %v", err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "push_request", body)
}

func TestPull(t *testing.T) {
	var gotQuery string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("lastSyncAt")
		_, _ = w.Write([]byte(`{
			"success": true,
			"data": {
				"timestamp": "2025-03-01T10:00:00.250Z",
				"changes": {
					"animals": {
						"created": [{"id": "a1", "internalCode": "PQ-001", "createdAt": "2025-03-01T08:00:00.000Z", "updatedAt": 1740816000000, "deletedAt": null, "_status": "created"}],
						"updated": [],
						"deleted": ["a9"]
					}
				}
			}
		}`))
	})

	since := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	res, err := c.Pull(context.Background(), &since)
	if err != nil {
		t.Fatalf("Pull() failed: %v", err)
	}
	if gotQuery != "2025-03-01T09:00:00.000Z" {
		t.Errorf("lastSyncAt = %q", gotQuery)
	}
	if want := time.Date(2025, 3, 1, 10, 0, 0, 250e6, time.UTC); !res.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", res.Timestamp, want)
	}

	animals := res.Changes["animals"]
	if animals == nil || len(animals.Created) != 1 || len(animals.Deleted) != 1 {
		t.Fatalf("changes = %+v", res.Changes)
	}
	rec := animals.Created[0]
	if rec.ID != "a1" || rec.Fields["internalCode"] != "PQ-001" {
		t.Errorf("record = %+v", rec)
	}
	if _, ok := rec.Fields["_status"]; ok {
		t.Error("bookkeeping keys leaked into fields")
	}
	if _, ok := rec.Fields["updatedAt"]; ok {
		t.Error("timestamps leaked into fields")
	}
	if !rec.UpdatedAt.Equal(time.UnixMilli(1740816000000)) {
		t.Errorf("UpdatedAt = %v", rec.UpdatedAt)
	}
	if res.Changes.Len() != 2 {
		t.Errorf("Len() = %d, want 2", res.Changes.Len())
	}
}

func TestPull_FirstSyncOmitsWatermark(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Has("lastSyncAt") {
			t.Errorf("first pull sent lastSyncAt=%q", r.URL.Query().Get("lastSyncAt"))
		}
		_, _ = w.Write([]byte(`{"success":true,"data":{"changes":{},"timestamp":"2025-03-01T10:00:00Z"}}`))
	})
	res, err := c.Pull(context.Background(), nil)
	if err != nil {
		t.Fatalf("Pull() failed: %v", err)
	}
	if res.Changes.Len() != 0 {
		t.Errorf("expected empty change set")
	}
}

func TestErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		want      error
		retryable bool
	}{
		{"stale push", http.StatusConflict, `{"success":false,"error":"stale"}`, ErrStalePush, true},
		{"unauthorized", http.StatusUnauthorized, `{"success":false,"error":"bad token"}`, ErrUnauthorized, false},
		{"bad request", http.StatusBadRequest, `{"success":false}`, ErrServerRejected, false},
		{"server error", http.StatusBadGateway, ``, ErrNetwork, true},
		{"success false", http.StatusOK, `{"success":false,"error":"nope"}`, ErrServerRejected, false},
		{"malformed", http.StatusOK, `not json`, ErrServerRejected, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			err := c.Push(context.Background(), ChangeSet{}, nil)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Push() error = %v, want %v", err, tt.want)
			}
			if IsRetryable(err) != tt.retryable {
				t.Errorf("IsRetryable(%v) = %v, want %v", err, !tt.retryable, tt.retryable)
			}
		})
	}
}

func TestErrors_Network(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewHTTPClient(DefaultConfig(url))
	if err != nil {
		t.Fatal(err)
	}
	err = c.Ping(context.Background())
	if !errors.Is(err, ErrNetwork) || !IsOffline(err) {
		t.Errorf("Ping() error = %v, want ErrNetwork", err)
	}
}

func TestTimeout(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)
	c.timeout = 50 * time.Millisecond

	err := c.Ping(context.Background())
	if !errors.Is(err, ErrNetwork) {
		t.Errorf("Ping() error = %v, want ErrNetwork", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Ping() error = %v, want DeadlineExceeded in chain", err)
	}
}

func TestRecord_JSON(t *testing.T) {
	deleted := time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)
	in := Record{
		ID:        "b1",
		Fields:    map[string]any{"code": "B-1", "currentCount": 45.0},
		CreatedAt: deleted.Add(-time.Hour),
		UpdatedAt: deleted,
		DeletedAt: &deleted,
	}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}
	var out Record
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if out.ID != in.ID || out.DeletedAt == nil || !out.DeletedAt.Equal(deleted) {
		t.Errorf("decoded = %+v", out)
	}
	if out.Fields["currentCount"] != 45.0 || len(out.Fields) != 2 {
		t.Errorf("fields = %v", out.Fields)
	}

	if err := json.Unmarshal([]byte(`{"code":"x"}`), &out); err == nil {
		t.Error("expected error for record without id")
	}
}
