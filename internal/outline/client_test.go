package outline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/router-for-me/keyledger/internal/breaker"
)

type fakeServer struct {
	mu         sync.Mutex
	nextID     int
	keys       map[string]*accessKeyPayload
	transfer   map[string]float64
	ignoreName bool
	fail       bool
}

func newFakeServer() *fakeServer {
	return &fakeServer{keys: map[string]*accessKeyPayload{}, transfer: map[string]float64{}}
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /secret/access-keys", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var body struct {
			Name string `json:"name"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.nextID++
		id := strconv.Itoa(f.nextID)
		k := &accessKeyPayload{ID: id, AccessURL: "ss://key-" + id}
		if !f.ignoreName {
			k.Name = body.Name
		}
		f.keys[id] = k
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(k)
	})
	mux.HandleFunc("PUT /secret/access-keys/{id}/name", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		k, ok := f.keys[r.PathValue("id")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		k.Name = r.FormValue("name")
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("PUT /secret/access-keys/{id}/data-limit", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		k, ok := f.keys[r.PathValue("id")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body dataLimitPayload
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		k.DataLimit = &struct {
			Bytes int64 `json:"bytes"`
		}{Bytes: body.Limit.Bytes}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("DELETE /secret/access-keys/{id}/data-limit", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		k, ok := f.keys[r.PathValue("id")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		k.DataLimit = nil
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("DELETE /secret/access-keys/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.keys[r.PathValue("id")]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(f.keys, r.PathValue("id"))
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /secret/access-keys", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		out := listPayload{}
		for i := 1; i <= f.nextID; i++ {
			if k, ok := f.keys[strconv.Itoa(i)]; ok {
				out.AccessKeys = append(out.AccessKeys, *k)
			}
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("GET /secret/metrics/transfer", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(transferPayload{BytesTransferredByUserID: f.transfer})
	})
	mux.HandleFunc("GET /secret/server", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"name":"test"}`))
	})
	return mux
}

func fingerprint(ts *httptest.Server) string {
	sum := sha256.Sum256(ts.Certificate().Raw)
	return hex.EncodeToString(sum[:])
}

func newTestClient(t *testing.T, fake *fakeServer) *Client {
	t.Helper()
	ts := httptest.NewTLSServer(fake.handler())
	t.Cleanup(ts.Close)
	c, err := New(Config{APIURL: ts.URL + "/secret/", CertSHA256: fingerprint(ts), Timeout: 2 * time.Second}, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestClientLifecycle(t *testing.T) {
	fake := newFakeServer()
	c := newTestClient(t, fake)
	ctx := context.Background()

	key, err := c.Create(ctx, "Paid_1_1700000000")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if key.ID != "1" || key.AccessURL != "ss://key-1" || key.Name != "Paid_1_1700000000" {
		t.Fatalf("unexpected key: %+v", key)
	}
	if err := c.SetQuota(ctx, key.ID, 5<<30); err != nil {
		t.Fatalf("set quota: %v", err)
	}
	fake.mu.Lock()
	fake.transfer["1"] = 1024
	fake.mu.Unlock()

	keys, err := c.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 1 || keys[0].QuotaBytes != 5<<30 || keys[0].UsedBytes != 1024 || keys[0].Unlimited() {
		t.Fatalf("unexpected listing: %+v", keys)
	}

	if err := c.SetQuota(ctx, key.ID, 0); err != nil {
		t.Fatalf("remove quota: %v", err)
	}
	keys, _ = c.List(ctx)
	if !keys[0].Unlimited() {
		t.Fatalf("expected unlimited key after removing the limit")
	}

	if err := c.Delete(ctx, key.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := c.Delete(ctx, key.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
	if err := c.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestCreateRenamesWhenNameIgnored(t *testing.T) {
	fake := newFakeServer()
	fake.ignoreName = true
	c := newTestClient(t, fake)

	key, err := c.Create(context.Background(), "FreeTrial_9_1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.keys[key.ID].Name != "FreeTrial_9_1" || key.Name != "FreeTrial_9_1" {
		t.Fatalf("expected rename to follow create, got %q", fake.keys[key.ID].Name)
	}
}

func TestCertificatePinMismatch(t *testing.T) {
	ts := httptest.NewTLSServer(newFakeServer().handler())
	defer ts.Close()
	c, err := New(Config{APIURL: ts.URL + "/secret", CertSHA256: "00:11:22"}, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := c.Ping(context.Background()); err == nil {
		t.Fatalf("expected pin mismatch to fail the call")
	}
}

func TestStatusErrorsAndBreaker(t *testing.T) {
	fake := newFakeServer()
	fake.fail = true
	ts := httptest.NewTLSServer(fake.handler())
	defer ts.Close()
	c, err := New(Config{
		APIURL:     ts.URL + "/secret",
		CertSHA256: fingerprint(ts),
		Breaker:    breaker.Settings{Failures: 2, Window: 2, Delay: time.Minute},
	}, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	for i := 0; i < 2; i++ {
		_, err := c.List(context.Background())
		var statusErr *StatusError
		if !errors.As(err, &statusErr) || statusErr.Code != http.StatusInternalServerError {
			t.Fatalf("expected 500 status error, got %v", err)
		}
	}
	if _, err := c.List(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable once the breaker opened, got %v", err)
	}
}

func TestNotFoundDoesNotTripBreaker(t *testing.T) {
	fake := newFakeServer()
	ts := httptest.NewTLSServer(fake.handler())
	defer ts.Close()
	c, err := New(Config{
		APIURL:     ts.URL + "/secret",
		CertSHA256: fingerprint(ts),
		Breaker:    breaker.Settings{Failures: 1, Window: 1, Delay: time.Minute},
	}, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := c.Delete(context.Background(), "404"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	}
}
