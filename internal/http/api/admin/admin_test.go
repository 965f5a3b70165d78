package admin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/keyledger/internal/auth"
	"github.com/router-for-me/keyledger/internal/metrics"
	"github.com/router-for-me/keyledger/internal/outline"
	"github.com/router-for-me/keyledger/internal/provisioning"
	"github.com/router-for-me/keyledger/internal/reconcile"
)

type stubRunner struct {
	report reconcile.Report
	err    error
	calls  int
}

func (s *stubRunner) RunOnce(context.Context) (reconcile.Report, error) {
	s.calls++
	return s.report, s.err
}

type stubRecoverer struct{}

func (stubRecoverer) Recover(context.Context) (provisioning.RecoveryReport, error) {
	return provisioning.RecoveryReport{Open: 2, Completed: 1, Abandoned: 1}, nil
}

func setup(t *testing.T, runner *stubRunner, flags map[string]bool) (*gin.Engine, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	issuer, err := auth.NewIssuer("admin-key", time.Hour, "")
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	token, _, err := issuer.Issue("ops")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	r := gin.New()
	RegisterAdminRoutes(r, Deps{
		Issuer:       issuer,
		Reconciler:   runner,
		Recoverer:    stubRecoverer{},
		Metrics:      metrics.New(),
		Status:       func() map[string]bool { return flags },
		GatewayReady: func() bool { return flags["gateway"] },
	})
	return r, token
}

func send(r *gin.Engine, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	r, _ := setup(t, &stubRunner{}, map[string]bool{"gateway": true, "payment": true})
	if rec := send(r, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	r, _ = setup(t, &stubRunner{}, map[string]bool{"gateway": true, "payment": false})
	if rec := send(r, http.MethodGet, "/healthz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestReconcileRoute(t *testing.T) {
	runner := &stubRunner{report: reconcile.Report{PassID: "p1", Rows: 3, Kept: 3}}
	r, token := setup(t, runner, map[string]bool{"gateway": true})

	if rec := send(r, http.MethodPost, "/v0/admin/reconcile", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	rec := send(r, http.MethodPost, "/v0/admin/reconcile", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if runner.calls != 1 {
		t.Fatalf("expected one pass, got %d", runner.calls)
	}

	runner.err = errors.Join(errors.New("list"), outline.ErrUnavailable)
	if rec := send(r, http.MethodPost, "/v0/admin/reconcile", token); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for unavailable gateway, got %d", rec.Code)
	}

	if rec := send(r, http.MethodPost, "/v0/admin/recover", token); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from recover, got %d", rec.Code)
	}
}

func TestReconcileRouteGatewayDown(t *testing.T) {
	runner := &stubRunner{}
	r, token := setup(t, runner, map[string]bool{"gateway": false})
	if rec := send(r, http.MethodPost, "/v0/admin/reconcile", token); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if runner.calls != 0 {
		t.Fatalf("pass must not run while the gateway is down")
	}
}
