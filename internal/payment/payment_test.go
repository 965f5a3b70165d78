package payment

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v82"
)

func TestNewLabel(t *testing.T) {
	now := time.Unix(1700000000, 0)
	for i := 0; i < 50; i++ {
		label := NewLabel(42, now)
		parts := strings.Split(label, "_")
		if len(parts) != 3 || parts[0] != "42" || parts[1] != "1700000000" {
			t.Fatalf("unexpected label %q", label)
		}
		n, err := strconv.Atoi(parts[2])
		if err != nil || n < 1000 || n > 9999 {
			t.Fatalf("random suffix out of range in %q", label)
		}
	}
}

func newYooMoneyServer(t *testing.T, history string) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/api/operation-history":
			if err := r.ParseForm(); err != nil || r.PostForm.Get("label") == "" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(history))
		case "/api/account-info":
			_, _ = w.Write([]byte(`{"account":"4100"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestYooMoneyIsPaid(t *testing.T) {
	ts := newYooMoneyServer(t, `{"operations":[
		{"operation_id":"1","status":"in_progress","direction":"in","amount":55,"label":"5_1_1111"},
		{"operation_id":"2","status":"success","direction":"in","amount":54.99,"label":"5_1_1111"},
		{"operation_id":"3","status":"success","direction":"in","amount":55.00,"label":"5_1_1111"}]}`)
	y, err := NewYooMoney(YooMoneyConfig{Token: "tok", Wallet: "4100", BaseURL: ts.URL}, nil)
	if err != nil {
		t.Fatalf("new yoomoney: %v", err)
	}
	ctx := context.Background()
	if !y.IsPaid(ctx, "5_1_1111", 55) {
		t.Fatalf("expected paid")
	}
	if y.IsPaid(ctx, "5_1_1111", 60) {
		t.Fatalf("amount below expected must not count as paid")
	}
	if err := y.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestYooMoneyIgnoresForeignOperations(t *testing.T) {
	ts := newYooMoneyServer(t, `{"operations":[
		{"operation_id":"1","status":"success","direction":"out","amount":500,"label":"5_1_1234"},
		{"operation_id":"2","status":"success","direction":"in","amount":500,"label":"999_1_1111"},
		{"operation_id":"3","status":"success","direction":"in","amount":500}]}`)
	y, err := NewYooMoney(YooMoneyConfig{Token: "tok", BaseURL: ts.URL}, nil)
	if err != nil {
		t.Fatalf("new yoomoney: %v", err)
	}
	if y.IsPaid(context.Background(), "5_1_1234", 55) {
		t.Fatalf("outgoing or differently labelled operations must not count as paid")
	}
}

func TestYooMoneyFailuresAreNotPaid(t *testing.T) {
	ts := newYooMoneyServer(t, `{"error":"illegal_param_label"}`)
	y, err := NewYooMoney(YooMoneyConfig{Token: "tok", BaseURL: ts.URL}, nil)
	if err != nil {
		t.Fatalf("new yoomoney: %v", err)
	}
	if y.IsPaid(context.Background(), "x", 1) {
		t.Fatalf("api error must not count as paid")
	}

	bad, err := NewYooMoney(YooMoneyConfig{Token: "wrong", BaseURL: ts.URL}, nil)
	if err != nil {
		t.Fatalf("new yoomoney: %v", err)
	}
	if bad.IsPaid(context.Background(), "x", 1) {
		t.Fatalf("http error must not count as paid")
	}
}

func TestYooMoneyQuickpayLink(t *testing.T) {
	y, err := NewYooMoney(YooMoneyConfig{Token: "tok", Wallet: "4100111"}, nil)
	if err != nil {
		t.Fatalf("new yoomoney: %v", err)
	}
	link, err := y.Start(context.Background(), Invoice{Label: "5_1_1111", Amount: 99, Description: "25 GB"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	u, err := url.Parse(link.URL)
	if err != nil {
		t.Fatalf("parse link: %v", err)
	}
	if u.Host != "yoomoney.ru" || u.Path != "/quickpay/confirm.xml" {
		t.Fatalf("unexpected link %s", link.URL)
	}
	q := u.Query()
	if q.Get("receiver") != "4100111" || q.Get("quickpay-form") != "shop" || q.Get("paymentType") != "SB" ||
		q.Get("sum") != "99" || q.Get("label") != "5_1_1111" || q.Get("targets") != "25 GB" {
		t.Fatalf("unexpected quickpay query %v", q)
	}
}

func newTestStripe(t *testing.T) *Stripe {
	t.Helper()
	s, err := NewStripe(StripeConfig{SecretKey: "sk_test_x", SuccessURL: "https://example.com/ok"}, nil)
	if err != nil {
		t.Fatalf("new stripe: %v", err)
	}
	return s
}

func TestStripeIsPaid(t *testing.T) {
	s := newTestStripe(t)
	var gotQuery string
	s.search = func(params *stripe.PaymentIntentSearchParams) ([]*stripe.PaymentIntent, error) {
		gotQuery = params.Query
		return []*stripe.PaymentIntent{
			{ID: "pi_1", Status: stripe.PaymentIntentStatusProcessing, AmountReceived: 0, Metadata: map[string]string{"label": "7_1_2222"}},
			{ID: "pi_2", Status: stripe.PaymentIntentStatusSucceeded, AmountReceived: 5500, Metadata: map[string]string{"label": "7_1_2222"}},
		}, nil
	}
	if !s.IsPaid(context.Background(), "7_1_2222", 55) {
		t.Fatalf("expected paid")
	}
	if gotQuery != "metadata['label']:'7_1_2222'" {
		t.Fatalf("unexpected search query %q", gotQuery)
	}
	if s.IsPaid(context.Background(), "7_1_2222", 55.01) {
		t.Fatalf("amount below expected must not count as paid")
	}

	s.search = func(*stripe.PaymentIntentSearchParams) ([]*stripe.PaymentIntent, error) {
		return nil, errors.New("stripe down")
	}
	if s.IsPaid(context.Background(), "7_1_2222", 1) {
		t.Fatalf("search failure must not count as paid")
	}
}

func TestStripeCheckout(t *testing.T) {
	s := newTestStripe(t)
	var got *stripe.CheckoutSessionParams
	s.newSession = func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
		got = params
		return &stripe.CheckoutSession{ID: "cs_1", URL: "https://checkout.stripe.com/c/cs_1"}, nil
	}
	link, err := s.Start(context.Background(), Invoice{UserID: 7, Label: "7_1_2222", Amount: 195, Description: "Unlimited (1 month)"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if link.URL != "https://checkout.stripe.com/c/cs_1" || link.Provider != ProviderStripe {
		t.Fatalf("unexpected link %+v", link)
	}
	if *got.Mode != string(stripe.CheckoutSessionModePayment) {
		t.Fatalf("expected a one-off payment session, got %q", *got.Mode)
	}
	if got.PaymentIntentData.Metadata["label"] != "7_1_2222" {
		t.Fatalf("expected label on the payment intent metadata")
	}
	if *got.LineItems[0].PriceData.UnitAmount != 19500 || *got.LineItems[0].PriceData.Currency != "rub" {
		t.Fatalf("unexpected price data")
	}
}
