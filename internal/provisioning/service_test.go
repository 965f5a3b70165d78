package provisioning

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/router-for-me/keyledger/internal/ledger"
	"github.com/router-for-me/keyledger/internal/ledger/ledgertest"
	"github.com/router-for-me/keyledger/internal/outline"
	"github.com/router-for-me/keyledger/internal/outline/outlinetest"
	"github.com/router-for-me/keyledger/internal/payment"
	"github.com/router-for-me/keyledger/internal/tiers"
	"github.com/stretchr/testify/require"
)

type fakeVerifier struct {
	paid  bool
	delay time.Duration
	calls atomic.Int32
}

func (v *fakeVerifier) IsPaid(context.Context, string, float64) bool {
	v.calls.Add(1)
	if v.delay > 0 {
		time.Sleep(v.delay)
	}
	return v.paid
}

type fakeCheckout struct {
	invoices []payment.Invoice
}

func (c *fakeCheckout) Start(_ context.Context, inv payment.Invoice) (payment.Link, error) {
	c.invoices = append(c.invoices, inv)
	return payment.Link{Provider: "fake", Label: inv.Label, Amount: inv.Amount, URL: "https://pay.example/" + inv.Label}, nil
}

var fixedNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	svc      *Service
	ledger   *ledger.Ledger
	backend  *ledgertest.Faulty
	gateway  *outlinetest.Fake
	verifier *fakeVerifier
	checkout *fakeCheckout
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	backend := ledgertest.NewFaulty(ledger.NewFileBackend(t.TempDir()))
	h := &harness{
		ledger:   ledger.New(backend),
		backend:  backend,
		gateway:  outlinetest.NewFake(),
		verifier: &fakeVerifier{paid: true},
		checkout: &fakeCheckout{},
	}
	h.svc = NewService(Options{
		Ledger:   h.ledger,
		Gateway:  h.gateway,
		Verifier: h.verifier,
		Checkout: h.checkout,
		Now:      func() time.Time { return fixedNow },
	})
	return h
}

func TestProvisionPaidWritesLedgerRows(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.ProvisionPaid(ctx, PaidRequest{UserID: 5, TierCode: 10, PaymentLabel: "5_1_1234", Amount: 55})
	require.NoError(t, err)
	require.Equal(t, "ss://fake-1", res.AccessURL)
	require.True(t, res.ExpiresAt.Equal(fixedNow.Add(30*24*time.Hour)))

	key, ok := h.gateway.Get(res.CredentialID)
	require.True(t, ok)
	require.Equal(t, 10*tiers.GiB, key.QuotaBytes)
	require.Equal(t, "Paid_5_1777636800", key.Name)

	creds, err := h.ledger.CredentialsFor(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, []ledger.Credential{{UserID: 5, AccessURL: "ss://fake-1", ID: "1"}}, creds)

	rows, err := h.ledger.Schedule(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "1", rows[0].Entry.CredentialID)

	txs, err := h.ledger.Transactions(ctx)
	require.NoError(t, err)
	require.Equal(t, []ledger.Transaction{{UserID: 5, Amount: 55, TierLabel: "10GB", PaymentLabel: "5_1_1234"}}, txs)

	open, err := h.ledger.OpenPending(ctx)
	require.NoError(t, err)
	require.Empty(t, open)
}

func TestProvisionPaidIsIdempotentPerLabel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := PaidRequest{UserID: 5, TierCode: 5, PaymentLabel: "5_1_1234", Amount: 35}

	_, err := h.svc.ProvisionPaid(ctx, req)
	require.NoError(t, err)
	_, err = h.svc.ProvisionPaid(ctx, req)
	require.ErrorIs(t, err, ErrAlreadyFulfilled)
	require.Equal(t, 1, h.gateway.Count())
	require.EqualValues(t, 1, h.verifier.calls.Load())

	creds, err := h.ledger.Credentials(ctx)
	require.NoError(t, err)
	require.Len(t, creds, 1)
}

func TestProvisionPaidConcurrentCallsCreateOneKey(t *testing.T) {
	h := newHarness(t)
	h.verifier.delay = 20 * time.Millisecond
	req := PaidRequest{UserID: 5, TierCode: 25, PaymentLabel: "5_1_1234", Amount: 99}

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.svc.ProvisionPaid(context.Background(), req)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			require.ErrorIs(t, err, ErrAlreadyFulfilled)
		}
	}
	require.Equal(t, 1, h.gateway.Count())
}

func TestProvisionPaidRejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.ProvisionPaid(ctx, PaidRequest{UserID: 5, TierCode: 7, PaymentLabel: "5_1_1234", Amount: 100})
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = h.svc.ProvisionPaid(ctx, PaidRequest{UserID: 5, TierCode: 998, PaymentLabel: "5_1_1234", Amount: 100})
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = h.svc.ProvisionPaid(ctx, PaidRequest{UserID: 5, TierCode: 5, PaymentLabel: "6_1_1234", Amount: 35})
	require.ErrorIs(t, err, ErrInvalidLabel)

	require.EqualValues(t, 0, h.verifier.calls.Load())

	h.verifier.paid = false
	_, err = h.svc.ProvisionPaid(ctx, PaidRequest{UserID: 5, TierCode: 5, PaymentLabel: "5_1_1234", Amount: 35})
	require.ErrorIs(t, err, ErrNotPaid)
	require.Equal(t, 0, h.gateway.Count())
	txs, err := h.ledger.Transactions(ctx)
	require.NoError(t, err)
	require.Empty(t, txs)
}

func TestProvisionPaidGatewayFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.gateway.CreateErr = errors.New("outline down")
	_, err := h.svc.ProvisionPaid(ctx, PaidRequest{UserID: 5, TierCode: 5, PaymentLabel: "5_1_1000", Amount: 35})
	require.ErrorIs(t, err, ErrGateway)

	h.gateway.CreateErr = nil
	h.gateway.SetQuotaErr = errors.New("quota rejected")
	_, err = h.svc.ProvisionPaid(ctx, PaidRequest{UserID: 5, TierCode: 5, PaymentLabel: "5_1_1001", Amount: 35})
	require.ErrorIs(t, err, ErrGateway)
	require.Equal(t, 0, h.gateway.Count(), "the key must be removed again")

	creds, err := h.ledger.Credentials(ctx)
	require.NoError(t, err)
	require.Empty(t, creds)
}

func TestProvisionUnlimitedSkipsQuota(t *testing.T) {
	h := newHarness(t)
	res, err := h.svc.ProvisionPaid(context.Background(), PaidRequest{UserID: 5, TierCode: 999, PaymentLabel: "5_1_1234", Amount: 530})
	require.NoError(t, err)
	require.Equal(t, 0, h.gateway.QuotaCalls())
	require.True(t, res.ExpiresAt.Equal(fixedNow.Add(90*24*time.Hour)))
}

func TestPendingAppendFailureRemovesKey(t *testing.T) {
	h := newHarness(t)
	h.backend.FailAppend(ledger.KindPending, errors.New("disk full"))

	_, err := h.svc.ProvisionPaid(context.Background(), PaidRequest{UserID: 5, TierCode: 5, PaymentLabel: "5_1_1234", Amount: 35})
	require.ErrorIs(t, err, ErrLedger)
	require.Equal(t, 0, h.gateway.Count())
}

func TestDanglingCredentialIsRecovered(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.backend.FailAppend(ledger.KindSchedule, errors.New("disk full"))

	_, err := h.svc.ProvisionPaid(ctx, PaidRequest{UserID: 5, TierCode: 5, PaymentLabel: "5_1_1234", Amount: 35})
	require.ErrorIs(t, err, ErrDangling)
	var dangling *DanglingError
	require.ErrorAs(t, err, &dangling)
	require.Equal(t, "5_1_1234", dangling.Token)
	require.Equal(t, "1", dangling.CredentialID)

	paid, err := h.ledger.HasPaymentLabel(ctx, "5_1_1234")
	require.NoError(t, err)
	require.False(t, paid, "transaction must follow the schedule row")

	// A retry with the same label must not create a second key while the provision is open.
	_, err = h.svc.ProvisionPaid(ctx, PaidRequest{UserID: 5, TierCode: 5, PaymentLabel: "5_1_1234", Amount: 35})
	require.ErrorIs(t, err, ErrAlreadyFulfilled)
	require.Equal(t, 1, h.gateway.Count())

	h.backend.FailAppend(ledger.KindSchedule, nil)
	report, err := h.svc.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, RecoveryReport{Open: 1, Completed: 1}, report)

	creds, err := h.ledger.Credentials(ctx)
	require.NoError(t, err)
	require.Len(t, creds, 1, "credential row must not be duplicated")
	rows, err := h.ledger.Schedule(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	paid, err = h.ledger.HasPaymentLabel(ctx, "5_1_1234")
	require.NoError(t, err)
	require.True(t, paid)
	open, err := h.ledger.OpenPending(ctx)
	require.NoError(t, err)
	require.Empty(t, open)
}

func TestRecoverWaitsForInFlightProvision(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	entered, release := h.backend.HoldAppend(ledger.KindCredentials)
	defer release()

	provisioned := make(chan error, 1)
	go func() {
		_, err := h.svc.ProvisionPaid(ctx, PaidRequest{UserID: 5, TierCode: 5, PaymentLabel: "5_1_1234", Amount: 35})
		provisioned <- err
	}()
	<-entered

	type recovery struct {
		report RecoveryReport
		err    error
	}
	recovered := make(chan recovery, 1)
	go func() {
		report, err := h.svc.Recover(ctx)
		recovered <- recovery{report: report, err: err}
	}()

	select {
	case <-recovered:
		t.Fatalf("recovery ran while a provision was writing its rows")
	case <-time.After(50 * time.Millisecond):
	}
	release()

	require.NoError(t, <-provisioned)
	got := <-recovered
	require.NoError(t, got.err)
	require.Equal(t, RecoveryReport{}, got.report)

	creds, err := h.ledger.Credentials(ctx)
	require.NoError(t, err)
	require.Len(t, creds, 1)
	rows, err := h.ledger.Schedule(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	txs, err := h.ledger.Transactions(ctx)
	require.NoError(t, err)
	require.Len(t, txs, 1)
}

func TestRecoverAbandonsVanishedKeys(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.ledger.AppendPending(ctx, ledger.PendingProvision{
		ID: "p1", State: ledger.PendingOpen, UserID: 9, CredentialID: "404", AccessURL: "ss://gone",
		TierCode: 5, PaymentLabel: "9_1_1111", Amount: 35, ExpiresAt: fixedNow,
	}))

	report, err := h.svc.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, RecoveryReport{Open: 1, Abandoned: 1}, report)
	creds, err := h.ledger.Credentials(ctx)
	require.NoError(t, err)
	require.Empty(t, creds)

	h.gateway.ListErr = errors.New("down")
	require.NoError(t, h.ledger.AppendPending(ctx, ledger.PendingProvision{
		ID: "p2", State: ledger.PendingOpen, UserID: 9, CredentialID: "1", AccessURL: "ss://x", TierCode: 5, ExpiresAt: fixedNow,
	}))
	_, err = h.svc.Recover(ctx)
	require.Error(t, err)
	open, err := h.ledger.OpenPending(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1, "a listing failure must not mutate anything")
}

func TestRegisterIssuesTrialOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	reg, err := h.svc.Register(ctx, 77, "alice")
	require.NoError(t, err)
	require.True(t, reg.Registered)
	require.NotNil(t, reg.Trial)
	key, ok := h.gateway.Get(reg.Trial.CredentialID)
	require.True(t, ok)
	require.Equal(t, 3*tiers.GiB, key.QuotaBytes)
	require.Equal(t, "FreeTrial_77_1777636800", key.Name)

	profiles, err := h.ledger.Profiles(ctx)
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	require.Equal(t, "alice", profiles[0].Username)
	require.Equal(t, "Free", profiles[0].Tier)

	txs, err := h.ledger.Transactions(ctx)
	require.NoError(t, err)
	require.Empty(t, txs, "trial keys are not transactions")

	again, err := h.svc.Register(ctx, 77, "alice")
	require.NoError(t, err)
	require.False(t, again.Registered)
	require.Equal(t, 1, h.gateway.Count())
}

func TestRegisterTrialFailureKeepsUser(t *testing.T) {
	h := newHarness(t)
	h.gateway.CreateErr = errors.New("down")

	reg, err := h.svc.Register(context.Background(), 78, "bob")
	require.ErrorIs(t, err, ErrGateway)
	require.True(t, reg.Registered)
	known, err := h.ledger.HasUser(context.Background(), 78)
	require.NoError(t, err)
	require.True(t, known)
}

func TestKeysJoinsListing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.svc.ProvisionPaid(ctx, PaidRequest{UserID: 5, TierCode: 5, PaymentLabel: "5_1_1234", Amount: 35})
	require.NoError(t, err)
	require.NoError(t, h.ledger.AppendCredential(ctx, ledger.Credential{UserID: 5, AccessURL: "ss://old", ID: "gone"}))
	h.gateway.Put(outline.Key{ID: res.CredentialID, AccessURL: res.AccessURL, UsedBytes: 1 << 30, QuotaBytes: 5 * tiers.GiB})

	keys, err := h.svc.Keys(ctx, 5)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Equal(t, int64(1<<30), keys[0].UsedBytes)
	require.NotNil(t, keys[0].ExpiresAt)

	none, err := h.svc.Keys(ctx, 6)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestQuotePricesReturningCustomers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	q, err := h.svc.Quote(ctx, 5, 10)
	require.NoError(t, err)
	require.False(t, q.Returning)
	require.Equal(t, 55.0, q.Price)
	require.Len(t, h.checkout.invoices, 1)
	require.Equal(t, "10 GB", h.checkout.invoices[0].Description)
	require.NoError(t, validateLabel(5, q.Link.Label))

	require.NoError(t, h.ledger.AppendSchedule(ctx, ledger.ScheduleEntry{UserID: 5, ExpiresAt: fixedNow.Add(time.Hour), CredentialID: "1"}))
	q, err = h.svc.Quote(ctx, 5, 10)
	require.NoError(t, err)
	require.True(t, q.Returning)
	require.Equal(t, 50.0, q.Price)

	_, err = h.svc.Quote(ctx, 5, 3)
	require.ErrorIs(t, err, ErrInvalidAmount)
}
