package provisioning

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAmount is returned for an unknown tier or an amount below the tier's lowest price.
	ErrInvalidAmount = errors.New("provisioning: invalid tier or amount")
	// ErrInvalidLabel is returned for a payment label that is empty, malformed or owned by another user.
	ErrInvalidLabel = errors.New("provisioning: invalid payment label")
	// ErrAlreadyFulfilled is returned when the payment label was already turned into a key.
	ErrAlreadyFulfilled = errors.New("provisioning: payment already fulfilled")
	// ErrNotPaid is returned while the verifier does not confirm the payment.
	ErrNotPaid = errors.New("provisioning: payment not confirmed")
	// ErrGateway is returned when the credential provider failed and nothing was persisted.
	ErrGateway = errors.New("provisioning: credential provider failed")
	// ErrLedger is returned when the ledger failed before anything needed repair.
	ErrLedger = errors.New("provisioning: ledger write failed")
	// ErrDangling is returned when a key exists at the gateway without its full ledger rows.
	ErrDangling = errors.New("provisioning: dangling credential")
)

// DanglingError carries the correlation token of a dangling credential.
type DanglingError struct {
	// Token is the payment label, or the pending id for trial keys.
	Token        string
	CredentialID string
	Err          error
}

func (e *DanglingError) Error() string {
	return fmt.Sprintf("provisioning: dangling credential %s (token %s): %v", e.CredentialID, e.Token, e.Err)
}

// Unwrap exposes both the sentinel and the cause.
func (e *DanglingError) Unwrap() []error { return []error{ErrDangling, e.Err} }

// outcome maps an error to a metrics label.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidLabel):
		return "invalid"
	case errors.Is(err, ErrAlreadyFulfilled):
		return "already_fulfilled"
	case errors.Is(err, ErrNotPaid):
		return "not_paid"
	case errors.Is(err, ErrGateway):
		return "gateway"
	case errors.Is(err, ErrDangling):
		return "dangling"
	case errors.Is(err, ErrLedger):
		return "ledger"
	default:
		return "error"
	}
}
