package types

import (
	"errors"
	"fmt"
)

// ErrorKind is the coarse class of a failure. The transport maps it to a
// status code: Malformed and Verification are the caller's fault, Onchain
// and Internal are ours.
type ErrorKind int

const (
	KindMalformed ErrorKind = iota
	KindVerification
	KindOnchain
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindVerification:
		return "verification"
	case KindOnchain:
		return "onchain"
	default:
		return "internal"
	}
}

// ErrorReason is the machine-readable reason code callers may branch on.
type ErrorReason string

const (
	ReasonInvalidPayload           ErrorReason = "invalid_payload"
	ReasonUnsupportedSchemeNetwork ErrorReason = "unsupported_scheme_network"
	ReasonSchemeNetworkMismatch    ErrorReason = "scheme_network_mismatch"
	ReasonAssetMismatch            ErrorReason = "asset_mismatch"
	ReasonAmountMismatch           ErrorReason = "amount_mismatch"
	ReasonRecipientMismatch        ErrorReason = "recipient_mismatch"
	ReasonExpired                  ErrorReason = "expired"
	ReasonNotYetValid              ErrorReason = "not_yet_valid"
	ReasonInvalidSignature         ErrorReason = "invalid_signature"
	ReasonNonceAlreadyUsed         ErrorReason = "nonce_already_used"
	ReasonInsufficientFunds        ErrorReason = "insufficient_funds"
	ReasonChainReadFailed          ErrorReason = "chain_read_failed"
	ReasonSubmissionFailed         ErrorReason = "submission_failed"
	ReasonExecutionReverted        ErrorReason = "execution_reverted"
	ReasonConfirmationTimeout      ErrorReason = "confirmation_timeout"
	ReasonUnexpectedError          ErrorReason = "unexpected_error"
)

var reasonKinds = map[ErrorReason]ErrorKind{
	ReasonInvalidPayload:           KindMalformed,
	ReasonUnsupportedSchemeNetwork: KindVerification,
	ReasonSchemeNetworkMismatch:    KindVerification,
	ReasonAssetMismatch:            KindVerification,
	ReasonAmountMismatch:           KindVerification,
	ReasonRecipientMismatch:        KindVerification,
	ReasonExpired:                  KindVerification,
	ReasonNotYetValid:              KindVerification,
	ReasonInvalidSignature:         KindVerification,
	ReasonNonceAlreadyUsed:         KindVerification,
	ReasonInsufficientFunds:        KindVerification,
	ReasonChainReadFailed:          KindOnchain,
	ReasonSubmissionFailed:         KindOnchain,
	ReasonExecutionReverted:        KindOnchain,
	ReasonConfirmationTimeout:      KindOnchain,
	ReasonUnexpectedError:          KindInternal,
}

// AllReasons returns every reason in declaration order.
func AllReasons() []ErrorReason {
	return []ErrorReason{
		ReasonInvalidPayload,
		ReasonUnsupportedSchemeNetwork,
		ReasonSchemeNetworkMismatch,
		ReasonAssetMismatch,
		ReasonAmountMismatch,
		ReasonRecipientMismatch,
		ReasonExpired,
		ReasonNotYetValid,
		ReasonInvalidSignature,
		ReasonNonceAlreadyUsed,
		ReasonInsufficientFunds,
		ReasonChainReadFailed,
		ReasonSubmissionFailed,
		ReasonExecutionReverted,
		ReasonConfirmationTimeout,
		ReasonUnexpectedError,
	}
}

// Kind returns the class of the reason. Unknown reasons are internal.
func (r ErrorReason) Kind() ErrorKind {
	if k, ok := reasonKinds[r]; ok {
		return k
	}
	return KindInternal
}

// FacilitatorError is the single error type produced by verification and
// settlement. Network, Transaction and Payer are filled in as they become
// known so the transport can echo them in error bodies.
type FacilitatorError struct {
	Reason      ErrorReason
	Details     string
	Payer       string
	Network     Network
	Transaction string
	Err         error
}

// NewError creates an error for reason with formatted details.
func NewError(reason ErrorReason, format string, args ...any) *FacilitatorError {
	return &FacilitatorError{Reason: reason, Details: fmt.Sprintf(format, args...)}
}

// WrapError creates an error for reason that keeps err as its cause.
func WrapError(reason ErrorReason, err error, details string) *FacilitatorError {
	if details == "" && err != nil {
		details = err.Error()
	}
	return &FacilitatorError{Reason: reason, Details: details, Err: err}
}

func (e *FacilitatorError) Error() string {
	msg := string(e.Reason)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Payer != "" {
		msg += " (payer: " + e.Payer + ")"
	}
	return msg
}

func (e *FacilitatorError) Unwrap() error { return e.Err }

// Kind returns the class of the error's reason.
func (e *FacilitatorError) Kind() ErrorKind { return e.Reason.Kind() }

// IsClientError reports whether the payer can fix the failure by resubmitting.
func (e *FacilitatorError) IsClientError() bool {
	k := e.Kind()
	return k == KindMalformed || k == KindVerification
}

// WithPayer sets the payer if not already set and returns e.
func (e *FacilitatorError) WithPayer(payer string) *FacilitatorError {
	if e.Payer == "" {
		e.Payer = payer
	}
	return e
}

// WithNetwork sets the network if not already set and returns e.
func (e *FacilitatorError) WithNetwork(network Network) *FacilitatorError {
	if e.Network == "" {
		e.Network = network
	}
	return e
}

// WithTransaction records the hash of a transaction that was broadcast.
func (e *FacilitatorError) WithTransaction(hash string) *FacilitatorError {
	e.Transaction = hash
	return e
}

// PaymentProblem is the normalized (reason, details) view of any error.
type PaymentProblem struct {
	Reason  ErrorReason
	Details string
}

// AsFacilitatorError returns err as a *FacilitatorError, wrapping anything
// else as unexpected_error.
func AsFacilitatorError(err error) *FacilitatorError {
	if err == nil {
		return nil
	}
	var fe *FacilitatorError
	if errors.As(err, &fe) {
		return fe
	}
	return WrapError(ReasonUnexpectedError, err, "")
}

// AsPaymentProblem normalizes err into a PaymentProblem.
func AsPaymentProblem(err error) PaymentProblem {
	fe := AsFacilitatorError(err)
	if fe == nil {
		return PaymentProblem{}
	}
	return PaymentProblem{Reason: fe.Reason, Details: fe.Details}
}
