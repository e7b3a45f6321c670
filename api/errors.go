package api

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	_ error = (*ValidationError)(nil)
	_ error = (*TimestampFormatError)(nil)
	_ error = (*NotFoundError)(nil)
	_ error = (*ContentStoreError)(nil)
	_ error = (*StoreAuthError)(nil)
	_ error = (*PayloadTooLargeError)(nil)
	_ error = (*ContentIntegrityError)(nil)
	_ error = (*LedgerError)(nil)
	_ error = (*NonceConflictError)(nil)
	_ error = (*InsufficientFundsError)(nil)
	_ error = (*PartialWriteError)(nil)
)

// ValidationError signals a malformed or out-of-range payload. Validation
// failures happen before any external call is made.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "invalid payload: " + e.Reason }

// TimestampFormatError signals a timestamp that is not a non-negative unix
// integer. The integer format is an external contract; ISO-8601 strings are
// rejected with this distinct type rather than coerced.
type TimestampFormatError struct {
	Value string
}

func (e *TimestampFormatError) Error() string {
	return fmt.Sprintf("timestamp must be a non-negative unix integer, got %s", e.Value)
}

// IsValidation reports whether err is any member of the validation family.
func IsValidation(err error) bool {
	var ve *ValidationError
	var te *TimestampFormatError
	return errors.As(err, &ve) || errors.As(err, &te)
}

// NotFoundError signals that the ledger holds no entry for the key.
type NotFoundError struct {
	Key RecordKey
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no record registered for %s", e.Key)
}

// ContentStoreError wraps transient content store failures (unreachable
// endpoint, protocol errors). These are safe to retry with bounded backoff.
type ContentStoreError struct {
	Op  string
	Err error
}

func (e *ContentStoreError) Error() string {
	return fmt.Sprintf("content store %s failed: %s", e.Op, e.Err)
}

func (e *ContentStoreError) Unwrap() error { return e.Err }

// StoreAuthError signals rejected content store credentials. Not retried.
type StoreAuthError struct {
	Status int
}

func (e *StoreAuthError) Error() string {
	return fmt.Sprintf("content store rejected credentials (status %d)", e.Status)
}

// PayloadTooLargeError signals a blob above the single-object size bound.
type PayloadTooLargeError struct {
	Size  int
	Limit int
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("payload of %d bytes exceeds the %d byte limit", e.Size, e.Limit)
}

// ContentIntegrityError signals that fetched bytes do not hash to the
// requested CID. The remote store is trusted for availability only, so this
// is kept distinct from a plain not-found or parse failure.
type ContentIntegrityError struct {
	Requested string
	Computed  string
}

func (e *ContentIntegrityError) Error() string {
	return fmt.Sprintf("content integrity violation: requested %s, bytes hash to %s", e.Requested, e.Computed)
}

// LedgerError wraps ledger RPC and transaction failures.
type LedgerError struct {
	Op  string
	Err error
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("ledger %s failed: %s", e.Op, e.Err)
}

func (e *LedgerError) Unwrap() error { return e.Err }

// NonceConflictError signals a per-signer sequence collision. Retryable once
// with a fresh sequence number.
type NonceConflictError struct {
	Nonce uint64
}

func (e *NonceConflictError) Error() string {
	return fmt.Sprintf("transaction nonce %d conflicts with a pending transaction", e.Nonce)
}

// InsufficientFundsError signals the signer cannot cover transaction fees.
// Fatal; never retried.
type InsufficientFundsError struct {
	Address string
	Balance string
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("signer %s has insufficient funds (balance %s)", e.Address, e.Balance)
}

// PartialWriteError signals that content was durably stored but ledger
// registration failed. The blob is not rolled back (the store has no delete)
// and the registration is not resubmitted automatically; the orphaned CID is
// carried so an operator can complete registration by hand.
type PartialWriteError struct {
	Key RecordKey
	CID string
	Err error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("content %s stored but ledger registration for %s failed: %s", e.CID, e.Key, e.Err)
}

func (e *PartialWriteError) Unwrap() error { return e.Err }

// ErrorIsIn reports whether err matches any of the given typed errors.
func ErrorIsIn(err error, errorTypes []error) bool {
	for _, etype := range errorTypes {
		tmp := reflect.New(reflect.PointerTo(reflect.ValueOf(etype).Elem().Type())).Interface()
		if errors.As(err, tmp) {
			return true
		}
	}
	return false
}
