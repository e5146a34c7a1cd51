package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind groups domain errors by how callers should react to them.
type ErrorKind int

const (
	KindValidation ErrorKind = iota + 1
	KindNotFound
	KindConflict
)

// KindOf reports the kind of a domain error, or 0 for anything else.
func KindOf(err error) ErrorKind {
	var k interface{ Kind() ErrorKind }
	if errors.As(err, &k) {
		return k.Kind()
	}
	return 0
}

// CurrentStatus returns the aggregate status carried by a conflict error, if any.
func CurrentStatus(err error) string {
	var s interface{ CurrentStatus() string }
	if errors.As(err, &s) {
		return s.CurrentStatus()
	}
	return ""
}

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (ValidationError) Kind() ErrorKind { return KindValidation }

type NotFoundError struct {
	Entity string
	ID     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (NotFoundError) Kind() ErrorKind { return KindNotFound }

type InvalidStateError struct {
	Entity string
	ID     string
	Status string
	Op     string
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s %s in status %s", e.Op, e.Entity, e.ID, e.Status)
}

func (InvalidStateError) Kind() ErrorKind         { return KindConflict }
func (e InvalidStateError) CurrentStatus() string { return e.Status }

type AmountMismatchError struct {
	Expected int64
	Got      int64
}

func (e AmountMismatchError) Error() string {
	return fmt.Sprintf("amount %d does not match expected %d", e.Got, e.Expected)
}

func (AmountMismatchError) Kind() ErrorKind { return KindValidation }

type BelowMinimumError struct {
	Amount  int64
	Minimum int64
}

func (e BelowMinimumError) Error() string {
	return fmt.Sprintf("amount %d is below the minimum escrow amount %d", e.Amount, e.Minimum)
}

func (BelowMinimumError) Kind() ErrorKind { return KindValidation }

type OutOfOrderMilestoneError struct {
	MilestoneID  string
	Position     int
	NextPosition int
	Status       string
}

func (e OutOfOrderMilestoneError) Error() string {
	return fmt.Sprintf("milestone %s at position %d cannot complete before position %d", e.MilestoneID, e.Position, e.NextPosition)
}

func (OutOfOrderMilestoneError) Kind() ErrorKind         { return KindConflict }
func (e OutOfOrderMilestoneError) CurrentStatus() string { return e.Status }

type DisputeActiveError struct {
	TransactionID string
	DisputeID     string
}

func (e DisputeActiveError) Error() string {
	return fmt.Sprintf("transaction %s has an active dispute %s", e.TransactionID, e.DisputeID)
}

func (DisputeActiveError) Kind() ErrorKind       { return KindConflict }
func (DisputeActiveError) CurrentStatus() string { return string(StatusDisputed) }

type AlreadyResolvedError struct {
	DisputeID  string
	Resolution Resolution
	Status     string
}

func (e AlreadyResolvedError) Error() string {
	return fmt.Sprintf("dispute %s already resolved as %s", e.DisputeID, e.Resolution)
}

func (AlreadyResolvedError) Kind() ErrorKind         { return KindConflict }
func (e AlreadyResolvedError) CurrentStatus() string { return e.Status }

type ExpiredContractError struct {
	ContractID string
	ExpiredAt  time.Time
}

func (e ExpiredContractError) Error() string {
	return fmt.Sprintf("contract %s expired at %s", e.ContractID, e.ExpiredAt.UTC().Format(time.RFC3339))
}

func (ExpiredContractError) Kind() ErrorKind       { return KindConflict }
func (ExpiredContractError) CurrentStatus() string { return string(ContractExpired) }

type InsufficientHeldFundsError struct {
	Requested int64
	Held      int64
}

func (e InsufficientHeldFundsError) Error() string {
	return fmt.Sprintf("requested %d exceeds held funds %d", e.Requested, e.Held)
}

func (InsufficientHeldFundsError) Kind() ErrorKind { return KindConflict }

// ConcurrencyError is returned when an update kept losing the optimistic
// version check after all retries.
type ConcurrencyError struct {
	Entity   string
	ID       string
	Attempts int
	Status   string
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("%s %s was modified concurrently (%d attempts)", e.Entity, e.ID, e.Attempts)
}

func (ConcurrencyError) Kind() ErrorKind         { return KindConflict }
func (e ConcurrencyError) CurrentStatus() string { return e.Status }
