package executor

import "errors"

// ErrNoOpsToBundle is returned by BundleNow when the mempool had nothing
// to offer for a one-shot manual trigger.
var ErrNoOpsToBundle = errors.New("no ops to bundle")

// ErrNoTxHash is returned by BundleNow when an entry point's dispatch
// produced no transaction hash: no success result came back for it.
var ErrNoTxHash = errors.New("no tx hash")

// ErrReceiptNotFound is the retry signal the receipt reconstructor
// treats specially: any other error from the EVM client propagates.
var ErrReceiptNotFound = errors.New("receipt not found")

// ErrNoUserOperationEvent means the chain's logs for a transaction never
// contained a UserOperationEvent -- an invariant violation surfaced to
// the caller rather than retried.
var ErrNoUserOperationEvent = errors.New("no UserOperationEvent in logs")
