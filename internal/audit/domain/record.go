package domain

import (
	"strings"
	"time"
)

// GenesisHash is the previous hash of the first record in the chain.
var GenesisHash = strings.Repeat("0", 64)

// Outcome of an audited operation.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
	OutcomeError   = "error"
)

// Entry is what callers record. The recorder assigns sequence, time and hashes.
type Entry struct {
	Realm         string
	Login         string
	UserID        string
	Resolver      string
	TokenSerial   string
	Action        string
	Outcome       string
	Reason        string
	ClientIP      string
	TransactionID string
}

// Record is one link of the audit hash chain. Records are never updated or deleted.
type Record struct {
	Entry
	Sequence     int64
	RecordedAt   time.Time
	PreviousHash string
	RecordHash   string
	// Signature is a compact JWS over {seq, hash}; empty when no signing key is configured.
	Signature string
}
