package store

import "errors"

// ErrLedgerInconsistent marks a ledger row that is missing or would go negative.
var ErrLedgerInconsistent = errors.New("reference ledger inconsistent")
