// Package oracle defines how the engine talks to a decryption oracle: requests
// go out through a Client, answers come back through a Handler.
package oracle

import (
	"context"

	"github.com/drand/sealed/ledger"
)

// Request asks the oracle to decrypt the ciphertexts of a record.
type Request struct {
	Record      ledger.RecordID
	Ciphertexts ledger.Ciphertexts
}

// Client submits decryption requests. Issue returns as soon as the oracle
// accepted the request; the answer arrives later through a Handler.
type Client interface {
	Issue(ctx context.Context, req Request) (ledger.RequestID, error)
}

// Answer is the oracle callback: the cleartexts of the request and the proof
// that they are the decryption of the submitted ciphertexts.
type Answer struct {
	RequestID  ledger.RequestID
	Cleartexts ledger.Cleartexts
	Proof      []byte
}

// Handler receives oracle answers.
type Handler interface {
	Callback(ctx context.Context, a *Answer) error
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(ctx context.Context, a *Answer) error

func (f HandlerFunc) Callback(ctx context.Context, a *Answer) error {
	return f(ctx, a)
}
