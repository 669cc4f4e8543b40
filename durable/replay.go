package durable

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/dshills/durable-go/durable/store"
)

// expectation describes the operation the code is about to request.
type expectation struct {
	Type    store.OperationType
	SubType string
	Name    string
}

// validateReplay checks that the recorded operation at this position matches
// the requested one. A nil record is always consistent.
//
// A mismatch means the function took a different path than on a previous
// invocation, so any cached outcome would be wrong for it.
func validateReplay(op *store.Operation, want expectation) error {
	if op == nil {
		return nil
	}
	if op.Type == want.Type && op.SubType == want.SubType && op.Name == want.Name {
		return nil
	}
	return Unrecoverable(fmt.Errorf("%w: operation %s recorded as %s, requested as %s",
		ErrNonDeterministic, op.ID,
		describe(op.Type, op.SubType, op.Name),
		describe(want.Type, want.SubType, want.Name)))
}

func describe(t store.OperationType, subType, name string) string {
	s := string(t)
	if subType != "" {
		s += "/" + subType
	}
	return fmt.Sprintf("%s %q", s, name)
}

// hashID derives the operation id stored by the service from a logical id.
func hashID(logical string) string {
	sum := sha256.Sum256([]byte(logical))
	return hex.EncodeToString(sum[:16])
}
