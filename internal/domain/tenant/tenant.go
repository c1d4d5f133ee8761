// Package tenant describes the policy source that says which tenant accounts
// and subdomains are currently active.
package tenant

import (
	"context"
	"fmt"
)

// AccountSource is the external account/policy store.
type AccountSource interface {
	// CurrentAccounts returns the active tenant accounts.
	CurrentAccounts(ctx context.Context) ([]string, error)
	// SubdomainsFor returns the ordered subdomains of an account.
	SubdomainsFor(ctx context.Context, account string) ([]string, error)
}

// Refresher is implemented by account sources that cache policy and can be
// asked to drop that cache before the next read.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// PolicyUnavailableError reports that the account source could not be
// reached. Callers must never treat it as "no accounts".
type PolicyUnavailableError struct {
	Op  string
	Err error
}

func (e *PolicyUnavailableError) Error() string {
	return fmt.Sprintf("account policy unavailable (%s): %v", e.Op, e.Err)
}

func (e *PolicyUnavailableError) Unwrap() error { return e.Err }
