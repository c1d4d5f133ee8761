// Package accountfile provides a tenant.AccountSource read from a YAML file.
// It is meant for local runs and small static deployments.
package accountfile

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ahrav/audit-mill/internal/domain/tenant"
)

var (
	_ tenant.AccountSource = (*Source)(nil)
	_ tenant.Refresher     = (*Source)(nil)
)

// Document is the on-disk layout.
//
//	accounts:
//	  - name: acme
//	    subdomains: [primary, archive]
//	  - name: initech
//	    enabled: false
//	    subdomains: [primary]
type Document struct {
	Accounts []Account `yaml:"accounts"`
}

// Account is one tenant entry. Enabled defaults to true when omitted.
type Account struct {
	Name       string   `yaml:"name"`
	Enabled    *bool    `yaml:"enabled,omitempty"`
	Subdomains []string `yaml:"subdomains"`
}

func (a Account) enabled() bool { return a.Enabled == nil || *a.Enabled }

// Source reads the file lazily and keeps the parsed document until Refresh.
type Source struct {
	// path is the filesystem path to the accounts file.
	path string

	mu  sync.Mutex
	doc *Document
}

// New creates a Source for path. The file is not read until first use.
func New(path string) *Source { return &Source{path: path} }

func (s *Source) load() (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc != nil {
		return s.doc, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read accounts file: %w", err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse accounts file: %w", err)
	}
	for i, a := range doc.Accounts {
		if a.Name == "" {
			return nil, fmt.Errorf("accounts[%d]: name is required", i)
		}
	}
	s.doc = &doc
	return s.doc, nil
}

// CurrentAccounts returns the enabled accounts in name order.
func (s *Source) CurrentAccounts(ctx context.Context) ([]string, error) {
	doc, err := s.load()
	if err != nil {
		return nil, &tenant.PolicyUnavailableError{Op: "list accounts", Err: err}
	}

	out := make([]string, 0, len(doc.Accounts))
	for _, a := range doc.Accounts {
		if a.enabled() {
			out = append(out, a.Name)
		}
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// SubdomainsFor returns the account's subdomains in the order listed. An
// unknown or disabled account has none.
func (s *Source) SubdomainsFor(ctx context.Context, account string) ([]string, error) {
	doc, err := s.load()
	if err != nil {
		return nil, &tenant.PolicyUnavailableError{Op: "list subdomains", Err: err}
	}

	for _, a := range doc.Accounts {
		if a.Name == account && a.enabled() {
			return slices.Clone(a.Subdomains), nil
		}
	}
	return []string{}, nil
}

// Refresh forgets the parsed document so the next read re-reads the file.
func (s *Source) Refresh(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc = nil
	return nil
}
