package listener

import (
	"errors"
	"slices"

	"github.com/cespare/xxhash/v2"

	"github.com/ahrav/audit-mill/internal/domain/listener"
)

var _ listener.HostResolver = (*HostResolver)(nil)

// HostResolver places tenants on hosts with rendezvous (highest random
// weight) hashing. The result depends only on the tenant, the host set and
// the overrides, so it is stable across calls and process restarts, and
// adding or removing a host only moves the tenants that hashed to it.
type HostResolver struct {
	hosts     []string
	overrides map[string]string
}

// NewHostResolver builds a resolver over hosts. Overrides pin specific
// tenants to a host and take precedence over hashing.
func NewHostResolver(hosts []string, overrides map[string]string) (*HostResolver, error) {
	uniq := slices.Clone(hosts)
	slices.Sort(uniq)
	uniq = slices.Compact(uniq)
	uniq = slices.DeleteFunc(uniq, func(h string) bool { return h == "" })
	if len(uniq) == 0 && len(overrides) == 0 {
		return nil, errors.New("host resolver requires at least one host")
	}

	pinned := make(map[string]string, len(overrides))
	for tenant, host := range overrides {
		pinned[tenant] = host
	}

	return &HostResolver{hosts: uniq, overrides: pinned}, nil
}

// Resolve returns the host for account. It returns "" only when account has
// no override and the resolver was built without hosts.
func (r *HostResolver) Resolve(account string) string {
	if host, ok := r.overrides[account]; ok {
		return host
	}

	var (
		best      string
		bestScore uint64
	)
	for _, host := range r.hosts {
		score := xxhash.Sum64String(host + "/" + account)
		if best == "" || score > bestScore {
			best, bestScore = host, score
		}
	}
	return best
}
