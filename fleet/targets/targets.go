// Package targets expands textual target specifications (single address,
// start-end range, CIDR block) into concrete address lists.
package targets

import (
	"fmt"
	"math/big"
	"net/netip"
	"strings"

	"github.com/SiriusScan/go-fleet/fleet"
)

// DefaultMaxAddresses caps how many addresses a single specification may produce.
const DefaultMaxAddresses = 65536

// SpecError records why one specification could not be expanded.
type SpecError struct {
	Spec string
	Err  error
}

func (e SpecError) Error() string {
	return fmt.Sprintf("target %q: %v", e.Spec, e.Err)
}

func (e SpecError) Unwrap() error {
	return e.Err
}

// Result is the outcome of expanding a batch of specifications. Addresses
// are de-duplicated and kept in first-seen order.
type Result struct {
	Addresses []string
	Errors    []SpecError
}

type Expander struct {
	MaxAddresses int
}

func NewExpander(maxAddresses int) *Expander {
	if maxAddresses <= 0 {
		maxAddresses = DefaultMaxAddresses
	}
	return &Expander{MaxAddresses: maxAddresses}
}

// Expand resolves every specification. A bad specification is reported in
// Result.Errors and never aborts the batch.
func (e *Expander) Expand(specs ...string) Result {
	var res Result
	seen := make(map[netip.Addr]bool)

	for _, spec := range specs {
		addrs, err := e.expandOne(strings.TrimSpace(spec))
		if err != nil {
			res.Errors = append(res.Errors, SpecError{Spec: spec, Err: err})
			continue
		}
		for _, a := range addrs {
			if !seen[a] {
				seen[a] = true
				res.Addresses = append(res.Addresses, a.String())
			}
		}
	}
	return res
}

func (e *Expander) expandOne(spec string) ([]netip.Addr, error) {
	switch {
	case spec == "":
		return nil, fmt.Errorf("%w: empty", fleet.ErrInvalidSpecification)
	case strings.Contains(spec, "/"):
		return e.expandCIDR(spec)
	case strings.Contains(spec, "-"):
		return e.expandRange(spec)
	}
	addr, err := netip.ParseAddr(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fleet.ErrInvalidSpecification, err)
	}
	return []netip.Addr{addr.Unmap()}, nil
}

func (e *Expander) expandCIDR(spec string) ([]netip.Addr, error) {
	prefix, err := netip.ParsePrefix(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fleet.ErrInvalidSpecification, err)
	}
	prefix = prefix.Masked()

	hostBits := prefix.Addr().BitLen() - prefix.Bits()
	if hostBits >= 63 || 1<<hostBits > e.MaxAddresses {
		return nil, fmt.Errorf("%w: %s spans 2^%d addresses, limit %d", fleet.ErrRangeTooLarge, spec, hostBits, e.MaxAddresses)
	}

	first := prefix.Addr()
	count := 1 << hostBits

	// Network and broadcast addresses are not scan targets; IPv6 has no
	// broadcast but the first address is the subnet-router anycast.
	skipFirst, skipLast := false, false
	if prefix.Addr().Is4() {
		skipFirst, skipLast = hostBits >= 2, hostBits >= 2
	} else {
		skipFirst = hostBits >= 2
	}

	addrs := make([]netip.Addr, 0, count)
	a := first
	for i := 0; i < count; i++ {
		last := i == count-1
		if !(i == 0 && skipFirst) && !(last && skipLast) {
			addrs = append(addrs, a)
		}
		a = a.Next()
	}
	return addrs, nil
}

func (e *Expander) expandRange(spec string) ([]netip.Addr, error) {
	left, right, _ := strings.Cut(spec, "-")
	start, err := netip.ParseAddr(strings.TrimSpace(left))
	if err != nil {
		return nil, fmt.Errorf("%w: range start: %v", fleet.ErrInvalidSpecification, err)
	}
	end, err := netip.ParseAddr(strings.TrimSpace(right))
	if err != nil {
		return nil, fmt.Errorf("%w: range end: %v", fleet.ErrInvalidSpecification, err)
	}
	start, end = start.Unmap(), end.Unmap()
	if start.Is4() != end.Is4() {
		return nil, fmt.Errorf("%w: mixed address families", fleet.ErrInvalidSpecification)
	}
	if end.Less(start) {
		start, end = end, start
	}

	span := new(big.Int).Sub(new(big.Int).SetBytes(end.AsSlice()), new(big.Int).SetBytes(start.AsSlice()))
	span.Add(span, big.NewInt(1))
	if span.Cmp(big.NewInt(int64(e.MaxAddresses))) > 0 {
		return nil, fmt.Errorf("%w: %s spans %s addresses, limit %d", fleet.ErrRangeTooLarge, spec, span, e.MaxAddresses)
	}

	addrs := make([]netip.Addr, 0, span.Int64())
	for a := start; ; a = a.Next() {
		addrs = append(addrs, a)
		if a == end {
			break
		}
	}
	return addrs, nil
}
