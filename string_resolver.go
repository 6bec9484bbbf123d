package cfddns

import (
	"context"
	"fmt"
	"net/netip"
	"time"
)

// FromString constructs a resolver that always returns the IP parsed from addr.
// It is used to force a specific address instead of discovering one.
func FromString(addr string) (Resolver, error) {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return nil, fmt.Errorf("unable to parse IP: %w", err)
	}
	return staticResolver(ip.Unmap()), nil
}

type staticResolver netip.Addr

func (s staticResolver) Resolve(context.Context) (Observation, error) {
	return Observation{Addr: netip.Addr(s), ObservedAt: time.Now()}, nil
}
