package cfddns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"
)

// InterfaceResolver constructs a resolver that returns the first global unicast address of family
// bound to one of the given interfaces, in order.
// If no interfaces are provided then all interfaces will be searched.
//
// This is useful on hosts that hold their public address directly, e.g. a router or a VPS.
func InterfaceResolver(family Family, iface ...string) Resolver {
	return interfaceResolver{family: family, ifaces: iface}
}

type interfaceResolver struct {
	family Family
	ifaces []string
}

func (r interfaceResolver) Resolve(ctx context.Context) (Observation, error) {
	addrs, err := r.addrs()
	for _, a := range addrs {
		if r.family.matches(a) && a.IsGlobalUnicast() && !a.IsPrivate() {
			return Observation{Addr: a, ObservedAt: time.Now()}, nil
		}
	}
	if err == nil {
		err = fmt.Errorf("no public %s address found on %d addresses", r.family, len(addrs))
	}
	return Observation{}, &ResolutionError{Err: err}
}

func (r interfaceResolver) addrs() (addrs []netip.Addr, err error) {
	if len(r.ifaces) == 0 {
		adds, err := net.InterfaceAddrs()
		if err != nil {
			return nil, fmt.Errorf("error getting addresses for interface: %w", err)
		}
		return parsePrefixes(adds, "")
	}

	var errs []error
	for _, ifs := range r.ifaces {
		iface, err := net.InterfaceByName(ifs)
		if err != nil {
			errs = append(errs, fmt.Errorf("error getting interface %s by name: %w", ifs, err))
			continue
		}
		a, err := iface.Addrs()
		if err != nil {
			errs = append(errs, fmt.Errorf("error looking up addresses for interface %s: %w", ifs, err))
			continue
		}
		parsed, err := parsePrefixes(a, ifs)
		if err != nil {
			errs = append(errs, err)
		}
		addrs = append(addrs, parsed...)
	}
	return addrs, errors.Join(errs...)
}

// addr: ip+net:192.168.86.253/24
// addr: ip+net:fd64:9f44:fc30:0:b951:8b16:2812:a227/64
// addr: ip+net:fe80::2cc9:801b:3551:9a43/64
func parsePrefixes(adds []net.Addr, iface string) (addrs []netip.Addr, err error) {
	var parseErrors []error
	for _, addr := range adds {
		ip, err := netip.ParsePrefix(addr.String())
		if err != nil {
			parseErrors = append(parseErrors, fmt.Errorf("error parsing local ip %s for interface %q: %s", addr.String(), iface, err))
			continue
		}
		if ip.Addr().IsLoopback() {
			continue
		}
		addrs = append(addrs, ip.Addr().Unmap())
	}
	return addrs, errors.Join(parseErrors...)
}
