package discovery

import (
	"fmt"
	"net/netip"

	"github.com/tovfikur/fleetd/internal/model"
)

// maxScanHosts caps how many addresses a single scan may probe.
const maxScanHosts = 1024

// hostsFromCIDR expands a network range into probeable host addresses.
// For prefixes shorter than /31 the network and broadcast addresses are
// excluded; /31 and /32 yield all their addresses.
func hostsFromCIDR(cidr string) ([]string, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid network range %q", model.ErrValidation, cidr)
	}
	if !prefix.Addr().Is4() {
		return nil, fmt.Errorf("%w: only IPv4 ranges are supported", model.ErrValidation)
	}
	prefix = prefix.Masked()

	var hosts []string
	for addr := prefix.Addr(); prefix.Contains(addr); addr = addr.Next() {
		hosts = append(hosts, addr.String())
		if len(hosts) > maxScanHosts+2 {
			return nil, fmt.Errorf("%w: range %s exceeds %d hosts", model.ErrValidation, cidr, maxScanHosts)
		}
	}

	if prefix.Bits() < 31 && len(hosts) >= 2 {
		hosts = hosts[1 : len(hosts)-1]
	}
	if len(hosts) > maxScanHosts {
		return nil, fmt.Errorf("%w: range %s exceeds %d hosts", model.ErrValidation, cidr, maxScanHosts)
	}
	return hosts, nil
}
