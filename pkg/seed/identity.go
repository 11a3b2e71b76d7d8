package seed

import (
	"fmt"
	"net"
	"strings"

	gopsnet "github.com/shirou/gopsutil/v3/net"

	"seednode/pkg/membership"
)

// NodeIdentity is the externally addressable host:port of this process.
// Its String form is the candidate id registered for the election.
type NodeIdentity struct {
	Host string
	Port int
}

func (n NodeIdentity) String() string {
	return n.Address().String()
}

func (n NodeIdentity) Address() membership.Address {
	return membership.Address{Host: n.Host, Port: n.Port}
}

// ElectionPath joins base path and cluster name into "/base/cluster".
// The cluster name is a single path segment so one cluster's path never
// lands under another cluster's candidate prefix.
func ElectionPath(basePath, clusterName string) (string, error) {
	cluster := strings.Trim(strings.TrimSpace(clusterName), "/")
	if cluster == "" {
		return "", ErrMissingClusterName
	}
	if strings.Contains(cluster, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidClusterName, clusterName)
	}
	base := strings.Trim(strings.TrimSpace(basePath), "/")
	if base == "" {
		return "/" + cluster, nil
	}
	return "/" + base + "/" + cluster, nil
}

// interfaces is replaced in tests.
var interfaces = gopsnet.Interfaces

func isUnspecified(host string) bool {
	if host == "" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsUnspecified()
}

// detectHost returns the first IPv4 address of an up, non-loopback interface.
func detectHost() (string, error) {
	ifaces, err := interfaces()
	if err != nil {
		return "", fmt.Errorf("failed to list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if !hasFlag(iface.Flags, "up") || hasFlag(iface.Flags, "loopback") {
			continue
		}
		for _, addr := range iface.Addrs {
			ip, _, err := net.ParseCIDR(addr.Addr)
			if err != nil {
				ip = net.ParseIP(addr.Addr)
			}
			if ip == nil || ip.IsLoopback() || ip.To4() == nil {
				continue
			}
			return ip.String(), nil
		}
	}
	return "", fmt.Errorf("no routable IPv4 interface found")
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}
