package membership

import (
	"fmt"
	"net"
	"strconv"
)

// Address is a connectable cluster member address.
type Address struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// ParseAddress parses "host:port" back into an Address.
func ParseAddress(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return Address{}, fmt.Errorf("invalid port in address %q", s)
	}
	return Address{Host: host, Port: port}, nil
}

// Membership is the gossip layer that runs once seeds are known.
// Both join operations are fire-and-forget; the implementation owns retries.
type Membership interface {
	// SelfAddress is the address this process binds for membership traffic.
	SelfAddress() Address

	// BecomeFoundingMember starts a new cluster with self as its only member.
	BecomeFoundingMember(self Address)

	// JoinSeeds joins an existing cluster through any of the given seeds.
	JoinSeeds(seeds []Address)
}

// Member is one entry of the current membership view.
type Member struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	State   string `json:"state"`
}

// Lister is implemented by memberships that can report their current view.
type Lister interface {
	Members() []Member
}
