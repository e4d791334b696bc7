package device

import (
	"net"
	"net/netip"
	"time"

	"github.com/patrickmn/go-cache"
)

// neighbours maps IPv4 addresses to hardware addresses with expiry.
type neighbours struct {
	c *cache.Cache
}

func newNeighbours(ttl time.Duration) *neighbours {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &neighbours{c: cache.New(ttl, 2*ttl)}
}

func (n *neighbours) learn(ip netip.Addr, mac net.HardwareAddr) {
	hw := make(net.HardwareAddr, len(mac))
	copy(hw, mac)
	n.c.SetDefault(ip.String(), hw)
}

func (n *neighbours) lookup(ip netip.Addr) (net.HardwareAddr, bool) {
	v, ok := n.c.Get(ip.String())
	if !ok {
		return nil, false
	}
	return v.(net.HardwareAddr), true
}

func (n *neighbours) count() int {
	return n.c.ItemCount()
}
