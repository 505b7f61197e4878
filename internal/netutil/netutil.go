// Package netutil looks up this host's LAN addresses.
package netutil

import (
	"fmt"
	"net"

	"github.com/jackpal/gateway"
	log "github.com/sirupsen/logrus"
)

// LANAddress returns the IPv4 address other LAN devices should use to reach
// this host: the address of the interface facing the default gateway, or the
// first non-loopback IPv4 address when no gateway is known.
func LANAddress() (net.IP, error) {
	if gw, err := gateway.DiscoverGateway(); err == nil {
		if ip, err := addressForGateway(gw); err == nil {
			return ip, nil
		}
	} else {
		log.WithError(err).Debug("no default gateway")
	}
	if ip, err := gateway.DiscoverInterface(); err == nil && ip.To4() != nil && !ip.IsLoopback() {
		return ip.To4(), nil
	}
	ips, err := LocalIPs()
	if err != nil {
		return nil, err
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil && !v4.IsLoopback() && v4.IsGlobalUnicast() {
			return v4, nil
		}
	}
	return nil, fmt.Errorf("no LAN IPv4 address found")
}

func addressForGateway(gw net.IP) (net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			v4 := ipnet.IP.To4()
			if v4 == nil || v4.IsLoopback() || !v4.IsGlobalUnicast() {
				continue
			}
			if ipnet.Contains(gw) {
				return v4, nil
			}
		}
	}
	return nil, fmt.Errorf("no interface on the subnet of gateway %s", gw)
}

// LocalIPs lists every address assigned to this host, loopback included.
func LocalIPs() ([]net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	out := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		switch v := a.(type) {
		case *net.IPNet:
			out = append(out, v.IP)
		case *net.IPAddr:
			out = append(out, v.IP)
		}
	}
	return out, nil
}

// IsLocal reports whether ip belongs to this host.
func IsLocal(ip net.IP) bool {
	if ip.IsLoopback() {
		return true
	}
	ips, err := LocalIPs()
	if err != nil {
		return false
	}
	for _, l := range ips {
		if l.Equal(ip) {
			return true
		}
	}
	return false
}

// ServerURL is the address advertised in the QR code and logs.
func ServerURL(port int) string {
	host := "127.0.0.1"
	if ip, err := LANAddress(); err == nil {
		host = ip.String()
	}
	return fmt.Sprintf("http://%s:%d", host, port)
}
