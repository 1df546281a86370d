package certs

import (
	"net"
	"os"
	"slices"
	"strings"
)

// LANAddrs returns the IPv4 addresses of every interface that is up,
// loopback excluded.
func LANAddrs() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var out []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ip := ipOf(addr); ip != nil && ip.To4() != nil && !ip.IsLoopback() {
				out = append(out, ip.String())
			}
		}
	}
	return out, nil
}

func ipOf(addr net.Addr) net.IP {
	switch v := addr.(type) {
	case *net.IPNet:
		return v.IP
	case *net.IPAddr:
		return v.IP
	}
	return nil
}

// CertificateHosts lists the names the server certificate must cover:
// loopback, the host name and its mDNS ".local" form, and LAN addresses.
func CertificateHosts() []string {
	hosts := []string{"localhost", "127.0.0.1"}
	if name, err := os.Hostname(); err == nil && name != "" {
		name = strings.TrimSuffix(strings.ToLower(name), ".local")
		hosts = append(hosts, name, name+".local")
	}
	if lan, err := LANAddrs(); err == nil {
		hosts = append(hosts, lan...)
	} else {
		logger.Printf("listing LAN addresses: %v", err)
	}
	return compact(hosts)
}

// compact removes duplicates while keeping the first occurrence order.
func compact(hosts []string) []string {
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if !slices.Contains(out, h) {
			out = append(out, h)
		}
	}
	return out
}
