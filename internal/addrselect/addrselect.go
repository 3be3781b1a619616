// Package addrselect picks the advertised address on a multi-homed host:
// enumerate local non-loopback, non-link-local interfaces, score each by
// reachability to a configured coordinator and same-/24 proximity, and
// pick the highest scorer.
package addrselect

import (
	"context"
	"net"
	"sort"
	"time"

	"github.com/apparentlymart/go-cidr/cidr"
)

// Candidate is one local interface address considered for self.Address.
type Candidate struct {
	IP         net.IP
	Reachable  bool
	SameSubnet bool
}

// Score ranks candidates: reachable > unreachable, and among reachable,
// same-subnet > different-subnet.
func (c Candidate) Score() int {
	score := 0
	if c.Reachable {
		score += 2
	}
	if c.SameSubnet {
		score++
	}
	return score
}

// Prober reports whether address answers a TCP handshake initiated from
// the given local IP. Tests substitute a fake without opening sockets.
type Prober interface {
	Probe(ctx context.Context, local net.IP, address string) bool
}

// tcpProber dials with the source address pinned to the candidate, so an
// interface with no route to the coordinator scores as unreachable even
// when another interface on the host can get there.
type tcpProber struct{}

func (tcpProber) Probe(ctx context.Context, local net.IP, address string) bool {
	d := &net.Dialer{LocalAddr: &net.TCPAddr{IP: local}}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// LocalCandidates enumerates non-loopback, non-link-local IPv4 addresses
// from the host's network interfaces.
func LocalCandidates() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var ips []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP.To4()
			if ip == nil {
				continue
			}
			if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
			ips = append(ips, ip)
		}
	}
	return ips, nil
}

// Select scores each candidate IP against the configured coordinator
// addresses and returns the highest-scoring one. coordinatorAddrs are
// host:port strings from bootstrap_coordinators; probeTimeout bounds each
// reachability check. A nil prober uses real source-bound TCP dials.
func Select(ctx context.Context, prober Prober, candidates []net.IP, coordinatorAddrs []string, probeTimeout time.Duration) (net.IP, error) {
	if prober == nil {
		prober = tcpProber{}
	}

	var coordIPs []net.IP
	for _, addr := range coordinatorAddrs {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			continue
		}
		if ip := net.ParseIP(host); ip != nil {
			coordIPs = append(coordIPs, ip.To4())
		}
	}

	scored := make([]Candidate, 0, len(candidates))
	for _, ip := range candidates {
		c := Candidate{IP: ip}
		for _, addr := range coordinatorAddrs {
			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			ok := prober.Probe(probeCtx, ip, addr)
			cancel()
			if ok {
				c.Reachable = true
				break
			}
		}
		for _, coordIP := range coordIPs {
			if sameSlash24(ip, coordIP) {
				c.SameSubnet = true
				break
			}
		}
		scored = append(scored, c)
	}

	if len(scored) == 0 {
		return nil, errNoCandidates
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score() > scored[j].Score()
	})
	return scored[0].IP, nil
}

// sameSlash24 reports whether b falls within a's /24, using go-cidr's
// AddressRange to compute the network's inclusive bounds rather than
// hand-rolling the byte-masking arithmetic.
func sameSlash24(a, b net.IP) bool {
	if a == nil || b == nil {
		return false
	}
	mask := net.CIDRMask(24, 32)
	network := &net.IPNet{IP: a.Mask(mask), Mask: mask}
	first, last := cidr.AddressRange(network)
	return bytesBetween(b, first, last)
}

func bytesBetween(ip, low, high net.IP) bool {
	ip4, low4, high4 := ip.To4(), low.To4(), high.To4()
	if ip4 == nil || low4 == nil || high4 == nil {
		return false
	}
	for i := 0; i < 4; i++ {
		if ip4[i] < low4[i] || ip4[i] > high4[i] {
			return false
		}
	}
	return true
}

type notFoundError string

func (e notFoundError) Error() string { return string(e) }

const errNoCandidates = notFoundError("addrselect: no candidate interfaces found")
