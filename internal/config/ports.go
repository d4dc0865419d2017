package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// PortRange is an inclusive range of TCP ports.
type PortRange struct {
	Low, High int
}

func (r PortRange) String() string {
	if r.Low == r.High {
		return strconv.Itoa(r.Low)
	}
	return fmt.Sprintf("%d-%d", r.Low, r.High)
}

// PortRanges is the set of public ports a server lets clients bind. Empty
// means any port.
type PortRanges []PortRange

// ParsePortRanges parses "22,6000-6100" style lists.
func ParsePortRanges(s string) (PortRanges, error) {
	var out PortRanges
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		r, err := parsePortRange(part)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func parsePortRange(s string) (PortRange, error) {
	lo, hi, isRange := strings.Cut(s, "-")
	low, err := parsePort(lo)
	if err != nil {
		return PortRange{}, err
	}
	high := low
	if isRange {
		if high, err = parsePort(hi); err != nil {
			return PortRange{}, err
		}
	}
	if high < low {
		return PortRange{}, fmt.Errorf("%w: port range %q is reversed", ErrInvalid, s)
	}
	return PortRange{Low: low, High: high}, nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || p < 1 || p > 65535 {
		return 0, fmt.Errorf("%w: bad port %q", ErrInvalid, s)
	}
	return p, nil
}

func (rs PortRanges) Contains(port int) bool {
	if len(rs) == 0 {
		return port > 0 && port <= 65535
	}
	for _, r := range rs {
		if port >= r.Low && port <= r.High {
			return true
		}
	}
	return false
}

func (rs PortRanges) String() string {
	parts := make([]string, len(rs))
	for i, r := range rs {
		parts[i] = r.String()
	}
	return strings.Join(parts, ",")
}

// Set implements flag.Value.
func (rs *PortRanges) Set(s string) error {
	parsed, err := ParsePortRanges(s)
	if err != nil {
		return err
	}
	*rs = parsed
	return nil
}

// UnmarshalYAML accepts either a list of ranges or one comma separated string.
func (rs *PortRanges) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		return rs.Set(n.Value)
	case yaml.SequenceNode:
		var out PortRanges
		for _, item := range n.Content {
			r, err := parsePortRange(item.Value)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		*rs = out
		return nil
	}
	return fmt.Errorf("%w: allow_ports must be a list or string", ErrInvalid)
}

func (rs PortRanges) MarshalYAML() (any, error) {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.String()
	}
	return out, nil
}

// ParseExposure parses the command line form of an exposure:
// "remote:[host:]local[/service]", e.g. "6001:22/ssh", "6002:10.0.0.5:3389/rdp"
// or "6003:[::1]:8080".
func ParseExposure(s string) (Exposure, error) {
	var e Exposure
	addrs, service, _ := strings.Cut(s, "/")
	e.Service = service
	remote, local, ok := strings.Cut(addrs, ":")
	if !ok {
		return e, fmt.Errorf("%w: exposure %q, want remote:[host:]local[/service]", ErrInvalid, s)
	}
	var err error
	if e.RemotePort, err = parsePort(remote); err != nil {
		return e, err
	}
	if strings.Contains(local, ":") {
		host, port, err := net.SplitHostPort(local)
		if err != nil {
			return e, fmt.Errorf("%w: exposure %q: %v", ErrInvalid, s, err)
		}
		e.LocalAddr = host
		local = port
	}
	e.LocalPort, err = parsePort(local)
	return e, err
}
