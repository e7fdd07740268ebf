package security

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

// NetworkPolicy is the rule set for outbound connections.
// Host lists are glob patterns ("*.example.com").
type NetworkPolicy struct {
	AllowedHosts     []string `yaml:"allowed_hosts" json:"allowed_hosts"`
	DeniedHosts      []string `yaml:"denied_hosts" json:"denied_hosts"`
	AllowedProtocols []string `yaml:"allowed_protocols" json:"allowed_protocols"`
	AllowedPorts     []int    `yaml:"allowed_ports" json:"allowed_ports"`
	DefaultAllow     bool     `yaml:"default_allow" json:"default_allow"`
	AllowPrivateIPs  bool     `yaml:"allow_private_ips" json:"allow_private_ips"`
	AllowLocalhost   bool     `yaml:"allow_localhost" json:"allow_localhost"`
}

// DefaultNetworkPolicy denies by default and only speaks HTTP(S).
func DefaultNetworkPolicy() NetworkPolicy {
	return NetworkPolicy{
		AllowedProtocols: []string{"http", "https"},
	}
}

// metadataHosts are cloud instance-metadata endpoints.
var metadataHosts = []string{
	"169.254.169.254",
	"169.254.170.2",
	"100.100.100.200",
	"fd00:ec2::254",
	"metadata",
	"metadata.google.internal",
	"metadata.azure.com",
	"instance-data",
	"instance-data.ec2.internal",
}

// dangerousPorts are blocked even when listed in AllowedPorts.
var dangerousPorts = map[int]string{
	22:   "ssh",
	23:   "telnet",
	3389: "rdp",
	5900: "vnc",
}

var defaultPorts = map[string]int{
	"http":  80,
	"https": 443,
	"ws":    80,
	"wss":   443,
	"ftp":   21,
	"ssh":   22,
}

// Endpoint is a parsed connection target. Port 0 means unspecified.
type Endpoint struct {
	Host     string
	Port     int
	Protocol string
}

// ParseEndpoint accepts "host", "host:port", "[v6]:port" or a URL.
func ParseEndpoint(target string) (Endpoint, error) {
	target = strings.TrimSpace(target)
	if strings.Contains(target, "://") {
		u, err := url.Parse(target)
		if err != nil {
			return Endpoint{}, err
		}
		ep := Endpoint{Host: u.Hostname(), Protocol: strings.ToLower(u.Scheme)}
		if p := u.Port(); p != "" {
			if ep.Port, err = strconv.Atoi(p); err != nil {
				return Endpoint{}, err
			}
		} else {
			ep.Port = defaultPorts[ep.Protocol]
		}
		return ep, nil
	}

	if host, port, err := net.SplitHostPort(target); err == nil {
		n, err := strconv.Atoi(port)
		if err != nil {
			return Endpoint{}, err
		}
		return Endpoint{Host: host, Port: n}, nil
	}
	return Endpoint{Host: strings.Trim(target, "[]")}, nil
}

// NetworkEvaluator decides network access. Safe for concurrent use.
type NetworkEvaluator struct {
	policy    NetworkPolicy
	allowed   []string
	denied    []string
	protocols []string
}

// NewNetworkEvaluator lowercases the policy patterns once.
func NewNetworkEvaluator(policy NetworkPolicy) *NetworkEvaluator {
	return &NetworkEvaluator{
		policy:    policy,
		allowed:   toLower(policy.AllowedHosts),
		denied:    toLower(policy.DeniedHosts),
		protocols: toLower(policy.AllowedProtocols),
	}
}

// Policy returns the policy the evaluator was built from.
func (e *NetworkEvaluator) Policy() NetworkPolicy {
	return e.policy
}

// IsAllowed evaluates a connection to target. Every access mode is treated
// as a connection.
func (e *NetworkEvaluator) IsAllowed(target string, _ AccessMode) Decision {
	if target == "" {
		return deny(StageSanity, "empty network target")
	}
	ep, err := ParseEndpoint(target)
	if err != nil {
		return deny(StageSanity, "invalid network target %q: %v", target, err)
	}
	return e.IsConnectionAllowed(ep.Host, ep.Port, ep.Protocol)
}

// IsConnectionAllowed evaluates an already parsed endpoint. An empty
// protocol or zero port skips the corresponding checks.
func (e *NetworkEvaluator) IsConnectionAllowed(host string, port int, protocol string) Decision {
	host = strings.TrimSuffix(strings.ToLower(strings.Trim(strings.TrimSpace(host), "[]")), ".")
	protocol = strings.ToLower(protocol)

	if host == "" {
		return deny(StageSanity, "empty host")
	}
	if port < 0 || port > 65535 {
		return deny(StageSanity, "port %d out of range", port)
	}

	host, err := canonicalHost(host)
	if err != nil {
		return deny(StageSanity, "invalid host: %v", err)
	}

	if slices.Contains(metadataHosts, host) {
		return deny(StageAlwaysDeny, "cloud metadata endpoint %s is always denied", host)
	}

	if protocol != "" && len(e.protocols) > 0 && !slices.Contains(e.protocols, protocol) {
		return deny(StageMode, "protocol %q is not allowed", protocol)
	}
	if name, ok := dangerousPorts[port]; ok {
		return deny(StageMode, "port %d (%s) is blocked", port, name)
	}
	if port != 0 && len(e.policy.AllowedPorts) > 0 && !slices.Contains(e.policy.AllowedPorts, port) {
		return deny(StageMode, "port %d is not in the allowed ports", port)
	}
	if isLocalhost(host) {
		if !e.policy.AllowLocalhost {
			return deny(StageMode, "localhost access to %s is not allowed", host)
		}
	} else if isPrivateAddress(host) && !e.policy.AllowPrivateIPs {
		return deny(StageMode, "private address %s is not allowed", host)
	}

	if pattern, ok := firstGlobMatch(host, e.denied); ok {
		return deny(StageDenyList, "host %s matches denied pattern %s", host, pattern)
	}
	if pattern, ok := firstGlobMatch(host, e.allowed); ok {
		return allow(StageAllowList, "host %s matches allowed pattern %s", host, pattern)
	}

	if e.policy.DefaultAllow {
		return allow(StageDefault, "allowed by default policy")
	}
	return deny(StageDefault, "host %s is not in the allowed hosts", host)
}

func isLocalhost(host string) bool {
	switch host {
	case "localhost", "localhost.localdomain", "ip6-localhost", "::1", "0.0.0.0", "::":
		return true
	}
	return strings.HasPrefix(host, "127.") || strings.HasSuffix(host, ".localhost")
}

// isPrivateAddress is a string-prefix check for 10/8, 172.16/12, 192.168/16
// and 127/8. It is not CIDR containment: it misses IPv6 ULAs and matches
// hostnames that happen to start with "10.".
func isPrivateAddress(host string) bool {
	if strings.HasPrefix(host, "10.") || strings.HasPrefix(host, "192.168.") || strings.HasPrefix(host, "127.") {
		return true
	}
	rest, ok := strings.CutPrefix(host, "172.")
	if !ok {
		return false
	}
	octet, _, _ := strings.Cut(rest, ".")
	n, err := strconv.Atoi(octet)
	return err == nil && n >= 16 && n <= 31
}

// canonicalHost rewrites IP literals to one spelling so that the metadata,
// localhost and private checks see every alias of an address.
// IPv4-mapped IPv6 becomes dotted IPv4. Numeric forms that resolvers accept
// (2852039166, 0xa9fea9fe, 0251.0376.0251.0376, 169.254.43518) are decoded.
func canonicalHost(host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4.String(), nil
		}
		return ip.String(), nil
	}
	if i := strings.IndexByte(host, '%'); i > 0 {
		if ip := net.ParseIP(host[:i]); ip != nil {
			return canonicalHost(host[:i])
		}
	}
	ip, ok, err := parseNumericIPv4(host)
	if err != nil {
		return "", err
	}
	if ok {
		return ip.String(), nil
	}
	return host, nil
}

// parseNumericIPv4 decodes inet_aton notation: one to four parts, each
// decimal, octal (leading 0) or hex (0x), the last part filling the
// remaining bytes. ok is false when host is not numeric at all.
func parseNumericIPv4(host string) (ip net.IP, ok bool, err error) {
	parts := strings.Split(host, ".")
	if len(parts) > 4 {
		return nil, false, nil
	}
	vals := make([]uint64, len(parts))
	for i, p := range parts {
		v, isNum := parseNumericPart(p)
		if !isNum {
			return nil, false, nil
		}
		vals[i] = v
	}

	var addr uint64
	for i, v := range vals[:len(vals)-1] {
		if v > 0xff {
			return nil, true, fmt.Errorf("numeric address %q: part %d out of range", host, i+1)
		}
		addr |= v << (8 * (3 - i))
	}
	last := vals[len(vals)-1]
	if last >= 1<<(8*(5-len(vals))) {
		return nil, true, fmt.Errorf("numeric address %q out of range", host)
	}
	addr |= last
	return net.IPv4(byte(addr>>24), byte(addr>>16), byte(addr>>8), byte(addr)).To4(), true, nil
}

func parseNumericPart(p string) (uint64, bool) {
	base := 10
	digits := p
	switch {
	case len(p) >= 2 && (p[:2] == "0x" || p[:2] == "0X"):
		base, digits = 16, p[2:]
		if digits == "" {
			return 0, true
		}
	case len(p) > 1 && p[0] == '0':
		base, digits = 8, p[1:]
	}
	if digits == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(digits, base, 32)
	if err != nil {
		var numErr *strconv.NumError
		if errors.As(err, &numErr) && errors.Is(numErr.Err, strconv.ErrRange) {
			return 1 << 32, true
		}
		return 0, false
	}
	return v, true
}
