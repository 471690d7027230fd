// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package completion

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// ErrEndpointNotAllowed rejects a backend URL outside the allowlist.
var ErrEndpointNotAllowed = errors.New("completion endpoint not allowed")

// Allowlist names the hosts and networks the backend may live on.
type Allowlist struct {
	Hosts []string
	CIDRs []string
}

// normalizeHost lower-cases host and converts IDNs to their ASCII form.
func normalizeHost(raw string) (string, error) {
	host := strings.TrimSuffix(strings.Trim(strings.TrimSpace(raw), "[]"), ".")
	if host == "" {
		return "", fmt.Errorf("host is empty")
	}
	if strings.ContainsAny(host, "/@%") {
		return "", fmt.Errorf("invalid host %q", raw)
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String(), nil
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("invalid host %q: %w", raw, err)
	}
	return strings.ToLower(ascii), nil
}

func parseCIDRs(entries []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if _, n, err := net.ParseCIDR(entry); err == nil {
			nets = append(nets, n)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("invalid CIDR or IP: %s", entry)
		}
		bits := 8 * len(ip.To16())
		if v4 := ip.To4(); v4 != nil {
			ip, bits = v4, 32
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets, nil
}

func contains(nets []*net.IPNet, ip net.IP) bool {
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func restricted(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast()
}

// ValidateEndpoint checks raw against allow and returns the normalized base URL.
// A host passes when it is listed by name or every address it resolves to is
// inside an allowed network. Restricted addresses always need a network entry.
func ValidateEndpoint(ctx context.Context, raw string, allow Allowlist, resolver *net.Resolver) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return "", fmt.Errorf("%w: scheme %q", ErrEndpointNotAllowed, u.Scheme)
	}
	if u.Host == "" || u.User != nil || u.Fragment != "" {
		return "", fmt.Errorf("%w: %s", ErrEndpointNotAllowed, raw)
	}

	host, err := normalizeHost(u.Hostname())
	if err != nil {
		return "", err
	}
	nets, err := parseCIDRs(allow.CIDRs)
	if err != nil {
		return "", err
	}
	named := false
	for _, h := range allow.Hosts {
		if n, err := normalizeHost(h); err == nil && n == host {
			named = true
			break
		}
	}

	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		if resolver == nil {
			resolver = net.DefaultResolver
		}
		addrs, err := resolver.LookupIPAddr(ctx, host)
		if err != nil {
			return "", fmt.Errorf("resolve %q: %w", host, err)
		}
		for _, a := range addrs {
			ips = append(ips, a.IP)
		}
	}
	if len(ips) == 0 {
		return "", fmt.Errorf("resolve %q: no addresses", host)
	}

	inNets := true
	for _, ip := range ips {
		ok := contains(nets, ip)
		if restricted(ip) && !ok {
			return "", fmt.Errorf("%w: address %s", ErrEndpointNotAllowed, ip)
		}
		inNets = inNets && ok
	}
	if !named && !inNets {
		return "", fmt.Errorf("%w: host %s", ErrEndpointNotAllowed, host)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		u.Host = "[" + host + "]"
	} else {
		u.Host = host
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String(), nil
}
