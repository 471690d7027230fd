// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"
)

const (
	interfacePrefix    = "if:"
	minShutdownTimeout = 3 * time.Second
	maxHeaderBytes     = 1 << 20
)

// ServerConfig is the resolved HTTP listener configuration handed to the daemon.
type ServerConfig struct {
	ListenAddr      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	MaxHeaderBytes  int
	ShutdownTimeout time.Duration
}

// ServerConfigFor derives the listener settings from cfg. BARRIER_BIND
// supplies the host for a port-only listen address; "if:<name>" picks the
// first routable IPv4 of that interface.
func ServerConfigFor(cfg AppConfig) (ServerConfig, error) {
	listen, err := BindListenAddr(cfg.API.ListenAddr, ParseString("BARRIER_BIND", ""))
	if err != nil {
		return ServerConfig{}, err
	}
	return ServerConfig{
		ListenAddr:      listen,
		ReadTimeout:     cfg.API.ReadTimeout,
		WriteTimeout:    cfg.API.WriteTimeout,
		IdleTimeout:     cfg.API.IdleTimeout,
		MaxHeaderBytes:  maxHeaderBytes,
		ShutdownTimeout: max(cfg.API.ShutdownTimeout, minShutdownTimeout),
	}, nil
}

// BindListenAddr applies bind to a ":PORT" or empty listen address. A
// listen address that already names a host wins over bind.
func BindListenAddr(listenAddr, bind string) (string, error) {
	if bind == "" || (listenAddr != "" && !strings.HasPrefix(listenAddr, ":")) {
		return listenAddr, nil
	}
	port := strings.TrimPrefix(listenAddr, ":")
	if port == "" {
		port = "0"
	}

	host := bind
	if name, ok := strings.CutPrefix(bind, interfacePrefix); ok {
		ip, err := interfaceIPv4(name)
		if err != nil {
			return "", err
		}
		host = ip.String()
	}
	return net.JoinHostPort(host, port), nil
}

func interfaceIPv4(name string) (netip.Addr, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("resolve interface %q: %w", name, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("list addrs for %q: %w", name, err)
	}
	for _, a := range addrs {
		prefix, err := netip.ParsePrefix(a.String())
		if err != nil {
			continue
		}
		if ip := prefix.Addr(); ip.Is4() && !ip.IsLoopback() {
			return ip, nil
		}
	}
	return netip.Addr{}, fmt.Errorf("no suitable IPv4 on interface %q", name)
}
