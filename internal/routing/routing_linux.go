//go:build linux

// Package routing applies the tunnel's interface configuration and route
// updates to the kernel. It is the linux implementation of the
// on_set_interface_config / on_update_routes callbacks; the core never
// imports it.
package routing

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
)

// routeProtocol marks our routes in the kernel so we can enumerate and
// clean up exactly what we installed.
const routeProtocol = 118

// Manager mutates addresses and routes on the TUN interface.
type Manager struct {
	log      *slog.Logger
	linkName string

	applied map[netip.Prefix]bool
}

// NewManager creates a manager for the named interface.
func NewManager(log *slog.Logger, linkName string) *Manager {
	return &Manager{
		log:      log,
		linkName: linkName,
		applied:  make(map[netip.Prefix]bool),
	}
}

// SetInterfaceConfig assigns the tunnel addresses and brings the link up.
func (m *Manager) SetInterfaceConfig(v4, v6 netip.Addr) error {
	link, err := netlink.LinkByName(m.linkName)
	if err != nil {
		return fmt.Errorf("routing: link %s: %w", m.linkName, err)
	}

	if v4.IsValid() {
		addr := &netlink.Addr{IPNet: &net.IPNet{IP: v4.AsSlice(), Mask: net.CIDRMask(32, 32)}}
		if err := netlink.AddrReplace(link, addr); err != nil {
			return fmt.Errorf("routing: assigning %s: %w", v4, err)
		}
	}
	if v6.IsValid() {
		addr := &netlink.Addr{IPNet: &net.IPNet{IP: v6.AsSlice(), Mask: net.CIDRMask(128, 128)}}
		if err := netlink.AddrReplace(link, addr); err != nil {
			return fmt.Errorf("routing: assigning %s: %w", v6, err)
		}
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("routing: bringing %s up: %w", m.linkName, err)
	}

	m.log.Info("routing: interface configured", "link", m.linkName, "ipv4", v4, "ipv6", v6)
	return nil
}

// UpdateRoutes converges the kernel onto the given route set: adds what is
// missing, removes what we previously installed and is no longer wanted.
func (m *Manager) UpdateRoutes(v4, v6 []netip.Prefix) error {
	link, err := netlink.LinkByName(m.linkName)
	if err != nil {
		return fmt.Errorf("routing: link %s: %w", m.linkName, err)
	}

	wanted := make(map[netip.Prefix]bool, len(v4)+len(v6))
	for _, prefix := range v4 {
		wanted[prefix] = true
	}
	for _, prefix := range v6 {
		wanted[prefix] = true
	}

	for prefix := range m.applied {
		if wanted[prefix] {
			continue
		}
		if err := netlink.RouteDel(m.route(link, prefix)); err != nil {
			m.log.Warn("routing: failed to delete route", "prefix", prefix, "error", err)
		}
		delete(m.applied, prefix)
	}

	for prefix := range wanted {
		if m.applied[prefix] {
			continue
		}
		if err := netlink.RouteReplace(m.route(link, prefix)); err != nil {
			return fmt.Errorf("routing: installing route %s: %w", prefix, err)
		}
		m.applied[prefix] = true
	}

	m.log.Debug("routing: routes converged", "count", len(m.applied))
	return nil
}

// Close removes every route we installed.
func (m *Manager) Close() error {
	link, err := netlink.LinkByName(m.linkName)
	if err != nil {
		return nil // link already gone, nothing to clean up
	}

	for prefix := range m.applied {
		if err := netlink.RouteDel(m.route(link, prefix)); err != nil {
			m.log.Debug("routing: failed to delete route on close", "prefix", prefix, "error", err)
		}
	}
	m.applied = make(map[netip.Prefix]bool)
	return nil
}

func (m *Manager) route(link netlink.Link, prefix netip.Prefix) *netlink.Route {
	return &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Dst: &net.IPNet{
			IP:   prefix.Addr().AsSlice(),
			Mask: net.CIDRMask(prefix.Bits(), prefix.Addr().BitLen()),
		},
		Protocol: routeProtocol,
	}
}
