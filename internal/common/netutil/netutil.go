// Package netutil resolves the gateway's overlay addressing: tailnet
// IPv4 detection for the bind host and self-URL checks so a backbone
// never dials itself.
package netutil

import (
	"context"
	"net"
	"net/url"
	"os/exec"
	"strings"
	"time"
)

// DetectTailnetIP returns this host's tailnet IPv4 address, or "" when the
// node is not on a tailnet. It asks the tailscale CLI first and falls back
// to scanning interfaces for a CGNAT (100.64.0.0/10) address.
func DetectTailnetIP(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "tailscale", "ip", "-4").Output()
	if err == nil {
		for _, line := range strings.Split(string(out), "\n") {
			line = strings.TrimSpace(line)
			if ip := net.ParseIP(line); ip != nil && ip.To4() != nil {
				return line
			}
		}
	}

	return cgnatInterfaceIP()
}

var cgnatNet = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

func cgnatInterfaceIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP.To4()
		if ip != nil && cgnatNet.Contains(ip) {
			return ip.String()
		}
	}
	return ""
}

// ListenHost resolves the bind host for the sync server: the configured
// host when set, else the detected tailnet IP, else loopback.
func ListenHost(configured, detected string) string {
	if configured != "" {
		return configured
	}
	if detected != "" {
		return detected
	}
	return "127.0.0.1"
}

// IsSelfURL reports whether a peer URL points back at this node, so a
// backbone does not dial itself. The host is compared against loopback
// forms and each entry of selfHosts (node name, tailnet IP, bind host).
func IsSelfURL(raw string, selfHosts []string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return true
	}
	for _, self := range selfHosts {
		if self != "" && strings.EqualFold(host, self) {
			return true
		}
	}
	return false
}
