package main

import (
	"fmt"
	"net"
	"strings"
)

// AdvertisedURLs are the access URLs computed from interface enumeration
// at startup. Empty strings mean "no interface of that kind".
type AdvertisedURLs struct {
	Primary string
	LAN     string
	Mesh    string
}

type addrKind int

const (
	addrLAN addrKind = iota
	addrMesh
	addrIgnored
)

// categorizeAddr sorts an IPv4 address into mesh (Tailscale 100.*),
// ignored (172.* Docker bridges), or local LAN.
func categorizeAddr(ip string) addrKind {
	switch {
	case strings.HasPrefix(ip, "100."):
		return addrMesh
	case strings.HasPrefix(ip, "172."):
		return addrIgnored
	default:
		return addrLAN
	}
}

// discoverAddrs returns the first LAN and first mesh IPv4 address across
// non-loopback interfaces.
func discoverAddrs() (lan, mesh string) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil || ip4.IsLoopback() {
				continue
			}
			switch categorizeAddr(ip4.String()) {
			case addrLAN:
				if lan == "" {
					lan = ip4.String()
				}
			case addrMesh:
				if mesh == "" {
					mesh = ip4.String()
				}
			}
		}
	}
	return lan, mesh
}

func accessURL(ip string, port int, token string) string {
	return fmt.Sprintf("http://%s:%d?token=%s", ip, port, token)
}

// advertisedURLs prefers LAN, then mesh, then loopback for the primary
// URL; LAN and mesh URLs are set only when such an interface exists.
func advertisedURLs(port int, token string) AdvertisedURLs {
	lan, mesh := discoverAddrs()
	urls := AdvertisedURLs{}
	if lan != "" {
		urls.LAN = accessURL(lan, port, token)
	}
	if mesh != "" {
		urls.Mesh = accessURL(mesh, port, token)
	}
	switch {
	case lan != "":
		urls.Primary = urls.LAN
	case mesh != "":
		urls.Primary = urls.Mesh
	default:
		urls.Primary = accessURL("127.0.0.1", port, token)
	}
	return urls
}
