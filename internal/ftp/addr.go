package ftp

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// formatPASVAddr renders an IPv4 address and port in the PASV reply
// encoding: h1,h2,h3,h4,p1,p2 with port = p1*256 + p2.
func formatPASVAddr(ip net.IP, port int) (string, error) {
	v4 := ip.To4()
	if v4 == nil {
		return "", fmt.Errorf("PASV requires an IPv4 address, got %s", ip)
	}
	return fmt.Sprintf("%d,%d,%d,%d,%d,%d", v4[0], v4[1], v4[2], v4[3], port/256, port%256), nil
}

// parsePORTAddr parses a PORT argument (h1,h2,h3,h4,p1,p2) into a TCP
// address.
func parsePORTAddr(arg string) (*net.TCPAddr, error) {
	parts := strings.Split(arg, ",")
	if len(parts) != 6 {
		return nil, fmt.Errorf("invalid PORT argument: %s", arg)
	}

	var nums [6]int
	for i, p := range parts {
		val, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || val < 0 || val > 255 {
			return nil, fmt.Errorf("invalid PORT octet: %s", p)
		}
		nums[i] = val
	}

	ip := net.IPv4(byte(nums[0]), byte(nums[1]), byte(nums[2]), byte(nums[3]))
	port := nums[4]*256 + nums[5]
	if port == 0 {
		return nil, fmt.Errorf("invalid PORT port: 0")
	}
	return &net.TCPAddr{IP: ip, Port: port}, nil
}

// parseEPRTAddr parses an EPRT argument: |1|ip4|port| or |2|ip6|port|.
// The first character defines the delimiter per RFC 2428.
func parseEPRTAddr(arg string) (*net.TCPAddr, error) {
	if len(arg) < 7 {
		return nil, fmt.Errorf("invalid EPRT argument: %s", arg)
	}
	delim := string(arg[0])
	parts := strings.Split(arg, delim)
	// Split on a leading delimiter yields a leading empty element.
	if len(parts) != 5 || parts[0] != "" || parts[4] != "" {
		return nil, fmt.Errorf("invalid EPRT argument: %s", arg)
	}

	proto, addr, portStr := parts[1], parts[2], parts[3]
	if proto != "1" && proto != "2" {
		return nil, fmt.Errorf("unsupported EPRT protocol: %s", proto)
	}

	ip := net.ParseIP(addr)
	if ip == nil {
		return nil, fmt.Errorf("invalid EPRT address: %s", addr)
	}
	if proto == "1" && ip.To4() == nil {
		return nil, fmt.Errorf("EPRT protocol 1 requires an IPv4 address: %s", addr)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("invalid EPRT port: %s", portStr)
	}

	return &net.TCPAddr{IP: ip, Port: port}, nil
}
