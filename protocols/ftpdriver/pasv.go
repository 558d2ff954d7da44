package ftpdriver

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
)

var pasvRegex = regexp.MustCompile(`\((\d+),(\d+),(\d+),(\d+),(\d+),(\d+)\)`)

// parsePASV parses a PASV response ("227 Entering Passive Mode
// (h1,h2,h3,h4,p1,p2)") into a dialable host:port.
func parsePASV(response string) (string, error) {
	matches := pasvRegex.FindStringSubmatch(response)
	if len(matches) != 7 {
		return "", fmt.Errorf("ftpdriver: invalid PASV response: %s", response)
	}

	var h [4]int
	for i := range 4 {
		val, err := strconv.Atoi(matches[i+1])
		if err != nil || val < 0 || val > 255 {
			return "", fmt.Errorf("ftpdriver: invalid PASV IP part: %s", matches[i+1])
		}
		h[i] = val
	}
	host := fmt.Sprintf("%d.%d.%d.%d", h[0], h[1], h[2], h[3])
	if ip := net.ParseIP(host); ip == nil || ip.To4() == nil {
		return "", fmt.Errorf("ftpdriver: invalid IPv4 address from PASV: %s", host)
	}

	p1, err1 := strconv.Atoi(matches[5])
	p2, err2 := strconv.Atoi(matches[6])
	if err1 != nil || err2 != nil || p1 < 0 || p1 > 255 || p2 < 0 || p2 > 255 {
		return "", fmt.Errorf("ftpdriver: invalid PASV port parts: %s, %s", matches[5], matches[6])
	}
	port := p1*256 + p2

	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// resolveDataAddr substitutes the control connection's host when the
// server reports an unroutable 0.0.0.0 in its PASV reply.
func resolveDataAddr(pasvAddr, controlHost string) string {
	host, port, err := net.SplitHostPort(pasvAddr)
	if err != nil {
		return pasvAddr
	}
	if host == "0.0.0.0" {
		return net.JoinHostPort(controlHost, port)
	}
	return pasvAddr
}
