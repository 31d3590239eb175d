package probe

import (
	"net"
	"net/url"
	"strconv"
)

// hostPort splits an httptest URL into CandidateURLs arguments using the default paths
func hostPort(raw string) (string, int, []string) {
	u, _ := url.Parse(raw)
	host, port, _ := net.SplitHostPort(u.Host)
	p, _ := strconv.Atoi(port)
	return host, p, DefaultPaths
}
