// Package privacy scrubs identifying data from messages before they leave
// the host as error reports.
package privacy

import (
	"crypto/sha256"
	"fmt"
	"net/netip"
	"net/url"
	"regexp"
	"strings"
)

var (
	// URLs with the schemes xrayscan talks to: image references, the
	// remote detector, the MQTT broker and MySQL DSNs written as URLs.
	urlPattern = regexp.MustCompile(`\b(?:https?|tcp|ssl|wss?|mqtts?|mysql)://\S+`)

	// Job ids are UUIDs and also appear in stored file names.
	uuidPattern = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)

	// user:password@tcp(host:port)/db
	dsnPattern = regexp.MustCompile(`[^\s:/@]+:[^\s@]*@tcp\([^)]*\)/\S*`)
)

// routeSegments are path segments that identify an endpoint rather than a
// patient or a file and are kept as is.
var routeSegments = map[string]bool{
	"images":           true,
	"processed_images": true,
	"upload":           true,
	"detect":           true,
	"predict":          true,
	"health":           true,
}

// ScrubMessage replaces URLs, DSNs and job ids in message with stable
// anonymous tokens.
func ScrubMessage(message string) string {
	message = dsnPattern.ReplaceAllString(message, "mysql-dsn")
	message = urlPattern.ReplaceAllStringFunc(message, AnonymizeURL)
	return uuidPattern.ReplaceAllString(message, "job-id")
}

// AnonymizeURL maps rawURL to a token that keeps the scheme, host class,
// port and route shape but drops credentials, host names, file names and
// query strings. Equal inputs give equal tokens.
func AnonymizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" {
		return fmt.Sprintf("url-hash-%x", sha256.Sum256([]byte(rawURL)))[:len("url-hash-")+16]
	}

	parts := []string{u.Scheme}
	if host := u.Hostname(); host != "" {
		parts = append(parts, categorizeHost(host))
	}
	if port := u.Port(); port != "" {
		parts = append(parts, "port-"+port)
	}
	if path := anonymizePath(u.Path); path != "" {
		parts = append(parts, path)
	}
	return strings.Join(parts, ":")
}

// categorizeHost reduces host to localhost, private-ip, public-ip or the
// top level domain of a name.
func categorizeHost(host string) string {
	if host == "localhost" {
		return "localhost"
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		switch {
		case addr.IsLoopback():
			return "localhost"
		case addr.IsPrivate(), addr.IsLinkLocalUnicast():
			return "private-ip"
		default:
			return "public-ip"
		}
	}
	if i := strings.LastIndexByte(host, '.'); i >= 0 && i < len(host)-1 {
		return "domain-" + strings.ToLower(host[i+1:])
	}
	return "host"
}

func anonymizePath(path string) string {
	path = strings.Trim(path, "/")
	if path == "" {
		return ""
	}

	segments := strings.Split(path, "/")
	out := make([]string, 0, len(segments))
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		if routeSegments[seg] {
			out = append(out, seg)
			continue
		}
		out = append(out, fmt.Sprintf("seg-%x", sha256.Sum256([]byte(seg)))[:len("seg-")+8])
	}
	return strings.Join(out, "/")
}
