// Package endpoint builds websocket URLs for a (server, user) pair.
package endpoint

import (
	"net/url"
	"strings"
)

// DefaultPath is the websocket path appended to the server base.
const DefaultPath = "/ws"

// Resolver returns the websocket URL for a server base and user, or "" when
// no connection should be attempted.
type Resolver func(serverBase, userID string) string

// NewResolver returns a Resolver that maps http(s) bases to ws(s), appends
// path and passes the user as the userId query parameter.
func NewResolver(path string) Resolver {
	if path == "" {
		path = DefaultPath
	}
	return func(serverBase, userID string) string {
		return Build(serverBase, userID, path)
	}
}

// Static returns a Resolver that always yields rawURL, ignoring its inputs.
func Static(rawURL string) Resolver {
	return func(string, string) string {
		return rawURL
	}
}

// Build assembles the websocket URL. Blank inputs or an unparseable base
// yield "".
func Build(serverBase, userID, path string) string {
	serverBase = strings.TrimSpace(serverBase)
	userID = strings.TrimSpace(userID)
	if serverBase == "" || userID == "" {
		return ""
	}

	u, err := url.Parse(serverBase)
	if err != nil || u.Host == "" {
		return ""
	}

	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return ""
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	q := u.Query()
	q.Set("userId", userID)
	u.RawQuery = q.Encode()
	u.Fragment = ""

	return u.String()
}
