package proxy

import "github.com/joao-brasil/tcpreactor/internal/token"

// ApplicationListener is a bound accepting socket for one front-end,
// carrying the ordered (non-deduplicated) pool of back-end addresses a
// session accepted on it may be connected to.
type ApplicationListener struct {
	appID         string
	fd            int
	token         token.Token
	frontAddress  string
	backAddresses []string
}

// AppID returns the routing bucket this listener belongs to.
func (l *ApplicationListener) AppID() string { return l.appID }
