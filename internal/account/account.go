package account

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Security selects how the connection to the server is protected.
type Security int

const (
	// SecurityStartTLS dials a plain connection and upgrades it.
	SecurityStartTLS Security = iota
	// SecurityTLS dials an implicit TLS connection.
	SecurityTLS
	// SecurityNone uses a plaintext connection.
	SecurityNone
)

func (s Security) String() string {
	switch s {
	case SecurityTLS:
		return "tls"
	case SecurityNone:
		return "none"
	default:
		return "starttls"
	}
}

// Account holds the connection parameters for one IMAP endpoint. It is
// built from a URL once at startup and never persisted.
type Account struct {
	Host     string
	Port     int
	Security Security
	Username string
	Password string
	Insecure bool
}

// Addr returns the host:port dial address.
func (a Account) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// Redacted returns a printable form of the account without the password.
func (a Account) Redacted() string {
	scheme := "imap"
	switch a.Security {
	case SecurityTLS:
		scheme = "imaps"
	case SecurityNone:
		scheme = "imap+plain"
	}
	return fmt.Sprintf("%s://%s@%s", scheme, a.Username, a.Addr())
}

// Parse builds an Account from an account URL. Credentials are URL-escaped
// in the usual way. imaps:// selects implicit TLS on port 993, imap://
// selects STARTTLS on port 143, and imap+plain:// an unprotected plaintext
// connection on port 143. A missing password is not an error; callers may
// prompt for it.
func Parse(rawurl string) (Account, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return Account{}, fmt.Errorf("invalid account URL %q: %w", rawurl, err)
	}

	var acct Account
	switch strings.ToLower(u.Scheme) {
	case "imap":
		acct.Security = SecurityStartTLS
		acct.Port = 143
	case "imaps":
		acct.Security = SecurityTLS
		acct.Port = 993
	case "imap+plain":
		acct.Security = SecurityNone
		acct.Port = 143
	default:
		return Account{}, fmt.Errorf("invalid scheme %q (want imap://, imaps:// or imap+plain://)", u.Scheme)
	}

	acct.Host = u.Hostname()
	if acct.Host == "" {
		return Account{}, fmt.Errorf("missing host in account URL %q", rawurl)
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Account{}, fmt.Errorf("invalid port %q in account URL", p)
		}
		acct.Port = port
	}

	if u.User == nil || u.User.Username() == "" {
		return Account{}, fmt.Errorf("missing username in account URL %q", u.Redacted())
	}
	acct.Username = u.User.Username()
	acct.Password, _ = u.User.Password()

	return acct, nil
}
