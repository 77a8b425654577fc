package fetch

import (
	"fmt"
	"net"
	"net/url"
	"path"
	"strconv"

	"github.com/tessera/modrt/pkg/engine"
)

// Scheme is the only URL scheme a Source accepts.
const Scheme = "sftp"

// DefaultPort is used when the URL has no port.
const DefaultPort = 22

// Source is a parsed sftp://user@host:port/path repository location.
type Source struct {
	User string
	Host string
	Port int

	// Path is the remote directory holding one subdirectory per mod.
	Path string
}

// Address returns host:port.
func (s Source) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

func (s Source) String() string {
	u := url.URL{
		Scheme: Scheme,
		Host:   s.Address(),
		Path:   s.Path,
	}
	if s.User != "" {
		u.User = url.User(s.User)
	}
	return u.String()
}

// ParseURL parses an sftp:// repository URL. Passwords in the URL are
// rejected; credentials belong in the fetch configuration.
func ParseURL(raw string) (Source, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Source{}, engine.NewParseError(fmt.Sprintf("invalid repository URL %q", raw), err).
			WithOperation("parse_url")
	}

	if u.Scheme != Scheme {
		return Source{}, engine.NewParseError(fmt.Sprintf("unsupported scheme %q, expected %s", u.Scheme, Scheme), nil).
			WithOperation("parse_url")
	}

	if u.Hostname() == "" {
		return Source{}, engine.NewParseError(fmt.Sprintf("repository URL %q has no host", raw), nil).
			WithOperation("parse_url")
	}

	if _, ok := u.User.Password(); ok {
		return Source{}, engine.NewParseError("passwords are not accepted in repository URLs", nil).
			WithOperation("parse_url")
	}

	src := Source{
		User: u.User.Username(),
		Host: u.Hostname(),
		Port: DefaultPort,
		Path: path.Clean("/" + u.Path),
	}

	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Source{}, engine.NewParseError(fmt.Sprintf("invalid port %q", p), err).
				WithOperation("parse_url")
		}
		src.Port = port
	}

	return src, nil
}
