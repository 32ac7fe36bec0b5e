// human readable and writable stdlib types
// which can be used inside config file
package model

import (
	"errors"
	"net"
	"net/url"
	"os"
)

var errNilTarget = errors.New("can't unmarshal to nil")

// URL is a url.URL read from text, environment variables are expanded so
// tokens and hosts can stay out of the config file.
type URL struct {
	*url.URL
}

func (u URL) AsURL() *url.URL {
	return u.URL
}

func (u URL) IsZero() bool {
	return u.URL == nil
}

func (u URL) Clone() URL {
	if u.URL == nil {
		return URL{}
	}
	clone := *u.URL
	if u.User != nil {
		if password, ok := u.User.Password(); ok {
			clone.User = url.UserPassword(u.User.Username(), password)
		} else {
			clone.User = url.User(u.User.Username())
		}
	}
	return URL{URL: &clone}
}

// JoinPath returns a copy of u with elem appended to its path.
func (u URL) JoinPath(elem ...string) URL {
	if u.URL == nil {
		return URL{}
	}
	return URL{URL: u.URL.JoinPath(elem...)}
}

func (u *URL) UnmarshalText(text []byte) error {
	if u == nil {
		return errNilTarget
	}
	parsed, err := url.Parse(os.ExpandEnv(string(text)))
	if err != nil {
		return err
	}
	u.URL = parsed
	return nil
}

func (u URL) MarshalText() ([]byte, error) {
	if u.URL == nil {
		return []byte{}, nil
	}
	return []byte(u.Redacted()), nil
}

// TCPAddr is the listen address of the status server, "localhost:8080" or
// ":0" for an ephemeral port.
type TCPAddr struct {
	*net.TCPAddr
}

func (addr *TCPAddr) AsTCPAddr() *net.TCPAddr {
	if addr == nil {
		return nil
	}
	return addr.TCPAddr
}

func (addr *TCPAddr) UnmarshalText(text []byte) error {
	if addr == nil {
		return errNilTarget
	}
	if len(text) == 0 {
		return errors.New("can't be empty")
	}
	parsed, err := net.ResolveTCPAddr("tcp", os.ExpandEnv(string(text)))
	if err != nil {
		return err
	}
	addr.TCPAddr = parsed
	return nil
}

func (addr TCPAddr) MarshalText() ([]byte, error) {
	if addr.TCPAddr == nil {
		return []byte{}, nil
	}
	return []byte(addr.String()), nil
}
