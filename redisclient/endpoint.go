package redisclient

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/joomcode/redisward/redis"
)

// DefaultPort is the port used when the URI does not name one.
const DefaultPort = 6379

// Endpoint describes where and how to connect:
// redis://[:password@]host[:port][/db].
type Endpoint struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// ParseURL parses a redis:// URI. Defaults: port 6379, db 0 (absent or
// empty path). The database index must be within 0..15.
func ParseURL(rawurl string) (Endpoint, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return Endpoint{}, redis.ErrInvalidArgument.Wrap(err, "endpoint URI is malformed")
	}
	if u.Scheme != "redis" {
		return Endpoint{}, redis.ErrInvalidArgument.New("endpoint URI scheme must be redis, got %q", u.Scheme)
	}
	ep := Endpoint{Host: u.Hostname(), Port: DefaultPort}
	if ep.Host == "" {
		ep.Host = "localhost"
	}
	if port := u.Port(); port != "" {
		ep.Port, err = strconv.Atoi(port)
		if err != nil {
			return Endpoint{}, redis.ErrInvalidArgument.New("endpoint port %q is not a number", port)
		}
	}
	if u.User != nil {
		if password, ok := u.User.Password(); ok {
			ep.Password = password
		}
	}
	if path := strings.TrimPrefix(u.Path, "/"); path != "" {
		db, err := strconv.Atoi(path)
		if err != nil {
			return Endpoint{}, redis.ErrInvalidArgument.New("database index %q is not a number", path)
		}
		if db < 0 || db > 15 {
			return Endpoint{}, redis.ErrInvalidArgument.New("database index %d is out of range 0..15", db).
				WithProperty(redis.EKDb, db)
		}
		ep.DB = db
	}
	return ep, nil
}

// Addr joins host and port into a dialable address.
func (ep Endpoint) Addr() string {
	return net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))
}
