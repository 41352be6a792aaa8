package database

import (
	"net"
	"net/url"
	"strconv"

	"github.com/GameclubPro/girl-sub002/internal/config"
)

// ApplicationName tags recorder sessions in pg_stat_activity.
const ApplicationName = "streamtap-recorder"

// BuildConnString renders the recorder's database settings as a postgres://
// URL. Credentials are escaped, and an empty sslmode falls back to the
// configured default.
func BuildConnString(cfg config.DBConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = config.DefaultDBSSLMode
	}

	query := url.Values{}
	query.Set("sslmode", sslMode)
	query.Set("application_name", ApplicationName)

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:     "/" + cfg.Name,
		RawQuery: query.Encode(),
	}
	return u.String()
}
