package pg

import (
	"net/url"
)

// RedactDSN возвращает DSN с замаскированным паролем для безопасного логирования.
// Если DSN не парсится как URL, возвращает фиксированную заглушку.
func RedactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "<invalid dsn>"
	}
	if u.User != nil {
		if _, hasPwd := u.User.Password(); hasPwd {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
	}
	return u.String()
}
