package pipeline

import (
	"net/url"
	"strings"
)

// credentialParams are query parameter names whose values are hidden in
// reports and logs. IPTV providers commonly pass account credentials in
// the EPG URL itself.
var credentialParams = map[string]bool{
	"username": true,
	"user":     true,
	"password": true,
	"pass":     true,
	"token":    true,
	"apikey":   true,
	"api_key":  true,
}

// RedactURL strips the userinfo password and masks credential-bearing
// query parameters. Unparsable input is returned as-is.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	if u.RawQuery != "" {
		q := u.Query()
		changed := false
		for k := range q {
			if credentialParams[strings.ToLower(k)] {
				q.Set(k, "REDACTED")
				changed = true
			}
		}
		if changed {
			u.RawQuery = q.Encode()
		}
	}
	return u.String()
}
