package redirect

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/undeadops/terse-edge/internal/store"
)

var (
	ipHeaders      = []string{"X-Forwarded-For", "Proxy-Client-IP", "WL-Proxy-Client-IP"}
	countryHeaders = []string{"CF-IPCountry", "X-AppEngine-Country", "X-Country-Code", "X-Country"}
	cityHeaders    = []string{"X-AppEngine-City", "X-City"}
)

// ClientIP returns the caller's address: the first hop of X-Forwarded-For,
// then Proxy-Client-IP, then WL-Proxy-Client-IP, then the connection.
func ClientIP(r *http.Request) string {
	ip := ""
	for _, h := range ipHeaders {
		v := strings.TrimSpace(r.Header.Get(h))
		if v != "" && !strings.EqualFold(v, "unknown") {
			ip = v
			break
		}
	}
	if ip == "" {
		ip = r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
	}
	if first, _, ok := strings.Cut(ip, ","); ok {
		ip = strings.TrimSpace(first)
	}
	return ip
}

func firstHeader(r *http.Request, names []string) string {
	for _, n := range names {
		if v := strings.TrimSpace(r.Header.Get(n)); v != "" {
			return v
		}
	}
	return ""
}

func newEvent(r *http.Request, key string, u *store.ShortURL, at time.Time) store.HistoryEvent {
	ev := store.HistoryEvent{
		ShortURLKey: key,
		Referer:     r.Referer(),
		UserAgent:   r.UserAgent(),
		IP:          ClientIP(r),
		Country:     firstHeader(r, countryHeaders),
		City:        firstHeader(r, cityHeaders),
		RedirectAt:  at,
	}
	if u != nil {
		ev.BotType = u.BotType
		ev.BotServiceKey = u.BotServiceKey
		ev.SurveyID = u.SurveyID
		ev.SurveyVer = u.SurveyVer
	}
	return ev
}
