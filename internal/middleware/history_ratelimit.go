package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/AnshRaj112/peerlink-backend/pkg/clientip"
	"golang.org/x/time/rate"
)

// History paging is limited per IP, with a larger allowance for requests
// that carry a bearer token.
// Auth: 30 req/min, burst 20. Anonymous: 10 req/min, burst 5.

const (
	historyAuthRPS   = 0.5
	historyAuthBurst = 20
	historyAnonRPS   = 0.17
	historyAnonBurst = 5
)

type HistoryLimiters struct {
	Auth *Limiters
	Anon *Limiters
}

func NewHistoryLimiters() HistoryLimiters {
	return HistoryLimiters{
		Auth: NewLimiters(rate.Limit(historyAuthRPS), historyAuthBurst),
		Anon: NewLimiters(rate.Limit(historyAnonRPS), historyAnonBurst),
	}
}

// HistoryRateLimit applies to GET .../messages only. Returns 429 with headers
// when exceeded.
func HistoryRateLimit(hl HistoryLimiters) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet || !strings.HasSuffix(r.URL.Path, "/messages") {
				next.ServeHTTP(w, r)
				return
			}

			l := hl.Anon
			if BearerToken(r) != "" {
				l = hl.Auth
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.Burst()))
			if !l.Allow(clientip.RealClientIP(r)) {
				w.Header().Set("X-RateLimit-Remaining", "0")
				tooMany(w, "Too many history requests. Please slow down.")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
