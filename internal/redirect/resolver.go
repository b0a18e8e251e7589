// Package redirect turns a short key into the user-facing response.
//
// A cached, unexpired record redirects to its long url with the configured
// tracking parameters appended. Anything else (a miss, an expired record or
// a failure while resolving) goes through the fallback chain: the fallback
// url, then the inline error page, then 404.
package redirect

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/undeadops/terse-edge/internal/metrics"
	"github.com/undeadops/terse-edge/internal/store"
)

type Outcome string

const (
	OutcomeHit       Outcome = "hit"
	OutcomeFallback  Outcome = "fallback_redirect"
	OutcomeErrorPage Outcome = "error_page"
	OutcomeNotFound  Outcome = "not_found"
	OutcomeRoot      Outcome = "root_redirect"

	// OutcomeUnavailable is a redirect refused before the boot warm finished.
	OutcomeUnavailable Outcome = "unavailable"
)

// ConfigSource returns the current redirection config.
type ConfigSource interface {
	Config() store.RedirectionConfig
}

// HistorySink accepts redirect events without blocking.
type HistorySink interface {
	Record(event store.HistoryEvent) bool
}

// Decision is the resolved response for one request.
type Decision struct {
	Outcome  Outcome
	Location string
	// Record is set on a hit.
	Record *store.ShortURL
}

type Resolver struct {
	cache   store.Store
	configs ConfigSource
	history HistorySink
	logger  zerolog.Logger

	now func() time.Time
}

//nolint:gocritic // zerolog.Logger is designed to be passed by value
func New(cache store.Store, configs ConfigSource, history HistorySink, logger zerolog.Logger) *Resolver {
	return &Resolver{
		cache:   cache,
		configs: configs,
		history: history,
		logger:  logger,
		now:     time.Now,
	}
}

// Resolve decides the response for key. It never panics; failures are
// routed to the fallback chain.
func (r *Resolver) Resolve(key string, query url.Values) (d Decision) {
	cfg := r.configs.Config()

	defer func() {
		if rec := recover(); rec != nil {
			metrics.ResolutionFailures.Inc()
			r.logger.Error().Interface("panic", rec).Str("key", key).Msg("redirect resolution panicked")
			d = fallback(cfg)
		}
	}()

	u, ok := r.cache.Get(key)
	if !ok {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return fallback(cfg)
	}
	if u.Expired(r.now()) {
		metrics.CacheLookups.WithLabelValues("expired").Inc()
		return fallback(cfg)
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()

	target, err := AppendTrackingFields(u.LongURL, cfg.Fields(), query)
	if err != nil {
		metrics.ResolutionFailures.Inc()
		r.logger.Warn().Err(err).Str("key", key).Msg("cached long url is unusable")
		return fallback(cfg)
	}
	return Decision{Outcome: OutcomeHit, Location: target, Record: &u}
}

// ResolveRoot decides the response for "/". The cache is not consulted.
func (r *Resolver) ResolveRoot() Decision {
	host := strings.TrimSpace(r.configs.Config().DefaultHost)
	if host == "" {
		return Decision{Outcome: OutcomeNotFound}
	}
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	return Decision{Outcome: OutcomeRoot, Location: host}
}

func fallback(cfg store.RedirectionConfig) Decision {
	if fb := cfg.Fallback(); fb != "" {
		return Decision{Outcome: OutcomeFallback, Location: fb}
	}
	if cfg.ErrorPage() {
		return Decision{Outcome: OutcomeErrorPage}
	}
	return Decision{Outcome: OutcomeNotFound}
}

// ServeKey resolves key and writes the response. History is recorded only
// for hits and never delays the response.
func (r *Resolver) ServeKey(w http.ResponseWriter, req *http.Request, key string) {
	d := r.Resolve(key, req.URL.Query())
	r.write(w, d)

	if d.Outcome == OutcomeHit && r.history != nil {
		r.history.Record(newEvent(req, key, d.Record, r.now()))
	}
}

// ServeRoot writes the response for "/".
func (r *Resolver) ServeRoot(w http.ResponseWriter, _ *http.Request) {
	r.write(w, r.ResolveRoot())
}

func (r *Resolver) write(w http.ResponseWriter, d Decision) {
	metrics.RedirectOutcomes.WithLabelValues(string(d.Outcome)).Inc()

	switch d.Outcome {
	case OutcomeHit, OutcomeFallback, OutcomeRoot:
		w.Header().Set("Location", d.Location)
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusFound)
	case OutcomeErrorPage:
		writeErrorPage(w, r.logger)
	default:
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	}
}

// AppendTrackingFields appends name=value to longURL for every field whose
// first value on query is non-empty. The first appended pair uses '?' when
// longURL has no query string and '&' otherwise. A fragment stays last.
func AppendTrackingFields(longURL string, fields []string, query url.Values) (string, error) {
	if _, err := url.Parse(longURL); err != nil {
		return "", fmt.Errorf("invalid long url: %w", err)
	}
	if len(fields) == 0 || len(query) == 0 {
		return longURL, nil
	}

	var params []string
	for _, f := range fields {
		if v := query.Get(f); v != "" {
			params = append(params, url.QueryEscape(f)+"="+url.QueryEscape(v))
		}
	}
	if len(params) == 0 {
		return longURL, nil
	}

	base, fragment, hasFragment := strings.Cut(longURL, "#")

	var b strings.Builder
	b.WriteString(base)
	switch {
	case !strings.Contains(base, "?"):
		b.WriteByte('?')
	case !strings.HasSuffix(base, "?") && !strings.HasSuffix(base, "&"):
		b.WriteByte('&')
	}
	b.WriteString(strings.Join(params, "&"))
	if hasFragment {
		b.WriteByte('#')
		b.WriteString(fragment)
	}
	return b.String(), nil
}
