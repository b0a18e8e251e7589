package store

import (
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
)

// BotType classifies the bot a short URL was issued for.
type BotType string

const (
	BotTypeCallBot BotType = "CALLBOT"
	BotTypeChatBot BotType = "CHATBOT"
)

// ShortURL is the record cached per key. Its JSON shape matches the
// system of record's short url response.
type ShortURL struct {
	ID            int64      `json:"id,omitempty"`
	Key           string     `json:"shortKey"`
	ShortURL      string     `json:"shortUrl,omitempty"`
	LongURL       string     `json:"longUrl" validate:"required"`
	CreatedBy     int64      `json:"createdBy,omitempty"`
	UserID        int64      `json:"userId,omitempty"`
	CreatedAt     string     `json:"createdAt,omitempty"`
	ExpiresAt     *Timestamp `json:"expiredAt,omitempty"`
	BotType       BotType    `json:"botType,omitempty"`
	BotServiceKey string     `json:"botServiceKey,omitempty"`
	SurveyID      string     `json:"surveyId,omitempty"`
	SurveyVer     string     `json:"surveyVer,omitempty"`
}

// CacheKey returns the key the record is cached under. Older system of
// record versions only filled shortUrl, so the key falls back to its last
// path segment.
func (u ShortURL) CacheKey() string {
	if k := strings.TrimSpace(u.Key); k != "" {
		return k
	}
	if u.ShortURL == "" {
		return ""
	}
	p := u.ShortURL
	if parsed, err := url.Parse(u.ShortURL); err == nil && parsed.Path != "" {
		p = parsed.Path
	}
	base := path.Base(strings.TrimRight(p, "/"))
	if base == "." || base == "/" {
		return ""
	}
	return base
}

// Expired reports whether the record carries an expiry that lies before now.
func (u ShortURL) Expired(now time.Time) bool {
	return u.ExpiresAt != nil && !u.ExpiresAt.IsZero() && u.ExpiresAt.Before(now)
}

// RedirectionConfig is the operator-controlled redirect behaviour owned by
// the system of record.
type RedirectionConfig struct {
	FallbackURL    string `json:"fallbackUrl"`
	DefaultHost    string `json:"defaultHost"`
	ShowErrorPage  *bool  `json:"showErrorPage"`
	TrackingFields string `json:"trackingFields"`
}

// Fallback returns the trimmed fallback URL, empty when unset or blank.
func (c RedirectionConfig) Fallback() string {
	return strings.TrimSpace(c.FallbackURL)
}

// ErrorPage reports whether an inline error page should be rendered.
func (c RedirectionConfig) ErrorPage() bool {
	return c.ShowErrorPage != nil && *c.ShowErrorPage
}

// Fields splits TrackingFields into parameter names, dropping blanks.
func (c RedirectionConfig) Fields() []string {
	if strings.TrimSpace(c.TrackingFields) == "" {
		return nil
	}
	parts := strings.Split(c.TrackingFields, ",")
	fields := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			fields = append(fields, p)
		}
	}
	return fields
}

// HistoryEvent is one redirect attempt reported to the system of record.
type HistoryEvent struct {
	EventID       string    `json:"eventId"`
	ShortURLKey   string    `json:"shortUrlKey"`
	Referer       string    `json:"referer,omitempty"`
	UserAgent     string    `json:"userAgent,omitempty"`
	IP            string    `json:"ip,omitempty"`
	Country       string    `json:"country,omitempty"`
	City          string    `json:"city,omitempty"`
	BotType       BotType   `json:"botType,omitempty"`
	BotServiceKey string    `json:"botServiceKey,omitempty"`
	SurveyID      string    `json:"surveyId,omitempty"`
	SurveyVer     string    `json:"surveyVer,omitempty"`
	RedirectAt    time.Time `json:"redirectAt"`
}

var location atomic.Pointer[time.Location]

// SetLocation sets the zone used for timestamps that carry no offset.
func SetLocation(loc *time.Location) {
	location.Store(loc)
}

func currentLocation() *time.Location {
	if loc := location.Load(); loc != nil {
		return loc
	}
	return time.Local
}

// zone-less layouts emitted by the system of record for local date-times
var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
}

// Timestamp accepts RFC 3339 as well as zone-less ISO local date-times.
type Timestamp struct {
	time.Time
}

// ParseTimestamp parses s using RFC 3339 first and the local layouts after.
func ParseTimestamp(s string) (Timestamp, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Timestamp{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return Timestamp{t}, nil
	}
	loc := currentLocation()
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return Timestamp{t}, nil
		}
	}
	return Timestamp{}, fmt.Errorf("unrecognised timestamp %q", s)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*t = Timestamp{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
