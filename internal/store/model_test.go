package store_test

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/undeadops/terse-edge/internal/store"
)

func TestShortURL_DecodesSystemOfRecordPayload(t *testing.T) {
	store.SetLocation(time.UTC)
	t.Cleanup(func() { store.SetLocation(nil) })

	payload := `{
		"id": 42,
		"shortKey": "aB3xY9",
		"shortUrl": "https://s.example/aB3xY9",
		"longUrl": "https://dest.example/page",
		"createdBy": 7,
		"userId": 7,
		"createdAt": "2025-01-02T03:04:05",
		"expiredAt": "2030-06-01T12:30:00",
		"botType": "CHATBOT",
		"botServiceKey": "svc-1",
		"surveyId": "s-9",
		"surveyVer": "2",
		"unknownField": true
	}`

	var u store.ShortURL
	require.NoError(t, json.Unmarshal([]byte(payload), &u))

	assert.Equal(t, "aB3xY9", u.CacheKey())
	assert.Equal(t, "https://dest.example/page", u.LongURL)
	assert.Equal(t, store.BotTypeChatBot, u.BotType)
	require.NotNil(t, u.ExpiresAt)
	assert.Equal(t, time.Date(2030, 6, 1, 12, 30, 0, 0, time.UTC), u.ExpiresAt.Time)
}

func TestShortURL_CacheKeyFallsBackToShortURL(t *testing.T) {
	tests := []struct {
		name string
		in   store.ShortURL
		want string
	}{
		{"explicit key", store.ShortURL{Key: " abc ", ShortURL: "https://s.example/zzz"}, "abc"},
		{"from short url", store.ShortURL{ShortURL: "https://s.example/r/xyz"}, "xyz"},
		{"trailing slash", store.ShortURL{ShortURL: "https://s.example/xyz/"}, "xyz"},
		{"bare key", store.ShortURL{ShortURL: "xyz"}, "xyz"},
		{"host only", store.ShortURL{ShortURL: "https://s.example/"}, ""},
		{"nothing", store.ShortURL{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.CacheKey())
		})
	}
}

func TestShortURL_Expired(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	past := store.Timestamp{Time: now.Add(-time.Second)}
	future := store.Timestamp{Time: now.Add(time.Hour)}

	assert.False(t, store.ShortURL{}.Expired(now))
	assert.False(t, store.ShortURL{ExpiresAt: &store.Timestamp{}}.Expired(now))
	assert.False(t, store.ShortURL{ExpiresAt: &future}.Expired(now))
	assert.True(t, store.ShortURL{ExpiresAt: &past}.Expired(now))
}

func TestParseTimestamp(t *testing.T) {
	store.SetLocation(time.UTC)
	t.Cleanup(func() { store.SetLocation(nil) })

	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{in: "2030-01-02T03:04:05Z", want: time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)},
		{in: "2030-01-02T03:04:05+09:00", want: time.Date(2030, 1, 1, 18, 4, 5, 0, time.UTC)},
		{in: "2030-01-02T03:04:05.123", want: time.Date(2030, 1, 2, 3, 4, 5, 123000000, time.UTC)},
		{in: "2030-01-02T03:04", want: time.Date(2030, 1, 2, 3, 4, 0, 0, time.UTC)},
		{in: "2030-01-02 03:04:05", want: time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)},
		{in: "", want: time.Time{}},
		{in: "next tuesday", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := store.ParseTimestamp(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got.Time), "got %s", got.Time)
		})
	}
}

func TestTimestamp_NullAndRoundTrip(t *testing.T) {
	var u store.ShortURL
	require.NoError(t, json.Unmarshal([]byte(`{"shortKey":"k","longUrl":"https://x.example","expiredAt":null}`), &u))
	assert.Nil(t, u.ExpiresAt)

	ts := store.Timestamp{Time: time.Date(2031, 2, 3, 4, 5, 6, 0, time.UTC)}
	b, err := json.Marshal(ts)
	require.NoError(t, err)
	assert.JSONEq(t, `"2031-02-03T04:05:06Z"`, string(b))

	b, err = json.Marshal(store.Timestamp{})
	require.NoError(t, err)
	assert.Equal(t, "null", string(b))
}

func TestRedirectionConfig_Accessors(t *testing.T) {
	yes := true
	cfg := store.RedirectionConfig{
		FallbackURL:    "  ",
		ShowErrorPage:  &yes,
		TrackingFields: " utm_source, ,campaign,",
	}
	assert.Equal(t, "", cfg.Fallback())
	assert.True(t, cfg.ErrorPage())
	assert.Equal(t, []string{"utm_source", "campaign"}, cfg.Fields())

	var empty store.RedirectionConfig
	assert.False(t, empty.ErrorPage())
	assert.Nil(t, empty.Fields())
}
