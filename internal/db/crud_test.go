package db

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/undeadops/terse-edge/internal/store"
)

// fakeDynamo keeps one map of items per table, keyed by the hash key value.
type fakeDynamo struct {
	mu      sync.Mutex
	tables  map[string]map[string]map[string]types.AttributeValue
	updates []*dynamodb.UpdateItemInput
	created []string
	pageLen int
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{tables: map[string]map[string]map[string]types.AttributeValue{}}
}

func (f *fakeDynamo) put(t *testing.T, table string, v any) {
	t.Helper()
	av, err := attributevalue.MarshalMap(v)
	require.NoError(t, err)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tables[table] == nil {
		f.tables[table] = map[string]map[string]types.AttributeValue{}
	}
	f.tables[table][hashOf(av)] = av
}

func hashOf(item map[string]types.AttributeValue) string {
	for _, k := range []string{"id", "event_id"} {
		if s, ok := item[k].(*types.AttributeValueMemberS); ok {
			return s.Value
		}
	}
	return ""
}

func (f *fakeDynamo) DescribeTable(_ context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tables[aws.ToString(in.TableName)]; !ok {
		return nil, &types.ResourceNotFoundException{}
	}
	return &dynamodb.DescribeTableOutput{}, nil
}

func (f *fakeDynamo) CreateTable(_ context.Context, in *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.TableName)
	f.tables[name] = map[string]map[string]types.AttributeValue{}
	f.created = append(f.created, name)
	return &dynamodb.CreateTableOutput{}, nil
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.tables[aws.ToString(in.TableName)][hashOf(in.Key)]}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.TableName)
	if f.tables[name] == nil {
		return nil, errors.New("no such table")
	}
	f.tables[name][hashOf(in.Item)] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, in)
	return &dynamodb.UpdateItemOutput{}, nil
}

// Scan ignores the filter expression and pages by pageLen.
func (f *fakeDynamo) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var items []map[string]types.AttributeValue
	for _, item := range f.tables[aws.ToString(in.TableName)] {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return hashOf(items[i]) < hashOf(items[j]) })

	start := 0
	if in.ExclusiveStartKey != nil {
		for i, item := range items {
			if hashOf(item) == hashOf(in.ExclusiveStartKey) {
				start = i + 1
			}
		}
	}
	end := len(items)
	if f.pageLen > 0 && start+f.pageLen < end {
		end = start + f.pageLen
	}

	out := &dynamodb.ScanOutput{Items: items[start:end]}
	if end < len(items) {
		out.LastEvaluatedKey = keyOf(hashOf(items[end-1]))
	}
	return out, nil
}

func newTestClient(f *fakeDynamo) *Client {
	return &Client{
		Table:        "terse",
		HistoryTable: "terse-history",
		DDB:          f,
		Logger:       zerolog.Nop(),
	}
}

func TestClient_ShortURL(t *testing.T) {
	f := newFakeDynamo()
	f.put(t, "terse", URLItem{
		ID:          "abc",
		RedirectURL: "https://example.com/a",
		ExpiredAt:   "2030-01-01T00:00:00Z",
		BotType:     "CALLBOT",
		SurveyID:    "s-1",
	})
	c := newTestClient(f)

	u, err := c.ShortURL(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", u.Key)
	assert.Equal(t, "https://example.com/a", u.LongURL)
	assert.Equal(t, store.BotTypeCallBot, u.BotType)
	require.NotNil(t, u.ExpiresAt)
	assert.Equal(t, 2030, u.ExpiresAt.Year())

	_, err = c.ShortURL(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = c.ShortURL(context.Background(), ConfigItemID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClient_AllShortURLsPaginates(t *testing.T) {
	f := newFakeDynamo()
	f.pageLen = 2
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		f.put(t, "terse", URLItem{ID: k, RedirectURL: "https://" + k + ".example"})
	}
	f.put(t, "terse", ConfigItem{ID: ConfigItemID, FallbackURL: "https://fb.example"})
	f.put(t, "terse", URLItem{ID: "bad", RedirectURL: "https://bad.example", ExpiredAt: "yesterday"})
	c := newTestClient(f)

	all, err := c.AllShortURLs(context.Background())
	require.NoError(t, err)

	keys := make([]string, 0, len(all))
	for _, u := range all {
		keys = append(keys, u.Key)
	}
	assert.ElementsMatch(t, []string{"a", "b", "c", "d", "e"}, keys)
}

func TestClient_RedirectionConfig(t *testing.T) {
	f := newFakeDynamo()
	c := newTestClient(f)

	_, err := c.RedirectionConfig(context.Background())
	assert.Error(t, err)

	show := true
	f.put(t, "terse", ConfigItem{
		ID:             ConfigItemID,
		FallbackURL:    " https://fb.example ",
		DefaultHost:    "home.example",
		ShowErrorPage:  &show,
		TrackingFields: "utm_source,utm_campaign",
	})

	cfg, err := c.RedirectionConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://fb.example", cfg.Fallback())
	assert.True(t, cfg.ErrorPage())
	assert.Equal(t, []string{"utm_source", "utm_campaign"}, cfg.Fields())
}

func TestClient_SaveHistory(t *testing.T) {
	f := newFakeDynamo()
	f.put(t, "terse", URLItem{ID: "abc", RedirectURL: "https://example.com"})
	f.tables["terse-history"] = map[string]map[string]types.AttributeValue{}
	c := newTestClient(f)

	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	err := c.SaveHistory(context.Background(), store.HistoryEvent{
		ShortURLKey: "abc",
		IP:          "192.0.2.1",
		BotType:     store.BotTypeChatBot,
		RedirectAt:  at,
	})
	require.NoError(t, err)

	require.Len(t, f.updates, 1)
	assert.Equal(t, "abc", hashOf(f.updates[0].Key))
	assert.NotNil(t, f.updates[0].ConditionExpression)

	require.Len(t, f.tables["terse-history"], 1)
	for id, raw := range f.tables["terse-history"] {
		var item HistoryItem
		require.NoError(t, attributevalue.UnmarshalMap(raw, &item))
		assert.NotEmpty(t, id)
		assert.Equal(t, "abc", item.ShortURLKey)
		assert.Equal(t, "192.0.2.1", item.IP)
		assert.Equal(t, "CHATBOT", item.BotType)
		assert.Equal(t, at.UnixMilli(), item.RedirectAt)
	}
}

func TestClient_EnsureTable(t *testing.T) {
	f := newFakeDynamo()
	c := newTestClient(f)

	err := c.ensureTable(context.Background(), "terse", "id")
	assert.Error(t, err)
	assert.Empty(t, f.created)

	c.CreateTables = true
	require.NoError(t, c.ensureTable(context.Background(), "terse", "id"))
	require.NoError(t, c.ensureTable(context.Background(), "terse", "id"))
	assert.Equal(t, []string{"terse"}, f.created)
}
