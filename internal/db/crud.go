package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/undeadops/terse-edge/internal/store"
)

// ConfigItemID is the reserved id of the redirection config item.
const ConfigItemID = "#redirection-config"

var _ store.Source = (*Client)(nil)

func keyOf(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id": &types.AttributeValueMemberS{Value: id},
	}
}

// ShortURL implements store.Source.
func (client *Client) ShortURL(ctx context.Context, key string) (store.ShortURL, error) {
	if key == ConfigItemID {
		return store.ShortURL{}, store.ErrNotFound
	}

	ctx, cancel := withTimeout(ctx, client.ReadTimeout)
	defer cancel()

	result, err := client.DDB.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(client.Table),
		Key:       keyOf(key),
	})
	if err != nil {
		return store.ShortURL{}, fmt.Errorf("failed to get item: %w", err)
	}
	if result.Item == nil {
		return store.ShortURL{}, store.ErrNotFound
	}

	var item URLItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return store.ShortURL{}, fmt.Errorf("failed to unmarshal item: %w", err)
	}
	return item.toShortURL()
}

// AllShortURLs scans the whole table. Items that can't be decoded are
// skipped.
func (client *Client) AllShortURLs(ctx context.Context) ([]store.ShortURL, error) {
	ctx, cancel := withTimeout(ctx, client.ScanTimeout)
	defer cancel()

	filter := expression.Name("id").NotEqual(expression.Value(ConfigItemID))
	expr, err := expression.NewBuilder().WithFilter(filter).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build filter expression: %w", err)
	}

	paginator := dynamodb.NewScanPaginator(client.DDB, &dynamodb.ScanInput{
		TableName:                 aws.String(client.Table),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})

	var urls []store.ShortURL
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to scan table: %w", err)
		}

		for _, raw := range page.Items {
			var item URLItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				client.Logger.Debug().Err(err).Msg("failed to unmarshal item")
				continue
			}
			if item.ID == ConfigItemID {
				continue
			}
			u, err := item.toShortURL()
			if err != nil {
				client.Logger.Debug().Err(err).Str("id", item.ID).Msg("skipping item")
				continue
			}
			urls = append(urls, u)
		}
	}
	return urls, nil
}

// RedirectionConfig reads the reserved config item.
func (client *Client) RedirectionConfig(ctx context.Context) (store.RedirectionConfig, error) {
	ctx, cancel := withTimeout(ctx, client.ReadTimeout)
	defer cancel()

	result, err := client.DDB.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(client.Table),
		Key:       keyOf(ConfigItemID),
	})
	if err != nil {
		return store.RedirectionConfig{}, fmt.Errorf("failed to get redirection config: %w", err)
	}
	if result.Item == nil {
		return store.RedirectionConfig{}, errors.New("redirection config item missing")
	}

	var item ConfigItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return store.RedirectionConfig{}, fmt.Errorf("failed to unmarshal redirection config: %w", err)
	}
	return store.RedirectionConfig{
		FallbackURL:    item.FallbackURL,
		DefaultHost:    item.DefaultHost,
		ShowErrorPage:  item.ShowErrorPage,
		TrackingFields: item.TrackingFields,
	}, nil
}

// SaveHistory bumps the access counter and appends the event to the history
// table. A failed counter update does not fail the event.
//
//nolint:gocritic // mirrors store.Source
func (client *Client) SaveHistory(ctx context.Context, event store.HistoryEvent) error {
	ctx, cancel := withTimeout(ctx, client.WriteTimeout)
	defer cancel()

	update := expression.Add(expression.Name("access_count"), expression.Value(1))
	cond := expression.AttributeExists(expression.Name("id"))
	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("failed to build update expression: %w", err)
	}

	_, err = client.DDB.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(client.Table),
		Key:                       keyOf(event.ShortURLKey),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		client.Logger.Debug().Err(err).Str("key", event.ShortURLKey).Msg("failed to increment access count")
	}

	if client.HistoryTable == "" {
		return nil
	}

	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	av, err := attributevalue.MarshalMap(HistoryItem{
		EventID:       event.EventID,
		ShortURLKey:   event.ShortURLKey,
		Referer:       event.Referer,
		UserAgent:     event.UserAgent,
		IP:            event.IP,
		Country:       event.Country,
		City:          event.City,
		BotType:       string(event.BotType),
		BotServiceKey: event.BotServiceKey,
		SurveyID:      event.SurveyID,
		SurveyVer:     event.SurveyVer,
		RedirectAt:    event.RedirectAt.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal history item: %w", err)
	}

	_, err = client.DDB.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(client.HistoryTable),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("failed to put history item: %w", err)
	}
	return nil
}

func (item URLItem) toShortURL() (store.ShortURL, error) {
	u := store.ShortURL{
		Key:           item.ID,
		ShortURL:      item.ShortURL,
		LongURL:       item.RedirectURL,
		CreatedBy:     item.CreatedBy,
		UserID:        item.UserID,
		BotType:       store.BotType(item.BotType),
		BotServiceKey: item.BotServiceKey,
		SurveyID:      item.SurveyID,
		SurveyVer:     item.SurveyVer,
	}
	if item.ExpiredAt != "" {
		ts, err := store.ParseTimestamp(item.ExpiredAt)
		if err != nil {
			return store.ShortURL{}, fmt.Errorf("invalid expired_at on %s: %w", item.ID, err)
		}
		u.ExpiresAt = &ts
	}
	return u, nil
}
