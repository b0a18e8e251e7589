package db

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"
)

// DynamoAPI is the subset of the DynamoDB client the edge uses.
type DynamoAPI interface {
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, opts ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Client reads the system of record's DynamoDB mirror.
type Client struct {
	Table        string
	HistoryTable string
	Region       string
	DDBEndpoint  string
	// CreateTables creates missing tables, for local endpoints.
	CreateTables bool
	DDB          DynamoAPI
	Logger       zerolog.Logger

	// per-call bounds, zero means unbounded
	ReadTimeout  time.Duration
	ScanTimeout  time.Duration
	WriteTimeout time.Duration
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

// URLItem represents a short url entry in DynamoDB
type URLItem struct {
	ID            string `dynamodbav:"id"`           // short key (partition key)
	RedirectURL   string `dynamodbav:"redirect_url"` // long url
	AccessCount   int64  `dynamodbav:"access_count"`
	CreatedAt     int64  `dynamodbav:"created_at"` // unix seconds
	ExpiredAt     string `dynamodbav:"expired_at,omitempty"`
	ShortURL      string `dynamodbav:"short_url,omitempty"`
	CreatedBy     int64  `dynamodbav:"created_by,omitempty"`
	UserID        int64  `dynamodbav:"user_id,omitempty"`
	BotType       string `dynamodbav:"bot_type,omitempty"`
	BotServiceKey string `dynamodbav:"bot_service_key,omitempty"`
	SurveyID      string `dynamodbav:"survey_id,omitempty"`
	SurveyVer     string `dynamodbav:"survey_ver,omitempty"`
}

// ConfigItem holds the redirection config under a reserved id in the
// short url table.
type ConfigItem struct {
	ID             string `dynamodbav:"id"`
	FallbackURL    string `dynamodbav:"fallback_url"`
	DefaultHost    string `dynamodbav:"default_host"`
	ShowErrorPage  *bool  `dynamodbav:"show_error_page"`
	TrackingFields string `dynamodbav:"tracking_fields"`
}

// HistoryItem is one redirect event in the history table.
type HistoryItem struct {
	EventID       string `dynamodbav:"event_id"` // partition key
	ShortURLKey   string `dynamodbav:"short_url_key"`
	Referer       string `dynamodbav:"referer,omitempty"`
	UserAgent     string `dynamodbav:"user_agent,omitempty"`
	IP            string `dynamodbav:"ip,omitempty"`
	Country       string `dynamodbav:"country,omitempty"`
	City          string `dynamodbav:"city,omitempty"`
	BotType       string `dynamodbav:"bot_type,omitempty"`
	BotServiceKey string `dynamodbav:"bot_service_key,omitempty"`
	SurveyID      string `dynamodbav:"survey_id,omitempty"`
	SurveyVer     string `dynamodbav:"survey_ver,omitempty"`
	RedirectAt    int64  `dynamodbav:"redirect_at"` // unix millis
}

// SetupDB builds the DynamoDB client and checks the tables exist.
func SetupDB(ctx context.Context, c *Client) error {
	opts := []func(*config.LoadOptions) error{config.WithRegion(c.Region)}
	if c.DDBEndpoint != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("dummy1", "dummy2", "dummy3")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to load aws config: %w", err)
	}

	if c.DDBEndpoint != "" {
		c.DDB = dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(c.DDBEndpoint)
		})
		c.Logger.Info().Str("endpoint", c.DDBEndpoint).Msg("Using custom DynamoDB endpoint")
	} else {
		c.DDB = dynamodb.NewFromConfig(cfg)
	}

	if err := c.ensureTable(ctx, c.Table, "id"); err != nil {
		return err
	}
	if c.HistoryTable != "" {
		if err := c.ensureTable(ctx, c.HistoryTable, "event_id"); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) ensureTable(ctx context.Context, table, hashKey string) error {
	_, err := c.DDB.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(table),
	})
	if err == nil {
		c.Logger.Debug().Str("table", table).Msg("Connected to DynamoDB table")
		return nil
	}
	if !c.CreateTables {
		return fmt.Errorf("failed to describe table %s: %w", table, err)
	}

	c.Logger.Debug().Str("table", table).Msg("Table doesn't exist, creating")

	// Only key attributes need to be defined in AttributeDefinitions
	_, err = c.DDB.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(table),
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String(hashKey),
				KeyType:       types.KeyTypeHash,
			},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String(hashKey),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", table, err)
	}

	c.Logger.Debug().Str("table", table).Msg("Table created successfully")
	return nil
}
