package storage

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/dennisdiepolder/monti/handoff/internal/types"
	"github.com/rs/zerolog"
)

// Key attributes of the chat records table
const (
	attrPartition = "TenantDate"
	attrSort      = "ChatID"
)

// dynamoAPI is the part of the DynamoDB client the archive uses
type dynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// DynamoDBArchive implements Archive using AWS DynamoDB
type DynamoDBArchive struct {
	client dynamoAPI
	table  string
	logger zerolog.Logger
}

// NewDynamoDBArchive creates a new DynamoDB archive
func NewDynamoDBArchive(ctx context.Context, cfg DynamoConfig, logger zerolog.Logger) (*DynamoDBArchive, error) {
	logger = logger.With().Str("component", "archive").Logger()

	var client *dynamodb.Client
	if cfg.Mode == DynamoModeLocal {
		// Build the client directly: LoadDefaultConfig probes the EC2 IMDS
		// endpoint, which hangs when static credentials are intended.
		client = dynamodb.New(dynamodb.Options{
			Region:       cfg.Region,
			BaseEndpoint: aws.String(cfg.Endpoint),
			Credentials:  credentials.NewStaticCredentialsProvider("local", "local", ""),
		})
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client = dynamodb.NewFromConfig(awsCfg)
	}

	a := newDynamoDBArchive(client, cfg.ChatRecordsTable, logger)

	// Tables are provisioned outside the service in AWS
	if cfg.Mode == DynamoModeLocal {
		if err := a.CreateTableIfNotExist(ctx); err != nil {
			return nil, err
		}
	}

	logger.Info().
		Str("mode", string(cfg.Mode)).
		Str("region", cfg.Region).
		Str("table", cfg.ChatRecordsTable).
		Msg("DynamoDB archive initialized")

	return a, nil
}

func newDynamoDBArchive(client dynamoAPI, table string, logger zerolog.Logger) *DynamoDBArchive {
	return &DynamoDBArchive{client: client, table: table, logger: logger}
}

// SaveChatRecord writes one finished chat. Writing the same chat twice
// overwrites the earlier record.
func (a *DynamoDBArchive) SaveChatRecord(ctx context.Context, rec types.ChatRecord) error {
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal chat record: %w", err)
	}

	_, err = a.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(a.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to save chat record: %w", err)
	}
	return nil
}

// GetChatRecords returns a tenant's archived chats for one day
func (a *DynamoDBArchive) GetChatRecords(ctx context.Context, tenantID, date string) ([]types.ChatRecord, error) {
	pk, err := partitionKey(tenantID, date)
	if err != nil {
		return nil, err
	}
	keyCond := expression.Key(attrPartition).Equal(expression.Value(pk))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}
	return a.query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(a.table),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
}

// GetAgentChats returns the chats an agent finished on one day
func (a *DynamoDBArchive) GetAgentChats(ctx context.Context, tenantID, agentID, date string) ([]types.ChatRecord, error) {
	pk, err := partitionKey(tenantID, date)
	if err != nil {
		return nil, err
	}
	keyCond := expression.Key(attrPartition).Equal(expression.Value(pk))
	filter := expression.Name("AgentID").Equal(expression.Value(agentID))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).WithFilter(filter).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}
	return a.query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(a.table),
		KeyConditionExpression:    expr.KeyCondition(),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
}

// query pages through a query and unmarshals every item
func (a *DynamoDBArchive) query(ctx context.Context, in *dynamodb.QueryInput) ([]types.ChatRecord, error) {
	records := []types.ChatRecord{}
	for {
		result, err := a.client.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("failed to query chat records: %w", err)
		}

		var page []types.ChatRecord
		if err := attributevalue.UnmarshalListOfMaps(result.Items, &page); err != nil {
			return nil, fmt.Errorf("failed to unmarshal chat records: %w", err)
		}
		records = append(records, page...)

		if len(result.LastEvaluatedKey) == 0 {
			return records, nil
		}
		in.ExclusiveStartKey = result.LastEvaluatedKey
	}
}

// CreateTableIfNotExist creates the chat records table for local
// development
func (a *DynamoDBArchive) CreateTableIfNotExist(ctx context.Context) error {
	_, err := a.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(a.table),
	})
	if err == nil {
		a.logger.Info().Str("table", a.table).Msg("table already exists")
		return nil
	}

	_, err = a.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(a.table),
		KeySchema: []dbtypes.KeySchemaElement{
			{AttributeName: aws.String(attrPartition), KeyType: dbtypes.KeyTypeHash},
			{AttributeName: aws.String(attrSort), KeyType: dbtypes.KeyTypeRange},
		},
		AttributeDefinitions: []dbtypes.AttributeDefinition{
			{AttributeName: aws.String(attrPartition), AttributeType: dbtypes.ScalarAttributeTypeS},
			{AttributeName: aws.String(attrSort), AttributeType: dbtypes.ScalarAttributeTypeS},
		},
		BillingMode: dbtypes.BillingModePayPerRequest,
	})
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", a.table, err)
	}
	a.logger.Info().Str("table", a.table).Msg("table created")
	return nil
}
