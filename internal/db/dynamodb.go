package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/RichardoC/teiqr/internal/config"
	"github.com/RichardoC/teiqr/internal/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

// sortTimeLayout is fixed width so sort keys order lexically by time.
const sortTimeLayout = "2006-01-02T15:04:05.000000000Z"

// tableActiveTimeout bounds the wait for a newly created table to become
// ACTIVE.
const tableActiveTimeout = time.Minute

// DynamoDBStore keeps conversations and profiles keyed by id, and messages
// partitioned by conversation_id with a "created_at#id" sort key.
type DynamoDBStore struct {
	client             *dynamodb.Client
	conversationsTable string
	messagesTable      string
	profilesTable      string
}

func NewDynamoDB(ctx context.Context, cfg config.DynamoDBConfig) (*DynamoDBStore, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.Endpoint != "" {
		// Local DynamoDB: fixed endpoint and dummy credentials.
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{URL: cfg.Endpoint}, nil
		})
		opts = append(opts,
			awsconfig.WithEndpointResolverWithOptions(resolver),
			awsconfig.WithCredentialsProvider(credentials.StaticCredentialsProvider{
				Value: aws.Credentials{AccessKeyID: "dummy", SecretAccessKey: "dummy", SessionToken: "dummy"},
			}),
		)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	s := &DynamoDBStore{
		client:             dynamodb.NewFromConfig(awsCfg),
		conversationsTable: cfg.ConversationsTable,
		messagesTable:      cfg.MessagesTable,
		profilesTable:      cfg.ProfilesTable,
	}
	if err := s.ensureTables(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *DynamoDBStore) ensureTables(ctx context.Context) error {
	tables := []struct {
		name string
		hash string
		rng  string
	}{
		{s.conversationsTable, "id", ""},
		{s.messagesTable, "conversation_id", "sort_key"},
		{s.profilesTable, "id", ""},
	}

	for _, t := range tables {
		attrs := []types.AttributeDefinition{
			{AttributeName: aws.String(t.hash), AttributeType: types.ScalarAttributeTypeS},
		}
		keys := []types.KeySchemaElement{
			{AttributeName: aws.String(t.hash), KeyType: types.KeyTypeHash},
		}
		if t.rng != "" {
			attrs = append(attrs, types.AttributeDefinition{AttributeName: aws.String(t.rng), AttributeType: types.ScalarAttributeTypeS})
			keys = append(keys, types.KeySchemaElement{AttributeName: aws.String(t.rng), KeyType: types.KeyTypeRange})
		}

		_, err := s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
			TableName:            aws.String(t.name),
			AttributeDefinitions: attrs,
			KeySchema:            keys,
			BillingMode:          types.BillingModePayPerRequest,
		})
		var inUse *types.ResourceInUseException
		if err != nil && !errors.As(err, &inUse) {
			return fmt.Errorf("failed to create table %s: %w", t.name, err)
		}

		// Writes fail until the table leaves CREATING.
		waiter := dynamodb.NewTableExistsWaiter(s.client, func(o *dynamodb.TableExistsWaiterOptions) {
			o.MinDelay = 2 * time.Second
		})
		if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(t.name)}, tableActiveTimeout); err != nil {
			return fmt.Errorf("failed waiting for table %s: %w", t.name, err)
		}
	}
	return nil
}

func (s *DynamoDBStore) CreateConversation(ctx context.Context, userID, title string) (*models.Conversation, error) {
	now := time.Now().UTC()
	conv := &models.Conversation{
		ID:        uuid.New().String(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.conversationsTable),
		Item: map[string]types.AttributeValue{
			"id":         &types.AttributeValueMemberS{Value: conv.ID},
			"user_id":    &types.AttributeValueMemberS{Value: conv.UserID},
			"title":      &types.AttributeValueMemberS{Value: conv.Title},
			"created_at": &types.AttributeValueMemberS{Value: formatTime(conv.CreatedAt)},
			"updated_at": &types.AttributeValueMemberS{Value: formatTime(conv.UpdatedAt)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

func (s *DynamoDBStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.conversationsTable),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	conv := conversationFromItem(out.Item)
	return &conv, nil
}

func (s *DynamoDBStore) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	conversations := make([]models.Conversation, 0)
	input := &dynamodb.ScanInput{
		TableName:        aws.String(s.conversationsTable),
		FilterExpression: aws.String("user_id = :uid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid": &types.AttributeValueMemberS{Value: userID},
		},
	}

	for {
		out, err := s.client.Scan(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to list conversations: %w", err)
		}
		for _, item := range out.Items {
			conversations = append(conversations, conversationFromItem(item))
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}

	sort.Slice(conversations, func(i, j int) bool {
		return conversations[i].UpdatedAt.After(conversations[j].UpdatedAt)
	})
	return conversations, nil
}

func (s *DynamoDBStore) UpdateConversationTitle(ctx context.Context, id, title string) error {
	return s.updateConversation(ctx, id, "title", title)
}

func (s *DynamoDBStore) TouchConversation(ctx context.Context, id string) error {
	return s.updateConversation(ctx, id, "updated_at", formatTime(time.Now().UTC()))
}

func (s *DynamoDBStore) updateConversation(ctx context.Context, id, attr, value string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.conversationsTable),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
		UpdateExpression:          aws.String("SET #attr = :value"),
		ConditionExpression:       aws.String("attribute_exists(id)"),
		ExpressionAttributeNames:  map[string]string{"#attr": attr},
		ExpressionAttributeValues: map[string]types.AttributeValue{":value": &types.AttributeValueMemberS{Value: value}},
	})
	var condFailed *types.ConditionalCheckFailedException
	if errors.As(err, &condFailed) {
		return ErrNotFound
	}
	return err
}

func (s *DynamoDBStore) DeleteConversation(ctx context.Context, id string) error {
	if _, err := s.GetConversation(ctx, id); err != nil {
		return err
	}

	items, err := s.queryMessages(ctx, id, 0, true)
	if err != nil {
		return err
	}
	for _, item := range items {
		_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.messagesTable),
			Key: map[string]types.AttributeValue{
				"conversation_id": item["conversation_id"],
				"sort_key":        item["sort_key"],
			},
		})
		if err != nil {
			return fmt.Errorf("failed to delete message: %w", err)
		}
	}

	_, err = s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.conversationsTable),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) SaveMessage(ctx context.Context, msg *models.Message) error {
	msg.ID = uuid.New().String()
	msg.CreatedAt = time.Now().UTC()

	item := map[string]types.AttributeValue{
		"conversation_id": &types.AttributeValueMemberS{Value: msg.ConversationID},
		"sort_key":        &types.AttributeValueMemberS{Value: formatTime(msg.CreatedAt) + "#" + msg.ID},
		"id":              &types.AttributeValueMemberS{Value: msg.ID},
		"role":            &types.AttributeValueMemberS{Value: msg.Role},
		"content":         &types.AttributeValueMemberS{Value: msg.Content},
		"created_at":      &types.AttributeValueMemberS{Value: formatTime(msg.CreatedAt)},
	}
	if msg.Model != "" {
		item["model"] = &types.AttributeValueMemberS{Value: msg.Model}
	}
	if len(msg.Sources) > 0 {
		b, err := json.Marshal(msg.Sources)
		if err != nil {
			return err
		}
		item["sources"] = &types.AttributeValueMemberS{Value: string(b)}
	}
	if len(msg.Files) > 0 {
		b, err := json.Marshal(msg.Files)
		if err != nil {
			return err
		}
		item["files"] = &types.AttributeValueMemberS{Value: string(b)}
	}

	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.messagesTable),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) GetConversationHistory(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	items, err := s.queryMessages(ctx, conversationID, limit, false)
	if err != nil {
		return nil, err
	}

	messages := make([]models.Message, len(items))
	for i, item := range items {
		// Query returned newest first.
		messages[len(items)-1-i] = messageFromItem(item)
	}
	return messages, nil
}

func (s *DynamoDBStore) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	items, err := s.queryMessages(ctx, conversationID, 0, true)
	if err != nil {
		return nil, err
	}
	messages := make([]models.Message, 0, len(items))
	for _, item := range items {
		messages = append(messages, messageFromItem(item))
	}
	return messages, nil
}

// queryMessages pages through a conversation's messages. limit <= 0 means
// all of them.
func (s *DynamoDBStore) queryMessages(ctx context.Context, conversationID string, limit int, ascending bool) ([]map[string]types.AttributeValue, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.messagesTable),
		KeyConditionExpression: aws.String("conversation_id = :cid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cid": &types.AttributeValueMemberS{Value: conversationID},
		},
		ScanIndexForward: aws.Bool(ascending),
	}
	if limit > 0 {
		input.Limit = aws.Int32(int32(limit))
	}

	var items []map[string]types.AttributeValue
	for {
		out, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to query messages: %w", err)
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 || (limit > 0 && len(items) >= limit) {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *DynamoDBStore) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.profilesTable),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: userID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	return &models.Profile{
		ID:        stringAttr(out.Item, "id"),
		Username:  stringAttr(out.Item, "username"),
		CreatedAt: timeAttr(out.Item, "created_at"),
		UpdatedAt: timeAttr(out.Item, "updated_at"),
	}, nil
}

func (s *DynamoDBStore) UpsertProfile(ctx context.Context, profile *models.Profile) error {
	now := time.Now().UTC()
	profile.UpdatedAt = now

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.profilesTable),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: profile.ID},
		},
		UpdateExpression: aws.String("SET username = :username, updated_at = :now, created_at = if_not_exists(created_at, :now)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":username": &types.AttributeValueMemberS{Value: profile.Username},
			":now":      &types.AttributeValueMemberS{Value: formatTime(now)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	return nil
}

func (s *DynamoDBStore) Close() error { return nil }

func conversationFromItem(item map[string]types.AttributeValue) models.Conversation {
	return models.Conversation{
		ID:        stringAttr(item, "id"),
		UserID:    stringAttr(item, "user_id"),
		Title:     stringAttr(item, "title"),
		CreatedAt: timeAttr(item, "created_at"),
		UpdatedAt: timeAttr(item, "updated_at"),
	}
}

func messageFromItem(item map[string]types.AttributeValue) models.Message {
	msg := models.Message{
		ID:             stringAttr(item, "id"),
		ConversationID: stringAttr(item, "conversation_id"),
		Role:           stringAttr(item, "role"),
		Content:        stringAttr(item, "content"),
		Model:          stringAttr(item, "model"),
		CreatedAt:      timeAttr(item, "created_at"),
	}
	// Sources and files were written by SaveMessage; a bad value only loses metadata.
	_ = msg.Sources.Scan(stringAttr(item, "sources"))
	_ = msg.Files.Scan(stringAttr(item, "files"))
	return msg
}

func stringAttr(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func timeAttr(item map[string]types.AttributeValue, name string) time.Time {
	t, _ := time.Parse(sortTimeLayout, stringAttr(item, name))
	return t
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sortTimeLayout)
}

var _ Store = (*DynamoDBStore)(nil)
