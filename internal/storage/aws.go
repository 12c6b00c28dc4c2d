package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ignite/comm-dispatch/internal/domain"
)

// historyTTL is how long audit entries are kept in DynamoDB.
const historyTTL = 2 * 365 * 24 * time.Hour

// LoadAWSConfig loads the shared AWS configuration, using the named
// profile when one is given.
func LoadAWSConfig(ctx context.Context, region, profile string) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// S3 attachments
// =============================================================================

// S3API is the subset of the S3 client the blob store uses.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3BlobStore keeps attachments in an S3 bucket.
type S3BlobStore struct {
	client S3API
	bucket string
	prefix string
}

// NewS3BlobStore creates a store over bucket. prefix is prepended to every
// key and may be empty.
func NewS3BlobStore(client S3API, bucket, prefix string) *S3BlobStore {
	return &S3BlobStore{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (s *S3BlobStore) objectKey(key string) string {
	key = strings.TrimPrefix(key, "/")
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

// Fetch implements sending.BlobStore. The caller closes the body.
func (s *S3BlobStore) Fetch(ctx context.Context, ref domain.AttachmentRef) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(ref.Key)),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, ref.Key)
		}
		return nil, fmt.Errorf("getting attachment from S3: %w", err)
	}
	return out.Body, nil
}

// Put uploads r under key.
func (s *S3BlobStore) Put(ctx context.Context, key string, r io.Reader, contentType string) error {
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
		Body:   r,
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("putting attachment to S3: %w", err)
	}
	return nil
}

// =============================================================================
// DynamoDB history
// =============================================================================

// DynamoAPI is the subset of the DynamoDB client the history sink uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// historyItem is one audit entry as stored in DynamoDB. PK groups a
// person's entries per category; SK orders them by time.
type historyItem struct {
	PK  string `dynamodbav:"PK"`
	SK  string `dynamodbav:"SK"`
	TTL int64  `dynamodbav:"TTL,omitempty"`
	domain.HistoryEntry
}

// DynamoHistory appends audit entries to a DynamoDB table. It implements
// dispatch.HistorySink.
type DynamoHistory struct {
	client    DynamoAPI
	tableName string
}

// NewDynamoHistory creates a history sink over tableName.
func NewDynamoHistory(client DynamoAPI, tableName string) *DynamoHistory {
	return &DynamoHistory{client: client, tableName: tableName}
}

func historyPK(personID, category string) string {
	return fmt.Sprintf("PERSON#%s#%s", personID, category)
}

// Append implements dispatch.HistorySink.
func (h *DynamoHistory) Append(ctx context.Context, personID, category string, e domain.HistoryEntry) error {
	e.PersonID = personID
	e.Category = category
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	item := historyItem{
		PK:           historyPK(personID, category),
		SK:           fmt.Sprintf("%s#%s", e.CreatedAt.UTC().Format(time.RFC3339Nano), e.RelatedID),
		TTL:          e.CreatedAt.Add(historyTTL).Unix(),
		HistoryEntry: e,
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshaling history item: %w", err)
	}
	_, err = h.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(h.tableName),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("putting history item to DynamoDB: %w", err)
	}
	return nil
}

// List returns a person's most recent entries in category, newest first.
func (h *DynamoHistory) List(ctx context.Context, personID, category string, limit int32) ([]domain.HistoryEntry, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(h.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: historyPK(personID, category)},
		},
		ScanIndexForward: aws.Bool(false),
	}
	if limit > 0 {
		in.Limit = aws.Int32(limit)
	}
	result, err := h.client.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}

	entries := make([]domain.HistoryEntry, 0, len(result.Items))
	for _, raw := range result.Items {
		var item historyItem
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			return nil, fmt.Errorf("unmarshaling history item: %w", err)
		}
		entries = append(entries, item.HistoryEntry)
	}
	return entries, nil
}
