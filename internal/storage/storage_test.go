package storage

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/comm-dispatch/internal/config"
	"github.com/ignite/comm-dispatch/internal/domain"
)

func TestLocalBlobStore_RoundTrip(t *testing.T) {
	s, err := NewLocalBlobStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "comm-1/report.pdf", strings.NewReader("%PDF-1.4"), "application/pdf"))

	rc, err := s.Fetch(ctx, domain.AttachmentRef{Key: "comm-1/report.pdf"})
	require.NoError(t, err)
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "%PDF-1.4", string(data))
}

func TestLocalBlobStore_Missing(t *testing.T) {
	s, err := NewLocalBlobStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Fetch(context.Background(), domain.AttachmentRef{Key: "nope"})
	assert.ErrorIs(t, err, ErrBlobNotFound)
}

func TestLocalBlobStore_KeysStayUnderRoot(t *testing.T) {
	root := t.TempDir()
	s, err := NewLocalBlobStore(root)
	require.NoError(t, err)

	p, err := s.path("../../etc/passwd")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(p, root))

	_, err = s.path("")
	assert.Error(t, err)
}

func TestNewBlobStore(t *testing.T) {
	bs, err := NewBlobStore(config.AttachmentsConfig{Backend: "local", LocalPath: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.IsType(t, &LocalBlobStore{}, bs)

	_, err = NewBlobStore(config.AttachmentsConfig{Backend: "s3", Bucket: "b"}, nil)
	assert.Error(t, err)

	bs, err = NewBlobStore(config.AttachmentsConfig{Backend: "s3", Bucket: "b"}, &fakeS3{})
	require.NoError(t, err)
	assert.IsType(t, &S3BlobStore{}, bs)
}

// =============================================================================
// S3
// =============================================================================

type fakeS3 struct {
	objects map[string]string
	lastKey string
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.lastKey = aws.ToString(in.Key)
	body, ok := f.objects[f.lastKey]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, _ := io.ReadAll(in.Body)
	if f.objects == nil {
		f.objects = map[string]string{}
	}
	f.objects[aws.ToString(in.Key)] = string(data)
	return &s3.PutObjectOutput{}, nil
}

func TestS3BlobStore(t *testing.T) {
	api := &fakeS3{}
	s := NewS3BlobStore(api, "attachments", "/comms/")
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "a.txt", strings.NewReader("hello"), "text/plain"))
	assert.Contains(t, api.objects, "comms/a.txt")

	rc, err := s.Fetch(ctx, domain.AttachmentRef{Key: "a.txt"})
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "hello", string(data))

	_, err = s.Fetch(ctx, domain.AttachmentRef{Key: "missing"})
	assert.ErrorIs(t, err, ErrBlobNotFound)
}

// =============================================================================
// DynamoDB history
// =============================================================================

type fakeDynamo struct {
	items []map[string]types.AttributeValue
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.items = append(f.items, in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	pk := in.ExpressionAttributeValues[":pk"].(*types.AttributeValueMemberS).Value
	var out []map[string]types.AttributeValue
	for i := len(f.items) - 1; i >= 0; i-- {
		if f.items[i]["PK"].(*types.AttributeValueMemberS).Value == pk {
			out = append(out, f.items[i])
		}
	}
	return &dynamodb.QueryOutput{Items: out}, nil
}

func TestDynamoHistory_AppendAndList(t *testing.T) {
	api := &fakeDynamo{}
	h := NewDynamoHistory(api, "communication_history")
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	entry := domain.HistoryEntry{
		Verb: "SENT", ChangeType: "Communication", Caption: "Spring newsletter",
		RelatedEntity: "Communication", RelatedID: "c1", RelatedName: "The Org", CreatedAt: at,
	}
	require.NoError(t, h.Append(ctx, "p1", domain.HistoryCategoryCommunications, entry))
	require.NoError(t, h.Append(ctx, "p2", domain.HistoryCategoryCommunications, entry))

	require.Len(t, api.items, 2)
	assert.Equal(t, "PERSON#p1#communications", api.items[0]["PK"].(*types.AttributeValueMemberS).Value)
	assert.Equal(t, "2024-03-01T09:00:00Z#c1", api.items[0]["SK"].(*types.AttributeValueMemberS).Value)
	assert.Contains(t, api.items[0], "caption")

	got, err := h.List(ctx, "p1", domain.HistoryCategoryCommunications, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "p1", got[0].PersonID)
	assert.Equal(t, "Spring newsletter", got[0].Caption)
	assert.True(t, got[0].CreatedAt.Equal(at))
}
