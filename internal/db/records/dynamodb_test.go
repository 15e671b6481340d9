package records

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/FranksOps/instaharvest/internal/resource"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDynamo records the last input of each call and returns canned results.
type fakeDynamo struct {
	get    *dynamodb.GetItemInput
	put    *dynamodb.PutItemInput
	update *dynamodb.UpdateItemInput
	scan   *dynamodb.ScanInput

	getOut  *dynamodb.GetItemOutput
	scanOut *dynamodb.ScanOutput
	err     error
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.get = in
	if f.err != nil {
		return nil, f.err
	}
	if f.getOut == nil {
		return &dynamodb.GetItemOutput{}, nil
	}
	return f.getOut, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.put = in
	if f.err != nil {
		return nil, f.err
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.update = in
	if f.err != nil {
		return nil, f.err
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.scan = in
	if f.err != nil {
		return nil, f.err
	}
	return f.scanOut, nil
}

func TestPutIfAbsent(t *testing.T) {
	f := &fakeDynamo{}
	tbl := NewDynamoTable(f, "te_location", resource.Location)
	at := time.Unix(1700000000, 0)

	res, err := tbl.PutIfAbsent(context.Background(), "213385402", at)
	require.NoError(t, err)
	assert.Equal(t, Inserted, res)

	assert.Equal(t, "te_location", aws.ToString(f.put.TableName))
	assert.Equal(t, "attribute_not_exists(#k)", aws.ToString(f.put.ConditionExpression))
	assert.Equal(t, map[string]string{"#k": "id"}, f.put.ExpressionAttributeNames)
	assert.Equal(t, &types.AttributeValueMemberN{Value: "213385402"}, f.put.Item["id"])
	assert.Equal(t, &types.AttributeValueMemberN{Value: "1700000000"}, f.put.Item[resource.AttrDiscoveredAt])
	assert.NotContains(t, f.put.Item, resource.AttrRetrievedAt)
}

func TestPutIfAbsent_AlreadyExists(t *testing.T) {
	f := &fakeDynamo{err: &types.ConditionalCheckFailedException{Message: aws.String("exists")}}
	tbl := NewDynamoTable(f, "te_user", resource.User)

	res, err := tbl.PutIfAbsent(context.Background(), "alice", time.Now())
	require.NoError(t, err)
	assert.Equal(t, AlreadyExists, res)
	assert.Equal(t, &types.AttributeValueMemberS{Value: "alice"}, f.put.Item["username"])
}

func TestGet(t *testing.T) {
	f := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"shortcode":                &types.AttributeValueMemberS{Value: "Bx1"},
		resource.AttrDiscoveredAt:  &types.AttributeValueMemberN{Value: "100"},
		resource.AttrRetrievedAt:   &types.AttributeValueMemberN{Value: "200"},
		resource.AttrDeleted:       &types.AttributeValueMemberBOOL{Value: true},
		"unrelated_derived_column": &types.AttributeValueMemberS{Value: "x"},
	}}}
	tbl := NewDynamoTable(f, "te_post", resource.Post)

	rec, err := tbl.Get(context.Background(), "Bx1")
	require.NoError(t, err)
	assert.Equal(t, "Bx1", rec.Key)
	assert.Equal(t, time.Unix(100, 0).UTC(), rec.DiscoveredAt)
	assert.Equal(t, time.Unix(200, 0).UTC(), rec.RetrievedAt)
	assert.True(t, rec.ProcessedAt.IsZero())
	assert.True(t, rec.Deleted)
	assert.True(t, aws.ToBool(f.get.ConsistentRead))
}

func TestGet_NotFound(t *testing.T) {
	tbl := NewDynamoTable(&fakeDynamo{}, "te_post", resource.Post)
	_, err := tbl.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestScanPage_DiscoveredFilter(t *testing.T) {
	f := &fakeDynamo{scanOut: &dynamodb.ScanOutput{
		Items: []map[string]types.AttributeValue{
			{"id": &types.AttributeValueMemberN{Value: "1"}},
			{"id": &types.AttributeValueMemberN{Value: "7"}},
		},
		Count:            2,
		ScannedCount:     5,
		LastEvaluatedKey: map[string]types.AttributeValue{"id": &types.AttributeValueMemberN{Value: "9"}},
		ConsumedCapacity: &types.ConsumedCapacity{CapacityUnits: aws.Float64(0.5)},
	}}
	tbl := NewDynamoTable(f, "te_location", resource.Location)

	page, err := tbl.ScanPage(context.Background(), ScanInput{Stage: resource.StageDiscovered, Limit: 5})
	require.NoError(t, err)

	assert.Equal(t, []string{"1", "7"}, page.Keys)
	assert.Equal(t, 5, page.Examined)
	assert.Equal(t, 2, page.Matched)
	assert.Equal(t, 0.5, page.ConsumedCapacity)
	require.NotEmpty(t, page.Cursor)

	assert.Equal(t, "attribute_not_exists(#r) AND attribute_not_exists(#d)", aws.ToString(f.scan.FilterExpression))
	assert.Equal(t, map[string]string{
		"#k": "id",
		"#r": resource.AttrRetrievedAt,
		"#d": resource.AttrDeleted,
	}, f.scan.ExpressionAttributeNames)
	assert.Equal(t, "#k", aws.ToString(f.scan.ProjectionExpression))
	assert.Equal(t, int32(5), aws.ToInt32(f.scan.Limit))
	assert.Nil(t, f.scan.ExclusiveStartKey)

	// resuming passes the decoded key back
	f.scanOut = &dynamodb.ScanOutput{}
	page, err = tbl.ScanPage(context.Background(), ScanInput{Stage: resource.StageDiscovered, Cursor: page.Cursor, Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, map[string]types.AttributeValue{"id": &types.AttributeValueMemberN{Value: "9"}}, f.scan.ExclusiveStartKey)
	assert.Empty(t, page.Cursor)
	assert.Empty(t, page.Keys)
}

func TestScanPage_AllHasNoFilter(t *testing.T) {
	f := &fakeDynamo{scanOut: &dynamodb.ScanOutput{}}
	tbl := NewDynamoTable(f, "te_user", resource.User)

	_, err := tbl.ScanPage(context.Background(), ScanInput{Stage: resource.StageAll})
	require.NoError(t, err)
	assert.Nil(t, f.scan.FilterExpression)
	assert.Nil(t, f.scan.Limit)
	assert.Equal(t, map[string]string{"#k": "username"}, f.scan.ExpressionAttributeNames)
}

func TestScanPage_BadCursor(t *testing.T) {
	tbl := NewDynamoTable(&fakeDynamo{}, "te_user", resource.User)
	_, err := tbl.ScanPage(context.Background(), ScanInput{Cursor: "%%%"})
	assert.Error(t, err)
}

func TestMarkRetrieved_Deleted(t *testing.T) {
	f := &fakeDynamo{err: &types.ConditionalCheckFailedException{}}
	tbl := NewDynamoTable(f, "te_post", resource.Post)

	err := tbl.MarkRetrieved(context.Background(), "Bx1", time.Unix(5, 0))
	assert.ErrorIs(t, err, ErrDeleted)
	assert.Equal(t, "SET #r = :r", aws.ToString(f.update.UpdateExpression))
	assert.Equal(t, "attribute_not_exists(#d)", aws.ToString(f.update.ConditionExpression))
}

func TestMarkDeleted_LeavesRetrievedAlone(t *testing.T) {
	f := &fakeDynamo{}
	tbl := NewDynamoTable(f, "te_post", resource.Post)

	require.NoError(t, tbl.MarkDeleted(context.Background(), "Bx1"))
	assert.Equal(t, "SET #d = :d", aws.ToString(f.update.UpdateExpression))
	assert.Equal(t, "attribute_not_exists(#p)", aws.ToString(f.update.ConditionExpression))
	assert.Equal(t, map[string]string{"#d": resource.AttrDeleted, "#p": resource.AttrProcessedAt}, f.update.ExpressionAttributeNames)
}

func TestMarkDeleted_ProcessedRecord(t *testing.T) {
	f := &fakeDynamo{err: &types.ConditionalCheckFailedException{Message: aws.String("processed")}}
	tbl := NewDynamoTable(f, "te_post", resource.Post)

	err := tbl.MarkDeleted(context.Background(), "Bx1")
	assert.ErrorIs(t, err, ErrProcessed)
}

func TestMarkProcessed(t *testing.T) {
	f := &fakeDynamo{}
	tbl := NewDynamoTable(f, "te_user", resource.User)

	fields := map[string]any{
		"follower_count":         json.Number("1234"),
		"full_name":              "Alice",
		"biography":              "",
		"is_private":             false,
		"username":               "ignored",
		resource.AttrRetrievedAt: json.Number("1"),
	}
	require.NoError(t, tbl.MarkProcessed(context.Background(), "alice", fields, time.Unix(42, 0)))

	assert.Equal(t, "SET #p = :p, #f1 = :f1, #f2 = :f2, #f3 = :f3", aws.ToString(f.update.UpdateExpression))
	assert.Equal(t, map[string]string{
		"#p":  resource.AttrProcessedAt,
		"#d":  resource.AttrDeleted,
		"#f1": "follower_count",
		"#f2": "full_name",
		"#f3": "is_private",
	}, f.update.ExpressionAttributeNames)
	assert.Equal(t, &types.AttributeValueMemberN{Value: "1234"}, f.update.ExpressionAttributeValues[":f1"])
	assert.Equal(t, &types.AttributeValueMemberS{Value: "Alice"}, f.update.ExpressionAttributeValues[":f2"])
	assert.Equal(t, &types.AttributeValueMemberBOOL{Value: false}, f.update.ExpressionAttributeValues[":f3"])
	assert.Equal(t, &types.AttributeValueMemberN{Value: "42"}, f.update.ExpressionAttributeValues[":p"])
}

func TestClassify(t *testing.T) {
	throttled := &smithy.GenericAPIError{Code: "ThrottlingException", Fault: smithy.FaultClient}
	server := &smithy.GenericAPIError{Code: "Whatever", Fault: smithy.FaultServer}
	validation := &smithy.GenericAPIError{Code: "ValidationException", Fault: smithy.FaultClient}

	assert.ErrorIs(t, classify("op", throttled), ErrUnavailable)
	assert.ErrorIs(t, classify("op", server), ErrUnavailable)
	assert.ErrorIs(t, classify("op", &types.ProvisionedThroughputExceededException{}), ErrUnavailable)
	assert.NotErrorIs(t, classify("op", validation), ErrUnavailable)
	assert.NotErrorIs(t, classify("op", context.Canceled), ErrUnavailable)
	assert.NotErrorIs(t, classify("op", errors.New("boom")), ErrUnavailable)
}

func TestGet_Unavailable(t *testing.T) {
	f := &fakeDynamo{err: &types.InternalServerError{}}
	tbl := NewDynamoTable(f, "te_post", resource.Post)
	_, err := tbl.Get(context.Background(), "Bx1")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestCursorRoundTrip(t *testing.T) {
	key := map[string]types.AttributeValue{
		"id":   &types.AttributeValueMemberN{Value: "42"},
		"sort": &types.AttributeValueMemberS{Value: "a/b"},
	}
	token, err := encodeCursor(key)
	require.NoError(t, err)

	got, err := decodeCursor(token)
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = encodeCursor(map[string]types.AttributeValue{"x": &types.AttributeValueMemberBOOL{Value: true}})
	assert.Error(t, err)
}
