package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/FranksOps/instaharvest/internal/resource"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

// DynamoAPI is the subset of *dynamodb.Client the tables use.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

var _ Table = (*DynamoTable)(nil)

// DynamoTable is a record table stored in DynamoDB, keyed by the category's
// natural key attribute.
type DynamoTable struct {
	client    DynamoAPI
	tableName string
	category  resource.Category
}

func NewDynamoTable(client DynamoAPI, tableName string, category resource.Category) *DynamoTable {
	return &DynamoTable{client, tableName, category}
}

// NewDynamoTables builds the table of every category.
func NewDynamoTables(client DynamoAPI, names TableNames) Tables {
	t := make(Tables, len(resource.Categories))
	for _, c := range resource.Categories {
		t[c] = NewDynamoTable(client, names.Name(c), c)
	}
	return t
}

func (d *DynamoTable) Category() resource.Category { return d.category }

func (d *DynamoTable) keyAttr() string { return d.category.KeyAttribute() }

func (d *DynamoTable) key(key string) map[string]types.AttributeValue {
	return keyAttributes(d.category, key)
}

func unixValue(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.Unix(), 10)}
}

func (d *DynamoTable) Get(ctx context.Context, key string) (*Record, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            d.key(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, classify(fmt.Sprintf("getting %s %s", d.category, key), err)
	}
	if len(out.Item) == 0 {
		return nil, fmt.Errorf("%s %s: %w", d.category, key, ErrNotFound)
	}
	return d.unmarshalRecord(out.Item)
}

// lifecycleRecord is the internal struct for unmarshaling the lifecycle
// attributes from DynamoDB.
type lifecycleRecord struct {
	DiscoveredAt *int64 `dynamodbav:"discovered_at_time"`
	RetrievedAt  *int64 `dynamodbav:"retrieved_at_time"`
	ProcessedAt  *int64 `dynamodbav:"processed_at_time"`
	Deleted      bool   `dynamodbav:"deleted"`
}

func (d *DynamoTable) unmarshalRecord(item map[string]types.AttributeValue) (*Record, error) {
	var lr lifecycleRecord
	if err := attributevalue.UnmarshalMap(item, &lr); err != nil {
		return nil, fmt.Errorf("unmarshaling %s record: %w", d.category, err)
	}
	key, err := keyString(item[d.keyAttr()])
	if err != nil {
		return nil, fmt.Errorf("unmarshaling %s record: %w", d.category, err)
	}
	return &Record{
		Key:          key,
		DiscoveredAt: unixTime(lr.DiscoveredAt),
		RetrievedAt:  unixTime(lr.RetrievedAt),
		ProcessedAt:  unixTime(lr.ProcessedAt),
		Deleted:      lr.Deleted,
	}, nil
}

func unixTime(sec *int64) time.Time {
	if sec == nil {
		return time.Time{}
	}
	return time.Unix(*sec, 0).UTC()
}

func keyString(av types.AttributeValue) (string, error) {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return v.Value, nil
	case *types.AttributeValueMemberN:
		return v.Value, nil
	case nil:
		return "", errors.New("missing key attribute")
	default:
		return "", fmt.Errorf("unsupported key attribute type %T", av)
	}
}

func (d *DynamoTable) PutIfAbsent(ctx context.Context, key string, discoveredAt time.Time) (PutResult, error) {
	item := d.key(key)
	item[resource.AttrDiscoveredAt] = unixValue(discoveredAt)

	_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(d.tableName),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(#k)"),
		ExpressionAttributeNames: map[string]string{"#k": d.keyAttr()},
	})
	if err != nil {
		if isConditionFailed(err) {
			return AlreadyExists, nil
		}
		return 0, classify(fmt.Sprintf("storing %s %s", d.category, key), err)
	}
	return Inserted, nil
}

// filterExpression returns the scan filter of stage and the attribute names
// it references.
func filterExpression(stage resource.Stage) (string, map[string]string) {
	switch stage {
	case resource.StageDiscovered:
		return "attribute_not_exists(#r) AND attribute_not_exists(#d)", map[string]string{
			"#r": resource.AttrRetrievedAt,
			"#d": resource.AttrDeleted,
		}
	case resource.StageRetrieved:
		return "attribute_exists(#r) AND attribute_not_exists(#p) AND attribute_not_exists(#d)", map[string]string{
			"#r": resource.AttrRetrievedAt,
			"#p": resource.AttrProcessedAt,
			"#d": resource.AttrDeleted,
		}
	default:
		return "", nil
	}
}

func (d *DynamoTable) ScanPage(ctx context.Context, in ScanInput) (*Page, error) {
	startKey, err := decodeCursor(in.Cursor)
	if err != nil {
		return nil, err
	}

	names := map[string]string{"#k": d.keyAttr()}
	input := &dynamodb.ScanInput{
		TableName:              aws.String(d.tableName),
		ProjectionExpression:   aws.String("#k"),
		ReturnConsumedCapacity: types.ReturnConsumedCapacityTotal,
	}
	if filter, filterNames := filterExpression(in.Stage); filter != "" {
		input.FilterExpression = aws.String(filter)
		for k, v := range filterNames {
			names[k] = v
		}
	}
	input.ExpressionAttributeNames = names
	if in.Limit > 0 {
		input.Limit = aws.Int32(in.Limit)
	}
	if startKey != nil {
		input.ExclusiveStartKey = startKey
	}

	out, err := d.client.Scan(ctx, input)
	if err != nil {
		return nil, classify(fmt.Sprintf("scanning %s", d.tableName), err)
	}

	page := &Page{
		Keys:     make([]string, 0, len(out.Items)),
		Examined: int(out.ScannedCount),
		Matched:  int(out.Count),
	}
	for _, item := range out.Items {
		k, err := keyString(item[d.keyAttr()])
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", d.tableName, err)
		}
		page.Keys = append(page.Keys, k)
	}
	if out.ConsumedCapacity != nil && out.ConsumedCapacity.CapacityUnits != nil {
		page.ConsumedCapacity = *out.ConsumedCapacity.CapacityUnits
	}
	if page.Cursor, err = encodeCursor(out.LastEvaluatedKey); err != nil {
		return nil, err
	}
	return page, nil
}

func (d *DynamoTable) MarkRetrieved(ctx context.Context, key string, at time.Time) error {
	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.tableName),
		Key:                 d.key(key),
		UpdateExpression:    aws.String("SET #r = :r"),
		ConditionExpression: aws.String("attribute_not_exists(#d)"),
		ExpressionAttributeNames: map[string]string{
			"#r": resource.AttrRetrievedAt,
			"#d": resource.AttrDeleted,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{":r": unixValue(at)},
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("%s %s: %w", d.category, key, ErrDeleted)
		}
		return classify(fmt.Sprintf("marking %s %s retrieved", d.category, key), err)
	}
	return nil
}

func (d *DynamoTable) MarkDeleted(ctx context.Context, key string) error {
	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(d.tableName),
		Key:                       d.key(key),
		UpdateExpression:          aws.String("SET #d = :d"),
		ConditionExpression:       aws.String("attribute_not_exists(#p)"),
		ExpressionAttributeNames:  map[string]string{"#d": resource.AttrDeleted, "#p": resource.AttrProcessedAt},
		ExpressionAttributeValues: map[string]types.AttributeValue{":d": &types.AttributeValueMemberBOOL{Value: true}},
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("%s %s: %w", d.category, key, ErrProcessed)
		}
		return classify(fmt.Sprintf("marking %s %s deleted", d.category, key), err)
	}
	return nil
}

func (d *DynamoTable) MarkProcessed(ctx context.Context, key string, fields map[string]any, at time.Time) error {
	names := map[string]string{
		"#p": resource.AttrProcessedAt,
		"#d": resource.AttrDeleted,
	}
	values := map[string]types.AttributeValue{":p": unixValue(at)}
	sets := []string{"#p = :p"}

	// sorted for a stable expression
	fieldNames := make([]string, 0, len(fields))
	for name := range fields {
		fieldNames = append(fieldNames, name)
	}
	slices.Sort(fieldNames)

	for i, name := range fieldNames {
		if name == d.keyAttr() || isLifecycleAttr(name) {
			continue
		}
		av, err := marshalValue(fields[name])
		if err != nil {
			return fmt.Errorf("marshaling %s.%s: %w", d.category, name, err)
		}
		if av == nil {
			continue
		}
		n, v := fmt.Sprintf("#f%d", i), fmt.Sprintf(":f%d", i)
		names[n] = name
		values[v] = av
		sets = append(sets, n+" = "+v)
	}

	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(d.tableName),
		Key:                       d.key(key),
		UpdateExpression:          aws.String("SET " + strings.Join(sets, ", ")),
		ConditionExpression:       aws.String("attribute_not_exists(#d)"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("%s %s: %w", d.category, key, ErrDeleted)
		}
		return classify(fmt.Sprintf("marking %s %s processed", d.category, key), err)
	}
	return nil
}

func isLifecycleAttr(name string) bool {
	switch name {
	case resource.AttrDiscoveredAt, resource.AttrRetrievedAt, resource.AttrDeleted, resource.AttrProcessedAt:
		return true
	}
	return false
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// classify wraps err with ErrUnavailable when the failure is transient.
func classify(op string, err error) error {
	if transient(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var (
		throughput *types.ProvisionedThroughputExceededException
		requests   *types.RequestLimitExceeded
		internal   *types.InternalServerError
	)
	if errors.As(err, &throughput) || errors.As(err, &requests) || errors.As(err, &internal) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "ServiceUnavailable", "RequestTimeout", "TransactionInProgressException":
			return true
		}
		return apiErr.ErrorFault() == smithy.FaultServer
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// marshalValue converts a decoded JSON value into an attribute value. JSON
// numbers keep their exact text as N. A nil result means the value is empty
// and should not be stored.
func marshalValue(v any) (types.AttributeValue, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		if val == "" {
			return nil, nil
		}
		return &types.AttributeValueMemberS{Value: val}, nil
	case json.Number:
		return &types.AttributeValueMemberN{Value: val.String()}, nil
	case bool:
		return &types.AttributeValueMemberBOOL{Value: val}, nil
	case []any:
		list := make([]types.AttributeValue, 0, len(val))
		for _, e := range val {
			av, err := marshalValue(e)
			if err != nil {
				return nil, err
			}
			if av == nil {
				av = &types.AttributeValueMemberNULL{Value: true}
			}
			list = append(list, av)
		}
		return &types.AttributeValueMemberL{Value: list}, nil
	case map[string]any:
		m := make(map[string]types.AttributeValue, len(val))
		for k, e := range val {
			av, err := marshalValue(e)
			if err != nil {
				return nil, err
			}
			if av != nil {
				m[k] = av
			}
		}
		return &types.AttributeValueMemberM{Value: m}, nil
	default:
		return attributevalue.Marshal(v)
	}
}
