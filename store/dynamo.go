package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/gravitational/trace"
	"github.com/hashicorp/go-hclog"
)

const (
	attrEntityName  = "EntityName"
	attrSubjectName = "SubjectName"
	attrValue       = "Value"
)

// DynamoAPI is the subset of the DynamoDB client the adapter uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoStore implements Store over one DynamoDB table keyed by
// (EntityName, SubjectName).
type DynamoStore struct {
	api   DynamoAPI
	table string
	log   hclog.Logger
}

// NewDynamoStore returns a store over the named table.
func NewDynamoStore(api DynamoAPI, table string, log hclog.Logger) *DynamoStore {
	return &DynamoStore{
		api:   api,
		table: table,
		log:   log.Named("store.dynamo"),
	}
}

// record is the wire shape of one row.
type record struct {
	EntityName  string `dynamodbav:"EntityName"`
	SubjectName string `dynamodbav:"SubjectName"`
	Value       []byte `dynamodbav:"Value,omitempty"`
}

func itemKey(pi, si string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrEntityName:  &types.AttributeValueMemberS{Value: pi},
		attrSubjectName: &types.AttributeValueMemberS{Value: si},
	}
}

// Get implements Store.
func (d *DynamoStore) Get(ctx context.Context, pi, si string) (*Item, error) {
	out, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            itemKey(pi, si),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, convertError(err)
	}
	if out.Item == nil {
		return nil, nil
	}

	var rec record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, trace.Wrap(err, "unmarshaling item %q %q", pi, si)
	}
	return &Item{PI: rec.EntityName, SI: rec.SubjectName, Value: rec.Value}, nil
}

// Put implements Store.
func (d *DynamoStore) Put(ctx context.Context, item Item, cond PutCondition) error {
	av, err := attributevalue.MarshalMap(record{
		EntityName:  item.PI,
		SubjectName: item.SI,
		Value:       item.Value,
	})
	if err != nil {
		return trace.Wrap(err, "marshaling item %q %q", item.PI, item.SI)
	}

	in := &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      av,
	}
	switch cond {
	case PutMustNotExist:
		in.ConditionExpression = aws.String("attribute_not_exists(EntityName)")
	case PutMustExist:
		in.ConditionExpression = aws.String("attribute_exists(EntityName)")
	}

	if _, err := d.api.PutItem(ctx, in); err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			if cond == PutMustNotExist {
				return trace.AlreadyExists("item %q %q already exists", item.PI, item.SI)
			}
			return trace.NotFound("item %q %q not found", item.PI, item.SI)
		}
		return convertError(err)
	}
	return nil
}

// queryCursor is the opaque restart token returned to callers.
type queryCursor struct {
	PI string `json:"pi"`
	SI string `json:"si"`
}

// Query implements Store.
func (d *DynamoStore) Query(ctx context.Context, pi, siPrefix, cursor string, limit int) ([]Item, string, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(d.table),
		KeyConditionExpression: aws.String("EntityName = :pi AND begins_with(SubjectName, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pi":     &types.AttributeValueMemberS{Value: pi},
			":prefix": &types.AttributeValueMemberS{Value: siPrefix},
		},
		ConsistentRead: aws.Bool(true),
	}
	if siPrefix == "" {
		in.KeyConditionExpression = aws.String("EntityName = :pi")
		delete(in.ExpressionAttributeValues, ":prefix")
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}
	if cursor != "" {
		start, err := decodeCursor(cursor)
		if err != nil {
			return nil, "", trace.Wrap(err)
		}
		in.ExclusiveStartKey = itemKey(start.PI, start.SI)
	}

	out, err := d.api.Query(ctx, in)
	if err != nil {
		return nil, "", convertError(err)
	}

	items := make([]Item, 0, len(out.Items))
	for _, raw := range out.Items {
		var rec record
		if err := attributevalue.UnmarshalMap(raw, &rec); err != nil {
			return nil, "", trace.Wrap(err, "unmarshaling query result")
		}
		items = append(items, Item{PI: rec.EntityName, SI: rec.SubjectName, Value: rec.Value})
	}

	next := ""
	if len(out.LastEvaluatedKey) != 0 {
		var rec record
		if err := attributevalue.UnmarshalMap(out.LastEvaluatedKey, &rec); err != nil {
			return nil, "", trace.Wrap(err, "unmarshaling page key")
		}
		next = encodeCursor(queryCursor{PI: rec.EntityName, SI: rec.SubjectName})
	}
	return items, next, nil
}

// Transact implements Store.
func (d *DynamoStore) Transact(ctx context.Context, ops []TxOp) error {
	if len(ops) == 0 {
		return nil
	}
	if len(ops) > MaxTransactOps {
		return trace.LimitExceeded("transaction of %d operations exceeds the limit of %d", len(ops), MaxTransactOps)
	}

	items := make([]types.TransactWriteItem, 0, len(ops))
	for _, op := range ops {
		switch op.Kind {
		case TxPut:
			av, err := attributevalue.MarshalMap(record{
				EntityName:  op.Item.PI,
				SubjectName: op.Item.SI,
				Value:       op.Item.Value,
			})
			if err != nil {
				return trace.Wrap(err, "marshaling item %q %q", op.Item.PI, op.Item.SI)
			}
			put := &types.Put{
				TableName: aws.String(d.table),
				Item:      av,
			}
			switch op.Condition {
			case PutMustNotExist:
				put.ConditionExpression = aws.String("attribute_not_exists(EntityName)")
			case PutMustExist:
				put.ConditionExpression = aws.String("attribute_exists(EntityName)")
			}
			items = append(items, types.TransactWriteItem{Put: put})
		case TxDelete:
			items = append(items, types.TransactWriteItem{Delete: &types.Delete{
				TableName: aws.String(d.table),
				Key:       itemKey(op.Item.PI, op.Item.SI),
			}})
		case TxConditionCheck:
			check := &types.ConditionCheck{
				TableName: aws.String(d.table),
				Key:       itemKey(op.Item.PI, op.Item.SI),
			}
			if op.Condition == PutMustNotExist {
				check.ConditionExpression = aws.String("attribute_not_exists(EntityName)")
			} else {
				check.ConditionExpression = aws.String("attribute_exists(EntityName)")
			}
			items = append(items, types.TransactWriteItem{ConditionCheck: check})
		default:
			return trace.BadParameter("unknown transaction operation kind %d", op.Kind)
		}
	}

	if _, err := d.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	}); err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) {
			txErr := &TransactionError{}
			for i, reason := range canceled.CancellationReasons {
				switch aws.ToString(reason.Code) {
				case "ConditionalCheckFailed":
					txErr.Failed = append(txErr.Failed, i)
				case "TransactionConflict":
					txErr.Conflict = true
				}
			}
			return txErr
		}
		var conflict *types.TransactionConflictException
		if errors.As(err, &conflict) {
			return &TransactionError{Conflict: true}
		}
		return convertError(err)
	}
	return nil
}

func encodeCursor(c queryCursor) string {
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeCursor(s string) (queryCursor, error) {
	var c queryCursor
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return c, trace.BadParameter("malformed query cursor")
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return c, trace.BadParameter("malformed query cursor")
	}
	return c, nil
}

// convertError translates DynamoDB failures into the shared taxonomy so no
// SDK error types escape the adapter.
func convertError(err error) error {
	if err == nil {
		return nil
	}

	var rnf *types.ResourceNotFoundException
	if errors.As(err, &rnf) {
		return trace.NotFound("table not found: %v", err)
	}
	var throughput *types.ProvisionedThroughputExceededException
	if errors.As(err, &throughput) {
		return trace.ConnectionProblem(err, "throughput exceeded")
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "RequestLimitExceeded", "InternalServerError", "ServiceUnavailable":
			return trace.ConnectionProblem(err, "dynamodb unavailable")
		case "AccessDeniedException", "UnrecognizedClientException":
			return trace.AccessDenied("dynamodb access denied: %v", apiErr.ErrorMessage())
		case "ValidationException":
			return trace.BadParameter("dynamodb rejected the request: %v", apiErr.ErrorMessage())
		}
	}
	return trace.Wrap(err)
}
