package jobhistory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"golang-trust-loader/internal/models"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoHistory
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoHistory keeps job history in a DynamoDB table keyed by id.
type DynamoHistory struct {
	client DynamoAPI
	table  string
	now    func() time.Time
}

// NewDynamoHistory creates a DynamoHistory over an existing client
func NewDynamoHistory(client DynamoAPI, table string) *DynamoHistory {
	if table == "" {
		table = DefaultTable
	}
	return &DynamoHistory{client: client, table: table, now: time.Now}
}

// NewDynamoHistoryFromConfig loads the default AWS configuration for region.
func NewDynamoHistoryFromConfig(ctx context.Context, region, table string) (*DynamoHistory, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewDynamoHistory(dynamodb.NewFromConfig(cfg), table), nil
}

// LastSuccessful implements History. The table is small, so every page of
// successful executions is scanned and the latest window wins.
func (h *DynamoHistory) LastSuccessful(ctx context.Context) (*Execution, error) {
	filter := expression.Name("status").Equal(expression.Value(string(StatusSuccess)))
	expr, err := expression.NewBuilder().WithFilter(filter).Build()
	if err != nil {
		return nil, fmt.Errorf("build scan filter: %w", err)
	}
	input := &dynamodb.ScanInput{
		TableName:                 aws.String(h.table),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}

	var latest *record
	err = h.scan(ctx, input, func(r record) {
		if latest == nil || r.EndDate > latest.EndDate ||
			(r.EndDate == latest.EndDate && r.StartedAt > latest.StartedAt) {
			latest = &r
		}
	})
	if err != nil {
		return nil, err
	}

	if latest == nil {
		return nil, nil
	}
	return latest.execution()
}

// Recent lists up to limit executions, newest window first.
func (h *DynamoHistory) Recent(ctx context.Context, limit int) ([]Execution, error) {
	var all []record
	err := h.scan(ctx, &dynamodb.ScanInput{TableName: aws.String(h.table)}, func(r record) {
		all = append(all, r)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].EndDate != all[j].EndDate {
			return all[i].EndDate > all[j].EndDate
		}
		return all[i].StartedAt > all[j].StartedAt
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}

	out := make([]Execution, 0, len(all))
	for _, r := range all {
		e, err := r.execution()
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, nil
}

// scan visits every item of every page of input.
func (h *DynamoHistory) scan(ctx context.Context, input *dynamodb.ScanInput, visit func(record)) error {
	for {
		out, err := h.client.Scan(ctx, input)
		if err != nil {
			return fmt.Errorf("scan %s: %w", h.table, err)
		}
		var page []record
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return fmt.Errorf("decode job history: %w", err)
		}
		for _, r := range page {
			visit(r)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// Start implements History
func (h *DynamoHistory) Start(ctx context.Context, w models.DateWindow) (*Execution, error) {
	r := newRecord(uuid.NewString(), w, h.now())
	item, err := attributevalue.MarshalMap(r)
	if err != nil {
		return nil, fmt.Errorf("encode job execution: %w", err)
	}

	expr, err := expression.NewBuilder().
		WithCondition(expression.AttributeNotExists(expression.Name("id"))).
		Build()
	if err != nil {
		return nil, fmt.Errorf("build put condition: %w", err)
	}

	_, err = h.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(h.table),
		Item:                     item,
		ConditionExpression:      expr.Condition(),
		ExpressionAttributeNames: expr.Names(),
	})
	if err != nil {
		return nil, fmt.Errorf("put job execution: %w", err)
	}
	return r.execution()
}

// Finish implements History
func (h *DynamoHistory) Finish(ctx context.Context, id string, status Status) error {
	update := expression.
		Set(expression.Name("status"), expression.Value(string(status))).
		Set(expression.Name("finished_at"), expression.Value(h.now().UTC().Format(time.RFC3339)))
	expr, err := expression.NewBuilder().
		WithUpdate(update).
		WithCondition(expression.AttributeExists(expression.Name("id"))).
		Build()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	_, err = h.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(h.table),
		Key:                       h.key(id),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("update job execution: %w", err)
	}
	return nil
}

// Discard implements History
func (h *DynamoHistory) Discard(ctx context.Context, id string) error {
	_, err := h.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(h.table),
		Key:       h.key(id),
	})
	if err != nil {
		return fmt.Errorf("delete job execution: %w", err)
	}
	return nil
}

func (h *DynamoHistory) key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}}
}
