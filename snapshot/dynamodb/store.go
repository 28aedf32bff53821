// Package dynamodb has a snapshot object store backed by a DynamoDB table.
//
// The table needs a string partition key named "key":
//
//	aws dynamodb create-table \
//	  --table-name concurrency-snapshots \
//	  --attribute-definitions AttributeName=key,AttributeType=S \
//	  --key-schema AttributeName=key,KeyType=HASH \
//	  --billing-mode PAY_PER_REQUEST
package dynamodb

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/pkg/errors"

	"github.com/slok/goconcurrency/snapshot"
)

const (
	attrKey       = "key"
	attrData      = "data"
	attrUpdatedAt = "updated_at"
)

// Client is the subset of the DynamoDB API used by the store, satisfied by *dynamodb.Client.
type Client interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// Store is a snapshot.ObjectStore that keeps every object as an item of a table.
type Store struct {
	client Client
	table  string
	now    func() time.Time
}

// NewStore returns a new DynamoDB object store.
func NewStore(client Client, table string) *Store {
	return &Store{
		client: client,
		table:  table,
		now:    time.Now,
	}
}

// Get satisfies snapshot.ObjectStore interface.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			attrKey: &types.AttributeValueMemberS{Value: key},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		var rnf *types.ResourceNotFoundException
		if errors.As(err, &rnf) {
			return nil, errors.Wrapf(err, "table %s missing", s.table)
		}
		return nil, errors.Wrapf(err, "could not get %s", key)
	}

	if len(out.Item) == 0 {
		return nil, snapshot.ErrObjectNotFound
	}

	data, ok := out.Item[attrData].(*types.AttributeValueMemberB)
	if !ok {
		return nil, errors.Errorf("invalid %s attribute on %s", attrData, key)
	}

	return data.Value, nil
}

// Put satisfies snapshot.ObjectStore interface.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			attrKey:       &types.AttributeValueMemberS{Value: key},
			attrData:      &types.AttributeValueMemberB{Value: data},
			attrUpdatedAt: &types.AttributeValueMemberN{Value: strconv.FormatInt(s.now().Unix(), 10)},
		},
	})
	if err != nil {
		return errors.Wrapf(err, "could not put %s", key)
	}

	return nil
}
