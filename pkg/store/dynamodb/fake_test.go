package dynamodb

import (
	"context"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeAPI is an in-memory table keyed by pk/sk. Query returns pages of pageSize items and
// BatchWriteItem leaves the last request of each call unprocessed while dropFromBatch > 0.
type fakeAPI struct {
	mu            sync.Mutex
	items         map[string]map[string]string
	pageSize      int
	dropFromBatch int
	batchErr      error
	queries       int
	batchCalls    int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{items: map[string]map[string]string{}, pageSize: 2}
}

func str(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func (f *fakeAPI) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pk, sk := str(in.Key[attrPartition]), str(in.Key[attrSort])
	v, ok := f.items[pk][sk]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		attrPartition: in.Key[attrPartition],
		attrSort:      in.Key[attrSort],
		attrValue:     &types.AttributeValueMemberS{Value: v},
	}}, nil
}

func (f *fakeAPI) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pk := str(in.Item[attrPartition])
	if f.items[pk] == nil {
		f.items[pk] = map[string]string{}
	}
	f.items[pk][str(in.Item[attrSort])] = str(in.Item[attrValue])
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeAPI) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items[str(in.Key[attrPartition])], str(in.Key[attrSort]))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeAPI) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++

	pk := str(in.ExpressionAttributeValues[":pk"])
	sks := make([]string, 0, len(f.items[pk]))
	for sk := range f.items[pk] {
		sks = append(sks, sk)
	}
	sort.Strings(sks)

	start := 0
	if in.ExclusiveStartKey != nil {
		after := str(in.ExclusiveStartKey[attrSort])
		start = sort.SearchStrings(sks, after) + 1
	}

	out := &dynamodb.QueryOutput{}
	for i := start; i < len(sks) && len(out.Items) < f.pageSize; i++ {
		out.Items = append(out.Items, map[string]types.AttributeValue{
			attrSort: &types.AttributeValueMemberS{Value: sks[i]},
		})
		if len(out.Items) == f.pageSize && i < len(sks)-1 {
			out.LastEvaluatedKey = map[string]types.AttributeValue{
				attrPartition: &types.AttributeValueMemberS{Value: pk},
				attrSort:      &types.AttributeValueMemberS{Value: sks[i]},
			}
		}
	}
	return out, nil
}

func (f *fakeAPI) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchCalls++
	if f.batchErr != nil {
		return nil, f.batchErr
	}

	out := &dynamodb.BatchWriteItemOutput{UnprocessedItems: map[string][]types.WriteRequest{}}
	for table, requests := range in.RequestItems {
		if len(requests) > batchWriteLimit {
			return nil, &types.ResourceNotFoundException{Message: stringPtr("too many items")}
		}
		process := requests
		if f.dropFromBatch > 0 && len(requests) > 0 {
			f.dropFromBatch--
			process = requests[:len(requests)-1]
			out.UnprocessedItems[table] = requests[len(requests)-1:]
		}
		for _, r := range process {
			delete(f.items[str(r.DeleteRequest.Key[attrPartition])], str(r.DeleteRequest.Key[attrSort]))
		}
	}
	return out, nil
}

func (f *fakeAPI) DescribeTable(_ context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	return &dynamodb.DescribeTableOutput{Table: &types.TableDescription{TableName: in.TableName}}, nil
}

func stringPtr(s string) *string { return &s }
