// Package sessiontest provides a mock dynamodbstreamsiface.DynamoDBStreamsAPI
// for unit tests: a small hand-rolled fake rather than a generated one,
// since the surface it needs to cover is tiny (three calls).
package sessiontest

import (
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodbstreams"
	"github.com/aws/aws-sdk-go/service/dynamodbstreams/dynamodbstreamsiface"
)

// API is a scriptable fake of dynamodbstreamsiface.DynamoDBStreamsAPI.
// Tests populate the exported fields/funcs before exercising a Session.
type API struct {
	dynamodbstreamsiface.DynamoDBStreamsAPI

	mu sync.Mutex

	DescribeStreamFn   func(*dynamodbstreams.DescribeStreamInput) (*dynamodbstreams.DescribeStreamOutput, error)
	GetShardIteratorFn func(*dynamodbstreams.GetShardIteratorInput) (*dynamodbstreams.GetShardIteratorOutput, error)
	GetRecordsFn       func(*dynamodbstreams.GetRecordsInput) (*dynamodbstreams.GetRecordsOutput, error)

	// GetRecordsCalls records the iterator ID passed to every GetRecords
	// call, in order, so tests can assert call counts/sequencing.
	GetRecordsCalls []string
}

func (a *API) DescribeStreamWithContext(_ aws.Context, in *dynamodbstreams.DescribeStreamInput, _ ...request.Option) (*dynamodbstreams.DescribeStreamOutput, error) {
	if a.DescribeStreamFn == nil {
		return nil, awserr.New("ResourceNotFoundException", "no describe stream stub configured", nil)
	}
	return a.DescribeStreamFn(in)
}

func (a *API) GetShardIteratorWithContext(_ aws.Context, in *dynamodbstreams.GetShardIteratorInput, _ ...request.Option) (*dynamodbstreams.GetShardIteratorOutput, error) {
	if a.GetShardIteratorFn == nil {
		return nil, awserr.New("ResourceNotFoundException", "no get shard iterator stub configured", nil)
	}
	return a.GetShardIteratorFn(in)
}

func (a *API) GetRecordsWithContext(_ aws.Context, in *dynamodbstreams.GetRecordsInput, _ ...request.Option) (*dynamodbstreams.GetRecordsOutput, error) {
	a.mu.Lock()
	a.GetRecordsCalls = append(a.GetRecordsCalls, aws.StringValue(in.ShardIterator))
	a.mu.Unlock()
	if a.GetRecordsFn == nil {
		return nil, awserr.New("ResourceNotFoundException", "no get records stub configured", nil)
	}
	return a.GetRecordsFn(in)
}

// CallCount returns how many times GetRecords was invoked against the
// given iterator ID.
func (a *API) CallCount(iteratorID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, id := range a.GetRecordsCalls {
		if id == iteratorID {
			n++
		}
	}
	return n
}
