// Package session adapts the DynamoDB Streams wire API into the four
// operations the Stream Coordinator needs, plus a retry/backoff wrapper.
// It is a thin seam over dynamodbstreamsiface.DynamoDBStreamsAPI that lets
// tests substitute a mock implementation of the same interface.
package session

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	awssession "github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodbstreams"
	"github.com/aws/aws-sdk-go/service/dynamodbstreams/dynamodbstreamsiface"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/usedatabrew/stream-coordinator/internal/streamcoord/config"
	"github.com/usedatabrew/stream-coordinator/internal/streamcoord/errs"
)

// IteratorType mirrors the DynamoDB Streams ShardIteratorType enum.
type IteratorType string

const (
	IteratorTrimHorizon   IteratorType = dynamodbstreams.ShardIteratorTypeTrimHorizon
	IteratorLatest        IteratorType = dynamodbstreams.ShardIteratorTypeLatest
	IteratorAtSequence    IteratorType = dynamodbstreams.ShardIteratorTypeAtSequenceNumber
	IteratorAfterSequence IteratorType = dynamodbstreams.ShardIteratorTypeAfterSequenceNumber
	IteratorNone          IteratorType = ""
)

// IteratorClosed is the sentinel iterator_id value meaning "terminal": the
// shard will never yield another GetRecords page.
const IteratorClosed = "CLOSED"

// ShardDescriptor is the forest-building shape of a single Shard entry
// returned by DescribeStream, kept distinct from shard.Shard (the live,
// stateful node the Coordinator mutates).
type ShardDescriptor struct {
	ShardID                string
	ParentShardID          string
	StartingSequenceNumber string
	EndingSequenceNumber   string // empty means the shard is open
}

// Closed reports whether the descriptor's shard has an EndingSequenceNumber,
// i.e. is closed at the topology snapshot this descriptor came from.
func (d ShardDescriptor) Closed() bool {
	return d.EndingSequenceNumber != ""
}

// StreamDescription is the trimmed-down result of a DescribeStream call.
type StreamDescription struct {
	StreamARN string
	Shards    []ShardDescriptor
}

// Record is the Coordinator's view of a single stream record: enough to
// order and checkpoint on, with the attribute payload left undecoded for
// the caller to interpret.
type Record struct {
	SequenceNumber              string
	ApproximateCreationDateTime time.Time
	EventName                   string
	Attributes                  map[string]*dynamodbstreams.AttributeValue
}

// Session is the seam between the Coordinator and DynamoDB Streams.
type Session struct {
	svc dynamodbstreamsiface.DynamoDBStreamsAPI
	log *logrus.Entry

	backoffCtor func() backoff.BackOff
	maxAttempts uint64
}

// New builds a Session from an AWS SDK session and the coordinator's
// retry tuning. Passing a nil *awssession.Session is only valid when svc is
// supplied directly via NewWithAPI (used by tests).
func New(sess *awssession.Session, cfg config.CoordinatorConfig, log *logrus.Entry) *Session {
	return NewWithAPI(dynamodbstreams.New(sess), cfg, log)
}

// NewWithAPI builds a Session around an explicit
// dynamodbstreamsiface.DynamoDBStreamsAPI, letting tests inject a mock.
func NewWithAPI(svc dynamodbstreamsiface.DynamoDBStreamsAPI, cfg config.CoordinatorConfig, log *logrus.Entry) *Session {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	base := cfg.BaseBackoff
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	maxB := cfg.MaxBackoff
	if maxB <= 0 {
		maxB = 5 * time.Second
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Session{
		svc: svc,
		log: log,
		backoffCtor: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = base
			b.MaxInterval = maxB
			b.Multiplier = 2
			b.RandomizationFactor = 0
			return b
		},
		maxAttempts: uint64(maxAttempts),
	}
}

// retryableCodes is the closed set of DynamoDB Streams error codes that
// CallWithRetries treats as transient.
var retryableCodes = map[string]bool{
	"InternalServerError":                    true,
	"LimitExceededException":                 true,
	"ThrottlingException":                    true,
	"ProvisionedThroughputExceededException": true,
}

// CallWithRetries invokes op, retrying on the closed set of retryable AWS
// error codes with exponential backoff, and translating recognised AWS
// error codes into the errs package's typed errors. request is the input
// struct the caller already built for the underlying API call; it is
// attached to errs.ConstraintViolation so callers can inspect exactly what
// failed the conditional check.
func (s *Session) CallWithRetries(ctx context.Context, operation string, request any, op func(context.Context) error) error {
	// WithMaxRetries counts retries, not attempts: passing maxAttempts-1
	// caps the total number of calls to op at maxAttempts (the first call
	// plus maxAttempts-1 retries). maxAttempts is always >= 1.
	retries := s.maxAttempts - 1
	b := backoff.WithContext(backoff.WithMaxRetries(s.backoffCtor(), retries), ctx)
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if aerr, ok := err.(awserr.Error); ok {
			switch aerr.Code() {
			case "ConditionalCheckFailedException":
				return backoff.Permanent(&errs.ConstraintViolation{Operation: operation, Request: request, Err: aerr})
			case dynamodbstreams.ErrCodeExpiredIteratorException:
				return backoff.Permanent(errs.ErrShardIteratorExpired)
			case dynamodbstreams.ErrCodeTrimmedDataAccessException:
				return backoff.Permanent(errs.ErrRecordsExpired)
			}
			if retryableCodes[aerr.Code()] {
				s.log.WithFields(logrus.Fields{
					"operation": operation,
					"attempt":   attempts,
					"code":      aerr.Code(),
				}).Warn("retrying after transient DynamoDB Streams error")
				return err
			}
			// Non-retryable service error: fail immediately.
			return backoff.Permanent(err)
		}
		// Non-service error (context cancellation, marshalling, etc): never retried.
		return backoff.Permanent(err)
	}, b)
	if err != nil {
		// A still-retryable code surviving to here means the budget ran
		// out, not that the service rejected the call outright.
		if aerr, ok := err.(awserr.Error); ok && retryableCodes[aerr.Code()] {
			return errs.ErrRetriesExhausted
		}
		return err
	}
	return nil
}

// DescribeStream pages internally via ExclusiveStartShardId/LastEvaluatedShardId,
// optionally constrained to shards at or after firstShard (used when
// promoting a specific shard's children).
func (s *Session) DescribeStream(ctx context.Context, streamARN string, firstShard *string) (*StreamDescription, error) {
	desc := &StreamDescription{StreamARN: streamARN}
	input := &dynamodbstreams.DescribeStreamInput{
		StreamArn:             aws.String(streamARN),
		ExclusiveStartShardId: firstShard,
	}
	for {
		var out *dynamodbstreams.DescribeStreamOutput
		err := s.CallWithRetries(ctx, "DescribeStream", input, func(ctx context.Context) error {
			var callErr error
			out, callErr = s.svc.DescribeStreamWithContext(ctx, input)
			return callErr
		})
		if err != nil {
			return nil, err
		}
		for _, sh := range out.StreamDescription.Shards {
			d := ShardDescriptor{ShardID: aws.StringValue(sh.ShardId), ParentShardID: aws.StringValue(sh.ParentShardId)}
			if r := sh.SequenceNumberRange; r != nil {
				d.StartingSequenceNumber = aws.StringValue(r.StartingSequenceNumber)
				d.EndingSequenceNumber = aws.StringValue(r.EndingSequenceNumber)
			}
			desc.Shards = append(desc.Shards, d)
		}
		if out.StreamDescription.LastEvaluatedShardId == nil {
			return desc, nil
		}
		input.ExclusiveStartShardId = out.StreamDescription.LastEvaluatedShardId
	}
}

// GetShardIterator acquires an iterator handle for a shard at the given
// position. Returns errs.ErrRecordsExpired if sequenceNumber is past the
// shard's trim horizon.
func (s *Session) GetShardIterator(ctx context.Context, streamARN, shardID string, iterType IteratorType, sequenceNumber *string) (string, error) {
	input := &dynamodbstreams.GetShardIteratorInput{
		StreamArn:         aws.String(streamARN),
		ShardId:           aws.String(shardID),
		ShardIteratorType: aws.String(string(iterType)),
		SequenceNumber:    sequenceNumber,
	}
	var iterID string
	err := s.CallWithRetries(ctx, "GetShardIterator", input, func(ctx context.Context) error {
		out, callErr := s.svc.GetShardIteratorWithContext(ctx, input)
		if callErr != nil {
			return callErr
		}
		iterID = aws.StringValue(out.ShardIterator)
		return nil
	})
	if err != nil {
		return "", err
	}
	return iterID, nil
}

// GetRecords fetches the next page from iteratorID. A nil next iterator
// signals the iterator is terminal (shard closed and drained).
func (s *Session) GetRecords(ctx context.Context, iteratorID string) ([]Record, *string, error) {
	input := &dynamodbstreams.GetRecordsInput{
		ShardIterator: aws.String(iteratorID),
	}
	var records []Record
	var next *string
	err := s.CallWithRetries(ctx, "GetRecords", input, func(ctx context.Context) error {
		out, callErr := s.svc.GetRecordsWithContext(ctx, input)
		if callErr != nil {
			return callErr
		}
		records = make([]Record, 0, len(out.Records))
		for _, r := range out.Records {
			rec := Record{EventName: aws.StringValue(r.EventName)}
			if sr := r.Dynamodb; sr != nil {
				rec.SequenceNumber = aws.StringValue(sr.SequenceNumber)
				if sr.ApproximateCreationDateTime != nil {
					rec.ApproximateCreationDateTime = *sr.ApproximateCreationDateTime
				}
				rec.Attributes = sr.NewImage
			}
			records = append(records, rec)
		}
		next = out.NextShardIterator
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return records, next, nil
}
