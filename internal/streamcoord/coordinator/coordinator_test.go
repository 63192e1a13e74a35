package coordinator_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodbstreams"
	"github.com/stretchr/testify/require"

	"github.com/usedatabrew/stream-coordinator/internal/streamcoord/config"
	"github.com/usedatabrew/stream-coordinator/internal/streamcoord/coordinator"
	"github.com/usedatabrew/stream-coordinator/internal/streamcoord/errs"
	"github.com/usedatabrew/stream-coordinator/internal/streamcoord/session"
	"github.com/usedatabrew/stream-coordinator/internal/streamcoord/session/sessiontest"
	"github.com/usedatabrew/stream-coordinator/internal/streamcoord/token"
)

func newCoordinator(api *sessiontest.API) *coordinator.Coordinator {
	cfg := config.DefaultCoordinatorConfig()
	sess := session.NewWithAPI(api, cfg, nil)
	return coordinator.New("arn:test-stream", sess, cfg, nil)
}

func iterOut(id string) *dynamodbstreams.GetShardIteratorOutput {
	return &dynamodbstreams.GetShardIteratorOutput{ShardIterator: aws.String(id)}
}

func TestMoveToTrimHorizonActivatesEveryRoot(t *testing.T) {
	api := &sessiontest.API{
		DescribeStreamFn: func(*dynamodbstreams.DescribeStreamInput) (*dynamodbstreams.DescribeStreamOutput, error) {
			return &dynamodbstreams.DescribeStreamOutput{
				StreamDescription: &dynamodbstreams.StreamDescription{
					Shards: []*dynamodbstreams.Shard{
						{ShardId: aws.String("r1")},
						{ShardId: aws.String("r2")},
					},
				},
			}, nil
		},
		GetShardIteratorFn: func(in *dynamodbstreams.GetShardIteratorInput) (*dynamodbstreams.GetShardIteratorOutput, error) {
			return iterOut("iter-" + aws.StringValue(in.ShardId) + "-0"), nil
		},
	}
	c := newCoordinator(api)
	require.NoError(t, c.MoveTo(context.Background(), coordinator.TrimHorizon()))

	require.Len(t, c.Roots, 2)
	require.Len(t, c.Active, 2)
}

func TestNextDrainsBufferedRecordsBeforePollingAgain(t *testing.T) {
	getRecordsCalls := 0
	api := &sessiontest.API{
		DescribeStreamFn: func(*dynamodbstreams.DescribeStreamInput) (*dynamodbstreams.DescribeStreamOutput, error) {
			return &dynamodbstreams.DescribeStreamOutput{
				StreamDescription: &dynamodbstreams.StreamDescription{
					Shards: []*dynamodbstreams.Shard{{ShardId: aws.String("solo")}},
				},
			}, nil
		},
		GetShardIteratorFn: func(*dynamodbstreams.GetShardIteratorInput) (*dynamodbstreams.GetShardIteratorOutput, error) {
			return iterOut("iter-0"), nil
		},
		GetRecordsFn: func(*dynamodbstreams.GetRecordsInput) (*dynamodbstreams.GetRecordsOutput, error) {
			getRecordsCalls++
			if getRecordsCalls == 1 {
				return &dynamodbstreams.GetRecordsOutput{
					Records: []*dynamodbstreams.Record{
						{Dynamodb: &dynamodbstreams.StreamRecord{SequenceNumber: aws.String("1")}},
						{Dynamodb: &dynamodbstreams.StreamRecord{SequenceNumber: aws.String("2")}},
					},
					NextShardIterator: aws.String("iter-1"),
				}, nil
			}
			return &dynamodbstreams.GetRecordsOutput{NextShardIterator: aws.String("iter-1")}, nil
		},
	}
	c := newCoordinator(api)
	require.NoError(t, c.MoveTo(context.Background(), coordinator.TrimHorizon()))

	rec, err := c.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "1", rec.SequenceNumber)
	require.Equal(t, 1, getRecordsCalls)

	// Second record is already buffered: Next must not poll again.
	rec, err = c.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "2", rec.SequenceNumber)
	require.Equal(t, 1, getRecordsCalls)

	// Buffer now empty: the third call has to poll.
	rec, err = c.Next(context.Background())
	require.NoError(t, err)
	require.Nil(t, rec)
	require.Equal(t, 2, getRecordsCalls)
}

func TestAdvanceShardsFetchesEveryActiveShardOncePerCall(t *testing.T) {
	const callsToReachHead = 4
	api := &sessiontest.API{
		DescribeStreamFn: func(*dynamodbstreams.DescribeStreamInput) (*dynamodbstreams.DescribeStreamOutput, error) {
			return &dynamodbstreams.DescribeStreamOutput{
				StreamDescription: &dynamodbstreams.StreamDescription{
					Shards: []*dynamodbstreams.Shard{
						{ShardId: aws.String("a")},
						{ShardId: aws.String("b")},
					},
				},
			}, nil
		},
		GetShardIteratorFn: func(in *dynamodbstreams.GetShardIteratorInput) (*dynamodbstreams.GetShardIteratorOutput, error) {
			return iterOut(aws.StringValue(in.ShardId) + "-id"), nil
		},
		GetRecordsFn: func(in *dynamodbstreams.GetRecordsInput) (*dynamodbstreams.GetRecordsOutput, error) {
			iter := aws.StringValue(in.ShardIterator)
			if iter == "a-id" {
				return &dynamodbstreams.GetRecordsOutput{
					Records: []*dynamodbstreams.Record{
						{Dynamodb: &dynamodbstreams.StreamRecord{SequenceNumber: aws.String("a1")}},
					},
					NextShardIterator: aws.String("a-next"),
				}, nil
			}
			// shard b: always empty, same next handle, forcing the burst.
			return &dynamodbstreams.GetRecordsOutput{NextShardIterator: aws.String("b-next")}, nil
		},
	}
	c := newCoordinator(api)
	require.NoError(t, c.MoveTo(context.Background(), coordinator.Latest()))
	require.Len(t, c.Active, 2)

	require.NoError(t, c.AdvanceShards(context.Background()))

	total := api.CallCount("a-id") + api.CallCount("b-id") + api.CallCount("b-next")
	require.Equal(t, 1+callsToReachHead, total)

	rec, err := c.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "a1", rec.SequenceNumber)
}

func TestHandleExhaustedPromotesChildAndPrunesParent(t *testing.T) {
	describeCalls := 0
	api := &sessiontest.API{
		DescribeStreamFn: func(*dynamodbstreams.DescribeStreamInput) (*dynamodbstreams.DescribeStreamOutput, error) {
			describeCalls++
			if describeCalls == 1 {
				return &dynamodbstreams.DescribeStreamOutput{
					StreamDescription: &dynamodbstreams.StreamDescription{
						Shards: []*dynamodbstreams.Shard{{ShardId: aws.String("parent")}},
					},
				}, nil
			}
			return &dynamodbstreams.DescribeStreamOutput{
				StreamDescription: &dynamodbstreams.StreamDescription{
					Shards: []*dynamodbstreams.Shard{
						{ShardId: aws.String("parent")},
						{ShardId: aws.String("child"), ParentShardId: aws.String("parent")},
					},
				},
			}, nil
		},
		GetShardIteratorFn: func(in *dynamodbstreams.GetShardIteratorInput) (*dynamodbstreams.GetShardIteratorOutput, error) {
			return iterOut(aws.StringValue(in.ShardId) + "-iter"), nil
		},
		GetRecordsFn: func(in *dynamodbstreams.GetRecordsInput) (*dynamodbstreams.GetRecordsOutput, error) {
			// The parent is closed and drained on its very first poll.
			return &dynamodbstreams.GetRecordsOutput{NextShardIterator: nil}, nil
		},
	}
	c := newCoordinator(api)
	require.NoError(t, c.MoveTo(context.Background(), coordinator.TrimHorizon()))
	require.Len(t, c.Active, 1)
	require.Equal(t, "parent", c.Active[0].ID)

	require.NoError(t, c.AdvanceShards(context.Background()))

	require.Len(t, c.Roots, 1)
	require.Equal(t, "child", c.Roots[0].ID)
	require.Len(t, c.Active, 1)
	require.Equal(t, "child", c.Active[0].ID)
	require.Equal(t, session.IteratorTrimHorizon, c.Active[0].IteratorType)
}

func TestHandleExhaustedDoesNotDuplicateChildWiredByInitialDescribeStream(t *testing.T) {
	// The very first DescribeStream already shows the root closed with its
	// split child present (an ordinary state after any prior shard split),
	// so moveEndpoint's forest-unpacking wires parent.Children directly,
	// without ever going through LoadChildren. When the parent later
	// exhausts, handleExhausted's call to LoadChildren must recognise the
	// pre-wired child and must not requery DescribeStream or append a
	// second, duplicate shard object for the same child id.
	describeCalls := 0
	api := &sessiontest.API{
		DescribeStreamFn: func(*dynamodbstreams.DescribeStreamInput) (*dynamodbstreams.DescribeStreamOutput, error) {
			describeCalls++
			return &dynamodbstreams.DescribeStreamOutput{
				StreamDescription: &dynamodbstreams.StreamDescription{
					Shards: []*dynamodbstreams.Shard{
						{ShardId: aws.String("parent")},
						{ShardId: aws.String("child"), ParentShardId: aws.String("parent")},
					},
				},
			}, nil
		},
		GetShardIteratorFn: func(in *dynamodbstreams.GetShardIteratorInput) (*dynamodbstreams.GetShardIteratorOutput, error) {
			return iterOut(aws.StringValue(in.ShardId) + "-iter"), nil
		},
		GetRecordsFn: func(*dynamodbstreams.GetRecordsInput) (*dynamodbstreams.GetRecordsOutput, error) {
			// The parent is closed and drained on its very first poll.
			return &dynamodbstreams.GetRecordsOutput{NextShardIterator: nil}, nil
		},
	}
	c := newCoordinator(api)
	require.NoError(t, c.MoveTo(context.Background(), coordinator.TrimHorizon()))
	require.Len(t, c.Roots, 1)
	require.Equal(t, "parent", c.Roots[0].ID)
	wiredChild := c.Roots[0].Children
	require.Len(t, wiredChild, 1)
	require.Equal(t, "child", wiredChild[0].ID)
	require.Equal(t, 1, describeCalls)

	require.NoError(t, c.AdvanceShards(context.Background()))

	require.Equal(t, 1, describeCalls, "LoadChildren must not issue a second DescribeStream when children were already wired")
	require.Len(t, c.Roots, 1)
	require.Same(t, wiredChild[0], c.Roots[0], "the promoted child must be the same shard object wired up-front, not a duplicate")
	require.Len(t, c.Active, 1)
	require.Same(t, wiredChild[0], c.Active[0])
}

func TestMoveFromTokenPrunesShardsAbsentFromLiveTopology(t *testing.T) {
	api := &sessiontest.API{
		DescribeStreamFn: func(*dynamodbstreams.DescribeStreamInput) (*dynamodbstreams.DescribeStreamOutput, error) {
			return &dynamodbstreams.DescribeStreamOutput{
				StreamDescription: &dynamodbstreams.StreamDescription{
					Shards: []*dynamodbstreams.Shard{{ShardId: aws.String("keep")}},
				},
			}, nil
		},
		GetShardIteratorFn: func(in *dynamodbstreams.GetShardIteratorInput) (*dynamodbstreams.GetShardIteratorOutput, error) {
			return iterOut(aws.StringValue(in.ShardId) + "-iter"), nil
		},
	}
	c := newCoordinator(api)
	seq := "42"
	tok := token.Token{
		StreamARN: "arn:test-stream",
		Active:    []string{"keep", "gone"},
		Shards: []token.ShardSnapshot{
			{ShardID: "keep", IteratorType: string(session.IteratorAfterSequence), SequenceNumber: &seq},
			{ShardID: "gone", IteratorType: string(session.IteratorTrimHorizon)},
		},
	}

	require.NoError(t, c.MoveTo(context.Background(), coordinator.FromToken(tok)))

	require.Len(t, c.Roots, 1)
	require.Equal(t, "keep", c.Roots[0].ID)
	require.Len(t, c.Active, 1)
	require.Equal(t, "keep", c.Active[0].ID)
}

func TestMoveFromTokenFailsWhenNothingSurvivesPruning(t *testing.T) {
	api := &sessiontest.API{
		DescribeStreamFn: func(*dynamodbstreams.DescribeStreamInput) (*dynamodbstreams.DescribeStreamOutput, error) {
			return &dynamodbstreams.DescribeStreamOutput{
				StreamDescription: &dynamodbstreams.StreamDescription{
					Shards: []*dynamodbstreams.Shard{{ShardId: aws.String("unrelated")}},
				},
			}, nil
		},
	}
	c := newCoordinator(api)
	tok := token.Token{
		StreamARN: "arn:test-stream",
		Active:    []string{"missing"},
		Shards:    []token.ShardSnapshot{{ShardID: "missing", IteratorType: string(session.IteratorTrimHorizon)}},
	}

	err := c.MoveTo(context.Background(), coordinator.FromToken(tok))
	require.True(t, errors.Is(err, errs.ErrInvalidStream))
}

func TestMoveFromTokenRecoversRecordsExpiredToTrimHorizon(t *testing.T) {
	seq := "999"
	calls := 0
	api := &sessiontest.API{
		DescribeStreamFn: func(*dynamodbstreams.DescribeStreamInput) (*dynamodbstreams.DescribeStreamOutput, error) {
			return &dynamodbstreams.DescribeStreamOutput{
				StreamDescription: &dynamodbstreams.StreamDescription{
					Shards: []*dynamodbstreams.Shard{{ShardId: aws.String("s")}},
				},
			}, nil
		},
		GetShardIteratorFn: func(in *dynamodbstreams.GetShardIteratorInput) (*dynamodbstreams.GetShardIteratorOutput, error) {
			calls++
			if aws.StringValue(in.ShardIteratorType) == string(session.IteratorAfterSequence) {
				return nil, awserr0("TrimmedDataAccessException")
			}
			return iterOut("trim-iter"), nil
		},
	}
	c := newCoordinator(api)
	tok := token.Token{
		StreamARN: "arn:test-stream",
		Active:    []string{"s"},
		Shards:    []token.ShardSnapshot{{ShardID: "s", IteratorType: string(session.IteratorAfterSequence), SequenceNumber: &seq}},
	}

	require.NoError(t, c.MoveTo(context.Background(), coordinator.FromToken(tok)))
	require.Equal(t, session.IteratorTrimHorizon, c.Active[0].IteratorType)
	require.Equal(t, 2, calls)
}

func TestTokenRoundTripsThroughMoveFromToken(t *testing.T) {
	api := &sessiontest.API{
		DescribeStreamFn: func(*dynamodbstreams.DescribeStreamInput) (*dynamodbstreams.DescribeStreamOutput, error) {
			return &dynamodbstreams.DescribeStreamOutput{
				StreamDescription: &dynamodbstreams.StreamDescription{
					Shards: []*dynamodbstreams.Shard{{ShardId: aws.String("only")}},
				},
			}, nil
		},
		GetShardIteratorFn: func(in *dynamodbstreams.GetShardIteratorInput) (*dynamodbstreams.GetShardIteratorOutput, error) {
			return iterOut("only-iter"), nil
		},
	}
	c := newCoordinator(api)
	require.NoError(t, c.MoveTo(context.Background(), coordinator.TrimHorizon()))

	tok := c.Token()
	require.Equal(t, "arn:test-stream", tok.StreamARN)
	require.Equal(t, []string{"only"}, tok.Active)
	require.Len(t, tok.Shards, 1)

	data, err := token.Encode(tok)
	require.NoError(t, err)
	restored, err := token.Decode(data)
	require.NoError(t, err)
	require.Equal(t, tok, restored)

	restoredCoord := newCoordinator(api)
	require.NoError(t, restoredCoord.MoveTo(context.Background(), coordinator.FromToken(restored)))
	require.Equal(t, tok, restoredCoord.Token())
}

func TestMoveAtTimeDegradesToLatestForFutureTimestamp(t *testing.T) {
	api := &sessiontest.API{
		DescribeStreamFn: func(*dynamodbstreams.DescribeStreamInput) (*dynamodbstreams.DescribeStreamOutput, error) {
			return &dynamodbstreams.DescribeStreamOutput{
				StreamDescription: &dynamodbstreams.StreamDescription{
					Shards: []*dynamodbstreams.Shard{{ShardId: aws.String("only")}},
				},
			}, nil
		},
		GetShardIteratorFn: func(in *dynamodbstreams.GetShardIteratorInput) (*dynamodbstreams.GetShardIteratorOutput, error) {
			require.Equal(t, dynamodbstreams.ShardIteratorTypeLatest, aws.StringValue(in.ShardIteratorType))
			return iterOut("only-iter"), nil
		},
	}
	c := newCoordinator(api)
	future := time.Now().Add(24 * time.Hour)
	require.NoError(t, c.MoveTo(context.Background(), coordinator.AtTime(future)))
	require.Equal(t, session.IteratorLatest, c.Active[0].IteratorType)
}

// awserr0 builds a minimal awserr.Error for stubbed AWS responses.
func awserr0(code string) error {
	return awsErr{code: code}
}

type awsErr struct{ code string }

func (e awsErr) Error() string   { return e.code }
func (e awsErr) Code() string    { return e.code }
func (e awsErr) Message() string { return e.code }
func (e awsErr) OrigErr() error  { return nil }
