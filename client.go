package kinesisclient

import (
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/kinesis"
	"github.com/aws/aws-sdk-go/service/kinesis/kinesisiface"
)

// KinesisAPI is the subset of kinesisiface.KinesisAPI this library depends
// on. Declaring a narrow interface (rather than embedding the full SDK
// interface) keeps the coupled surface explicit and makes it trivial to
// hand a test double to Producer/Consumer; any real *kinesis.Kinesis
// client (or the full kinesisiface.KinesisAPI) already satisfies it.
type KinesisAPI interface {
	CreateStreamWithContext(ctx aws.Context, in *kinesis.CreateStreamInput, opts ...request.Option) (*kinesis.CreateStreamOutput, error)
	DescribeStreamWithContext(ctx aws.Context, in *kinesis.DescribeStreamInput, opts ...request.Option) (*kinesis.DescribeStreamOutput, error)
	ListShardsWithContext(ctx aws.Context, in *kinesis.ListShardsInput, opts ...request.Option) (*kinesis.ListShardsOutput, error)
	PutRecordsWithContext(ctx aws.Context, in *kinesis.PutRecordsInput, opts ...request.Option) (*kinesis.PutRecordsOutput, error)
	GetShardIteratorWithContext(ctx aws.Context, in *kinesis.GetShardIteratorInput, opts ...request.Option) (*kinesis.GetShardIteratorOutput, error)
	GetRecordsWithContext(ctx aws.Context, in *kinesis.GetRecordsInput, opts ...request.Option) (*kinesis.GetRecordsOutput, error)
}

var _ KinesisAPI = (kinesisiface.KinesisAPI)(nil)

const (
	// ErrCodeKMSThrottlingException is defined in the API Reference
	// https://docs.aws.amazon.com/sdk-for-go/api/service/kinesis/#Kinesis.GetRecords
	ErrCodeKMSThrottlingException = "KMSThrottlingException"
	// ErrCodeInternalFailureException is returned on transient service
	// faults; not exported by the SDK's kinesis package.
	ErrCodeInternalFailureException = "InternalFailureException"
)

// NewClient builds a *kinesis.Kinesis (which satisfies KinesisAPI) from an
// AWS session. Session construction (region, endpoint override,
// credentials) is the caller's concern.
func NewClient(sess *session.Session) KinesisAPI {
	return kinesis.New(sess)
}

// classifyAWSError maps an AWS SDK error into this package's Kind taxonomy.
// Unknown AWS error codes are treated as ServiceInternal so that they drive
// backoff rather than propagate as fatal.
func classifyAWSError(err error) *Error {
	if err == nil {
		return nil
	}
	aerr, ok := err.(awserr.Error)
	if !ok {
		return newError(KindServiceInternal, err, "non-AWS transport error")
	}
	switch aerr.Code() {
	case kinesis.ErrCodeResourceNotFoundException:
		return newError(KindStreamDoesNotExist, err, "stream not found")
	case kinesis.ErrCodeResourceInUseException:
		return newError(KindStreamExists, err, "stream already exists")
	case kinesis.ErrCodeLimitExceededException:
		return newError(KindStreamShardLimit, err, "shard quota exceeded")
	case kinesis.ErrCodeProvisionedThroughputExceededException:
		return newError(KindThrottled, err, "throughput exceeded")
	case "ThrottlingException", "SlowDownException", ErrCodeKMSThrottlingException:
		return newError(KindThrottled, err, aerr.Code())
	case ErrCodeInternalFailureException:
		return newError(KindServiceInternal, err, aerr.Code())
	case kinesis.ErrCodeExpiredIteratorException:
		return newError(KindServiceInternal, err, "iterator expired")
	default:
		return newError(KindServiceInternal, err, "unclassified AWS error %s", aerr.Code())
	}
}
