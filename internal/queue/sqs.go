package queue

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
)

const (
	// visibilityTimeout must exceed the provider poll window so an
	// in-flight job is not redelivered to a second worker mid-execution.
	visibilityTimeout = 60 * 5
	waitTimeSeconds   = 20
)

// SQS is a Queue backed by a single AWS SQS queue.
type SQS struct {
	api sqsiface.SQSAPI
	url string
}

// NewSQS returns a queue on the given SQS queue URL.
func NewSQS(api sqsiface.SQSAPI, url string) *SQS {
	return &SQS{api: api, url: url}
}

func (q *SQS) Publish(ctx context.Context, jobID string, delay time.Duration) error {
	_, err := q.api.SendMessageWithContext(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(q.url),
		MessageBody:  aws.String(jobID),
		DelaySeconds: aws.Int64(int64(delay / time.Second)),
	})
	return err
}

func (q *SQS) Receive(ctx context.Context) (*Message, error) {
	res, err := q.api.ReceiveMessageWithContext(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.url),
		MaxNumberOfMessages: aws.Int64(1),
		VisibilityTimeout:   aws.Int64(visibilityTimeout),
		WaitTimeSeconds:     aws.Int64(waitTimeSeconds),
	})
	if err != nil {
		return nil, err
	}
	if len(res.Messages) == 0 {
		return nil, nil
	}
	m := res.Messages[0]
	return &Message{JobID: aws.StringValue(m.Body), Receipt: aws.StringValue(m.ReceiptHandle)}, nil
}

func (q *SQS) Delete(ctx context.Context, m *Message) error {
	_, err := q.api.DeleteMessageWithContext(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(m.Receipt),
	})
	return err
}
