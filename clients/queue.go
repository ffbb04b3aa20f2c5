package clients

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/clipcast/ingest-api/log"
)

// StreamProcessedMessage announces a finished primary pipeline run to the
// downstream catalog worker.
type StreamProcessedMessage struct {
	Type        string   `json:"type"`
	StreamName  string   `json:"streamName"`
	SchedulerID string   `json:"schedulerId,omitempty"`
	Timestamp   int64    `json:"timestamp"`
	Files       []string `json:"files"`
}

// StreamLifecycleMessage announces RTMP start/stop to the queue.
type StreamLifecycleMessage struct {
	StreamID  string   `json:"streamId"`
	InputURL  string   `json:"inputUrl,omitempty"`
	OutputURL string   `json:"outputUrl,omitempty"`
	Variants  []string `json:"variants,omitempty"`
	Action    string   `json:"action"`
}

type QueuePublisher interface {
	Publish(ctx context.Context, msg interface{}) error
}

type sqsAPI interface {
	SendMessageWithContext(ctx aws.Context, input *sqs.SendMessageInput, opts ...request.Option) (*sqs.SendMessageOutput, error)
}

type SQSPublisher struct {
	sqs      sqsAPI
	queueURL string
}

func NewSQSPublisher(sess *session.Session, queueURL string) *SQSPublisher {
	return &SQSPublisher{sqs: sqs.New(sess), queueURL: queueURL}
}

func (p *SQSPublisher) Publish(ctx context.Context, msg interface{}) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("error marshalling queue message: %w", err)
	}
	_, err = p.sqs.SendMessageWithContext(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("error publishing queue message: %w", err)
	}
	return nil
}

// NullPublisher drops messages, used when no queue URL is configured.
type NullPublisher struct{}

func (NullPublisher) Publish(_ context.Context, msg interface{}) error {
	log.LogNoUploadID("no queue configured, dropping message", "msg", fmt.Sprintf("%+v", msg))
	return nil
}
