// Package notify publishes best-effort domain notifications to a queue.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog/log"
)

const (
	TypeMealAnalyzed        = "meal.analyzed"
	TypeSubscriptionChanged = "subscription.changed"
)

// Publisher sends v, encoded as JSON, as a message of the given type.
type Publisher interface {
	Publish(ctx context.Context, msgType string, v any) error
}

type sendMessageAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

type SQS struct {
	client   sendMessageAPI
	queueURL string
}

func NewSQS(client sendMessageAPI, queueURL string) *SQS {
	return &SQS{client: client, queueURL: queueURL}
}

// NewSQSFromEnv loads the default AWS config and targets queueURL.
func NewSQSFromEnv(ctx context.Context, queueURL string) (*SQS, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config for sqs: %w", err)
	}
	return NewSQS(sqs.NewFromConfig(awsCfg), queueURL), nil
}

func (p *SQS) Publish(ctx context.Context, msgType string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msgType, err)
	}
	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"type": {DataType: aws.String("String"), StringValue: aws.String(msgType)},
		},
	})
	if err != nil {
		return fmt.Errorf("send %s: %w", msgType, err)
	}
	return nil
}

type Nop struct{}

func (Nop) Publish(context.Context, string, any) error { return nil }

// Recorder keeps published messages in memory.
type Recorder struct {
	mu       sync.Mutex
	Messages []Message
}

type Message struct {
	Type string
	Body json.RawMessage
}

func (r *Recorder) Publish(_ context.Context, msgType string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Messages = append(r.Messages, Message{Type: msgType, Body: body})
	return nil
}

func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.Messages))
	for _, m := range r.Messages {
		out = append(out, m.Type)
	}
	return out
}

// Send publishes and only logs a failure. Notifications never fail the
// operation that produced them.
func Send(ctx context.Context, p Publisher, msgType string, v any) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, msgType, v); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("type", msgType).Msg("notification publish failed")
	}
}
