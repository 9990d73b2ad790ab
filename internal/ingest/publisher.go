package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/ignite/broadcast-engine/internal/pkg/logger"
)

// SQSSender is the slice of *sqs.Client the publisher uses.
type SQSSender interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Publisher writes log events to the log queue.
type Publisher struct {
	client   SQSSender
	queueURL string
	timeout  time.Duration
	wg       sync.WaitGroup
}

func NewPublisher(client SQSSender, queueURL string) *Publisher {
	return &Publisher{client: client, queueURL: queueURL, timeout: 5 * time.Second}
}

// Send publishes evt and waits for SQS to accept it.
func (p *Publisher) Send(ctx context.Context, evt LogEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal log event: %w", err)
	}
	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("publish log event: %w", err)
	}
	return nil
}

// Publish sends evt in the background so request handlers never wait on
// SQS. Failures are logged. Call Wait before shutdown.
func (p *Publisher) Publish(_ context.Context, evt LogEvent) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		if err := p.Send(ctx, evt); err != nil {
			logger.Error("log event publish failed", "type", evt.Type, "error", err)
		}
	}()
}

// Wait blocks until every background publish has finished.
func (p *Publisher) Wait() { p.wg.Wait() }
