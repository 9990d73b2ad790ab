package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/ignite/broadcast-engine/internal/config"
	"github.com/ignite/broadcast-engine/internal/pkg/logger"
)

// SQSReceiver is the slice of *sqs.Client the consumer uses.
type SQSReceiver interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Processor handles one decoded event. *Pipeline satisfies it.
type Processor interface {
	Process(ctx context.Context, evt LogEvent) error
}

// Consumer long-polls the log queue and feeds each message to a Processor.
// A message is deleted once processed or once it proves unprocessable;
// transient failures leave it on the queue for redelivery.
type Consumer struct {
	client      SQSReceiver
	queueURL    string
	proc        Processor
	waitSeconds int32
	maxMessages int32
	errBackoff  time.Duration
	done        chan struct{}
}

func NewConsumer(client SQSReceiver, cfg config.SQSConfig, proc Processor) *Consumer {
	return &Consumer{
		client:      client,
		queueURL:    cfg.LogQueueURL,
		proc:        proc,
		waitSeconds: cfg.WaitSeconds,
		maxMessages: cfg.MaxMessages,
		errBackoff:  5 * time.Second,
		done:        make(chan struct{}),
	}
}

func (c *Consumer) Start(ctx context.Context) {
	logger.Info("log event consumer started", "queue", c.queueURL)
	go c.poll(ctx)
}

func (c *Consumer) Stop() {
	close(c.done)
}

func (c *Consumer) poll(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		if err := c.receiveOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("SQS receive error", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case <-time.After(c.errBackoff):
			}
		}
	}
}

// receiveOnce pulls one batch and handles every message in it.
func (c *Consumer) receiveOnce(ctx context.Context) error {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: c.maxMessages,
		WaitTimeSeconds:     c.waitSeconds,
	})
	if err != nil {
		return err
	}
	for _, msg := range out.Messages {
		c.handle(ctx, msg)
	}
	return nil
}

func (c *Consumer) handle(ctx context.Context, msg types.Message) {
	var evt LogEvent
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &evt); err != nil {
		logger.Warn("SQS bad message", "message_id", aws.ToString(msg.MessageId), "error", err)
		c.deleteMessage(ctx, msg.ReceiptHandle)
		return
	}

	if err := c.proc.Process(ctx, evt); err != nil {
		if !IsFatal(err) {
			logger.Error("log event processing failed", "type", evt.Type, "error", err)
			return
		}
	}
	c.deleteMessage(ctx, msg.ReceiptHandle)
}

func (c *Consumer) deleteMessage(ctx context.Context, handle *string) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: handle,
	})
	if err != nil {
		logger.Warn("SQS delete failed", "error", err)
	}
}
