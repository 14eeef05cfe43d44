package source

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// maxBatchEntries is the SQS limit for batch delete/visibility requests and
// for MaxNumberOfMessages on receive.
const maxBatchEntries = 10

type SourceSQSConfig struct {
	WaitTimeSeconds          int32
	VisibilityTimeoutSeconds int32
	MaxMessages              int32
}

func (c SourceSQSConfig) validate() error {
	var errs []error
	if c.WaitTimeSeconds < 0 || c.WaitTimeSeconds > 20 {
		errs = append(errs, errors.New("wait time seconds must be between 0 and 20"))
	}
	if c.MaxMessages < 1 || c.MaxMessages > maxBatchEntries {
		errs = append(errs, errors.New("max messages must be between 1 and 10"))
	}
	if c.VisibilityTimeoutSeconds < 0 || c.VisibilityTimeoutSeconds > 43200 {
		errs = append(errs, errors.New("visibility timeout must be between 0 and 43200"))
	}
	return errors.Join(errs...)
}

// DefaultSourceSQSConfig mirrors the polling parameters the service has always
// used: a 10s long poll with a 40s visibility window.
var DefaultSourceSQSConfig = SourceSQSConfig{
	WaitTimeSeconds:          10,
	VisibilityTimeoutSeconds: 40,
	MaxMessages:              10,
}

type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
	ChangeMessageVisibilityBatch(ctx context.Context, params *sqs.ChangeMessageVisibilityBatchInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityBatchOutput, error)
}

type queueURLAPI interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
}

// ResolveQueueURL looks up the URL of a queue by name.
func ResolveQueueURL(ctx context.Context, client queueURLAPI, queueName string) (string, error) {
	if queueName == "" {
		return "", ErrNoQueue
	}
	out, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(queueName)})
	if err != nil {
		return "", fmt.Errorf("resolve queue url for %s: %w", queueName, err)
	}
	url := aws.ToString(out.QueueUrl)
	if url == "" {
		return "", fmt.Errorf("resolve queue url for %s: empty url", queueName)
	}
	return url, nil
}

// SourceSQS is a Sourcer backed by one SQS queue. It is safe for concurrent
// use; every Receive is an independent long-poll request.
type SourceSQS struct {
	cfg SourceSQSConfig

	client      sqsAPI
	queueURL    string
	queueURLPtr *string
}

func NewWithConfig(client sqsAPI, queueURL string, cfg SourceSQSConfig) (*SourceSQS, error) {
	if client == nil {
		panic("sqs client is required")
	}
	if queueURL == "" {
		return nil, ErrNoQueue
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &SourceSQS{
		cfg:      cfg,
		client:   client,
		queueURL: queueURL,
	}
	s.queueURLPtr = &s.queueURL
	return s, nil
}

func New(client sqsAPI, queueURL string) (*SourceSQS, error) {
	return NewWithConfig(client, queueURL, DefaultSourceSQSConfig)
}

// QueueURL returns the queue this source polls.
func (s *SourceSQS) QueueURL() string {
	return s.queueURL
}

func (s *SourceSQS) Receive(ctx context.Context) ([]RawMessage, error) {
	// The request deadline must outlive the long poll itself.
	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.WaitTimeSeconds+5)*time.Second)
	defer cancel()

	out, err := s.client.ReceiveMessage(reqCtx, &sqs.ReceiveMessageInput{
		QueueUrl:              s.queueURLPtr,
		MaxNumberOfMessages:   s.cfg.MaxMessages,
		WaitTimeSeconds:       s.cfg.WaitTimeSeconds,
		VisibilityTimeout:     s.cfg.VisibilityTimeoutSeconds,
		MessageAttributeNames: []string{"All"},
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{
			sqstypes.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive: %w", err)
	}
	if out == nil || len(out.Messages) == 0 {
		return nil, nil
	}

	msgs := make([]RawMessage, 0, len(out.Messages))
	for i := range out.Messages {
		msgs = append(msgs, toRawMessage(&out.Messages[i]))
	}
	return msgs, nil
}

func toRawMessage(m *sqstypes.Message) RawMessage {
	raw := RawMessage{
		ID:            aws.ToString(m.MessageId),
		ReceiptHandle: aws.ToString(m.ReceiptHandle),
		Body:          []byte(aws.ToString(m.Body)),
	}
	if rc, ok := m.Attributes[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		if n, err := strconv.Atoi(rc); err == nil {
			raw.ReceiveCount = n
		}
	}
	if len(m.MessageAttributes) > 0 {
		raw.Attributes = make(map[string]string, len(m.MessageAttributes))
		for k, v := range m.MessageAttributes {
			if v.StringValue != nil {
				raw.Attributes[k] = *v.StringValue
			}
		}
	}
	return raw
}

// Acknowledge deletes the given messages from the queue.
//
// Entries are sent in chunks of 10 and identified positionally inside each
// chunk, so duplicate message ids never collide. Item failures are returned in
// the results; a transport failure marks its whole chunk failed and is
// returned joined with the others.
func (s *SourceSQS) Acknowledge(ctx context.Context, metas []AckMetadata) ([]AckResult, error) {
	if len(metas) == 0 {
		return nil, nil
	}

	results := make([]AckResult, len(metas))
	for i := range metas {
		results[i].ID = metas[i].ID
	}

	var errs []error
	entries := make([]sqstypes.DeleteMessageBatchRequestEntry, 0, maxBatchEntries)
	in := sqs.DeleteMessageBatchInput{QueueUrl: s.queueURLPtr}

	for i := 0; i < len(metas); i += maxBatchEntries {
		end := min(i+maxBatchEntries, len(metas))

		entries = entries[:0]
		for j := i; j < end; j++ {
			entries = append(entries, sqstypes.DeleteMessageBatchRequestEntry{
				Id:            aws.String(strconv.Itoa(j - i)),
				ReceiptHandle: &metas[j].Handle,
			})
		}

		in.Entries = entries
		out, err := s.client.DeleteMessageBatch(ctx, &in)
		if err != nil {
			err = fmt.Errorf("sqs delete batch: %w", err)
			for j := i; j < end; j++ {
				results[j].Err = err
			}
			errs = append(errs, err)
			continue
		}
		s.applyDeleteOutput(results[i:end], metas[i:end], out)
	}
	return results, errors.Join(errs...)
}

func (s *SourceSQS) applyDeleteOutput(results []AckResult, metas []AckMetadata, out *sqs.DeleteMessageBatchOutput) {
	seen := make([]bool, len(results))
	for _, ok := range out.Successful {
		if k, err := strconv.Atoi(aws.ToString(ok.Id)); err == nil && k >= 0 && k < len(results) {
			seen[k] = true
		}
	}
	for _, f := range out.Failed {
		k, err := strconv.Atoi(aws.ToString(f.Id))
		if err != nil || k < 0 || k >= len(results) {
			continue
		}
		seen[k] = true
		results[k].Err = &AcknowledgeError{
			ID:      metas[k].ID,
			Code:    aws.ToString(f.Code),
			Message: aws.ToString(f.Message),
		}
	}
	for k := range results {
		if !seen[k] {
			results[k].Err = &AcknowledgeError{ID: metas[k].ID, Code: "MissingResult", Message: "entry absent from delete response"}
		}
	}
}

func (s *SourceSQS) ExtendVisibilityBatch(ctx context.Context, metas []AckMetadata, visibilityTimeoutSeconds int32) error {
	if len(metas) == 0 {
		return nil
	}

	in := sqs.ChangeMessageVisibilityBatchInput{QueueUrl: s.queueURLPtr}
	entries := make([]sqstypes.ChangeMessageVisibilityBatchRequestEntry, 0, maxBatchEntries)

	for i := 0; i < len(metas); i += maxBatchEntries {
		end := min(i+maxBatchEntries, len(metas))

		entries = entries[:0]
		for j := i; j < end; j++ {
			entries = append(entries, sqstypes.ChangeMessageVisibilityBatchRequestEntry{
				Id:                aws.String(strconv.Itoa(j - i)),
				ReceiptHandle:     &metas[j].Handle,
				VisibilityTimeout: visibilityTimeoutSeconds,
			})
		}

		in.Entries = entries
		out, err := s.client.ChangeMessageVisibilityBatch(ctx, &in)
		if err != nil {
			return fmt.Errorf("sqs visibility batch: %w", err)
		}
		if len(out.Failed) > 0 {
			f := out.Failed[0]
			return fmt.Errorf("sqs visibility batch failed id=%s code=%s message=%s",
				aws.ToString(f.Id), aws.ToString(f.Code), aws.ToString(f.Message))
		}
	}

	return nil
}
