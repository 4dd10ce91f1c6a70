// Package archive exports drained DLQ entries to S3 as newline-delimited
// JSON, for durable off-cluster retention beyond what the DLQ stream
// itself keeps.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/oriys/aurora/internal/domain"
)

// Config controls where exports land.
type Config struct {
	Bucket string
	Prefix string
	Region string
}

// Exporter writes DLQ snapshots to S3.
type Exporter struct {
	client *s3.Client
	cfg    Config
}

// New builds an Exporter using the default AWS credential chain
// (environment, shared config, instance role) for cfg.Region.
func New(ctx context.Context, cfg Config) (*Exporter, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}
	return &Exporter{client: s3.NewFromConfig(awsCfg), cfg: cfg}, nil
}

// Entry is one archived DLQ message.
type Entry struct {
	MessageID string              `json:"message_id"`
	Message   domain.QueueMessage `json:"message"`
}

// Export writes entries as newline-delimited JSON to a timestamped key
// under cfg.Prefix and returns the object key written.
func (e *Exporter) Export(ctx context.Context, entries []Entry) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			return "", fmt.Errorf("archive: encode entry %s: %w", entry.MessageID, err)
		}
	}

	key := fmt.Sprintf("%s%s.ndjson", e.cfg.Prefix, time.Now().UTC().Format("20060102T150405.000000000Z"))
	_, err := e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", fmt.Errorf("archive: put object %s: %w", key, err)
	}
	return key, nil
}
