package audit

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	otellog "go.opentelemetry.io/otel/log"

	"mfa-auth-engine/internal/audit/domain"
)

// publishTimeout bounds one best-effort publish.
const publishTimeout = 5 * time.Second

// ShutdownDrainDuration is how long to wait after the server stops before closing publishers,
// so in-flight publishes can finish. Must be >= publishTimeout.
const ShutdownDrainDuration = publishTimeout

// Publisher exports committed records. Callers use it best-effort: log and ignore errors.
type Publisher interface {
	Publish(ctx context.Context, r *domain.Record) error
}

// KafkaPublisher writes records as JSON to a Kafka topic, keyed by realm.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher returns nil when brokers or topic are empty. Call Close when shutting down.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}}
}

func (p *KafkaPublisher) Publish(ctx context.Context, r *domain.Record) error {
	if p == nil || p.writer == nil || r == nil {
		return nil
	}
	msg, err := kafkaMessage(r)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, msg)
}

func kafkaMessage(r *domain.Record) (kafka.Message, error) {
	payload, err := json.Marshal(ExportView(r))
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(r.Realm),
		Value: payload,
		Time:  r.RecordedAt,
		Headers: []kafka.Header{
			{Key: "sequence", Value: []byte(strconv.FormatInt(r.Sequence, 10))},
		},
	}, nil
}

// Close closes the Kafka writer. Safe to call on nil.
func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// recordEmitter is the subset of otellog.Logger the publisher uses.
type recordEmitter interface {
	Emit(ctx context.Context, record otellog.Record)
}

// OTelPublisher emits records as OTel log records.
type OTelPublisher struct {
	logger recordEmitter
}

// NewOTelPublisher returns nil when provider is nil.
func NewOTelPublisher(provider otellog.LoggerProvider) *OTelPublisher {
	if provider == nil {
		return nil
	}
	return &OTelPublisher{logger: provider.Logger("mfa-auth-engine.audit")}
}

// NewOTelPublisherWithLogger emits through l directly.
func NewOTelPublisherWithLogger(l recordEmitter) *OTelPublisher {
	return &OTelPublisher{logger: l}
}

func (p *OTelPublisher) Publish(ctx context.Context, r *domain.Record) error {
	if p == nil || r == nil {
		return nil
	}
	var rec otellog.Record
	rec.SetTimestamp(r.RecordedAt)
	rec.SetBody(otellog.StringValue(r.Action + " " + r.Outcome))
	rec.SetSeverity(severity(r.Outcome))
	rec.AddAttributes(
		otellog.Int64("audit.sequence", r.Sequence),
		otellog.String("audit.realm", r.Realm),
		otellog.String("audit.login", r.Login),
		otellog.String("audit.action", r.Action),
		otellog.String("audit.outcome", r.Outcome),
		otellog.String("audit.record_hash", r.RecordHash),
	)
	if r.TokenSerial != "" {
		rec.AddAttributes(otellog.String("audit.token_serial", r.TokenSerial))
	}
	if r.Reason != "" {
		rec.AddAttributes(otellog.String("audit.reason", r.Reason))
	}
	if r.ClientIP != "" {
		rec.AddAttributes(otellog.String("audit.client_ip", r.ClientIP))
	}
	p.logger.Emit(ctx, rec)
	return nil
}

func severity(outcome string) otellog.Severity {
	switch outcome {
	case domain.OutcomeSuccess:
		return otellog.SeverityInfo
	case domain.OutcomeError:
		return otellog.SeverityError
	default:
		return otellog.SeverityWarn
	}
}

// ExportedRecord is the JSON shape of a record outside the process.
type ExportedRecord struct {
	Sequence      int64     `json:"sequence"`
	RecordedAt    time.Time `json:"recorded_at"`
	Realm         string    `json:"realm"`
	Login         string    `json:"login"`
	UserID        string    `json:"user_id,omitempty"`
	Resolver      string    `json:"resolver,omitempty"`
	TokenSerial   string    `json:"token_serial,omitempty"`
	Action        string    `json:"action"`
	Outcome       string    `json:"outcome"`
	Reason        string    `json:"reason,omitempty"`
	ClientIP      string    `json:"client_ip,omitempty"`
	TransactionID string    `json:"transaction_id,omitempty"`
	PreviousHash  string    `json:"previous_hash"`
	RecordHash    string    `json:"record_hash"`
	Signature     string    `json:"signature,omitempty"`
}

// ExportView converts r to its exported form.
func ExportView(r *domain.Record) ExportedRecord {
	return ExportedRecord{
		Sequence: r.Sequence, RecordedAt: r.RecordedAt, Realm: r.Realm, Login: r.Login,
		UserID: r.UserID, Resolver: r.Resolver, TokenSerial: r.TokenSerial, Action: r.Action,
		Outcome: r.Outcome, Reason: r.Reason, ClientIP: r.ClientIP, TransactionID: r.TransactionID,
		PreviousHash: r.PreviousHash, RecordHash: r.RecordHash, Signature: r.Signature,
	}
}
