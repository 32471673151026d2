// Package publish streams finalized debates to Kafka so downstream
// consumers (leaderboards, analytics) can follow results.
package publish

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/scram"

	"github.com/manpreetbhatti/arena/internal/logging"
	"github.com/manpreetbhatti/arena/internal/room"
)

// ResultEvent is the record value written for every finalized debate.
const ResultEvent = "debate_finalized"

type SASLConfig struct {
	Mechanism string // SCRAM-SHA-256 or SCRAM-SHA-512
	Username  string
	Password  string
}

type Config struct {
	Brokers  []string
	Topic    string
	ClientID string
	SASL     SASLConfig
	TLS      bool
}

// producer is the subset of *kgo.Client used here.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Publisher writes debate results to a Kafka topic.
type Publisher struct {
	client producer
	topic  string
	log    *logging.Logger
}

type message struct {
	Event  string      `json:"event"`
	Result room.Result `json:"result"`
	Winner string      `json:"winner,omitempty"`
}

func NewPublisher(cfg Config, log *logging.Logger) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka: no topic configured")
	}
	if log == nil {
		log = logging.NopLogger()
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RetryTimeout(30 * time.Second),
		kgo.RetryBackoffFn(func(attempt int) time.Duration {
			return time.Duration(attempt) * 250 * time.Millisecond
		}),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	if cfg.SASL.Mechanism != "" {
		mechanism, err := saslMechanism(cfg.SASL)
		if err != nil {
			return nil, err
		}
		opts = append(opts, kgo.SASL(mechanism))
	}
	if cfg.TLS {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka: create client: %w", err)
	}

	log.Info("kafka publisher ready", "brokers", cfg.Brokers, "topic", cfg.Topic)
	return newPublisher(client, cfg.Topic, log), nil
}

func newPublisher(client producer, topic string, log *logging.Logger) *Publisher {
	return &Publisher{client: client, topic: topic, log: log}
}

func saslMechanism(cfg SASLConfig) (sasl.Mechanism, error) {
	auth := func(ctx context.Context) (scram.Auth, error) {
		return scram.Auth{User: cfg.Username, Pass: cfg.Password}, nil
	}
	switch cfg.Mechanism {
	case "SCRAM-SHA-256":
		return scram.Sha256(auth), nil
	case "SCRAM-SHA-512":
		return scram.Sha512(auth), nil
	default:
		return nil, fmt.Errorf("kafka: unsupported SASL mechanism: %s", cfg.Mechanism)
	}
}

// RecordResult publishes res keyed by room ID, so every record for a room
// lands on the same partition.
func (p *Publisher) RecordResult(ctx context.Context, res room.Result) error {
	value, err := json.Marshal(message{Event: ResultEvent, Result: res, Winner: res.Winner()})
	if err != nil {
		return fmt.Errorf("kafka: encode result: %w", err)
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(res.RoomID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event", Value: []byte(ResultEvent)},
			{Key: "reason", Value: []byte(res.Reason)},
			{Key: "topic", Value: []byte(res.Topic)},
		},
	}

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("kafka: produce %s: %w", res.RoomID, err)
	}
	p.log.WithRoom(res.RoomID).Debug("result published", "topic", p.topic)
	return nil
}

func (p *Publisher) Close() {
	p.client.Close()
}
