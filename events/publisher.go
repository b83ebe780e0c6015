package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nexafund/milestoned/core"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

var (
	_ core.Publisher = (*LogPublisher)(nil)
	_ core.Publisher = (*KafkaPublisher)(nil)
)

// LogPublisher writes events to the log only.
type LogPublisher struct {
	logger logrus.FieldLogger
}

func NewLogPublisher(logger logrus.FieldLogger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, event core.Event) error {
	p.logger.WithFields(logrus.Fields{
		"event":       event.Type,
		"campaign":    event.CampaignID,
		"milestone":   event.MilestoneID,
		"transaction": event.TransactionID,
	}).Info("Domain event")
	return nil
}

// messageWriter is the part of kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events as JSON, keyed by campaign so one campaign's
// events stay ordered.
type KafkaPublisher struct {
	writer messageWriter
	logger logrus.FieldLogger
}

func NewKafkaPublisher(brokers []string, topic string, logger logrus.FieldLogger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka publisher requires at least one broker")
	}
	if topic == "" {
		return nil, errors.New("kafka publisher requires a topic")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			RequiredAcks:           kafka.RequireAll,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		},
		logger: logger,
	}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, event core.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Key()),
		Value: payload,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
		},
	})
	if err != nil {
		return errors.Wrapf(err, "write %s", event.Type)
	}
	p.logger.WithFields(logrus.Fields{
		"event":    event.Type,
		"campaign": event.CampaignID,
	}).Debug("Event published")
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
