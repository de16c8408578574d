// Package publish forwards wavelength records and diagnostic events to an
// MQTT broker as JSON.
package publish

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	log "github.com/inconshreveable/log15"
	"github.com/pkg/errors"

	"github.com/TTR-Hayden/IR-METER-SEER/pkg/config"
	"github.com/TTR-Hayden/IR-METER-SEER/pkg/diag"
	"github.com/TTR-Hayden/IR-METER-SEER/pkg/record"
)

// ErrTimeout is returned when the broker does not acknowledge in time.
var ErrTimeout = errors.New("mqtt operation timed out")

const (
	defaultTimeout = 2 * time.Second
	quiesceMillis  = 250
)

// Client is the subset of mqtt.Client used by the publisher.
type Client interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Publisher sends JSON payloads to <topic>/records and <topic>/events.
type Publisher struct {
	client  Client
	log     log.Logger
	records string
	events  string
	timeout time.Duration
}

// New creates a publisher for the configured broker.
func New(cfg config.MQTTConfig, logger log.Logger) *Publisher {
	if logger == nil {
		logger = log.New()
	}

	broker := fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(fmt.Sprintf("%s-%s", cfg.ClientID, uuid.NewString()[:8])).
		SetAutoReconnect(true).
		SetConnectTimeout(defaultTimeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("MQTT connection lost", "broker", broker, "err", err)
		})

	logger.Info("MQTT broker", "broker", broker)
	return NewWithClient(cfg, mqtt.NewClient(opts), logger)
}

// NewWithClient creates a publisher on an existing client.
func NewWithClient(cfg config.MQTTConfig, client Client, logger log.Logger) *Publisher {
	if logger == nil {
		logger = log.New()
	}
	return &Publisher{
		client:  client,
		log:     logger.New("module", "mqtt"),
		records: cfg.Topic + "/records",
		events:  cfg.Topic + "/events",
		timeout: defaultTimeout,
	}
}

// Connect connects to the broker.
func (p *Publisher) Connect() error {
	if err := p.wait(p.client.Connect()); err != nil {
		return errors.Wrap(err, "mqtt connect")
	}
	return nil
}

// PublishRecords sends a batch of records as one JSON array. Empty batches are
// not sent.
func (p *Publisher) PublishRecords(recs []record.WavelengthRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return p.publish(p.records, recs)
}

// PublishEvent sends a diagnostic event.
func (p *Publisher) PublishEvent(ev diag.Event) error {
	return p.publish(p.events, ev)
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	p.client.Disconnect(quiesceMillis)
}

func (p *Publisher) publish(topic string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal payload")
	}
	if err := p.wait(p.client.Publish(topic, 0, false, data)); err != nil {
		return errors.Wrapf(err, "publish to %s", topic)
	}
	p.log.Debug("Published", "topic", topic, "bytes", len(data))
	return nil
}

func (p *Publisher) wait(t mqtt.Token) error {
	if !t.WaitTimeout(p.timeout) {
		return ErrTimeout
	}
	return t.Error()
}
