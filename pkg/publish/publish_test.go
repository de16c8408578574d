package publish

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TTR-Hayden/IR-METER-SEER/pkg/config"
	"github.com/TTR-Hayden/IR-METER-SEER/pkg/diag"
	"github.com/TTR-Hayden/IR-METER-SEER/pkg/record"
)

type fakeToken struct {
	err     error
	timeout bool
}

func (t *fakeToken) Wait() bool                     { return !t.timeout }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t *fakeToken) Error() error                   { return t.err }

type message struct {
	topic   string
	payload []byte
}

type fakeClient struct {
	mu           sync.Mutex
	messages     []message
	connectErr   error
	publishErr   error
	timeout      bool
	disconnected bool
}

func (c *fakeClient) Connect() mqtt.Token {
	return &fakeToken{err: c.connectErr, timeout: c.timeout}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, message{topic: topic, payload: payload.([]byte)})
	return &fakeToken{err: c.publishErr, timeout: c.timeout}
}

func newPublisher(c *fakeClient) *Publisher {
	return NewWithClient(config.Default().MQTT, c, nil)
}

func TestConnect(t *testing.T) {
	c := &fakeClient{}
	require.NoError(t, newPublisher(c).Connect())

	c = &fakeClient{connectErr: errors.New("connection refused")}
	err := newPublisher(c).Connect()
	assert.ErrorContains(t, err, "connection refused")

	c = &fakeClient{timeout: true}
	assert.ErrorIs(t, newPublisher(c).Connect(), ErrTimeout)
}

func TestPublishRecords(t *testing.T) {
	c := &fakeClient{}
	p := newPublisher(c)

	require.NoError(t, p.PublishRecords(nil))
	assert.Empty(t, c.messages, "empty batches are not sent")

	recs := []record.WavelengthRecord{
		{Seq: 1, Session: "s", Quality: 0.99, Gain: 1},
		{Seq: 2, Session: "s", Quality: 0.97, Gain: 2, Missing: [config.Slots]bool{false, true}},
	}
	require.NoError(t, p.PublishRecords(recs))

	require.Len(t, c.messages, 1)
	assert.Equal(t, "pulseseer/records", c.messages[0].topic)

	var got []record.WavelengthRecord
	require.NoError(t, json.Unmarshal(c.messages[0].payload, &got))
	assert.Equal(t, recs, got)
}

func TestPublishEvent(t *testing.T) {
	c := &fakeClient{}
	p := newPublisher(c)

	ev := diag.Event{
		Time:    time.Date(2024, 4, 5, 12, 0, 0, 0, time.UTC),
		Session: "s",
		Kind:    diag.StateChange,
		From:    "SEARCHING",
		To:      "LOCKED",
	}
	require.NoError(t, p.PublishEvent(ev))

	require.Len(t, c.messages, 1)
	assert.Equal(t, "pulseseer/events", c.messages[0].topic)
	assert.JSONEq(t, `{"time":"2024-04-05T12:00:00Z","session":"s","kind":"state_change","from":"SEARCHING","to":"LOCKED"}`,
		string(c.messages[0].payload))
}

func TestPublishErrors(t *testing.T) {
	c := &fakeClient{publishErr: errors.New("not connected")}
	p := newPublisher(c)

	err := p.PublishEvent(diag.Event{Kind: diag.Reset})
	assert.ErrorContains(t, err, "pulseseer/events")
	assert.ErrorContains(t, err, "not connected")

	c = &fakeClient{timeout: true}
	p = newPublisher(c)
	assert.ErrorIs(t, p.PublishRecords([]record.WavelengthRecord{{Seq: 1}}), ErrTimeout)
}

func TestClose(t *testing.T) {
	c := &fakeClient{}
	newPublisher(c).Close()
	assert.True(t, c.disconnected)
}

func TestNew(t *testing.T) {
	p := New(config.Default().MQTT, nil)
	require.NotNil(t, p)
	assert.Equal(t, "pulseseer/records", p.records)
	assert.Equal(t, "pulseseer/events", p.events)
}
