package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	exchange, key string
	msg           amqp091.Publishing
}

type fakeChannel struct {
	declared   []string
	declareErr error
	sent       []published
	closed     bool
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error {
	f.declared = append(f.declared, name+"/"+kind)
	return f.declareErr
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error {
	f.sent = append(f.sent, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestAMQPPublisher_Publish(t *testing.T) {
	ch := &fakeChannel{}
	p, err := newAMQPPublisher(ch)
	require.NoError(t, err)
	assert.Equal(t, []string{"workescrow.milestones/topic"}, ch.declared)

	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	tr := Transition{MilestoneID: "m1", From: "pending_fund", To: "funded", Operation: "fund", TxHash: "0xabc", At: at}
	require.NoError(t, p.Publish(context.Background(), tr))

	require.Len(t, ch.sent, 1)
	sent := ch.sent[0]
	assert.Equal(t, Exchange, sent.exchange)
	assert.Equal(t, "milestone.funded", sent.key)
	assert.Equal(t, amqp091.Persistent, sent.msg.DeliveryMode)
	assert.Equal(t, "application/json", sent.msg.ContentType)

	var decoded Transition
	require.NoError(t, json.Unmarshal(sent.msg.Body, &decoded))
	assert.Equal(t, tr, decoded)

	require.NoError(t, p.Close())
	assert.True(t, ch.closed)
	assert.False(t, p.Connected())
}

func TestAMQPPublisher_DeclareFailureClosesChannel(t *testing.T) {
	ch := &fakeChannel{declareErr: errors.New("access refused")}
	_, err := newAMQPPublisher(ch)
	require.Error(t, err)
	assert.True(t, ch.closed)
}

func TestRecorder(t *testing.T) {
	var r Recorder
	require.NoError(t, r.Publish(context.Background(), Transition{MilestoneID: "m1", To: "funded"}))
	events := r.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "milestone.funded", events[0].RoutingKey())
}

type failingPublisher struct{ err error }

func (f failingPublisher) Publish(context.Context, Transition) error { return f.err }
func (f failingPublisher) Close() error                              { return nil }

func TestFanout_PublishesToAll(t *testing.T) {
	var a, b Recorder
	boom := errors.New("broker down")
	f := Fanout{&a, failingPublisher{err: boom}, &b}

	err := f.Publish(context.Background(), Transition{MilestoneID: "m1", To: "delivered"})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1, "a failing publisher must not stop the rest")
	assert.NoError(t, f.Close())
}
