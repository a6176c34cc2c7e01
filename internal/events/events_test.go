package events

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func TestMain(m *testing.M) {
	logrus.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func TestEmitFillsEnvelope(t *testing.T) {
	r := &recorder{}
	Emit(context.Background(), r, Event{Type: CodeIssued, ClientID: "app"})

	require.Len(t, r.events, 1)
	e := r.events[0]
	assert.Equal(t, CodeIssued, e.Type)
	assert.NotEmpty(t, e.ID)
	assert.WithinDuration(t, time.Now(), e.Time, time.Minute)
}

func TestEmitSwallowsErrors(t *testing.T) {
	r := &recorder{err: errors.New("broker down")}
	assert.NotPanics(t, func() {
		Emit(context.Background(), r, Event{Type: TokenIssued})
	})
	assert.Len(t, r.events, 1)

	assert.NotPanics(t, func() {
		Emit(context.Background(), nil, Event{Type: TokenIssued})
	})
}

func TestAMQPPublisherFailsFastWhileDisconnected(t *testing.T) {
	release := make(chan struct{})
	var dials atomic.Int32

	p := newAMQPPublisher("amqp://broker.invalid", "", time.Millisecond)
	p.dial = func(string) (*amqp.Connection, error) {
		dials.Add(1)
		<-release
		return nil, errors.New("connection refused")
	}

	start := time.Now()
	assert.ErrorIs(t, p.Publish(context.Background(), Event{Type: CodeRedeemed}), ErrDisconnected)
	require.Eventually(t, func() bool { return dials.Load() == 1 }, time.Second, 5*time.Millisecond)

	// a dial is in flight and blocked; publishing still returns at once and
	// does not start a second reconnect
	assert.ErrorIs(t, p.Publish(context.Background(), Event{Type: TokenIssued}), ErrDisconnected)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int32(1), dials.Load())

	close(release)
	assert.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return !p.reconnecting
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Publish(context.Background(), Event{Type: TokenIssued}), ErrDisconnected)
	p.mu.Lock()
	assert.False(t, p.reconnecting, "closed publishers do not reconnect")
	p.mu.Unlock()
}

func TestAMQPPublisher(t *testing.T) {
	url := os.Getenv("TEST_AMQP_URL")
	if url == "" {
		t.Skip("TEST_AMQP_URL not set")
	}

	ctx := context.Background()
	p, err := DialAMQP(ctx, url, "identity.events.test", 5*time.Second)
	require.NoError(t, err)
	defer p.Close()

	assert.NoError(t, p.Publish(ctx, Event{ID: "1", Type: GrantsSwept, Time: time.Now()}))
}
