package events

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(ctx context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func TestEmitterPreservesOrder(t *testing.T) {
	sink := &recordingSink{}
	logger, _ := logtest.NewNullLogger()
	emitter := NewEmitter(sink, logger, EmitterConfig{BufferSize: 64})

	for i := 0; i < 20; i++ {
		emitter.Emit(Event{Channel: QueueChannel("q1"), Type: TypePositionUpdate, Payload: i})
	}
	emitter.Close()

	require.Len(t, sink.events, 20)
	for i, event := range sink.events {
		assert.Equal(t, i, event.Payload)
	}
}

func TestEmitterLogsSinkErrors(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	failing := SinkFunc(func(ctx context.Context, event Event) error {
		return errors.New("transport down")
	})
	emitter := NewEmitter(failing, logger, EmitterConfig{})

	emitter.Emit(Event{Channel: TokenChannel("t1"), Type: TypeTokenCalled})
	emitter.Close()

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, "token:t1", entry.Data["channel"])
}

func TestEmitterDropsWhenFull(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	release := make(chan struct{})
	blocking := SinkFunc(func(ctx context.Context, event Event) error {
		<-release
		return nil
	})
	emitter := NewEmitter(blocking, logger, EmitterConfig{BufferSize: 1})

	for i := 0; i < 5; i++ {
		emitter.Emit(Event{Channel: QueueChannel("q1"), Type: TypeTokenAdded})
	}
	close(release)
	emitter.Close()

	dropped := 0
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel {
			dropped++
		}
	}
	assert.GreaterOrEqual(t, dropped, 3)
}

func TestEmitAfterCloseIsIgnored(t *testing.T) {
	sink := &recordingSink{}
	emitter := NewEmitter(sink, nil, EmitterConfig{})
	emitter.Close()
	emitter.Close()

	emitter.Emit(Event{Channel: QueueChannel("q1"), Type: TypeTokenAdded})
	assert.Empty(t, sink.events)
}

func TestMultiPublishesToAllSinks(t *testing.T) {
	first := &recordingSink{}
	second := &recordingSink{}
	failing := SinkFunc(func(ctx context.Context, event Event) error {
		return errors.New("boom")
	})

	err := Multi{first, failing, second}.Publish(context.Background(), Event{Channel: OrgChannel("o1"), Type: TypeQueuePaused})

	require.Error(t, err)
	assert.Len(t, first.events, 1)
	assert.Len(t, second.events, 1)
}

func TestChannelNames(t *testing.T) {
	assert.Equal(t, "queue:abc", QueueChannel("abc"))
	assert.Equal(t, "org:abc", OrgChannel("abc"))
	assert.Equal(t, "token:abc", TokenChannel("abc"))
}
