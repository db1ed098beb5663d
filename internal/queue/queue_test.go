package queue

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubjects(t *testing.T) {
	id := uuid.MustParse("0b7c9a52-5f0e-4a4e-8f57-2c1d3e4f5a6b")

	assert.Equal(t, "detections.0b7c9a52-5f0e-4a4e-8f57-2c1d3e4f5a6b", DetectionsSubject(id))
	assert.Equal(t, "audits.0b7c9a52-5f0e-4a4e-8f57-2c1d3e4f5a6b", AuditsSubject(id))
	assert.Equal(t, "verdicts.0b7c9a52-5f0e-4a4e-8f57-2c1d3e4f5a6b", VerdictsSubject(id))
	assert.Equal(t, "render.0b7c9a52-5f0e-4a4e-8f57-2c1d3e4f5a6b", RenderSubject(id))

	for _, subj := range []string{DetectionsSubject(id), AuditsSubject(id), RenderSubject(id)} {
		got, err := StreamIDFromSubject(subj)
		require.NoError(t, err)
		assert.Equal(t, id, got)
	}
}

func TestStreamIDFromSubject_Invalid(t *testing.T) {
	for _, subj := range []string{"render", "render.not-a-uuid", ""} {
		_, err := StreamIDFromSubject(subj)
		assert.Error(t, err, subj)
	}
}

func TestStreamConfigs_CoverSubjects(t *testing.T) {
	subjects := map[string]string{}
	for _, cfg := range StreamConfigs() {
		require.Len(t, cfg.Subjects, 1)
		subjects[cfg.Name] = cfg.Subjects[0]
	}
	assert.Equal(t, map[string]string{
		DetectionsStreamName: "detections.>",
		AuditsStreamName:     "audits.>",
		VerdictsStreamName:   "verdicts.>",
	}, subjects)
}

type fakeMsg struct {
	jetstream.Msg
	delivered uint64
	acked     bool
	naked     bool
	delay     time.Duration
	termed    bool
}

func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) {
	return &jetstream.MsgMetadata{NumDelivered: m.delivered}, nil
}

func (m *fakeMsg) Ack() error { m.acked = true; return nil }

func (m *fakeMsg) Nak() error { m.naked = true; return nil }

func (m *fakeMsg) NakWithDelay(d time.Duration) error { m.delay = d; return nil }

func (m *fakeMsg) Term() error { m.termed = true; return nil }

func TestSettle(t *testing.T) {
	ok := &fakeMsg{delivered: 1}
	settle(ok, AuditsStreamName, nil)
	assert.True(t, ok.acked)

	failed := &fakeMsg{delivered: 1}
	settle(failed, AuditsStreamName, errors.New("db down"))
	assert.True(t, failed.naked)
	assert.Zero(t, failed.delay)

	deferred := &fakeMsg{delivered: 2}
	settle(deferred, VerdictsStreamName, fmt.Errorf("request x: %w", ErrRetryLater))
	assert.False(t, deferred.acked)
	assert.False(t, deferred.naked)
	assert.Equal(t, 4*time.Second, deferred.delay)

	last := &fakeMsg{delivered: maxDeliver}
	settle(last, VerdictsStreamName, ErrRetryLater)
	assert.True(t, last.termed)
	assert.Zero(t, last.delay)
}

func TestRedeliveryDelay(t *testing.T) {
	assert.Equal(t, 2*time.Second, RedeliveryDelay(0))
	assert.Equal(t, 2*time.Second, RedeliveryDelay(1))
	assert.Equal(t, 8*time.Second, RedeliveryDelay(4))
}
