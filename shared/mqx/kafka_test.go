package mqx

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/rgonzalez-dev/smbc-demo-api-integration/shared/config"
)

type recordingWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func TestPublishCarriesKeyAndHeaders(t *testing.T) {
	w := &recordingWriter{}
	p := NewProducerWithWriter(w)

	err := p.Publish(context.Background(), "customer-ssn-verified", []byte("contact-1"), []byte(`{}`), map[string]string{"__TypeId__": "SsnVerificationResult"})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	require.Equal(t, "customer-ssn-verified", w.msgs[0].Topic)
	require.Equal(t, "contact-1", string(w.msgs[0].Key))
	require.Len(t, w.msgs[0].Headers, 1)
	require.Equal(t, "__TypeId__", w.msgs[0].Headers[0].Key)
}

func TestPublishSurfacesWriterError(t *testing.T) {
	boom := errors.New("broker down")
	p := NewProducerWithWriter(&recordingWriter{err: boom})
	err := p.Publish(context.Background(), "t", nil, nil, nil)
	require.ErrorIs(t, err, boom)
}

func TestNilProducer(t *testing.T) {
	var p *Producer
	require.Error(t, p.Publish(context.Background(), "t", nil, nil, nil))
	require.NoError(t, p.Close())
}

func TestConstructorsRequireBrokers(t *testing.T) {
	_, err := NewProducer(config.Config{})
	require.Error(t, err)
	_, err = NewConsumer(config.Config{}, "contacts", "g")
	require.Error(t, err)
	_, err = NewConsumer(config.Config{KafkaBrokers: []string{"localhost:9092"}}, "contacts", "")
	require.Error(t, err)
}
