package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/require"
)

func TestPublishSendsPayload(t *testing.T) {
	sp := mocks.NewSyncProducer(t, sarama.NewConfig())
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != `{"id":"m1"}` {
			return errors.New("unexpected payload " + string(val))
		}
		return nil
	})
	p := NewProducerFromSync(sp)
	err := p.Publish(context.Background(), "chat.events.v1", "t1", []byte(`{"id":"m1"}`), map[string]string{"content-type": "application/json"})
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

func TestPublishFailure(t *testing.T) {
	sp := mocks.NewSyncProducer(t, sarama.NewConfig())
	sp.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)
	p := NewProducerFromSync(sp)
	err := p.Publish(context.Background(), "chat.events.v1", "t1", []byte("{}"), nil)
	require.ErrorIs(t, err, sarama.ErrNotLeaderForPartition)
	require.NoError(t, p.Close())
}

func TestPublishHonoursCancelledContext(t *testing.T) {
	sp := mocks.NewSyncProducer(t, sarama.NewConfig())
	p := NewProducerFromSync(sp)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, p.Publish(ctx, "chat.events.v1", "t1", nil, nil), context.Canceled)
	require.NoError(t, p.Close())
}

func TestNewProducerRequiresBrokers(t *testing.T) {
	_, err := NewProducer(nil, nil)
	require.Error(t, err)
}
