package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"PerpStats/internal/observability"
	"PerpStats/internal/store"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	FeedStream   = "PERP_STATS"
	FeedSubjects = "perp.stats.>"
)

// JetStreamPublisher is the part of jetstream.JetStream the feed uses.
type JetStreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// FeedMessage is one changed record. Subjects follow
// perp.stats.{kind}.{id}.
type FeedMessage struct {
	ChangeSetID string          `json:"change_set_id"`
	EventType   string          `json:"event_type"`
	BlockNumber uint64          `json:"block_number"`
	LogIndex    uint            `json:"log_index"`
	TxHash      string          `json:"tx_hash"`
	StateHash   string          `json:"state_hash"`
	Kind        string          `json:"kind"`
	ID          string          `json:"id"`
	Deleted     bool            `json:"deleted"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// OutboundPublisher publishes committed change sets for downstream readers.
// Failures are logged and dropped; readers can always go to the store.
type OutboundPublisher struct {
	js        JetStreamPublisher
	inputChan <-chan *store.ChangeSet
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewOutboundPublisher(js JetStreamPublisher, inputChan <-chan *store.ChangeSet, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case cs, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if err := op.publish(ctx, cs); err != nil {
				op.logger.Warn().Err(err).Str("change_set_id", cs.ID).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, cs *store.ChangeSet) error {
	for _, msg := range FeedMessages(cs) {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal feed message: %w", err)
		}
		subject := fmt.Sprintf("perp.stats.%s.%s", msg.Kind, msg.ID)
		msgID := fmt.Sprintf("%s:%s:%s", cs.ID, msg.Kind, msg.ID)
		if _, err := op.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID)); err != nil {
			return fmt.Errorf("publish %s: %w", subject, err)
		}
		if op.metrics != nil {
			op.metrics.FeedPublished.Inc()
		}
	}
	return nil
}

// FeedMessages flattens a change set into per-record messages.
func FeedMessages(cs *store.ChangeSet) []FeedMessage {
	msgs := make([]FeedMessage, 0, len(cs.Ops))
	for _, o := range cs.Ops {
		msgs = append(msgs, FeedMessage{
			ChangeSetID: cs.ID,
			EventType:   cs.EventType,
			BlockNumber: cs.Position.BlockNumber,
			LogIndex:    cs.Position.LogIndex,
			TxHash:      cs.TxHash.Hex(),
			StateHash:   hex.EncodeToString(cs.StateHash[:]),
			Kind:        string(o.Kind),
			ID:          o.ID,
			Deleted:     o.Delete,
			Data:        o.Data,
		})
	}
	return msgs
}

// EnsureOutboundStream creates the change feed stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       FeedStream,
		Subjects:   []string{FeedSubjects},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
