package ingestion

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"time"

	"PerpStats/internal/event"
	"PerpStats/internal/observability"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

// ChainClient is the subset of ethclient.Client the chain source uses.
type ChainClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

var _ ChainClient = (*ethclient.Client)(nil)

// ChainSourceConfig controls log polling.
type ChainSourceConfig struct {
	Contract      common.Address
	StartBlock    uint64
	Confirmations uint64
	BatchSize     uint64
	PollInterval  time.Duration
}

// ChainSource polls the Trading contract's logs in block ranges behind a
// confirmation depth and emits decoded events in (block, log index) order.
type ChainSource struct {
	client  ChainClient
	decoder *LogDecoder
	cfg     ChainSourceConfig
	next    uint64
	behind  bool
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewChainSource(client ChainClient, cfg ChainSourceConfig, metrics *observability.Metrics, logger zerolog.Logger) (*ChainSource, error) {
	decoder, err := NewLogDecoder()
	if err != nil {
		return nil, err
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 1000
	}
	return &ChainSource{
		client:  client,
		decoder: decoder,
		cfg:     cfg,
		next:    cfg.StartBlock,
		metrics: metrics,
		logger:  logger,
	}, nil
}

// DialChain connects to an Ethereum JSON-RPC endpoint.
func DialChain(ctx context.Context, url string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return client, nil
}

// ResumeFrom rescans the cursor block; events at or before the cursor are
// dropped by the processor.
func (s *ChainSource) ResumeFrom(cursor event.StreamPosition) {
	if cursor.BlockNumber > s.next {
		s.next = cursor.BlockNumber
	}
}

// NextBlock returns the first block the next poll will scan.
func (s *ChainSource) NextBlock() uint64 {
	return s.next
}

// Poll scans one batch of confirmed blocks. It returns no events once the
// source has caught up with the confirmed head.
func (s *ChainSource) Poll(ctx context.Context) ([]event.Event, error) {
	head, err := s.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("block number: %w", err)
	}
	if head < s.cfg.Confirmations {
		return nil, nil
	}
	safe := head - s.cfg.Confirmations
	if s.next > safe {
		s.behind = false
		return nil, nil
	}
	to := s.next + s.cfg.BatchSize - 1
	if to > safe {
		to = safe
	}

	logs, err := s.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(s.next),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{s.cfg.Contract},
		Topics:    [][]common.Hash{s.decoder.Topics()},
	})
	if err != nil {
		return nil, fmt.Errorf("filter logs %d-%d: %w", s.next, to, err)
	}

	sort.Slice(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	times := make(map[uint64]int64)
	events := make([]event.Event, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		ts, ok := times[lg.BlockNumber]
		if !ok {
			header, err := s.client.HeaderByNumber(ctx, new(big.Int).SetUint64(lg.BlockNumber))
			if err != nil {
				return nil, fmt.Errorf("header %d: %w", lg.BlockNumber, err)
			}
			ts = int64(header.Time)
			times[lg.BlockNumber] = ts
		}

		evt, err := s.decoder.Decode(lg, ts)
		if err != nil {
			return nil, fmt.Errorf("decode log %d in block %d: %w", lg.Index, lg.BlockNumber, err)
		}
		events = append(events, evt)
		if s.metrics != nil {
			s.metrics.ChainLogsDecoded.WithLabelValues(evt.EventType().String()).Inc()
		}
	}

	if s.metrics != nil {
		s.metrics.ChainBlocksScanned.Add(float64(to - s.next + 1))
		s.metrics.ChainHeadLag.Set(float64(head - to))
	}
	s.logger.Debug().
		Uint64("from", s.next).
		Uint64("to", to).
		Int("events", len(events)).
		Msg("scanned blocks")

	s.next = to + 1
	s.behind = to < safe
	return events, nil
}

// Run polls until ctx is done, sending events to out. RPC errors are
// logged and retried on the next tick.
func (s *ChainSource) Run(ctx context.Context, out chan<- event.Delivery) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		events, err := s.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn().Err(err).Uint64("next_block", s.next).Msg("chain poll failed")
		}

		for _, evt := range events {
			select {
			case out <- event.Delivery{Event: evt}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err == nil && s.behind {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
