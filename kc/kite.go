package kc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"
	"github.com/zerodha/instruments-viewer/kc/instruments"
)

const (
	defaultKiteRetryAttempts = 3
	defaultKiteRetryDelay    = 3 * time.Second
	defaultKiteTimeout       = 30 * time.Second

	// KiteSourcePrefix marks workspaces loaded from the Kite instrument master.
	KiteSourcePrefix = "kite:"
	allExchanges     = "ALL"
)

// ErrKiteDisabled is returned when no Kite API key was configured.
var ErrKiteDisabled = errors.New("Kite instrument source is not configured (set KITE_API_KEY)")

// InstrumentLister is the part of the Kite Connect client that downloads the
// instrument master.
type InstrumentLister interface {
	GetInstruments() (kiteconnect.Instruments, error)
	GetInstrumentsByExchange(exchange string) (kiteconnect.Instruments, error)
}

// KiteConfig holds configuration for the Kite instrument source.
type KiteConfig struct {
	APIKey        string
	Client        InstrumentLister // overrides the client built from APIKey
	RetryAttempts int              // defaults to 3
	RetryDelay    time.Duration    // defaults to 3s
	Logger        *slog.Logger
}

// KiteSource fetches the Kite Connect instrument master and converts it to
// instrument records. Each exchange dump is fetched at most once per IST day.
type KiteSource struct {
	client        InstrumentLister
	retryAttempts int
	retryDelay    time.Duration
	logger        *slog.Logger

	mu    sync.RWMutex
	cache map[string]kiteSnapshot
}

type kiteSnapshot struct {
	records   []instruments.Record
	fetchedAt time.Time
}

// NewKiteSource creates a Kite instrument source.
func NewKiteSource(cfg KiteConfig) (*KiteSource, error) {
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.Client == nil {
		if cfg.APIKey == "" {
			return nil, ErrKiteDisabled
		}
		client := kiteconnect.New(cfg.APIKey)
		client.SetHTTPClient(&http.Client{Timeout: defaultKiteTimeout})
		cfg.Client = client
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = defaultKiteRetryAttempts
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	} else if cfg.RetryDelay == 0 {
		cfg.RetryDelay = defaultKiteRetryDelay
	}

	return &KiteSource{
		client:        cfg.Client,
		retryAttempts: cfg.RetryAttempts,
		retryDelay:    cfg.RetryDelay,
		logger:        cfg.Logger,
		cache:         make(map[string]kiteSnapshot),
	}, nil
}

// Fetch returns the instrument master of one exchange, or of every exchange
// when exchange is empty.
func (k *KiteSource) Fetch(ctx context.Context, exchange string) (*instruments.Dataset, error) {
	key := strings.ToUpper(strings.TrimSpace(exchange))
	if key == "" {
		key = allExchanges
	}

	k.mu.RLock()
	snap, ok := k.cache[key]
	k.mu.RUnlock()
	if ok && !isPreviousDayIST(snap.fetchedAt) {
		k.logger.Debug("Using cached Kite instruments", "exchange", key, "count", len(snap.records))
		return instruments.NewDataset(snap.records), nil
	}

	records, err := k.fetchWithRetry(ctx, key)
	if err != nil {
		return nil, err
	}

	k.mu.Lock()
	k.cache[key] = kiteSnapshot{records: records, fetchedAt: time.Now()}
	k.mu.Unlock()

	k.logger.Info("Loaded Kite instruments", "exchange", key, "count", len(records))
	return instruments.NewDataset(records), nil
}

func (k *KiteSource) fetchWithRetry(ctx context.Context, exchange string) ([]instruments.Record, error) {
	var lastErr error
	for attempt := 0; attempt < k.retryAttempts; attempt++ {
		if attempt > 0 {
			k.logger.Warn("Retrying Kite instrument download", "attempt", attempt+1, "max_attempts", k.retryAttempts, "delay", k.retryDelay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(k.retryDelay):
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		list, err := k.fetch(exchange)
		if err != nil {
			lastErr = err
			k.logger.Error("Kite instrument download failed", "attempt", attempt+1, "error", err)
			continue
		}
		return kiteRecords(list), nil
	}
	return nil, fmt.Errorf("Kite instrument download failed after %d attempts: %w", k.retryAttempts, lastErr)
}

func (k *KiteSource) fetch(exchange string) (kiteconnect.Instruments, error) {
	if exchange == allExchanges {
		return k.client.GetInstruments()
	}
	return k.client.GetInstrumentsByExchange(exchange)
}

func kiteRecords(list kiteconnect.Instruments) []instruments.Record {
	out := make([]instruments.Record, 0, len(list))
	for _, inst := range list {
		out = append(out, kiteRecord(inst))
	}
	return out
}

// kiteRecord maps a Kite instrument onto the instrument record layout.
func kiteRecord(inst kiteconnect.Instrument) instruments.Record {
	return instruments.NewRecord(
		instruments.Field{Key: instruments.FieldInstrumentKey, Value: inst.Exchange + ":" + inst.Tradingsymbol},
		instruments.Field{Key: instruments.FieldName, Value: inst.Name},
		instruments.Field{Key: instruments.FieldTradingSymbol, Value: inst.Tradingsymbol},
		instruments.Field{Key: instruments.FieldInstrumentType, Value: inst.InstrumentType},
		instruments.Field{Key: instruments.FieldExchange, Value: inst.Exchange},
		instruments.Field{Key: instruments.FieldSegment, Value: inst.Segment},
		instruments.Field{Key: instruments.FieldExpiry, Value: expiryMillis(inst.Expiry.Time)},
		instruments.Field{Key: instruments.FieldStrikePrice, Value: inst.StrikePrice},
		instruments.Field{Key: instruments.FieldLotSize, Value: inst.LotSize},
		instruments.Field{Key: instruments.FieldTickSize, Value: inst.TickSize},
		instruments.Field{Key: instruments.FieldExchangeToken, Value: strconv.Itoa(inst.ExchangeToken)},
		instruments.Field{Key: "instrument_token", Value: inst.InstrumentToken},
	)
}

// expiryMillis is nil for instruments without an expiry.
func expiryMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func isPreviousDayIST(t time.Time) bool {
	ist, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		ist = time.FixedZone("IST", 5*3600+1800)
	}

	ny, nm, nd := time.Now().In(ist).Date()
	ty, tm, td := t.In(ist).Date()
	return time.Date(ty, tm, td, 0, 0, 0, 0, ist).Before(time.Date(ny, nm, nd, 0, 0, 0, 0, ist))
}
