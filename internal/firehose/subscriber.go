// Package firehose implements the Firehose Consumer (component F):
// maintaining a websocket connection to a Jetstream-shaped event stream,
// decoding every frame through the Record Decoder (A), writing through
// the Storage Writer (D), and persisting the stream cursor.
//
// Generalized from the teacher's internal/firehose.Subscriber (which
// only handled app.bsky.feed.post create/delete against a narrow
// FeedService) into a consumer that dispatches every collection and
// every frame kind (commit, identity, account) through the shared
// decode/storage components, while keeping the teacher's reconnect-loop
// shape and log/slog-based logging idiom.
package firehose

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blackmichael/atproto-indexer/internal/decode"
	"github.com/blackmichael/atproto-indexer/internal/domain"
)

// State names one point in the subscriber's connection state machine
// (§4.F).
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateStreaming    State = "streaming"
	StateDraining     State = "draining"
	StateReconnecting State = "reconnecting"
)

// cursorHost keys the persisted stream cursor. One subscriber tracks one
// upstream host, so this process only ever owns a single cursor row.
const cursorHost = "jetstream"

// writeRetryAttempts bounds how many times one event's write is
// attempted in place (the first try plus 3 retries) before the
// connection is abandoned and reconnected.
const writeRetryAttempts = 4

// Subscriber drives one firehose connection through its full lifecycle.
type Subscriber struct {
	url     string
	store   domain.Store
	decoder *decode.Decoder
	logger  *slog.Logger

	connectTimeout  time.Duration
	idleTimeout     time.Duration
	persistEvery    int
	persistInterval time.Duration
	safetyMargin    time.Duration

	mu    sync.Mutex
	state State

	connectFailures int32
}

// NewSubscriber builds a Subscriber against firehoseURL.
func NewSubscriber(
	firehoseURL string,
	store domain.Store,
	decoder *decode.Decoder,
	logger *slog.Logger,
	connectTimeout, idleTimeout time.Duration,
	persistEvery int,
	persistInterval, safetyMargin time.Duration,
) *Subscriber {
	return &Subscriber{
		url:             firehoseURL,
		store:           store,
		decoder:         decoder,
		logger:          logger,
		connectTimeout:  connectTimeout,
		idleTimeout:     idleTimeout,
		persistEvery:    persistEvery,
		persistInterval: persistInterval,
		safetyMargin:    safetyMargin,
		state:           StateDisconnected,
	}
}

// State reports the subscriber's current connection state.
func (s *Subscriber) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Subscriber) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Start connects to the firehose and processes events until ctx is
// cancelled, reconnecting on any connection-level error with jittered
// exponential backoff (base 1s..60s plus up to 50% jitter), reset after
// any connection that actually reached Streaming.
func (s *Subscriber) Start(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return ctx.Err()
		}

		s.setState(StateConnecting)
		err := s.subscribe(ctx)
		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return ctx.Err()
		}

		attempt := atomic.AddInt32(&s.connectFailures, 1) - 1
		s.logger.Error("firehose connection lost, reconnecting", "error", err)
		s.setState(StateReconnecting)

		select {
		case <-ctx.Done():
			s.setState(StateDisconnected)
			return ctx.Err()
		case <-time.After(reconnectBackoff(int(attempt))):
		}
	}
}

func (s *Subscriber) buildURL(cursorUS int64) string {
	u, _ := url.Parse(s.url)
	q := u.Query()
	if cursorUS > 0 {
		q.Set("cursor", fmt.Sprintf("%d", cursorUS))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *Subscriber) subscribe(ctx context.Context) error {
	cursorUS, err := s.store.GetCursor(ctx, cursorHost)
	if err != nil {
		s.logger.Warn("failed to load cursor, starting from live", "error", err)
		cursorUS = 0
	} else if cursorUS > 0 {
		// Re-deliver a small overlap rather than risk a gap across the
		// reconnect (§4.F cursor safety margin).
		cursorUS -= s.safetyMargin.Microseconds()
		if cursorUS < 0 {
			cursorUS = 0
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()

	wsURL := s.buildURL(cursorUS)
	s.logger.Info("connecting to firehose", "url", wsURL)

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial firehose: %w", err)
	}
	defer conn.Close()

	atomic.StoreInt32(&s.connectFailures, 0)
	s.setState(StateStreaming)
	s.logger.Info("connected to firehose")

	// Closing the connection out of band is what actually interrupts a
	// blocked ReadMessage call; ctx cancellation alone doesn't, since
	// gorilla/websocket's Conn has no context-aware read.
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stopWatch:
		}
	}()

	latestCursor := cursorUS
	eventsSincePersist := 0
	lastPersist := time.Now()

	for {
		conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				s.setState(StateDraining)
				s.persistCursorBestEffort(latestCursor)
				return ctx.Err()
			}
			return fmt.Errorf("read message: %w", err)
		}

		// The write phase runs on an uncancelable context: once an event's
		// write has started, it finishes even if shutdown lands mid-event,
		// per §4.F "finish the current event and flush cursor, then close".
		writeCtx := context.WithoutCancel(ctx)

		event, err := s.decoder.DecodeFirehoseEvent(message)
		if err != nil {
			var malformed *domain.MalformedFrame
			if errors.As(err, &malformed) {
				return fmt.Errorf("malformed frame: %w", err)
			}
			// A *domain.BadRecord: drop just this event, but the cursor
			// still advances past it, so it isn't redelivered forever.
			// DecodeFirehoseEvent returns no Event on this path, so the
			// frame's time_us is recovered independently here.
			if timeUS, ok := frameTimeUS(message); ok {
				latestCursor = timeUS
			}
			s.logger.Warn("dropping unreadable firehose event", "error", err)
			continue
		}
		latestCursor = event.TimeUS

		if err := s.applyEvent(writeCtx, event); err != nil {
			return fmt.Errorf("apply event: %w", err)
		}

		eventsSincePersist++
		if eventsSincePersist >= s.persistEvery || time.Since(lastPersist) >= s.persistInterval {
			if err := s.store.UpdateCursor(writeCtx, cursorHost, latestCursor); err != nil {
				s.logger.Error("failed to persist cursor", "error", err)
			} else {
				eventsSincePersist = 0
				lastPersist = time.Now()
			}
		}
	}
}

func (s *Subscriber) persistCursorBestEffort(cursorUS int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.UpdateCursor(ctx, cursorHost, cursorUS); err != nil {
		s.logger.Error("failed to flush cursor on shutdown", "error", err)
	}
}

// applyEvent dispatches one decoded frame to the Storage Writer,
// retrying the write in place before giving up and forcing a reconnect.
func (s *Subscriber) applyEvent(ctx context.Context, event *domain.Event) error {
	switch event.Kind {
	case domain.EventCommit:
		ce := event.Commit
		rw := domain.RecordWrite{
			URI:       ce.URI,
			Author:    event.DID,
			SeenAt:    time.UnixMicro(event.TimeUS).UTC(),
			Operation: ce.Operation,
			Record:    ce.Record,
		}
		return s.retryWrite(ctx, func(ctx context.Context) error {
			return s.store.ApplyRecord(ctx, rw)
		})
	case domain.EventIdentity:
		return s.retryWrite(ctx, func(ctx context.Context) error {
			return s.store.RecordIdentityEvent(ctx, event.DID, event.TimeUS, event.Identity.Handle)
		})
	case domain.EventAccount:
		return s.retryWrite(ctx, func(ctx context.Context) error {
			return s.store.RecordAccountEvent(ctx, event.DID, event.TimeUS, event.Account.Active)
		})
	default:
		return nil
	}
}

func (s *Subscriber) retryWrite(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < writeRetryAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt < writeRetryAttempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(100*(attempt+1)) * time.Millisecond):
			}
		}
	}
	return fmt.Errorf("write failed after %d attempts: %w", writeRetryAttempts, err)
}

// frameTimeUS extracts just the frame's time_us field, independent of
// the Record Decoder's own parse: it must succeed even when the
// decoder rejects the frame's record body as a *domain.BadRecord, so
// the cursor can still advance past an event whose record didn't decode.
func frameTimeUS(raw []byte) (int64, bool) {
	var w struct {
		TimeUS int64 `json:"time_us"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return 0, false
	}
	return w.TimeUS, w.TimeUS != 0
}

// reconnectBackoff is the same jittered exponential shape used
// by storage and backfill (fetch uses retryablehttp's own backoff
// instead): no backoff library appears anywhere in the retrieval pack, so
// it's hand-rolled here too. The base is capped at 60s; jitter adds up to
// half the base on top, so one wait is at most 90s.
func reconnectBackoff(attempt int) time.Duration {
	base := time.Duration(1) << uint(attempt) * time.Second
	if base > 60*time.Second || base <= 0 {
		base = 60 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(base)/2 + 1))
	return base + jitter
}
