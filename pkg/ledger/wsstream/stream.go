// Package wsstream receives deposit notifications from a ledger node over websocket.
package wsstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/speedrun-hq/speedrun-settler/pkg/ledger"
	"github.com/speedrun-hq/speedrun-settler/pkg/logger"
	"github.com/speedrun-hq/speedrun-settler/pkg/metrics"
	"github.com/speedrun-hq/speedrun-settler/pkg/models"
)

const (
	subscribeMethod    = "ledger_subscribe"
	notificationMethod = "ledger_subscription"
	depositsTopic      = "deposits"
)

// Config configures connection behavior
type Config struct {
	// ReconnectDelay is the initial delay before a reconnect attempt
	ReconnectDelay time.Duration
	// MaxReconnectDelay caps the exponential backoff
	MaxReconnectDelay time.Duration
	PingInterval      time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	// SubscribeTimeout bounds the wait for the subscription id
	SubscribeTimeout time.Duration
	// Buffer is the capacity of the returned channel
	Buffer int
}

// DefaultConfig returns the default connection settings
func DefaultConfig() Config {
	return Config{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		SubscribeTimeout:  30 * time.Second,
		Buffer:            1024,
	}
}

type request struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type message struct {
	ID     *uint64         `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
	Params *struct {
		Subscription string              `json:"subscription"`
		Result       ledger.EventMessage `json:"result"`
	} `json:"params,omitempty"`
}

// Source is a ledger.PushSource over a websocket endpoint
type Source struct {
	endpoint  string
	config    Config
	logger    logger.Logger
	requestID atomic.Uint64
}

var _ ledger.PushSource = (*Source)(nil)

// New creates a source for endpoint; a nil config uses DefaultConfig
func New(endpoint string, config *Config, log logger.Logger) *Source {
	cfg := DefaultConfig()
	if config != nil {
		cfg = *config
	}
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &Source{endpoint: endpoint, config: cfg, logger: log}
}

// Subscribe opens a deposits subscription for account. The first connection must succeed;
// afterwards the stream reconnects with backoff and resumes after the last delivered event.
// The channel is closed when ctx is done.
func (s *Source) Subscribe(ctx context.Context, account string) (<-chan models.DepositEvent, error) {
	conn, err := s.open(ctx, account, "")
	if err != nil {
		return nil, err
	}

	out := make(chan models.DepositEvent, s.config.Buffer)
	go s.run(ctx, account, conn, out)
	return out, nil
}

func (s *Source) run(ctx context.Context, account string, conn *websocket.Conn, out chan<- models.DepositEvent) {
	defer close(out)

	var cursor string
	delay := s.config.ReconnectDelay

	for {
		if conn != nil {
			last, delivered, err := s.consume(ctx, conn, out)
			if last != "" {
				cursor = last
			}
			if delivered {
				delay = s.config.ReconnectDelay
			}
			if ctx.Err() != nil {
				return
			}
			metrics.ReconcilerErrors.WithLabelValues("push").Inc()
			s.logger.Error("Deposit stream for %s dropped: %v, reconnecting in %s", account, err, delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > s.config.MaxReconnectDelay {
			delay = s.config.MaxReconnectDelay
		}

		var err error
		conn, err = s.open(ctx, account, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("Failed to resubscribe deposits for %s: %v", account, err)
			conn = nil
			continue
		}
		s.logger.Info("Resubscribed deposits for %s after ref %q", account, cursor)
	}
}

// open dials and subscribes, returning once the subscription is confirmed
func (s *Source) open(ctx context.Context, account, cursor string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.endpoint, nil)
	if err != nil {
		return nil, ledger.Unavailable("websocket dial", err)
	}

	reqID := s.requestID.Add(1)
	req := request{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  subscribeMethod,
		Params:  []interface{}{depositsTopic, account, cursor},
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return nil, ledger.Unavailable("write subscribe", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.config.SubscribeTimeout))
	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			conn.Close()
			return nil, ledger.Unavailable("read subscribe", err)
		}
		if msg.ID == nil || *msg.ID != reqID {
			continue
		}
		if msg.Error != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %s (code %d)", subscribeMethod, msg.Error.Message, msg.Error.Code)
		}
		var subID string
		if err := json.Unmarshal(msg.Result, &subID); err != nil || subID == "" {
			conn.Close()
			return nil, fmt.Errorf("%s: malformed subscription id %s", subscribeMethod, string(msg.Result))
		}
		return conn, nil
	}
}

// consume forwards notifications until the connection fails or ctx is done.
// It returns the ref of the last forwarded event.
func (s *Source) consume(ctx context.Context, conn *websocket.Conn, out chan<- models.DepositEvent) (last string, delivered bool, err error) {
	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(s.config.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(s.config.WriteTimeout))
				conn.Close()
				return
			case <-done:
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.config.WriteTimeout)); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	})

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			return last, delivered, err
		}
		if msg.Method != notificationMethod || msg.Params == nil {
			continue
		}

		event, err := msg.Params.Result.Decode()
		if err != nil {
			s.logger.Error("Dropping malformed deposit notification: %v", err)
			continue
		}

		select {
		case out <- event:
			last = event.Ref
			delivered = true
		case <-ctx.Done():
			return last, delivered, ctx.Err()
		}
	}
}
