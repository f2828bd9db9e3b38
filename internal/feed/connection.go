package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/laylaymen/kriptobot-sub006/logger"
	"github.com/laylaymen/kriptobot-sub006/models"
)

const wsReadWait = 3 * time.Minute

type msgHandler func(stream string, payload []byte)

// wsConnection owns one websocket stream and its reconnect loop. The key is
// the exchange stream name (e.g. btcusdt@kline_1m) and never changes across
// reconnects.
type wsConnection struct {
	key         string
	url         string
	symbol      string
	handler     msgHandler
	tracker     *connTracker
	onTerminal  func(key, symbol string, err error)
	maxAttempts int
	bo          *backoff.Backoff
	log         *logger.Entry
}

func newWSConnection(baseURL, symbol, stream string, reconnectMin, reconnectMax time.Duration, maxAttempts int) *wsConnection {
	key := models.StreamName(symbol, stream)
	return &wsConnection{
		key:         key,
		url:         baseURL + "/" + key,
		symbol:      symbol,
		maxAttempts: maxAttempts,
		bo: &backoff.Backoff{
			Min:    reconnectMin,
			Max:    reconnectMax,
			Factor: 2,
			Jitter: true,
		},
		log: logger.GetLogger().WithComponent("feed_connection").WithFields(logger.Fields{
			"stream": key,
		}),
	}
}

// run dials and reads until ctx is cancelled or the reconnect budget for a
// single disconnect streak is exhausted. A successful connect resets the
// streak.
func (c *wsConnection) run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}

		c.tracker.transition(c.key, models.ConnConnecting, "")
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			attempts++
			c.tracker.transition(c.key, models.ConnDisconnected, err.Error())
			if !c.waitRetry(ctx, attempts, err) {
				return
			}
			continue
		}

		c.tracker.transition(c.key, models.ConnConnected, "")
		c.bo.Reset()
		attempts = 0
		c.log.Info("stream connected")

		readErr := c.readLoop(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}

		attempts++
		c.tracker.transition(c.key, models.ConnDisconnected, readErr.Error())
		if !c.waitRetry(ctx, attempts, readErr) {
			return
		}
	}
}

// waitRetry sleeps the backoff delay, or declares the connection terminally
// failed once the attempt budget is spent. Returns false when the loop
// should exit.
func (c *wsConnection) waitRetry(ctx context.Context, attempts int, cause error) bool {
	if attempts >= c.maxAttempts {
		c.tracker.transition(c.key, models.ConnFailed, cause.Error())
		c.log.WithError(cause).WithFields(logger.Fields{
			"attempts": attempts,
		}).Error("stream failed, reconnect budget exhausted")
		if c.onTerminal != nil {
			c.onTerminal(c.key, c.symbol, cause)
		}
		return false
	}

	delay := c.bo.Duration()
	c.log.WithError(cause).WithFields(logger.Fields{
		"attempt": attempts,
		"delay":   delay.String(),
	}).Warn("stream disconnected, reconnecting")

	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

func (c *wsConnection) readLoop(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(wsReadWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(wsReadWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(10*time.Second))
	})

	// Unblock ReadMessage on shutdown.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read %s: %w", c.key, err)
		}
		conn.SetReadDeadline(time.Now().Add(wsReadWait))
		c.handler(c.key, payload)
	}
}
