package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// WSQuoteFeed is a streaming QuoteFeed backed by a gorilla/websocket
// connection to a broker-style tick feed. A background read loop pushes
// every incoming tick into an in-memory last-price table; BatchQuote
// serves from that table rather than blocking on the network per call.
type WSQuoteFeed struct {
	URL  string
	Dial *websocket.Dialer

	mu   sync.RWMutex
	last map[string]float64
	conn *websocket.Conn
}

// wsTick is the wire shape of one incoming quote message.
type wsTick struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

// NewWSQuoteFeed builds a feed pointed at url; Connect must be called
// before BatchQuote returns live data.
func NewWSQuoteFeed(url string) *WSQuoteFeed {
	return &WSQuoteFeed{
		URL:  url,
		Dial: websocket.DefaultDialer,
		last: make(map[string]float64),
	}
}

// Connect dials the feed and starts the background read loop. The read
// loop runs until ctx is cancelled or the connection drops.
func (f *WSQuoteFeed) Connect(ctx context.Context) error {
	conn, _, err := f.Dial.DialContext(ctx, f.URL, nil)
	if err != nil {
		return fmt.Errorf("monitor: websocket dial failed: %w", err)
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	go f.readLoop(ctx, conn)
	return nil
}

func (f *WSQuoteFeed) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var tick wsTick
		if err := json.Unmarshal(raw, &tick); err != nil {
			continue
		}
		f.mu.Lock()
		f.last[tick.Symbol] = tick.Price
		f.mu.Unlock()
	}
}

// BatchQuote returns the most recently observed price for each symbol.
// A symbol with no tick seen yet is simply omitted from the result,
// matching the monitor's "skip if no quote available" handling.
func (f *WSQuoteFeed) BatchQuote(ctx context.Context, symbols []string) (map[string]float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		if p, ok := f.last[s]; ok {
			out[s] = p
		}
	}
	return out, nil
}

// Close shuts down the underlying connection.
func (f *WSQuoteFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return nil
	}
	return f.conn.Close()
}

// PollQuoteFeed is the REST batch-quote stub alternative §4-L names: a
// plain request/response fetch with no persistent connection, suited to
// brokers without a streaming API.
type PollQuoteFeed struct {
	Fetch func(ctx context.Context, symbols []string) (map[string]float64, error)
}

func (f *PollQuoteFeed) BatchQuote(ctx context.Context, symbols []string) (map[string]float64, error) {
	if f.Fetch == nil {
		return map[string]float64{}, nil
	}
	return f.Fetch(ctx, symbols)
}
