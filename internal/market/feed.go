package market

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"options-core/internal/events"
	"options-core/pkg/logger"
)

// wireTick is the JSON frame pushed by the upstream tick server.
type wireTick struct {
	Instrument string  `json:"instrument_id"`
	Price      float64 `json:"price"`
	Volume     float64 `json:"volume"`
	Timestamp  int64   `json:"timestamp"` // unix milliseconds
}

// WSFeed streams ticks from a websocket endpoint onto the bus.
type WSFeed struct {
	URL         string
	Bus         *events.Bus
	Instruments []string
	// MaxBackoff caps the reconnect delay, which grows by one second per failure.
	MaxBackoff time.Duration
	dialer     *websocket.Dialer
}

// NewWSFeed builds a feed for url.
func NewWSFeed(url string, bus *events.Bus, instruments []string) *WSFeed {
	return &WSFeed{
		URL:         url,
		Bus:         bus,
		Instruments: instruments,
		MaxBackoff:  30 * time.Second,
		dialer:      websocket.DefaultDialer,
	}
}

// Start connects in the background and keeps reconnecting until ctx ends.
func (f *WSFeed) Start(ctx context.Context) {
	log := logger.Named("market")
	go func() {
		attempt := 0
		for {
			err := f.stream(ctx)
			if ctx.Err() != nil {
				return
			}
			attempt++
			delay := time.Duration(attempt) * time.Second
			if delay > f.MaxBackoff {
				delay = f.MaxBackoff
			}
			log.Warnf("tick feed disconnected (%v), reconnecting in %v", err, delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}()
}

func (f *WSFeed) stream(ctx context.Context) error {
	conn, _, err := f.dialer.DialContext(ctx, f.URL, nil)
	if err != nil {
		return fmt.Errorf("dial tick feed: %w", err)
	}
	defer conn.Close()

	if len(f.Instruments) > 0 {
		sub := map[string]any{"action": "subscribe", "instruments": f.Instruments}
		if err := conn.WriteJSON(sub); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	go func() {
		<-ctx.Done()
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		tick, err := DecodeTick(data)
		if err != nil {
			logger.Named("market").Debugf("skip frame: %v", err)
			continue
		}
		f.Bus.Publish(events.EventPriceTick, tick)
	}
}

// DecodeTick parses one upstream JSON frame.
func DecodeTick(data []byte) (Tick, error) {
	var w wireTick
	if err := json.Unmarshal(data, &w); err != nil {
		return Tick{}, err
	}
	if w.Instrument == "" || w.Price <= 0 || w.Timestamp < 0 {
		return Tick{}, fmt.Errorf("%w: %s", ErrInvalidTick, string(data))
	}
	return Tick{
		Instrument: w.Instrument,
		Price:      w.Price,
		Volume:     w.Volume,
		Time:       time.UnixMilli(w.Timestamp).UTC(),
	}, nil
}
