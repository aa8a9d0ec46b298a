package binance

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// maxPriceAge bounds how old a streamed price may be before LastPrice
// reports a miss and callers fall back to REST.
const maxPriceAge = 5 * time.Second

type streamPrice struct {
	price decimal.Decimal
	at    time.Time
}

// PriceStream maintains a live last-price map from the combined miniTicker
// stream for a fixed symbol set. It reconnects on its own until stopped.
type PriceStream struct {
	wsURL   string
	symbols []string

	mu     sync.RWMutex
	prices map[string]streamPrice
	conn   *websocket.Conn

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewPriceStream(wsURL string, symbols []string) *PriceStream {
	return &PriceStream{
		wsURL:   strings.TrimRight(wsURL, "/"),
		symbols: symbols,
		prices:  make(map[string]streamPrice),
		stopCh:  make(chan struct{}),
	}
}

func (s *PriceStream) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()
	log.Info().Strs("symbols", s.symbols).Msg("📡 Price stream started")
}

func (s *PriceStream) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	log.Info().Msg("📡 Price stream stopped")
}

// LastPrice returns the freshest streamed price for symbol. ok is false when
// no price arrived yet or the last one is older than maxPriceAge.
func (s *PriceStream) LastPrice(symbol string) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, found := s.prices[symbol]
	if !found || time.Since(p.at) > maxPriceAge {
		return decimal.Zero, false
	}
	return p.price, true
}

// Connected reports whether any symbol delivered a fresh price recently.
func (s *PriceStream) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.prices {
		if time.Since(p.at) <= maxPriceAge {
			return true
		}
	}
	return false
}

func (s *PriceStream) run() {
	defer s.wg.Done()

	delay := time.Second
	for s.isRunning() {
		if err := s.connect(); err != nil {
			log.Error().Err(err).Msg("Price stream connection failed")
			if !s.sleep(delay) {
				return
			}
			if delay < 30*time.Second {
				delay *= 2
			}
			continue
		}
		delay = time.Second

		s.readMessages()

		if s.isRunning() {
			log.Warn().Msg("Price stream disconnected, reconnecting...")
			if !s.sleep(time.Second) {
				return
			}
		}
	}
}

func (s *PriceStream) connect() error {
	streams := make([]string, len(s.symbols))
	for i, sym := range s.symbols {
		streams[i] = strings.ToLower(sym) + "@miniTicker"
	}
	url := fmt.Sprintf("%s/stream?streams=%s", s.wsURL, strings.Join(streams, "/"))

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	log.Info().Str("url", url).Msg("🔌 Price stream connected")
	return nil
}

func (s *PriceStream) readMessages() {
	for s.isRunning() {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if s.isRunning() {
				log.Error().Err(err).Msg("Price stream read error")
			}
			return
		}
		s.handleMessage(message)
	}
}

func (s *PriceStream) handleMessage(data []byte) {
	var envelope struct {
		Stream string `json:"stream"`
		Data   struct {
			EventType string `json:"e"`
			Symbol    string `json:"s"`
			Close     string `json:"c"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return
	}
	if envelope.Data.Symbol == "" || envelope.Data.Close == "" {
		return
	}
	price, err := decimal.NewFromString(envelope.Data.Close)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.prices[envelope.Data.Symbol] = streamPrice{price: price, at: time.Now()}
	s.mu.Unlock()
}

func (s *PriceStream) isRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *PriceStream) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-s.stopCh:
		return false
	}
}
