package api

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"rebalancer-go/pricing"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// handleRatesStream 推送价格表：连接后先发当前快照，之后每次刷新/合并推一次。
func (s *Server) handleRatesStream(w http.ResponseWriter, r *http.Request) {
	if s.pub == nil {
		writeError(w, http.StatusServiceUnavailable, "rate stream disabled")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	updates, unsubscribe := s.pub.Subscribe()
	defer unsubscribe()

	closed := make(chan struct{})
	go s.readLoop(conn, closed)

	currency := s.rates.Currency()
	table, at := s.rates.Snapshot()
	if len(table) > 0 {
		if err := writeRates(conn, newRatesResponse(currency, table, at)); err != nil {
			return
		}
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case table, ok := <-updates:
			if !ok {
				return
			}
			_, at := s.rates.Snapshot()
			if err := writeRates(conn, newRatesResponse(currency, table, at)); err != nil {
				s.log.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop 只处理 pong 与关闭帧；客户端消息被丢弃。
func (s *Server) readLoop(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeRates(conn *websocket.Conn, resp ratesResponse) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

var _ RateService = (*pricing.RateCache)(nil)
var _ PriceLookup = (*pricing.Fetcher)(nil)
