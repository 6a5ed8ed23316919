package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/lithium-bot/lithium/moderation/engine"
	"github.com/lithium-bot/lithium/moderation/scheduler"

	"github.com/carlmjohnson/versioninfo"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

// One websocket message from the event gateway.
type gatewayFrame struct {
	Seq   int64         `json:"seq"`
	Event *engine.Event `json:"event"`
}

const (
	gatewayBackoffMin = time.Second
	gatewayBackoffMax = time.Minute
)

// RunConsumer subscribes to the gateway and feeds events into the worker pool, reconnecting with backoff until ctx is done.
func (s *Server) RunConsumer(ctx context.Context) error {
	backoff := gatewayBackoffMin
	for {
		start := time.Now()
		err := s.consumeOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		gatewayConnected.Set(0)
		gatewayReconnects.Inc()
		if time.Since(start) > gatewayBackoffMax {
			backoff = gatewayBackoffMin
		}
		s.logger.Warn("gateway connection lost, reconnecting", "err", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > gatewayBackoffMax {
			backoff = gatewayBackoffMax
		}
	}
}

func (s *Server) consumeOnce(ctx context.Context) error {
	cur, err := s.ReadLastCursor(ctx)
	if err != nil {
		return err
	}

	u, err := url.Parse(s.gatewayURL)
	if err != nil {
		return fmt.Errorf("invalid gateway URI: %w", err)
	}
	if cur != 0 {
		q := u.Query()
		q.Set("cursor", fmt.Sprintf("%d", cur))
		u.RawQuery = q.Encode()
	}
	header := http.Header{
		"User-Agent": []string{fmt.Sprintf("lithium/%s", versioninfo.Short())},
	}
	if s.gatewayToken != "" {
		header.Set("Authorization", "Bearer "+s.gatewayToken)
	}

	s.logger.Info("subscribing to gateway event stream", "upstream", u.Host, "cursor", cur)
	con, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("subscribing to gateway failed (dialing): %w", err)
	}
	defer con.Close()
	gatewayConnected.Set(1)

	// unblock ReadMessage on shutdown
	go func() {
		<-ctx.Done()
		_ = con.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = con.Close()
	}()

	for {
		mt, msg, err := con.ReadMessage()
		if err != nil {
			return err
		}
		if mt != websocket.TextMessage {
			continue
		}
		var frame gatewayFrame
		if err := json.Unmarshal(msg, &frame); err != nil || frame.Event == nil {
			gatewayBadFrames.Inc()
			s.logger.Warn("skipping malformed gateway frame", "err", err)
			continue
		}
		if err := s.Enqueue(ctx, frame.Event); err != nil {
			if errors.Is(err, scheduler.ErrShutdown) || ctx.Err() != nil {
				return err
			}
			s.logger.Warn("dropping gateway event", "type", frame.Event.Type, "err", err)
			continue
		}
		if frame.Seq > 0 {
			atomic.StoreInt64(&s.lastSeq, frame.Seq)
		}
	}
}

var cursorKey = "lithium/gateway-seq"

func (s *Server) ReadLastCursor(ctx context.Context) (int64, error) {
	// if redis isn't configured, just skip
	if s.rdb == nil {
		return atomic.LoadInt64(&s.lastSeq), nil
	}

	val, err := s.rdb.Get(ctx, cursorKey).Int64()
	if err == redis.Nil {
		s.logger.Info("no pre-existing cursor in redis")
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if mem := atomic.LoadInt64(&s.lastSeq); mem > val {
		return mem, nil
	}
	s.logger.Info("successfully found prior subscription cursor seq in redis", "seq", val)
	return val, nil
}

func (s *Server) PersistCursor(ctx context.Context) error {
	// if redis isn't configured, just skip
	if s.rdb == nil {
		return nil
	}
	seq := atomic.LoadInt64(&s.lastSeq)
	if seq <= 0 {
		return nil
	}
	return s.rdb.Set(ctx, cursorKey, seq, 14*24*time.Hour).Err()
}

// this method runs in a loop, persisting the current cursor state every 5 seconds
func (s *Server) RunPersistCursor(ctx context.Context) error {

	// if redis isn't configured, just skip
	if s.rdb == nil {
		return nil
	}
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("persisting final cursor seq value", "seq", atomic.LoadInt64(&s.lastSeq))
			// ctx is already cancelled
			if err := s.PersistCursor(context.Background()); err != nil {
				s.logger.Error("failed to persist cursor", "err", err)
			}
			return nil
		case <-ticker.C:
			if err := s.PersistCursor(ctx); err != nil {
				s.logger.Error("failed to persist cursor", "err", err)
			}
		}
	}
}
