package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/skobkin/amdgpu-usage/internal/api"
	"github.com/skobkin/amdgpu-usage/internal/fdinfo"
	"github.com/skobkin/amdgpu-usage/internal/sampler"
)

// wsSession is the per-connection subscription state. It is only touched by
// the handler goroutine.
type wsSession struct {
	server   *Server
	outbound *wsOutbound
	logger   *slog.Logger

	order       sampler.Order
	currentGPU  string
	updates     <-chan sampler.Snapshot
	unsubscribe func()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	reqLogger := s.loggerFromContext(r.Context())
	if !allowGet(w, r) {
		return
	}

	if !s.reserveWS() {
		reqLogger.Warn("websocket rejected", "reason", "capacity")
		http.Error(w, "websocket capacity reached", http.StatusServiceUnavailable)
		return
	}
	defer s.releaseWS()

	opts := &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.cfg.AllowedOrigins),
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		reqLogger.Warn("websocket accept failed", "err", err)
		return
	}

	connID := s.wsConnIDs.Add(1)
	s.wsTotal.Add(1)
	logger := reqLogger.With("ws_id", connID)
	defer closeWebsocket(logger, conn, websocket.StatusNormalClosure, "")

	session := &wsSession{
		server:   s,
		outbound: newWSOutbound(wsSendQueueSize, &s.wsDropped),
		logger:   logger,
	}
	if s.sampler != nil {
		session.order = s.sampler.Order()
	}

	features := map[string]bool{
		"procs":   s.cfg.Proc.Enable,
		"metrics": s.cfg.Metrics.Enable,
		"sort":    true,
	}
	hello := api.NewHelloMessage(
		int(s.cfg.SampleInterval/time.Millisecond),
		s.gpus,
		features,
		s.kernel,
	)

	ctx, cancel := context.WithCancel(r.Context())

	writerDone := make(chan struct{})
	go s.wsWriter(ctx, conn, session.outbound, cancel, logger, writerDone)

	defer func() {
		session.stop()
		session.outbound.close()
		cancel()
		<-writerDone
	}()

	if !s.enqueueMessage(session.outbound, hello, logger) {
		return
	}

	messageCh := make(chan []byte, 8)
	readErrCh := make(chan error, 1)
	go s.readMessages(ctx, conn, messageCh, readErrCh)

	defaultGPU := s.defaultGPU()
	if defaultGPU != "" {
		if err := session.subscribe(defaultGPU); err != nil {
			logger.Warn("failed to subscribe default gpu", "gpu_id", defaultGPU, "err", err)
			_ = s.enqueueError(session.outbound, fmt.Sprintf("failed to subscribe default gpu: %v", err), logger)
		}
	} else if len(s.gpus) == 0 {
		_ = s.enqueueError(session.outbound, "no GPUs detected", logger)
	}

	for {
		select {
		case snapshot, ok := <-session.updates:
			if !ok {
				session.updates = nil
				session.currentGPU = ""
				continue
			}
			if !session.send(snapshot) {
				return
			}
		case data, ok := <-messageCh:
			if !ok {
				messageCh = nil
				continue
			}
			if err := s.handleClientMessage(session, data, defaultGPU); err != nil {
				logger.Warn("client message handling error", "err", err)
				return
			}
		case err := <-readErrCh:
			if err != nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				logger.Warn("websocket read error", "err", err)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

func (ws *wsSession) subscribe(target string) error {
	s := ws.server
	if target == "" {
		return fmt.Errorf("empty gpu id")
	}
	if _, ok := s.gpuIndex[target]; !ok {
		return fmt.Errorf("unknown gpu %q", target)
	}
	if s.sampler == nil {
		return fmt.Errorf("sampler unavailable")
	}
	if target == ws.currentGPU {
		return nil
	}
	ws.stop()

	ch, cancel, err := s.sampler.Subscribe(target)
	if err != nil {
		return err
	}
	ws.updates = ch
	ws.unsubscribe = cancel
	ws.currentGPU = target
	ws.logger.Info("ws subscribed", "gpu_id", target)
	return nil
}

func (ws *wsSession) stop() {
	if ws.unsubscribe != nil {
		ws.unsubscribe()
	}
	ws.unsubscribe = nil
	ws.updates = nil
	ws.currentGPU = ""
}

// send applies the connection's ordering before queueing the snapshot.
func (ws *wsSession) send(snapshot sampler.Snapshot) bool {
	if snapshot.Sort != ws.order.Key.String() || snapshot.Reverse != ws.order.Reverse {
		snapshot = snapshot.Sorted(ws.order)
	}
	return ws.server.enqueueMessage(ws.outbound, api.NewSnapshotMessage(snapshot), ws.logger)
}

func (s *Server) defaultGPU() string {
	if s.cfg.DefaultGPU != "" && s.cfg.DefaultGPU != "auto" {
		if _, ok := s.gpuIndex[s.cfg.DefaultGPU]; ok {
			return s.cfg.DefaultGPU
		}
		s.logger.Warn("configured default gpu not found", "gpu_id", s.cfg.DefaultGPU)
	}
	if len(s.gpus) > 0 {
		return s.gpus[0].ID
	}
	return ""
}

func (s *Server) readMessages(ctx context.Context, conn *websocket.Conn, out chan<- []byte, errCh chan<- error) {
	defer close(out)
	for {
		readCtx := ctx
		var cancel context.CancelFunc
		if s.cfg.WS.ReadTimeout > 0 {
			readCtx, cancel = context.WithTimeout(ctx, s.cfg.WS.ReadTimeout)
		}
		msgType, data, err := conn.Read(readCtx)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				continue
			}
			errCh <- err
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		select {
		case out <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) handleClientMessage(ws *wsSession, data []byte, defaultGPU string) error {
	logger := ws.logger
	var envelope api.ClientMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		logger.Debug("invalid client message", "err", err)
		return nil
	}

	// replyError reports a recoverable problem; only a full queue ends the session.
	replyError := func(msg string) error {
		if !s.enqueueError(ws.outbound, msg, logger) {
			return fmt.Errorf("failed to enqueue error %q", msg)
		}
		return nil
	}

	switch envelope.Type {
	case "subscribe":
		var msg api.SubscribeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return replyError("invalid subscribe payload")
		}
		target := msg.GPUId
		if target == "" {
			target = defaultGPU
		}
		if target == "" {
			return replyError("no gpu_id provided and no default available")
		}
		if err := ws.subscribe(target); err != nil {
			return replyError(err.Error())
		}
	case "sort":
		var msg api.SortMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return replyError("invalid sort payload")
		}
		key, err := fdinfo.ParseSortKey(msg.Key)
		if err != nil {
			return replyError(err.Error())
		}
		ws.order = sampler.Order{Key: key, Reverse: msg.Reverse}
		// Re-send the cached snapshot so the client sees the new order immediately.
		if ws.currentGPU != "" {
			if snapshot, ok := s.sampler.Latest(ws.currentGPU); ok && !ws.send(snapshot) {
				return fmt.Errorf("failed to enqueue sorted snapshot")
			}
		}
	case "ping":
		if !s.enqueueMessage(ws.outbound, api.PongMessage{Type: "pong"}, logger) {
			return fmt.Errorf("failed to enqueue pong response")
		}
	default:
		logger.Debug("unknown message type", "type", envelope.Type)
	}
	return nil
}

func (s *Server) wsWriter(ctx context.Context, conn *websocket.Conn, outbound *wsOutbound, cancel context.CancelFunc, logger *slog.Logger, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-outbound.channel():
			if !ok {
				return
			}
			if err := s.writeRaw(ctx, conn, msg); err != nil {
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					logger.Warn("websocket write failed", "err", err)
				}
				cancel()
				return
			}
			s.wsSent.Add(1)
		}
	}
}

func (s *Server) writeRaw(ctx context.Context, conn *websocket.Conn, data []byte) error {
	writeCtx := ctx
	var cancel context.CancelFunc
	if s.cfg.WS.WriteTimeout > 0 {
		writeCtx, cancel = context.WithTimeout(ctx, s.cfg.WS.WriteTimeout)
	}
	if cancel != nil {
		defer cancel()
	}
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (s *Server) enqueueMessage(outbound *wsOutbound, payload any, logger *slog.Logger) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error("failed to marshal websocket payload", "err", err)
		return false
	}
	if !outbound.enqueue(data) {
		logger.Warn("websocket outbound queue unavailable")
		return false
	}
	return true
}

func (s *Server) enqueueError(outbound *wsOutbound, msg string, logger *slog.Logger) bool {
	return s.enqueueMessage(outbound, api.ErrorMessage{Type: "error", Message: msg}, logger)
}

func (s *Server) reserveWS() bool {
	if s.maxWSClients <= 0 {
		s.wsActive.Add(1)
		return true
	}

	for {
		current := s.wsActive.Load()
		if current >= s.maxWSClients {
			s.wsRejected.Add(1)
			return false
		}
		if s.wsActive.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (s *Server) releaseWS() {
	s.wsActive.Add(-1)
}

func originPatterns(origins []string) []string {
	for _, origin := range origins {
		if origin == "*" {
			return nil
		}
	}
	dst := make([]string, len(origins))
	copy(dst, origins)
	return dst
}

// wsOutbound is a bounded send queue that drops the oldest message when full.
type wsOutbound struct {
	ch     chan []byte
	closed atomic.Bool
	drops  *atomic.Uint64
}

func newWSOutbound(size int, dropCounter *atomic.Uint64) *wsOutbound {
	if size <= 0 {
		size = 1
	}
	return &wsOutbound{
		ch:    make(chan []byte, size),
		drops: dropCounter,
	}
}

func (o *wsOutbound) enqueue(msg []byte) bool {
	if o.closed.Load() {
		o.countDrop()
		return false
	}

	select {
	case o.ch <- msg:
		return true
	default:
	}

	select {
	case <-o.ch:
		o.countDrop()
	default:
	}

	select {
	case o.ch <- msg:
		return true
	default:
		o.countDrop()
		return false
	}
}

// close must only be called by the goroutine that enqueues.
func (o *wsOutbound) close() {
	if o.closed.CompareAndSwap(false, true) {
		close(o.ch)
	}
}

func (o *wsOutbound) channel() <-chan []byte {
	return o.ch
}

func (o *wsOutbound) countDrop() {
	if o.drops != nil {
		o.drops.Add(1)
	}
}
