// Package wsin is the WebSocket ingest transport for universal producers.
// Each connection authenticates once, then streams data batches; the server
// acks every batch with the highest sequence it has accepted. The IoT domain
// is not served here.
//
// Two goroutines own the connection: readPump is the only reader, writePump
// the only writer. All outbound frames go through the send channel.
package wsin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sensorgrid/ingest/internal/auth"
	"github.com/sensorgrid/ingest/internal/core"
	"github.com/sensorgrid/ingest/internal/pipeline"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	maxMsgSize = 512 * 1024
	sendBuffer = 64

	// maxPending is the batch backlog above which the server answers with a
	// backpressure frame instead of processing.
	maxPending = 100

	connectDeadline = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// StreamRegistry matches mqttin's; *store.Store satisfies it.
type StreamRegistry interface {
	GetOrCreateStreamID(ctx context.Context, series core.SeriesID) (int64, error)
}

type Config struct {
	Router  *pipeline.Router
	Streams StreamRegistry
	Auth    *auth.Authenticator
	Logger  *slog.Logger

	// LegacyAPIKey mirrors the HTTP edge: accepted as an ADMIN credential.
	LegacyAPIKey string
}

// Handler upgrades and serves ingest sessions.
type Handler struct {
	cfg    Config
	logger *slog.Logger
}

func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{cfg: cfg, logger: logger.With("component", "wsin")}
}

// ---- wire frames -----------------------------------------------------------

type clientFrame struct {
	Type     string      `json:"type"`
	SourceID string      `json:"source_id,omitempty"`
	Domain   string      `json:"domain,omitempty"`
	APIKey   string      `json:"api_key,omitempty"`
	Batch    []dataPoint `json:"batch,omitempty"`
}

type dataPoint struct {
	StreamID  string         `json:"stream_id"`
	Value     *float64       `json:"value"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
	Sequence  *int64         `json:"sequence,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type rejectedPoint struct {
	StreamID string `json:"stream_id"`
	Reason   string `json:"reason"`
}

type serverFrame struct {
	Type         string          `json:"type"`
	SessionID    string          `json:"session_id,omitempty"`
	Error        string          `json:"error,omitempty"`
	SequenceUpTo *int64          `json:"sequence_up_to,omitempty"`
	Rejected     []rejectedPoint `json:"rejected,omitempty"`
	Processed    int             `json:"processed,omitempty"`
}

// ---- session ---------------------------------------------------------------

type session struct {
	h    *Handler
	conn *websocket.Conn
	send chan []byte
	// batches feeds the per-session processor; its capacity is the
	// backpressure limit.
	batches chan clientFrame
	done    chan struct{}
	once    sync.Once

	id       string
	domain   string
	sourceID string
}

// ServeHTTP is the upgrade endpoint. The first frame must be a connect.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sess := &session{
		h:       h,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		batches: make(chan clientFrame, maxPending),
		done:    make(chan struct{}),
	}
	go sess.writePump()
	go sess.processPump()
	go sess.readPump(r.Context())
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
		if s.id != "" {
			s.h.logger.Info("session closed", "session_id", s.id)
		}
	})
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *session) readPump(ctx context.Context) {
	defer s.close()

	s.conn.SetReadLimit(maxMsgSize)
	s.conn.SetReadDeadline(time.Now().Add(connectDeadline))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.h.logger.Warn("websocket read error", "session_id", s.id, "error", err)
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			s.reply(serverFrame{Type: "error", Error: "invalid JSON frame"})
			continue
		}

		switch frame.Type {
		case "connect":
			if !s.handleConnect(ctx, frame) {
				return
			}
			s.conn.SetReadDeadline(time.Now().Add(pongWait))
		case "data":
			if s.id == "" {
				s.reply(serverFrame{Type: "error", Error: "connect first"})
				continue
			}
			if len(frame.Batch) == 0 {
				s.reply(serverFrame{Type: "error", Error: "empty batch"})
				s.conn.SetReadDeadline(time.Now().Add(pongWait))
				continue
			}
			select {
			case s.batches <- frame:
			default:
				s.reply(serverFrame{Type: "backpressure"})
			}
			s.conn.SetReadDeadline(time.Now().Add(pongWait))
		case "disconnect":
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		default:
			s.reply(serverFrame{Type: "error", Error: "unknown frame type " + frame.Type})
		}
	}
}

// handleConnect authenticates the session. A failed connect closes the
// socket; the error frame is written synchronously first.
func (s *session) handleConnect(ctx context.Context, frame clientFrame) bool {
	fail := func(msg string) bool {
		raw, _ := json.Marshal(serverFrame{Type: "error", Error: msg})
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		s.conn.WriteMessage(websocket.TextMessage, raw)
		return false
	}

	if s.id != "" {
		return fail("already connected")
	}
	if frame.Domain == "" || frame.SourceID == "" {
		return fail("domain and source_id required")
	}
	if frame.Domain == "iot" {
		return fail("domain iot is not served over websocket")
	}

	info, err := s.authenticate(ctx, frame.APIKey)
	if err != nil {
		return fail(err.Error())
	}
	if err := auth.Authorize(info, frame.Domain, frame.SourceID); err != nil {
		return fail(err.Error())
	}

	s.id = uuid.NewString()
	s.domain = frame.Domain
	s.sourceID = frame.SourceID
	s.h.logger.Info("session connected",
		"session_id", s.id, "domain", s.domain, "source_id", s.sourceID)
	s.reply(serverFrame{Type: "connected", SessionID: s.id})
	return true
}

func (s *session) authenticate(ctx context.Context, key string) (*auth.APIKeyInfo, error) {
	if key == "" {
		return nil, auth.ErrInvalidKey
	}
	if s.h.cfg.LegacyAPIKey != "" && key == s.h.cfg.LegacyAPIKey {
		return &auth.APIKeyInfo{Role: auth.RoleAdmin}, nil
	}
	if s.h.cfg.Auth == nil {
		return nil, auth.ErrInvalidKey
	}
	return s.h.cfg.Auth.ValidateAPIKey(ctx, key)
}

// processPump drains queued batches one at a time. Keeping the pipeline off
// the read goroutine is what lets the reader notice backlog and answer with
// backpressure frames.
func (s *session) processPump() {
	ctx := context.Background()
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.batches:
			s.handleData(ctx, frame)
		}
	}
}

// handleData runs one batch through the pipeline and acks it.
func (s *session) handleData(ctx context.Context, frame clientFrame) {
	now := time.Now().UTC()
	ack := serverFrame{Type: "ack", Rejected: []rejectedPoint{}}
	var maxSeq *int64
	for _, point := range frame.Batch {
		obs, err := s.observation(point, now)
		if err != nil {
			ack.Rejected = append(ack.Rejected, rejectedPoint{StreamID: point.StreamID, Reason: err.Error()})
			continue
		}
		streamID, err := s.h.cfg.Streams.GetOrCreateStreamID(ctx, obs.Series)
		if err != nil {
			ack.Rejected = append(ack.Rejected, rejectedPoint{StreamID: point.StreamID, Reason: "stream registration failed"})
			continue
		}
		if _, err := s.h.cfg.Router.Process(ctx, pipeline.Request{
			SensorID: streamID,
			Source:   "websocket",
			Obs:      obs,
		}); err != nil {
			ack.Rejected = append(ack.Rejected, rejectedPoint{StreamID: point.StreamID, Reason: err.Error()})
			continue
		}
		ack.Processed++
		if point.Sequence != nil && (maxSeq == nil || *point.Sequence > *maxSeq) {
			seq := *point.Sequence
			maxSeq = &seq
		}
	}
	ack.SequenceUpTo = maxSeq
	s.reply(ack)
}

func (s *session) observation(p dataPoint, now time.Time) (*core.Observation, error) {
	if p.StreamID == "" {
		return nil, &core.ValidationError{Field: "stream_id", Reason: "required"}
	}
	if p.Value == nil {
		return nil, &core.ValidationError{Field: "value", Reason: "required"}
	}
	obs := &core.Observation{
		Series:   core.SeriesID{Domain: s.domain, Source: s.sourceID, Stream: p.StreamID},
		Value:    *p.Value,
		IngestTS: now,
		Sequence: p.Sequence,
		Metadata: p.Metadata,
		Status:   core.StatusPending,
	}
	if p.Timestamp != nil {
		ts := p.Timestamp.UTC()
		obs.DeviceTS = &ts
	}
	if err := obs.Validate(now); err != nil {
		return nil, err
	}
	obs.Status = core.StatusValidated
	return obs, nil
}

// reply queues a frame on the write pump, dropping when the client cannot
// keep up with its own acks.
func (s *session) reply(frame serverFrame) {
	raw, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case s.send <- raw:
	default:
		s.h.logger.Warn("send buffer full, frame dropped", "session_id", s.id, "type", frame.Type)
	}
}
