package events

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/solosway/webscout/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Sink consumes StepEvents. Write is called from a single goroutine per sink.
type Sink interface {
	Name() string
	Write(ev schemas.StepEvent) error
	Close() error
}

// -- JSONL --

// JSONLSink appends one JSON object per line.
type JSONLSink struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
}

// NewJSONLSink opens path for appending, creating parent directories.
func NewJSONLSink(path string) (*JSONLSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create event log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &JSONLSink{w: bufio.NewWriter(f), closer: f}, nil
}

// NewJSONLWriter writes to w, which the sink does not close.
func NewJSONLWriter(w io.Writer) *JSONLSink {
	return &JSONLSink{w: bufio.NewWriter(w)}
}

func (s *JSONLSink) Name() string { return "jsonl" }

// Write encodes ev and flushes, so a follower sees complete lines.
func (s *JSONLSink) Write(ev schemas.StepEvent) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(append(line, '\n')); err != nil {
		return err
	}
	return s.w.Flush()
}

func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.w.Flush()
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
		s.closer = nil
	}
	return err
}

// DecodeLine parses one line written by a JSONLSink.
func DecodeLine(line string) (schemas.StepEvent, error) {
	var ev schemas.StepEvent
	if err := json.UnmarshalFromString(strings.TrimSpace(line), &ev); err != nil {
		return schemas.StepEvent{}, fmt.Errorf("decode event line: %w", err)
	}
	return ev, nil
}

// -- NATS --

// NATSSink publishes each event to <prefix>.<session_id>.<event_type>.
type NATSSink struct {
	conn   *nats.Conn
	prefix string
	owned  bool
}

// NewNATSSink connects to url.
func NewNATSSink(url, prefix string, logger *zap.Logger) (*NATSSink, error) {
	log := logger.Named("nats_sink")
	nc, err := nats.Connect(url,
		nats.Name("webscout"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected.", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("NATS reconnected.", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	s := NewNATSSinkFromConn(nc, prefix)
	s.owned = true
	return s, nil
}

// NewNATSSinkFromConn publishes on an existing connection, which Close leaves open.
func NewNATSSinkFromConn(nc *nats.Conn, prefix string) *NATSSink {
	if prefix == "" {
		prefix = "webscout.sessions"
	}
	return &NATSSink{conn: nc, prefix: strings.TrimSuffix(prefix, ".")}
}

func (s *NATSSink) Name() string { return "nats" }

// Subject returns the subject an event is published to.
func (s *NATSSink) Subject(ev schemas.StepEvent) string {
	return fmt.Sprintf("%s.%s.%s", s.prefix, subjectToken(ev.SessionID), ev.Type)
}

func (s *NATSSink) Write(ev schemas.StepEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.conn.Publish(s.Subject(ev), data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (s *NATSSink) Close() error {
	if !s.owned {
		return s.conn.Flush()
	}
	err := s.conn.Flush()
	s.conn.Close()
	return err
}

// subjectToken makes a session id safe as a single subject token.
func subjectToken(id string) string {
	if id == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, id)
}

// -- Log --

// LogSink writes events to the structured logger.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("events")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(ev schemas.StepEvent) error {
	fields := []zap.Field{
		zap.String("session_id", ev.SessionID),
		zap.Int("step", ev.Step),
	}
	if ev.GoalID != "" {
		fields = append(fields, zap.String("goal_id", ev.GoalID))
	}
	switch ev.Type {
	case schemas.EventAction:
		if a := ev.Action; a != nil {
			fields = append(fields, zap.String("action", a.ActionType), zap.Bool("success", a.Success), zap.String("url", a.URLAfter))
		}
		s.logger.Info("Action taken.", fields...)
	case schemas.EventURLChange:
		s.logger.Info("Page changed.", append(fields, zap.String("url", ev.URL))...)
	case schemas.EventFinding:
		if f := ev.Finding; f != nil {
			fields = append(fields, zap.String("fact", f.Fact), zap.Float64("confidence", f.Confidence), zap.String("source", f.SourceURL))
		}
		s.logger.Info("Finding recorded.", fields...)
	case schemas.EventReflection:
		if r := ev.Reflection; r != nil {
			fields = append(fields, zap.String("suggested_action", r.SuggestedAction), zap.String("trigger", r.Trigger), zap.Bool("on_track", r.OnTrack))
		}
		s.logger.Debug("Step reflected.", fields...)
	case schemas.EventError:
		if e := ev.Error; e != nil {
			fields = append(fields, zap.String("code", e.Code), zap.String("error", e.Message))
		}
		s.logger.Warn("Step error.", fields...)
	case schemas.EventComplete:
		fields = append(fields, zap.String("status", string(ev.Status)))
		if r := ev.Result; r != nil {
			fields = append(fields, zap.Float64("confidence", r.Confidence), zap.Int("sources", len(r.Sources)))
		}
		s.logger.Info("Session complete.", fields...)
	}
	return nil
}

func (s *LogSink) Close() error { return nil }
