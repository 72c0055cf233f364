// Package speech exposes the synthesis bridge over the bus: it accepts
// speak/stop/setting requests, pumps synthesized audio and markers out as
// they drain, and answers format queries.
package speech

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/voxlabs/voxbridge/internal/bridge"
	"github.com/voxlabs/voxbridge/internal/bus"
	"github.com/voxlabs/voxbridge/internal/config"
	"github.com/voxlabs/voxbridge/internal/engine"
	"github.com/voxlabs/voxbridge/internal/journal"
	"github.com/voxlabs/voxbridge/internal/protocol"
)

type Service struct {
	cfg     config.SpeechConfig
	node    string
	bus     *bus.Client
	br      *bridge.Bridge
	journal *journal.Store
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup

	mu        sync.Mutex
	sessionID string

	meter        metric.Meter
	utterances   metric.Int64Counter
	stopsCounter metric.Int64Counter
	audioBytes   metric.Int64Counter
	durationMS   metric.Float64Histogram

	capture *capture
}

// NewService opens the bridge around eng and prepares the bus surface.
// The bridge's utterance callback is owned by the service, so callers
// must leave bopts.UtteranceFunc unset.
func NewService(parent context.Context, cfg config.SpeechConfig, node string, eng engine.Engine, bopts bridge.Options, busClient *bus.Client, store *journal.Store, log *slog.Logger) (*Service, error) {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:     cfg,
		node:    node,
		bus:     busClient,
		journal: store,
		log:     log.With(slog.String("component", "speech-service")),
		ctx:     ctx,
		cancel:  cancel,
	}
	if cfg.CaptureDir != "" {
		s.capture = newCapture(cfg.CaptureDir, s.log)
	}

	bopts.Logger = log
	bopts.UtteranceFunc = s.onUtterance
	br, err := bridge.New(eng, bopts)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open bridge: %w", err)
	}
	s.br = br

	if err := s.initMetrics(); err != nil {
		br.Close()
		cancel()
		return nil, err
	}
	return s, nil
}

// Bridge exposes the underlying bridge for health checks and gauges.
func (s *Service) Bridge() *bridge.Bridge { return s.br }

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	for subject, handler := range map[string]nats.MsgHandler{
		protocol.SubjectSpeechSay:        s.handleSay,
		protocol.SubjectSpeechStop:       s.handleStop,
		protocol.SubjectSpeechSetting:    s.handleSetting,
		protocol.SubjectSpeechDictionary: s.handleDictionary,
		protocol.SubjectSpeechFormat:     s.handleFormat,
	} {
		sub, err := s.bus.Conn().Subscribe(subject, handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}

	s.wg.Add(1)
	go s.pump()
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
	if err := s.br.Close(); err != nil {
		s.log.Warn("bridge close failed", slogError(err))
	}
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || len(s.subs) > 0
}

func (s *Service) handleSay(msg *nats.Msg) {
	var req protocol.SpeakRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.log.Warn("failed to decode speak request", slogError(err))
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	s.mu.Lock()
	s.sessionID = req.SessionID
	s.mu.Unlock()

	if err := s.br.Speak(req.Text); err != nil {
		s.log.Warn("speak rejected", slogError(err))
		return
	}
	s.log.Debug("speak accepted",
		slog.String("session_id", req.SessionID),
		slog.Int("text_len", len(req.Text)))
}

func (s *Service) handleStop(msg *nats.Msg) {
	if err := s.br.Stop(); err != nil {
		s.log.Warn("stop rejected", slogError(err))
		return
	}
	s.stopsCounter.Add(s.ctx, 1)
	if s.capture != nil {
		s.capture.Discard()
	}
}

func (s *Service) handleSetting(msg *nats.Msg) {
	var change protocol.SettingChange
	if err := json.Unmarshal(msg.Data, &change); err != nil {
		s.log.Warn("failed to decode setting change", slogError(err))
		return
	}

	var err error
	switch change.Setting {
	case "voice":
		err = s.br.SetVoice(change.Value)
	case "variant":
		err = s.br.SetVariant(change.Value)
	case "rate_boost":
		err = s.br.SetRateBoost(change.Value)
	case "param":
		err = s.br.SetVoiceParam(change.Param, change.Value)
	default:
		s.log.Warn("unknown setting", slog.String("setting", change.Setting))
		return
	}
	if err != nil {
		s.log.Warn("setting rejected",
			slog.String("setting", change.Setting),
			slog.Int("param", change.Param),
			slogError(err))
		return
	}
	if err := s.journal.RecordSetting(s.ctx, change.Setting, change.Param, change.Value); err != nil {
		s.log.Warn("failed to journal setting", slogError(err))
	}
}

func (s *Service) handleDictionary(msg *nats.Msg) {
	var req protocol.DictionaryRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.log.Warn("failed to decode dictionary request", slogError(err))
		return
	}
	if err := s.br.LoadDictionary(req.MainPath, req.RootPath); err != nil {
		s.log.Warn("dictionary load failed",
			slog.String("main", req.MainPath),
			slogError(err))
		return
	}
	if err := s.journal.RecordSetting(s.ctx, "dictionary", 0, 0); err != nil {
		s.log.Warn("failed to journal dictionary load", slogError(err))
	}
}

func (s *Service) handleFormat(msg *nats.Msg) {
	f, known := s.br.Format()
	info := protocol.FormatInfo{
		SampleRate: f.SampleRate,
		Bits:       f.BitsPerSample,
		Channels:   f.Channels,
		Known:      known,
		Variant:    s.br.Variant().String(),
	}
	data, err := json.Marshal(info)
	if err != nil {
		s.log.Warn("failed to marshal format info", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("failed to respond with format info", slogError(err))
	}
}

// pump drains the bridge on a fixed cadence and republishes items on the
// bus. One goroutine owns lastGen/seq, so sequence numbers are per
// utterance and strictly ordered.
func (s *Service) pump() {
	defer s.wg.Done()
	interval := time.Duration(s.cfg.PumpIntervalMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	buf := make([]byte, s.cfg.ReadBufferKB*1024)
	var lastGen uint32
	seq := 0
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
		for {
			n, item := s.br.Read(buf)
			if item.Kind == bridge.ItemNone {
				break
			}
			if item.Gen != lastGen {
				lastGen = item.Gen
				seq = 0
			}
			switch item.Kind {
			case bridge.ItemAudio:
				s.publishAudio(item.Gen, seq, buf[:n], false)
				seq++
				if s.capture != nil {
					s.capture.Append(item.Gen, buf[:n])
				}
			case bridge.ItemIndex:
				s.publishMarker(item.Gen, "index", item.Value)
			case bridge.ItemDone:
				s.publishAudio(item.Gen, seq, nil, true)
				seq++
				s.publishMarker(item.Gen, "done", 0)
				if s.capture != nil {
					if f, known := s.br.Format(); known {
						s.capture.Finish(item.Gen, f)
					} else {
						s.capture.Discard()
					}
				}
			case bridge.ItemError:
				s.publishMarker(item.Gen, "error", item.Value)
			}
		}
	}
}

func (s *Service) publishAudio(gen uint32, seq int, pcm []byte, final bool) {
	f, _ := s.br.Format()
	chunk := protocol.AudioChunk{
		SessionID:  s.session(),
		Utterance:  gen,
		Sequence:   seq,
		SampleRate: f.SampleRate,
		Channels:   f.Channels,
		Bits:       f.BitsPerSample,
		PCM:        pcm,
		Final:      final,
	}
	if err := s.bus.PublishJSON(protocol.SubjectSpeechAudio, chunk); err != nil {
		s.log.Warn("failed to publish audio chunk", slogError(err))
		return
	}
	s.audioBytes.Add(s.ctx, int64(len(pcm)))
}

func (s *Service) publishMarker(gen uint32, kind string, value int) {
	ev := protocol.MarkerEvent{
		SessionID: s.session(),
		Utterance: gen,
		Kind:      kind,
		Value:     value,
		Timestamp: time.Now().UTC(),
	}
	if err := s.bus.PublishJSON(protocol.SubjectSpeechMarker, ev); err != nil {
		s.log.Warn("failed to publish marker", slogError(err))
	}
}

// onUtterance runs on the bridge worker goroutine between utterances.
func (s *Service) onUtterance(ev bridge.UtteranceEvent) {
	s.utterances.Add(s.ctx, 1, metric.WithAttributes(attribute.String("reason", ev.Reason)))
	s.durationMS.Record(s.ctx, float64(ev.Duration.Milliseconds()))

	status := protocol.StatusEvent{
		Node:       s.node,
		SessionID:  s.session(),
		Utterance:  ev.Generation,
		Reason:     ev.Reason,
		TextLen:    ev.TextLen,
		AudioBytes: ev.AudioBytes,
		DurationMS: ev.Duration.Milliseconds(),
		Timestamp:  time.Now().UTC(),
	}
	if err := s.bus.PublishJSON(protocol.SubjectSpeechStatus, status); err != nil {
		s.log.Warn("failed to publish utterance status", slogError(err))
	}

	entry := journal.Utterance{
		SessionID:  status.SessionID,
		Generation: ev.Generation,
		Reason:     ev.Reason,
		TextLen:    ev.TextLen,
		AudioBytes: ev.AudioBytes,
		Duration:   ev.Duration,
	}
	if err := s.journal.RecordUtterance(s.ctx, entry); err != nil {
		s.log.Warn("failed to journal utterance", slogError(err))
	}
}

func (s *Service) session() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *Service) initMetrics() error {
	s.meter = otel.Meter("github.com/voxlabs/voxbridge/speech")

	var err error
	s.utterances, err = s.meter.Int64Counter("voxbridge.speech.utterances",
		metric.WithDescription("Finished utterances by reason"))
	if err != nil {
		return err
	}
	s.stopsCounter, err = s.meter.Int64Counter("voxbridge.speech.stops",
		metric.WithDescription("External stop requests"))
	if err != nil {
		return err
	}
	s.audioBytes, err = s.meter.Int64Counter("voxbridge.speech.audio_bytes",
		metric.WithDescription("PCM bytes published on the bus"))
	if err != nil {
		return err
	}
	s.durationMS, err = s.meter.Float64Histogram("voxbridge.speech.utterance_duration_ms",
		metric.WithDescription("Wall time per utterance"))
	if err != nil {
		return err
	}

	queueItems, err := s.meter.Int64ObservableGauge("voxbridge.speech.queue_items",
		metric.WithDescription("Items waiting in the output queue"))
	if err != nil {
		return err
	}
	buffered, err := s.meter.Int64ObservableGauge("voxbridge.speech.buffered_bytes",
		metric.WithDescription("Audio bytes buffered in the output queue"))
	if err != nil {
		return err
	}
	_, err = s.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		stats := s.br.Stats()
		obs.ObserveInt64(queueItems, int64(stats.QueueItems))
		obs.ObserveInt64(buffered, int64(stats.BufferedBytes))
		return nil
	}, queueItems, buffered)
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
