package engine

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MockUtterance scripts what the mock emits for one Submit.
type MockUtterance struct {
	Chunks [][]byte
	// Indexes maps a chunk position to a marker value emitted after that
	// chunk.
	Indexes map[int]int
	// Delay paces chunk emission.
	Delay time.Duration
	// FailSubmit makes Submit return an error without emitting anything.
	FailSubmit bool
}

// MockConfig seeds a scripted engine.
type MockConfig struct {
	Variant     Variant
	Format      Format
	FormatKnown bool
	Voice       int
	Params      map[int]int
	// Script is consumed one entry per Submit; when exhausted the mock
	// emits a bare done event.
	Script []MockUtterance
	// RejectVoiceParams makes SetVoiceParam fail for the listed ids.
	RejectVoiceParams map[int]bool
}

// ParamWrite records one parameter call for assertions.
type ParamWrite struct {
	ID    int
	Value int
}

// Mock is a scripted in-process engine for tests and demo deployments.
type Mock struct {
	cfg    MockConfig
	events chan Event
	quit   chan struct{}

	mu          sync.Mutex
	next        int
	closed      bool
	stopped     bool
	formatSent  bool
	submitted   []string
	paramWrites []ParamWrite
	voiceWrites []ParamWrite
	copyVoices  []int
	dicts       [][2]string
	wg          sync.WaitGroup
}

func NewMock(cfg MockConfig) *Mock {
	if cfg.Params == nil {
		cfg.Params = map[int]int{}
	}
	return &Mock{
		cfg:    cfg,
		events: make(chan Event, 64),
		quit:   make(chan struct{}),
	}
}

func (m *Mock) Open(ctx context.Context) (Info, error) {
	params := make(map[int]int, len(m.cfg.Params))
	for id, value := range m.cfg.Params {
		params[id] = value
	}
	return Info{
		Variant:     m.cfg.Variant,
		Format:      m.cfg.Format,
		FormatKnown: m.cfg.FormatKnown,
		Voice:       m.cfg.Voice,
		Params:      params,
	}, nil
}

func (m *Mock) Events() <-chan Event { return m.events }

func (m *Mock) Submit(text string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("mock engine closed")
	}
	m.submitted = append(m.submitted, text)
	var utt MockUtterance
	if m.next < len(m.cfg.Script) {
		utt = m.cfg.Script[m.next]
		m.next++
	}
	m.stopped = false
	if utt.FailSubmit {
		m.mu.Unlock()
		return errors.New("mock submit failure")
	}
	m.wg.Add(1)
	m.mu.Unlock()
	go m.emit(utt)
	return nil
}

func (m *Mock) emit(utt MockUtterance) {
	defer m.wg.Done()
	m.mu.Lock()
	sendFormat := !m.cfg.FormatKnown && !m.formatSent
	if sendFormat {
		m.formatSent = true
	}
	m.mu.Unlock()
	if sendFormat {
		if !m.send(Event{Kind: EventFormat, Format: m.cfg.Format}) {
			return
		}
	}
	for i, chunk := range utt.Chunks {
		if utt.Delay > 0 {
			select {
			case <-time.After(utt.Delay):
			case <-m.quit:
				return
			}
		}
		if m.isStopped() {
			break
		}
		if !m.send(Event{Kind: EventAudio, PCM: chunk}) {
			return
		}
		if value, ok := utt.Indexes[i]; ok {
			if !m.send(Event{Kind: EventIndex, Value: value}) {
				return
			}
		}
	}
	m.send(Event{Kind: EventDone})
}

func (m *Mock) send(ev Event) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.quit:
		return false
	}
}

func (m *Mock) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func (m *Mock) Stop() error {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	return nil
}

func (m *Mock) SetParam(id, value int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paramWrites = append(m.paramWrites, ParamWrite{ID: id, Value: value})
	return nil
}

func (m *Mock) SetVoiceParam(id, value int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.RejectVoiceParams[id] {
		return errors.New("mock parameter rejected")
	}
	m.voiceWrites = append(m.voiceWrites, ParamWrite{ID: id, Value: value})
	return nil
}

func (m *Mock) CopyVoice(variant int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.copyVoices = append(m.copyVoices, variant)
	return nil
}

func (m *Mock) LoadDictionary(mainPath, rootPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dicts = append(m.dicts, [2]string{mainPath, rootPath})
	return nil
}

func (m *Mock) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	close(m.quit)
	m.wg.Wait()
	close(m.events)
	return nil
}

// Submitted returns the texts handed to Submit, in order.
func (m *Mock) Submitted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.submitted))
	copy(out, m.submitted)
	return out
}

// VoiceParamWrites returns every SetVoiceParam call that was accepted.
func (m *Mock) VoiceParamWrites() []ParamWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ParamWrite, len(m.voiceWrites))
	copy(out, m.voiceWrites)
	return out
}

// ParamWrites returns every SetParam call.
func (m *Mock) ParamWrites() []ParamWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ParamWrite, len(m.paramWrites))
	copy(out, m.paramWrites)
	return out
}

// CopyVoices returns the variant ids handed to CopyVoice.
func (m *Mock) CopyVoices() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, len(m.copyVoices))
	copy(out, m.copyVoices)
	return out
}

// Dictionaries returns the main/root path pairs handed to LoadDictionary.
func (m *Mock) Dictionaries() [][2]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][2]string, len(m.dicts))
	copy(out, m.dicts)
	return out
}
