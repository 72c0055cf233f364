package engine

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// ExecOptions configures the out-of-process engine host.
type ExecOptions struct {
	// Command is the host command line, parsed shell-style.
	Command string
	// EngineDir is where the engine libraries live; handed to the host.
	EngineDir string
	// ReadyTimeout bounds how long Open waits for the host to load and
	// prime the engine. Zero means 10s.
	ReadyTimeout time.Duration
	Logger       *slog.Logger
}

// Exec drives a sidecar process that owns the engine libraries. Requests go
// to the host on stdin as JSON lines; capture events come back on stdout the
// same way, audio as base64 PCM. Discovery, library loading, config path
// patching and the tapped variant's priming sequence all happen host-side
// before it reports ready. The host stops without a synchronize round trip,
// which output interception cannot survive.
type Exec struct {
	cmd          []string
	dir          string
	readyTimeout time.Duration
	log          *slog.Logger

	mu    sync.Mutex // serializes stdin writes
	stdin io.WriteCloser
	enc   *json.Encoder

	proc   *exec.Cmd
	events chan Event
	done   chan struct{}
}

type hostRequest struct {
	Op    string `json:"op"`
	Text  string `json:"text,omitempty"`
	ID    int    `json:"id,omitempty"`
	Value int    `json:"value,omitempty"`
	Main  string `json:"main,omitempty"`
	Root  string `json:"root,omitempty"`
}

type hostEvent struct {
	Event       string         `json:"event"`
	Variant     string         `json:"variant,omitempty"`
	SampleRate  int            `json:"sample_rate,omitempty"`
	Bits        int            `json:"bits,omitempty"`
	Channels    int            `json:"channels,omitempty"`
	FormatKnown bool           `json:"format_known,omitempty"`
	Voice       int            `json:"voice,omitempty"`
	Params      map[string]int `json:"params,omitempty"`
	PCMBase64   string         `json:"pcm_base64,omitempty"`
	Value       int            `json:"value,omitempty"`
	Message     string         `json:"message,omitempty"`
}

func NewExec(opts ExecOptions) (*Exec, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(opts.Command)
	if err != nil {
		return nil, fmt.Errorf("parse engine host command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("engine host command empty")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Exec{
		cmd:          args,
		dir:          opts.EngineDir,
		readyTimeout: opts.ReadyTimeout,
		log:          log.With(slog.String("component", "engine-host")),
		events:       make(chan Event, 64),
		done:         make(chan struct{}),
	}, nil
}

func (e *Exec) Open(ctx context.Context) (Info, error) {
	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	if e.dir != "" {
		args = append(args, "--engine-dir", e.dir)
	}
	proc := exec.Command(base, args...)
	stdin, err := proc.StdinPipe()
	if err != nil {
		return Info{}, fmt.Errorf("engine host stdin: %w", err)
	}
	stdout, err := proc.StdoutPipe()
	if err != nil {
		return Info{}, fmt.Errorf("engine host stdout: %w", err)
	}
	stderr, err := proc.StderrPipe()
	if err != nil {
		return Info{}, fmt.Errorf("engine host stderr: %w", err)
	}
	if err := proc.Start(); err != nil {
		return Info{}, fmt.Errorf("start engine host: %w", err)
	}
	e.proc = proc
	e.mu.Lock()
	e.stdin = stdin
	e.enc = json.NewEncoder(stdin)
	e.mu.Unlock()

	go e.logStderr(stderr)
	ready := make(chan hostEvent, 1)
	go e.readEvents(stdout, ready)

	timeout := e.readyTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case ev, ok := <-ready:
		if !ok {
			return Info{}, errors.New("engine host exited before ready")
		}
		return infoFromReady(ev)
	case <-time.After(timeout):
		proc.Process.Kill()
		return Info{}, fmt.Errorf("engine host not ready after %s", timeout)
	case <-ctx.Done():
		proc.Process.Kill()
		return Info{}, ctx.Err()
	}
}

func infoFromReady(ev hostEvent) (Info, error) {
	variant, err := ParseVariant(ev.Variant)
	if err != nil {
		return Info{}, fmt.Errorf("engine host ready: %w", err)
	}
	info := Info{
		Variant:     variant,
		Format:      Format{SampleRate: ev.SampleRate, BitsPerSample: ev.Bits, Channels: ev.Channels},
		FormatKnown: ev.FormatKnown,
		Voice:       ev.Voice,
		Params:      make(map[int]int, len(ev.Params)),
	}
	for key, value := range ev.Params {
		id, err := strconv.Atoi(key)
		if err != nil {
			return Info{}, fmt.Errorf("engine host ready: bad param id %q", key)
		}
		info.Params[id] = value
	}
	return info, nil
}

func (e *Exec) Events() <-chan Event { return e.events }

func (e *Exec) readEvents(stdout io.Reader, ready chan<- hostEvent) {
	defer close(e.done)
	defer close(e.events)
	dec := json.NewDecoder(bufio.NewReaderSize(stdout, 64*1024))
	sawReady := false
	for {
		var ev hostEvent
		if err := dec.Decode(&ev); err != nil {
			if !errors.Is(err, io.EOF) {
				e.log.Error("engine host stream broken", slog.String("error", err.Error()))
				e.events <- Event{Kind: EventError, Err: err}
			}
			if !sawReady {
				close(ready)
			}
			e.proc.Wait()
			return
		}
		if ev.Event == "ready" {
			if !sawReady {
				sawReady = true
				ready <- ev
			}
			continue
		}
		out, ok := translateEvent(ev)
		if !ok {
			e.log.Warn("engine host sent unknown event", slog.String("event", ev.Event))
			continue
		}
		e.events <- out
	}
}

func translateEvent(ev hostEvent) (Event, bool) {
	switch ev.Event {
	case "audio":
		pcm, err := base64.StdEncoding.DecodeString(ev.PCMBase64)
		if err != nil {
			return Event{Kind: EventError, Err: fmt.Errorf("decode audio: %w", err)}, true
		}
		return Event{Kind: EventAudio, PCM: pcm}, true
	case "index":
		return Event{Kind: EventIndex, Value: ev.Value}, true
	case "done":
		return Event{Kind: EventDone}, true
	case "format":
		return Event{
			Kind:   EventFormat,
			Format: Format{SampleRate: ev.SampleRate, BitsPerSample: ev.Bits, Channels: ev.Channels},
		}, true
	case "error":
		return Event{Kind: EventError, Err: errors.New(ev.Message)}, true
	}
	return Event{}, false
}

func (e *Exec) logStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		e.log.Debug("engine host stderr", slog.String("line", scanner.Text()))
	}
}

func (e *Exec) send(req hostRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enc == nil {
		return errors.New("engine host not running")
	}
	if err := e.enc.Encode(req); err != nil {
		return fmt.Errorf("send %s to engine host: %w", req.Op, err)
	}
	return nil
}

func (e *Exec) Submit(text string) error { return e.send(hostRequest{Op: "speak", Text: text}) }

func (e *Exec) Stop() error { return e.send(hostRequest{Op: "stop"}) }

func (e *Exec) SetParam(id, value int) error {
	return e.send(hostRequest{Op: "set_param", ID: id, Value: value})
}

func (e *Exec) SetVoiceParam(id, value int) error {
	return e.send(hostRequest{Op: "set_voice_param", ID: id, Value: value})
}

func (e *Exec) CopyVoice(variant int) error {
	return e.send(hostRequest{Op: "copy_voice", Value: variant})
}

func (e *Exec) LoadDictionary(mainPath, rootPath string) error {
	return e.send(hostRequest{Op: "load_dictionary", Main: mainPath, Root: rootPath})
}

func (e *Exec) Close() error {
	if e.proc == nil {
		return nil
	}
	_ = e.send(hostRequest{Op: "quit"})
	e.mu.Lock()
	if e.stdin != nil {
		e.stdin.Close()
		e.stdin = nil
		e.enc = nil
	}
	e.mu.Unlock()
	select {
	case <-e.done:
	case <-time.After(3 * time.Second):
		e.log.Warn("engine host did not exit, killing")
		e.proc.Process.Kill()
		<-e.done
	}
	return nil
}
