package main

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/voxlabs/voxbridge/internal/protocol"
)

var version = "0.1.0-dev"

func main() {
	sayCmd := flag.NewFlagSet("say", flag.ExitOnError)
	sayServers := sayCmd.String("servers", nats.DefaultURL, "NATS server URLs")
	saySession := sayCmd.String("session", "", "Session id (default: random)")
	sayOut := sayCmd.String("out", "", "Write the captured audio to a WAV file")
	sayPlay := sayCmd.Bool("play", false, "Play the captured audio on the default output device")
	sayTimeout := sayCmd.Duration("timeout", 30*time.Second, "Give up after this long without a terminal marker")

	stopCmd := flag.NewFlagSet("stop", flag.ExitOnError)
	stopServers := stopCmd.String("servers", nats.DefaultURL, "NATS server URLs")

	setCmd := flag.NewFlagSet("set", flag.ExitOnError)
	setServers := setCmd.String("servers", nats.DefaultURL, "NATS server URLs")
	setName := setCmd.String("setting", "", "Setting name: voice, variant, rate_boost or param")
	setParam := setCmd.Int("param", 0, "Engine parameter id (with -setting param)")
	setValue := setCmd.Int("value", 0, "Setting value")

	formatCmd := flag.NewFlagSet("format", flag.ExitOnError)
	formatServers := formatCmd.String("servers", nats.DefaultURL, "NATS server URLs")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'say', 'stop', 'set', 'format' or 'version'")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "say":
		sayCmd.Parse(os.Args[2:])
		err = runSay(*sayServers, *saySession, strings.Join(sayCmd.Args(), " "), *sayOut, *sayPlay, *sayTimeout)
	case "stop":
		stopCmd.Parse(os.Args[2:])
		err = runStop(*stopServers)
	case "set":
		setCmd.Parse(os.Args[2:])
		err = runSet(*setServers, *setName, *setParam, *setValue)
	case "format":
		formatCmd.Parse(os.Args[2:])
		err = runFormat(*formatServers)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runSay(servers, session, text, out string, play bool, timeout time.Duration) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("nothing to say: pass the text after the flags")
	}
	if session == "" {
		session = "voxsay-" + uuid.NewString()[:8]
	}
	nc, err := connect(servers)
	if err != nil {
		return err
	}
	defer nc.Close()

	chunks := make(chan protocol.AudioChunk, 256)
	markers := make(chan protocol.MarkerEvent, 16)
	audioSub, err := nc.Subscribe(protocol.SubjectSpeechAudio, func(msg *nats.Msg) {
		var chunk protocol.AudioChunk
		if json.Unmarshal(msg.Data, &chunk) == nil && chunk.SessionID == session {
			chunks <- chunk
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", protocol.SubjectSpeechAudio, err)
	}
	defer audioSub.Unsubscribe()
	markerSub, err := nc.Subscribe(protocol.SubjectSpeechMarker, func(msg *nats.Msg) {
		var marker protocol.MarkerEvent
		if json.Unmarshal(msg.Data, &marker) == nil && marker.SessionID == session {
			markers <- marker
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", protocol.SubjectSpeechMarker, err)
	}
	defer markerSub.Unsubscribe()

	// Subscriptions must be live on the server before the request goes
	// out, or the first chunks race past us.
	if err := nc.Flush(); err != nil {
		return fmt.Errorf("flush subscriptions: %w", err)
	}

	payload, err := json.Marshal(protocol.SpeakRequest{SessionID: session, Text: text, Timestamp: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	if err := nc.Publish(protocol.SubjectSpeechSay, payload); err != nil {
		return fmt.Errorf("publish say: %w", err)
	}

	pcm, info, err := collect(chunks, markers, timeout)
	if err != nil {
		return err
	}
	fmt.Printf("captured %d bytes (%d Hz, %d-bit, %d channel)\n", len(pcm), info.SampleRate, info.Bits, info.Channels)
	if out != "" {
		if err := writeWAV(out, pcm, info); err != nil {
			return err
		}
		fmt.Println("wrote", out)
	}
	if play {
		if err := playPCM(pcm, info); err != nil {
			return err
		}
	}
	return nil
}

// collect drains chunk and marker channels until the utterance ends.
// The format is taken from the first chunk that carries one.
func collect(chunks <-chan protocol.AudioChunk, markers <-chan protocol.MarkerEvent, timeout time.Duration) ([]byte, protocol.FormatInfo, error) {
	var (
		pcm  []byte
		info protocol.FormatInfo
	)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case chunk := <-chunks:
			if !info.Known && chunk.SampleRate > 0 {
				info = protocol.FormatInfo{SampleRate: chunk.SampleRate, Bits: chunk.Bits, Channels: chunk.Channels, Known: true}
			}
			pcm = append(pcm, chunk.PCM...)
			if chunk.Final {
				return pcm, info, nil
			}
		case marker := <-markers:
			switch marker.Kind {
			case "done":
				return pcm, info, nil
			case "error":
				return pcm, info, fmt.Errorf("synthesis failed (utterance %d)", marker.Utterance)
			}
		case <-deadline.C:
			return pcm, info, fmt.Errorf("no terminal marker within %s", timeout)
		}
	}
}

func runStop(servers string) error {
	nc, err := connect(servers)
	if err != nil {
		return err
	}
	defer nc.Close()
	payload, err := json.Marshal(protocol.StopRequest{Timestamp: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	if err := nc.Publish(protocol.SubjectSpeechStop, payload); err != nil {
		return fmt.Errorf("publish stop: %w", err)
	}
	return nc.Flush()
}

func runSet(servers, name string, param, value int) error {
	switch name {
	case "voice", "variant", "rate_boost":
	case "param":
		if param < 1 {
			return errors.New("-setting param needs -param >= 1")
		}
	default:
		return fmt.Errorf("unknown setting %q (want voice, variant, rate_boost or param)", name)
	}
	nc, err := connect(servers)
	if err != nil {
		return err
	}
	defer nc.Close()
	payload, err := json.Marshal(protocol.SettingChange{Setting: name, Param: param, Value: value, Timestamp: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	if err := nc.Publish(protocol.SubjectSpeechSetting, payload); err != nil {
		return fmt.Errorf("publish setting: %w", err)
	}
	return nc.Flush()
}

func runFormat(servers string) error {
	nc, err := connect(servers)
	if err != nil {
		return err
	}
	defer nc.Close()
	msg, err := nc.Request(protocol.SubjectSpeechFormat, nil, 2*time.Second)
	if err != nil {
		return fmt.Errorf("format request: %w", err)
	}
	var info protocol.FormatInfo
	if err := json.Unmarshal(msg.Data, &info); err != nil {
		return fmt.Errorf("decode format reply: %w", err)
	}
	if !info.Known {
		fmt.Printf("format not yet reported (%s output path discovers it on the first utterance)\n", info.Variant)
		return nil
	}
	fmt.Printf("%d Hz, %d-bit, %d channel (%s)\n", info.SampleRate, info.Bits, info.Channels, info.Variant)
	return nil
}

func connect(servers string) (*nats.Conn, error) {
	nc, err := nats.Connect(servers, nats.Name("voxsay"), nats.Timeout(5*time.Second))
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", servers, err)
	}
	return nc, nil
}

func writeWAV(path string, pcm []byte, info protocol.FormatInfo) error {
	if len(pcm) == 0 {
		return errors.New("no audio captured")
	}
	rate, bits, channels := info.SampleRate, info.Bits, info.Channels
	if rate <= 0 {
		rate = 11025
	}
	if bits != 8 {
		bits = 16
	}
	if channels <= 0 {
		channels = 1
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	buf := &audio.IntBuffer{
		Format:         &audio.Format{SampleRate: rate, NumChannels: channels},
		SourceBitDepth: bits,
	}
	if bits == 16 {
		samples := make([]int, len(pcm)/2)
		for i := range samples {
			samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
		}
		buf.Data = samples
	} else {
		samples := make([]int, len(pcm))
		for i, b := range pcm {
			samples[i] = int(b)
		}
		buf.Data = samples
	}

	enc := wav.NewEncoder(f, rate, bits, channels, 1)
	if err := enc.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return fmt.Errorf("finalize wav: %w", err)
	}
	return f.Close()
}
