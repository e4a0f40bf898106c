// Package replay plays recorded engine traffic onto the event bus, so a
// session pipeline can be reproduced without running an engine CLI.
package replay

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kandev/streambridge/internal/events"
	"github.com/kandev/streambridge/internal/unified"
)

// Scenario is one recorded session.
//
//	engine: codex
//	key: tab-1
//	steps:
//	  - line: '{"type":"thread.started","thread_id":"T1"}'
//	  - session_id: T1
//	    line: '{"type":"turn.completed","usage":{"input_tokens":3,"output_tokens":1}}'
//	    delay: 50ms
//	  - channel: complete
//	    session_id: T1
//	    success: true
type Scenario struct {
	Name   string `yaml:"name"`
	Engine string `yaml:"engine"`
	// Key tags every step that does not carry its own.
	Key string `yaml:"key"`
	// SessionID opens the session as a resume of this id.
	SessionID   string `yaml:"session_id"`
	ProjectPath string `yaml:"project_path"`
	Steps       []Step `yaml:"steps"`
}

// Step is one bus event. Channel defaults to output.
type Step struct {
	Channel   string         `yaml:"channel"`
	SessionID string         `yaml:"session_id"`
	Key       string         `yaml:"key"`
	Line      string         `yaml:"line"`
	Event     map[string]any `yaml:"event"`
	Error     string         `yaml:"error"`
	Success   *bool          `yaml:"success"`
	Previous  string         `yaml:"previous"`
	// Delay is waited before the step is published.
	Delay time.Duration `yaml:"delay"`
}

// Load reads a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	sc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if sc.Name == "" {
		sc.Name = path
	}
	return sc, nil
}

// Parse decodes and validates a scenario document.
func Parse(data []byte) (*Scenario, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var sc Scenario
	if err := dec.Decode(&sc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty scenario")
		}
		return nil, fmt.Errorf("decode scenario: %w", err)
	}
	if err := sc.validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// EngineName returns the parsed engine.
func (sc *Scenario) EngineName() unified.Engine {
	engine, _ := unified.ParseEngine(sc.Engine)
	return engine
}

func (sc *Scenario) validate() error {
	if _, ok := unified.ParseEngine(sc.Engine); !ok {
		return fmt.Errorf("unsupported engine %q", sc.Engine)
	}
	if len(sc.Steps) == 0 {
		return errors.New("scenario has no steps")
	}
	for i := range sc.Steps {
		step := &sc.Steps[i]
		if step.Channel == "" {
			step.Channel = events.ChannelOutput
		}
		if err := step.validate(); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return nil
}

func (s *Step) validate() error {
	if _, ok := events.EventType(s.Channel); !ok {
		return fmt.Errorf("unknown channel %q", s.Channel)
	}
	if s.Delay < 0 {
		return errors.New("negative delay")
	}
	switch s.Channel {
	case events.ChannelOutput:
		if s.Line == "" && s.Event == nil {
			return errors.New("output needs line or event")
		}
	case events.ChannelSessionInit:
		if s.SessionID == "" {
			return errors.New("session_init needs session_id")
		}
	}
	return nil
}

// data builds the bus payload of the step. Output steps carry their
// position as the line sequence number.
func (s *Step) data(key string, seq int64) map[string]any {
	if s.Key != "" {
		key = s.Key
	}
	data := map[string]any{}
	if key != "" {
		data[events.DataKey] = key
	}
	if s.SessionID != "" {
		data[events.DataSessionID] = s.SessionID
	}
	switch s.Channel {
	case events.ChannelOutput:
		if s.Line != "" {
			data[events.DataLine] = s.Line
		} else {
			data[events.DataEvent] = s.Event
		}
		data[events.DataSeq] = seq
	case events.ChannelError:
		text := s.Error
		if text == "" {
			text = s.Line
		}
		data[events.DataError] = text
	case events.ChannelComplete:
		success := true
		if s.Success != nil {
			success = *s.Success
		}
		data[events.DataSuccess] = success
	case events.ChannelSessionInit:
		if s.Previous != "" {
			data[events.DataPrevious] = s.Previous
		}
	}
	return data
}
