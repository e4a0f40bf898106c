package replay

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/kandev/streambridge/internal/session"
	"github.com/kandev/streambridge/internal/unified"
)

// Printer is a presentation sink that writes one JSON object per update.
type Printer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

var _ session.Presentation = (*Printer)(nil)

// Record is one line written by Printer.
type Record struct {
	Kind      string           `json:"kind"`
	Key       string           `json:"key"`
	Message   *unified.Message `json:"message,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
	Loading   *bool            `json:"loading,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// NewPrinter writes records to w.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{enc: json.NewEncoder(w)}
}

func (p *Printer) write(rec Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.enc.Encode(rec)
}

func (p *Printer) AppendMessage(key string, msg *unified.Message) {
	p.write(Record{Kind: "append", Key: key, Message: msg})
}

func (p *Printer) UpdateMessage(key string, msg *unified.Message) {
	p.write(Record{Kind: "update", Key: key, Message: msg})
}

func (p *Printer) SetSessionID(key, sessionID string) {
	p.write(Record{Kind: "session_id", Key: key, SessionID: sessionID})
}

func (p *Printer) SetLoading(key string, loading bool) {
	p.write(Record{Kind: "loading", Key: key, Loading: &loading})
}

func (p *Printer) SetError(key, message string) {
	p.write(Record{Kind: "error", Key: key, Error: message})
}
