package services

import "sync"

// Progress event names
const (
	EventEmailBuffer = "email-buffer"
	EventUploadFile  = "upload-file"
)

// EmailBuffer is the payload of an email-buffer progress event. Current and
// Total are page numbers while sending, or strings for the cancellation
// notice.
type EmailBuffer struct {
	Current  interface{} `json:"current"`
	Total    interface{} `json:"total"`
	Template int64       `json:"template"`
	Sending  bool        `json:"sending"`
	Status   string      `json:"status"`
	Message  string      `json:"message,omitempty"`
}

// Observer receives progress events. It must not block.
type Observer func(event string, payload interface{})

// ProgressReporter forwards progress events to at most one observer. A new
// observer replaces the previous one.
type ProgressReporter struct {
	mu       sync.RWMutex
	observer Observer
	gen      uint64
}

func NewProgressReporter() *ProgressReporter {
	return &ProgressReporter{}
}

// Attach makes o the current observer. The returned func detaches it unless
// another observer has been attached since.
func (p *ProgressReporter) Attach(o Observer) (detach func()) {
	p.mu.Lock()
	p.gen++
	gen := p.gen
	p.observer = o
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.gen == gen {
			p.observer = nil
		}
	}
}

// Emit delivers a known event to the current observer, if any.
func (p *ProgressReporter) Emit(event string, payload interface{}) {
	if event != EventEmailBuffer && event != EventUploadFile {
		return
	}
	p.mu.RLock()
	o := p.observer
	p.mu.RUnlock()
	if o != nil {
		o(event, payload)
	}
}
