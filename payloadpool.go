package aqualink

// voicePayload is the reusable shape for a voice-update PATCH body's
// `voice` object. It is pooled per-Connection to avoid allocation churn on
// the hot reconcile path (§4.3).
type voicePayload struct {
	SessionID string `json:"sessionId,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	Token     string `json:"token,omitempty"`
	Resume    bool   `json:"resume,omitempty"`
	Sequence  int64  `json:"sequence,omitempty"`
}

func (p *voicePayload) reset() {
	p.SessionID = ""
	p.Endpoint = ""
	p.Token = ""
	p.Resume = false
	p.Sequence = 0
}

// payloadPool is a free list of at most payloadPoolSize pre-shaped voicePayload
// values. It is not thread-safe: each Connection owns its own pool and all
// traffic through it is serialized by the Connection's single-writer
// discipline (§5).
type payloadPool struct {
	free []*voicePayload
}

const payloadPoolSize = 12

func newPayloadPool() *payloadPool {
	return &payloadPool{free: make([]*voicePayload, 0, payloadPoolSize)}
}

// acquire returns a zeroed voicePayload, reusing one from the free list
// when available.
func (p *payloadPool) acquire() *voicePayload {
	if n := len(p.free); n > 0 {
		v := p.free[n-1]
		p.free = p.free[:n-1]
		return v
	}
	return &voicePayload{}
}

// release resets fields and returns v to the free list, up to payloadPoolSize.
func (p *payloadPool) release(v *voicePayload) {
	if v == nil {
		return
	}
	v.reset()
	if len(p.free) < payloadPoolSize {
		p.free = append(p.free, v)
	}
}
