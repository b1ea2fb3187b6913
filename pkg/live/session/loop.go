package session

import (
	"context"
	"errors"
	"time"

	"github.com/vango-go/vai-call/pkg/analysis"
	"github.com/vango-go/vai-call/pkg/audio"
	"github.com/vango-go/vai-call/pkg/core"
	"github.com/vango-go/vai-call/pkg/live/protocol"
	"github.com/vango-go/vai-call/pkg/live/transcript"
)

// UpdateKind says which field of an Update is meaningful.
type UpdateKind int

const (
	UpdateState UpdateKind = iota
	UpdateEntry
	UpdateAmplitude
	UpdateGrounding
	UpdateError
	UpdateAnalysis
)

// Update is a notification for the surface driving the controller.
type Update struct {
	Kind      UpdateKind
	State     State
	Entry     transcript.Entry
	Amplitude [2]audio.AmplitudeSample
	Files     []GroundingFile
	Analytics *analysis.Analytics
	Err       error
}

// Updates delivers state changes, transcript entries, amplitude samples,
// grounding files, errors and analysis results. Updates are dropped when the
// reader falls behind; the accessor methods always hold the latest values.
func (c *Controller) Updates() <-chan Update {
	return c.updates
}

func (c *Controller) emit(u Update) {
	select {
	case c.updates <- u:
	default:
		if u.Kind != UpdateAmplitude {
			c.logger.Debug("update dropped", "kind", u.Kind)
		}
	}
}

// loop is the single control goroutine of an active call. It owns the
// transcript and playback routing and samples amplitude on a ticker.
func (c *Controller) loop(cl *call) {
	defer close(cl.done)

	ticker := time.NewTicker(c.cfg.AmplitudeInterval)
	defer ticker.Stop()

	events := cl.conn.Events()
	deviceErr := cl.capture.Err()
	for {
		select {
		case <-cl.ctx.Done():
			return
		case <-ticker.C:
			c.sampleAmplitude(cl)
		case err := <-deviceErr:
			deviceErr = nil
			c.fail(cl, err)
			return
		case ev, ok := <-events:
			if !ok {
				c.fail(cl, core.NewTransportError("session.events", errors.New("connection closed")))
				return
			}
			if fatal := c.handle(ev); fatal != nil {
				c.fail(cl, fatal)
				return
			}
		}
	}
}

// fail reports a session-fatal error and stops the call from a separate
// goroutine, since stop waits for this loop to exit.
func (c *Controller) fail(cl *call, err error) {
	c.logger.Error("call failed", "session_id", cl.id, "error", err)
	c.metrics.RecordError("session", errKind(err))
	c.emit(Update{Kind: UpdateError, Err: err})
	go func() {
		if _, stopErr := c.stop(context.Background(), cl, err); stopErr != nil {
			c.logger.Warn("stopping failed call", "error", stopErr)
		}
	}()
}

// handle routes one inbound event. It returns a non-nil error only for
// session-fatal events.
func (c *Controller) handle(ev protocol.ServerEvent) error {
	switch msg := ev.(type) {
	case protocol.InputAudioTranscriptionCompleted:
		if e, ok := c.assembler.CustomerCompleted(msg.Transcript); ok {
			c.metrics.RecordEntry(string(e.Speaker))
			c.emit(Update{Kind: UpdateEntry, Entry: e})
		}

	case protocol.ResponseAudioTranscriptDelta:
		c.assembler.AgentDelta(msg.Delta)

	case protocol.ResponseDone:
		if e, ok := c.assembler.ResponseDone(); ok {
			c.metrics.RecordEntry(string(e.Speaker))
			c.emit(Update{Kind: UpdateEntry, Entry: e})
		}

	case protocol.ResponseAudioDelta:
		c.playAgentAudio(msg.Delta)

	case protocol.InputAudioBufferSpeechStarted:
		// Barge-in: the customer is talking over the agent.
		if err := c.deps.Player.Flush(); err != nil {
			c.logger.Warn("barge-in flush failed", "error", err)
			c.emit(Update{Kind: UpdateError, Err: err})
		}
		c.metrics.RecordBargeIn()

	case protocol.ExtensionToolResponse:
		c.addGrounding(msg)

	case protocol.Error:
		if msg.Fatal {
			if msg.Err != nil {
				return msg.Err
			}
			return core.NewTransportError("session.events", msg)
		}
		c.logger.Warn("agent reported an error", "code", msg.Code, "message", msg.Message)
		kind := msg.ErrType
		if kind == "" {
			kind = "unknown"
		}
		c.metrics.RecordError("agent", kind)
		c.emit(Update{Kind: UpdateError, Err: msg})

	default:
		c.logger.Debug("ignoring event", "type", ev.EventType())
	}
	return nil
}

func (c *Controller) playAgentAudio(delta string) {
	pcm, err := protocol.DecodeAudio(delta)
	if err != nil {
		c.logger.Warn("dropping agent audio", "error", err)
		c.metrics.RecordError("session", string(core.KindDecode))
		return
	}
	f := audio.Frame{Format: c.deps.Player.Format(), PCM: pcm}
	if err := c.deps.Player.Play(f); err != nil {
		c.logger.Debug("agent audio not played", "error", err)
		return
	}
	if c.deps.AgentRecorder != nil {
		if err := c.deps.AgentRecorder.Write(f); err != nil {
			c.logger.Debug("agent recording failed", "error", err)
		}
	}
}

func (c *Controller) addGrounding(msg protocol.ExtensionToolResponse) {
	res, err := protocol.DecodeToolResult(msg.ToolResult)
	if err != nil {
		c.logger.Warn("dropping tool result", "tool", msg.ToolName, "error", err)
		c.metrics.RecordError("session", string(core.KindDecode))
		c.emit(Update{Kind: UpdateError, Err: err})
		return
	}

	files := make([]GroundingFile, 0, len(res.Sources))
	for _, s := range res.Sources {
		files = append(files, GroundingFile{ID: s.ChunkID, Name: s.Title, Content: s.Chunk})
	}
	c.mu.Lock()
	c.grounding = append(c.grounding, files...)
	c.mu.Unlock()

	c.metrics.RecordGrounding(len(files))
	c.emit(Update{Kind: UpdateGrounding, Files: files})
}

func (c *Controller) sampleAmplitude(cl *call) {
	now := c.clock()
	local := cl.capture.Amplitude()
	remote := c.deps.Player.Amplitude()
	c.localAmp.store(local, now)
	c.remoteAmp.store(remote, now)
	c.emit(Update{Kind: UpdateAmplitude, Amplitude: [2]audio.AmplitudeSample{
		{Source: audio.Local, Value: local, At: now},
		{Source: audio.Remote, Value: remote, At: now},
	}})
}

func errKind(err error) string {
	if kind := core.KindOf(err); kind != "" {
		return string(kind)
	}
	return "unknown"
}
