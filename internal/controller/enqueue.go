package controller

import (
	"context"

	"github.com/opencode-ai/opencode/internal/agentproc"
	"github.com/opencode-ai/opencode/internal/logging"
	"github.com/opencode-ai/opencode/internal/pipeline"
	"github.com/opencode-ai/opencode/pkg/model"
)

// EnqueueUserMessage is the Controller's front door for a new user turn: it
// wires the Message Pipeline's enqueue hooks (provider-switch abort,
// live-config application, first-message title) to this Controller's own
// state before delegating to the Pipeline. It first waits for any
// in-progress rewind. Step 7's pre-warm-to-active transition then runs
// unconditionally, since it does nothing when no pre-warm is in progress
// and no system-init is buffered.
func (c *Controller) EnqueueUserMessage(ctx context.Context, text string, images []pipeline.ImageAttachment, meta *model.MessageMeta) (*pipeline.QueueItem, error) {
	c.rewindMu.Lock()
	c.rewindMu.Unlock()

	c.promotePreWarm(ctx)

	c.mu.Lock()
	pipe := c.pipe
	providerEnv := c.provider.Env()
	mode := string(c.permissionMode)
	modelID := c.sessionModel
	firstMessage := c.meta != nil && c.meta.TranscriptLines == 0
	c.mu.Unlock()
	if pipe == nil {
		return nil, errNoActiveSession{}
	}

	hooks := pipeline.EnqueueHooks{
		AbortLiveForProviderSwitch: func() { c.abortCurrent() },
		ApplyLiveConfig:            c.applyLiveConfig,
		FirstMessage:               firstMessage,
		OnFirstMessageTitle: func(title string) {
			c.mu.Lock()
			sessionID := c.sessionID
			c.mu.Unlock()
			_ = c.deps.Store.UpdateMetadata(ctx, sessionID, func(m *model.SessionMeta) { m.Title = title })
		},
	}

	req := pipeline.EnqueueRequest{
		Text:        text,
		Images:      images,
		Mode:        mode,
		Model:       modelID,
		ProviderEnv: providerEnv,
		Meta:        meta,
	}
	return pipe.EnqueueUserMessage(req, hooks)
}

// applyLiveConfig implements step 5's non-busy branch: push the session's
// current mode/model to an already-alive subprocess so the next turn uses
// them without a restart.
func (c *Controller) applyLiveConfig(mode, modelID string) {
	c.mu.Lock()
	proc := c.proc
	c.mu.Unlock()
	if proc == nil {
		return
	}
	if modelID != "" {
		if err := proc.SendControlMessage(agentproc.ControlMessage{Type: "set_model", Payload: modelID}); err != nil {
			logging.Warn().Err(err).Msg("controller: live set-model call failed")
		}
	}
	if err := proc.SendControlMessage(agentproc.ControlMessage{Type: "set_permission_mode", Payload: mode}); err != nil {
		logging.Warn().Err(err).Msg("controller: live set-permission-mode call failed")
	}
}

type errNoActiveSession struct{}

func (errNoActiveSession) Error() string { return "controller: no active session; call Initialize first" }
