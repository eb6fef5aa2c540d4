// Package pipeline implements the Message Pipeline: it serializes user
// messages into the subprocess's single stdin channel, one per turn,
// without coupling enqueue callers to subprocess timing.
//
// The per-session state shape (mutex-protected map, waiter channels,
// cancel funcs) is grounded on the teacher's session/processor.go
// Processor/sessionState; the blocking-Process-call model there is
// replaced with an explicit two-wait generator
// (waitForMessage/waitForTurnComplete) per the spec's persistent-yield
// design, expressed in Go as a goroutine reading from two channels.
package pipeline

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/opencode-ai/opencode/pkg/model"
)

// QueueCap is the backend queue cap enforced when a session is busy.
const QueueCap = 10

// ImageAttachment is a caller-supplied inline image to be persisted as an
// attachment before the enqueued message is built.
type ImageAttachment struct {
	ID       string
	MimeType string
	Base64   string
}

// EnqueueRequest is the input to EnqueueUserMessage.
type EnqueueRequest struct {
	Text        string
	Images      []ImageAttachment
	Mode        string
	Model       string
	ProviderEnv map[string]string
	Meta        *model.MessageMeta
}

// QueueItem is one pending or in-flight turn.
type QueueItem struct {
	ID          string
	Text        string
	Content     json.RawMessage // wire body handed to the subprocess (images before text)
	WasQueued   bool
	Attachments []model.Attachment
	Meta        *model.MessageMeta
	resolved    chan struct{}
}

// Resolve unblocks any caller awaiting this item's resolution (cancel,
// or eventual yield+completion); safe to call more than once.
func (q *QueueItem) Resolve() {
	select {
	case <-q.resolved:
	default:
		close(q.resolved)
	}
}

// Resolved returns a channel closed once the item resolves.
func (q *QueueItem) Resolved() <-chan struct{} { return q.resolved }

func newQueueItem(req EnqueueRequest, content json.RawMessage, attachments []model.Attachment, wasQueued bool) *QueueItem {
	return &QueueItem{
		ID:          ulid.Make().String(),
		Text:        req.Text,
		Content:     content,
		WasQueued:   wasQueued,
		Attachments: attachments,
		Meta:        req.Meta,
		resolved:    make(chan struct{}),
	}
}

// ErrQueueFull is returned when the backend queue cap is exceeded.
type ErrQueueFull struct{}

func (ErrQueueFull) Error() string { return fmt.Sprintf("pipeline: queue is full (cap %d)", QueueCap) }

// SaveAttachment is the subset of the Session Store's attachment API the
// pipeline needs, kept as a function type so tests can stub it.
type SaveAttachment func(sessionID, attachmentID, mimeType, base64Data string) (model.Attachment, error)

// saveImages persists every image attachment and returns the saved
// attachment records in input order. The image content parts themselves
// are built by buildContent.
func saveImages(sessionID string, images []ImageAttachment, save SaveAttachment) ([]model.Attachment, error) {
	var out []model.Attachment
	for _, img := range images {
		id := img.ID
		if id == "" {
			id = ulid.Make().String()
		}
		if _, err := base64.StdEncoding.DecodeString(img.Base64); err != nil {
			return nil, fmt.Errorf("pipeline: invalid base64 image data: %w", err)
		}
		att, err := save(sessionID, id, img.MimeType, img.Base64)
		if err != nil {
			return nil, fmt.Errorf("pipeline: save attachment: %w", err)
		}
		out = append(out, att)
	}
	return out, nil
}
