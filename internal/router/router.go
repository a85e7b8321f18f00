// Package router maps inbound domain events to UI directives and note
// side effects using a fixed per-family rule table.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/tetherhq/tether/internal/scheduler"
	"github.com/tetherhq/tether/internal/storage"
	"github.com/tetherhq/tether/pkg/models"
)

// PanelDirector delivers a UI directive toward a user's connections.
type PanelDirector interface {
	Direct(ctx context.Context, userID string, directive models.UIDirective) error
}

// Config configures a Router.
type Config struct {
	Panels PanelDirector
	Notes  storage.NoteStore
	Clock  scheduler.Clock
}

// Router is stateless; every event is routed independently.
type Router struct {
	panels PanelDirector
	notes  storage.NoteStore
	clock  scheduler.Clock
	logger *slog.Logger
}

// New creates a Router.
func New(config Config, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = scheduler.NewRealClock()
	}
	return &Router{
		panels: config.Panels,
		notes:  config.Notes,
		clock:  config.Clock,
		logger: logger.With("component", "router"),
	}
}

// Route maps one event through the rule table. Downstream calls run
// concurrently; failures are logged and never roll back the other side
// effects of the same rule.
func (r *Router) Route(ctx context.Context, event models.DomainEvent) {
	var effects []func(context.Context) error

	switch event.Family {
	case models.FamilyVoiceSession:
		effects = r.voiceSessionEffects(event)
	case models.FamilyChatMessage:
		effects = r.chatMessageEffects(event)
	case models.FamilyNote:
		effects = r.noteEffects(event)
	default:
		r.logger.Warn("unroutable event family", "family", event.Family, "event_id", event.ID)
		return
	}

	var wg sync.WaitGroup
	for _, effect := range effects {
		wg.Add(1)
		go func(fn func(context.Context) error) {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				r.logger.Warn("routing side effect failed",
					"event_id", event.ID,
					"family", event.Family,
					"error", err,
				)
			}
		}(effect)
	}
	wg.Wait()
}

func (r *Router) voiceSessionEffects(event models.DomainEvent) []func(context.Context) error {
	vs := event.VoiceSession
	if vs == nil {
		return nil
	}

	var effects []func(context.Context) error
	switch vs.Phase {
	case models.PhaseStarted:
		effects = append(effects, r.directive(event.UserID, models.UIDirective{
			Action:    models.DirectiveShow,
			Panel:     models.PanelVoiceSession,
			SessionID: vs.SessionID,
		}))

	case models.PhaseProcessing:
		if vs.Transcript != "" {
			effects = append(effects, r.directive(event.UserID, models.UIDirective{
				Action:    models.DirectiveUpdate,
				Panel:     models.PanelTranscript,
				SessionID: vs.SessionID,
				Content:   vs.Transcript,
			}))
		}

	case models.PhaseResponseReady:
		effects = append(effects, r.directive(event.UserID, models.UIDirective{
			Action:    models.DirectiveShow,
			Panel:     models.PanelAIResponse,
			SessionID: vs.SessionID,
			Content:   vs.GeneratedContent,
		}))
		if vs.GeneratedContent != "" {
			effects = append(effects, r.createNote(event.UserID, vs.SessionID, vs.GeneratedContent))
		}

	case models.PhaseCompleted:
		effects = append(effects, r.directive(event.UserID, models.UIDirective{
			Action:    models.DirectiveHide,
			Panel:     models.PanelVoiceSession,
			SessionID: vs.SessionID,
		}))
		summary := fmt.Sprintf("Voice session %s: %d messages, %.1fs", vs.SessionID, vs.MessageCount, vs.TotalDuration)
		effects = append(effects, r.createNote(event.UserID, vs.SessionID, summary))

	case models.PhaseError:
		effects = append(effects, r.directive(event.UserID, models.UIDirective{
			Action:    models.DirectiveShow,
			Panel:     models.PanelError,
			SessionID: vs.SessionID,
		}))
	}
	return effects
}

func (r *Router) chatMessageEffects(event models.DomainEvent) []func(context.Context) error {
	cm := event.ChatMessage
	if cm == nil {
		return nil
	}

	var effects []func(context.Context) error
	if cm.RichContent != "" {
		effects = append(effects, r.directive(event.UserID, models.UIDirective{
			Action:    models.DirectiveShow,
			Panel:     models.PanelRichContent,
			SessionID: cm.SessionID,
			Content:   cm.RichContent,
		}))
	}
	if cm.GeneratedMedia != "" {
		effects = append(effects, r.directive(event.UserID, models.UIDirective{
			Action:    models.DirectiveShow,
			Panel:     models.PanelGeneratedMedia,
			SessionID: cm.SessionID,
			Content:   cm.GeneratedMedia,
		}))
	}
	return effects
}

func (r *Router) noteEffects(event models.DomainEvent) []func(context.Context) error {
	note := event.Note
	if note == nil {
		return nil
	}

	var action models.DirectiveAction
	switch note.Action {
	case models.NoteCreated:
		action = models.DirectiveShow
	case models.NoteUpdated:
		action = models.DirectiveUpdate
	case models.NoteDeleted:
		action = models.DirectiveRemove
	default:
		r.logger.Warn("unroutable note action", "action", note.Action, "event_id", event.ID)
		return nil
	}

	return []func(context.Context) error{
		r.directive(event.UserID, models.UIDirective{
			Action:  action,
			Panel:   models.PanelNote,
			NoteID:  note.NoteID,
			Content: note.Content,
		}),
	}
}

func (r *Router) directive(userID string, directive models.UIDirective) func(context.Context) error {
	return func(ctx context.Context) error {
		return r.panels.Direct(ctx, userID, directive)
	}
}

func (r *Router) createNote(userID, sessionID, content string) func(context.Context) error {
	return func(ctx context.Context) error {
		now := r.clock.Now()
		return r.notes.Create(ctx, &models.Note{
			ID:        uuid.NewString(),
			UserID:    userID,
			SessionID: sessionID,
			Content:   content,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
}
