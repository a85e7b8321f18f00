package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tetherhq/tether/internal/scheduler"
	"github.com/tetherhq/tether/internal/storage"
	"github.com/tetherhq/tether/pkg/models"
)

type recordingDirector struct {
	mu         sync.Mutex
	directives []models.UIDirective
	err        error
}

func (d *recordingDirector) Direct(_ context.Context, _ string, directive models.UIDirective) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.directives = append(d.directives, directive)
	return nil
}

func (d *recordingDirector) all() []models.UIDirective {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.UIDirective(nil), d.directives...)
}

func newTestRouter() (*Router, *recordingDirector, storage.NoteStore) {
	director := &recordingDirector{}
	notes := storage.NewMemoryStores().Notes
	r := New(Config{
		Panels: director,
		Notes:  notes,
		Clock:  scheduler.NewFakeClock(time.Unix(0, 0)),
	}, nil)
	return r, director, notes
}

func voiceEvent(phase models.VoiceSessionPhase, mutate func(*models.VoiceSessionEvent)) models.DomainEvent {
	vs := &models.VoiceSessionEvent{SessionID: "sess-1", Phase: phase}
	if mutate != nil {
		mutate(vs)
	}
	return models.DomainEvent{
		ID:           "evt-1",
		Family:       models.FamilyVoiceSession,
		UserID:       "user-1",
		VoiceSession: vs,
	}
}

func countNotes(t *testing.T, notes storage.NoteStore) int {
	t.Helper()
	out, err := notes.List(context.Background(), "user-1", 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	return len(out)
}

func TestResponseReadyWithContentShowsPanelAndCreatesOneNote(t *testing.T) {
	r, director, notes := newTestRouter()

	r.Route(context.Background(), voiceEvent(models.PhaseResponseReady, func(vs *models.VoiceSessionEvent) {
		vs.GeneratedContent = "summary of the answer"
	}))

	directives := director.all()
	if len(directives) != 1 {
		t.Fatalf("directives = %d, want 1", len(directives))
	}
	if directives[0].Panel != models.PanelAIResponse || directives[0].Action != models.DirectiveShow {
		t.Errorf("directive = %+v, want show ai_response", directives[0])
	}
	if got := countNotes(t, notes); got != 1 {
		t.Errorf("notes created = %d, want exactly 1", got)
	}
}

func TestResponseReadyWithoutContentShowsPanelOnly(t *testing.T) {
	r, director, notes := newTestRouter()

	r.Route(context.Background(), voiceEvent(models.PhaseResponseReady, nil))

	if got := len(director.all()); got != 1 {
		t.Fatalf("directives = %d, want 1", got)
	}
	if got := countNotes(t, notes); got != 0 {
		t.Errorf("notes created = %d, want 0", got)
	}
}

func TestStartedShowsVoicePanel(t *testing.T) {
	r, director, _ := newTestRouter()

	r.Route(context.Background(), voiceEvent(models.PhaseStarted, nil))

	directives := director.all()
	if len(directives) != 1 {
		t.Fatalf("directives = %d, want 1", len(directives))
	}
	d := directives[0]
	if d.Action != models.DirectiveShow || d.Panel != models.PanelVoiceSession || d.SessionID != "sess-1" {
		t.Errorf("directive = %+v, want show voice_session sess-1", d)
	}
}

func TestProcessingWithoutTranscriptProducesNothing(t *testing.T) {
	r, director, _ := newTestRouter()

	r.Route(context.Background(), voiceEvent(models.PhaseProcessing, nil))

	if got := len(director.all()); got != 0 {
		t.Errorf("directives = %d, want 0", got)
	}
}

func TestProcessingWithTranscriptUpdatesPanel(t *testing.T) {
	r, director, _ := newTestRouter()

	r.Route(context.Background(), voiceEvent(models.PhaseProcessing, func(vs *models.VoiceSessionEvent) {
		vs.Transcript = "hello world"
	}))

	directives := director.all()
	if len(directives) != 1 {
		t.Fatalf("directives = %d, want 1", len(directives))
	}
	d := directives[0]
	if d.Action != models.DirectiveUpdate || d.Panel != models.PanelTranscript || d.Content != "hello world" {
		t.Errorf("directive = %+v, want update transcript", d)
	}
}

func TestCompletedHidesPanelAndWritesSummaryNote(t *testing.T) {
	r, director, notes := newTestRouter()

	r.Route(context.Background(), voiceEvent(models.PhaseCompleted, func(vs *models.VoiceSessionEvent) {
		vs.MessageCount = 4
		vs.TotalDuration = 12.5
	}))

	directives := director.all()
	if len(directives) != 1 {
		t.Fatalf("directives = %d, want 1", len(directives))
	}
	if directives[0].Action != models.DirectiveHide || directives[0].Panel != models.PanelVoiceSession {
		t.Errorf("directive = %+v, want hide voice_session", directives[0])
	}

	out, err := notes.List(context.Background(), "user-1", 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("notes = %d, want 1", len(out))
	}
	if out[0].SessionID != "sess-1" {
		t.Errorf("note SessionID = %q, want sess-1", out[0].SessionID)
	}
}

func TestChatMessagePanels(t *testing.T) {
	r, director, _ := newTestRouter()

	r.Route(context.Background(), models.DomainEvent{
		ID:     "evt-2",
		Family: models.FamilyChatMessage,
		UserID: "user-1",
		ChatMessage: &models.ChatMessageEvent{
			MessageID:      "msg-1",
			SessionID:      "sess-1",
			RichContent:    "<card/>",
			GeneratedMedia: "https://cdn/image.png",
		},
	})

	directives := director.all()
	if len(directives) != 2 {
		t.Fatalf("directives = %d, want 2", len(directives))
	}
	panels := map[models.Panel]bool{}
	for _, d := range directives {
		panels[d.Panel] = true
	}
	if !panels[models.PanelRichContent] || !panels[models.PanelGeneratedMedia] {
		t.Errorf("panels = %v, want rich_content and generated_media", panels)
	}
}

func TestNoteEventsEchoIDAndContent(t *testing.T) {
	tests := []struct {
		action models.NoteAction
		want   models.DirectiveAction
	}{
		{models.NoteCreated, models.DirectiveShow},
		{models.NoteUpdated, models.DirectiveUpdate},
		{models.NoteDeleted, models.DirectiveRemove},
	}

	for _, tt := range tests {
		t.Run(string(tt.action), func(t *testing.T) {
			r, director, _ := newTestRouter()
			r.Route(context.Background(), models.DomainEvent{
				ID:     "evt-3",
				Family: models.FamilyNote,
				UserID: "user-1",
				Note: &models.NoteEvent{
					Action:  tt.action,
					NoteID:  "note-1",
					Content: "note body",
				},
			})

			directives := director.all()
			if len(directives) != 1 {
				t.Fatalf("directives = %d, want 1", len(directives))
			}
			d := directives[0]
			if d.Action != tt.want || d.Panel != models.PanelNote || d.NoteID != "note-1" || d.Content != "note body" {
				t.Errorf("directive = %+v, want %v note panel echoing note-1", d, tt.want)
			}
		})
	}
}

func TestPanelFailureDoesNotBlockNoteCreation(t *testing.T) {
	r, director, notes := newTestRouter()
	director.err = errors.New("panel unreachable")

	r.Route(context.Background(), voiceEvent(models.PhaseResponseReady, func(vs *models.VoiceSessionEvent) {
		vs.GeneratedContent = "content"
	}))

	if got := countNotes(t, notes); got != 1 {
		t.Errorf("notes created = %d, want 1 despite panel failure", got)
	}
}

func TestUnknownFamilyIgnored(t *testing.T) {
	r, director, _ := newTestRouter()

	r.Route(context.Background(), models.DomainEvent{ID: "evt-4", Family: "bogus", UserID: "user-1"})

	if got := len(director.all()); got != 0 {
		t.Errorf("directives = %d, want 0", got)
	}
}
