package commands

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/chorus/internal/archive"
	"github.com/MrWong99/chorus/internal/discord"
	"github.com/MrWong99/chorus/internal/discord/mock"
	"github.com/MrWong99/chorus/internal/mixdown"
	"github.com/MrWong99/chorus/internal/segment"
	"github.com/MrWong99/chorus/internal/session"
)

const testGuild = "guild-1"

// fakeRecorder is a hand-written Recorder double.
type fakeRecorder struct {
	mu sync.Mutex

	active     []session.Info
	startErr   error
	stopErr    error
	stopResult session.StopResult

	starts [][]session.Participant
	stops  []string
}

func (f *fakeRecorder) Start(_ context.Context, roomID string, participants []session.Participant) (session.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, participants)
	if f.startErr != nil {
		return session.Info{}, f.startErr
	}
	capturing := 0
	for _, p := range participants {
		if !p.Bot {
			capturing++
		}
	}
	info := session.Info{
		SessionID:    "0f8fad5b-d9cb-469f-a165-70867728950e",
		RoomID:       roomID,
		StartedAt:    time.Now(),
		Participants: capturing,
		Capturing:    capturing,
	}
	f.active = append(f.active, info)
	return info, nil
}

func (f *fakeRecorder) Stop(_ context.Context, roomID string) (session.StopResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, roomID)
	if f.stopErr != nil {
		return session.StopResult{}, f.stopErr
	}
	res := f.stopResult
	res.RoomID = roomID
	return res, nil
}

func (f *fakeRecorder) Active() []session.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session.Info(nil), f.active...)
}

func member(id, nick, username string, bot bool) *discordgo.Member {
	return &discordgo.Member{
		Nick: nick,
		User: &discordgo.User{ID: id, Username: username, Bot: bot},
	}
}

// newState builds a discordgo state with alice and a bot in voice-1 and
// carol in voice-2. dave is a guild member outside voice.
func newState(t *testing.T) *discordgo.State {
	t.Helper()
	alice := member("alice", "Ali", "alice_u", false)
	bot := member("bot", "", "musicbot", true)
	carol := member("carol", "", "carol_u", false)
	dave := member("dave", "", "dave_u", false)

	st := discordgo.NewState()
	err := st.GuildAdd(&discordgo.Guild{
		ID:      testGuild,
		Members: []*discordgo.Member{alice, bot, carol, dave},
		VoiceStates: []*discordgo.VoiceState{
			{GuildID: testGuild, ChannelID: "voice-1", UserID: "alice"},
			{GuildID: testGuild, ChannelID: "voice-1", UserID: "bot"},
			{GuildID: testGuild, ChannelID: "voice-2", UserID: "carol", Member: carol},
		},
	})
	if err != nil {
		t.Fatalf("GuildAdd: %v", err)
	}
	return st
}

func interaction(userID string, roles ...string) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:      "interaction-1",
			GuildID: testGuild,
			Member: &discordgo.Member{
				User:  &discordgo.User{ID: userID},
				Roles: roles,
			},
		},
	}
}

func newCommands(rec Recorder, store archive.Store, roleID string) *RecordCommands {
	return &RecordCommands{
		recorder: rec,
		archive:  store,
		perms:    discord.NewPermissionChecker(roleID),
		guildID:  testGuild,
	}
}

func lastContent(t *testing.T, r *mock.InteractionResponder) string {
	t.Helper()
	if fu := r.LastFollowUp(); fu != nil {
		return fu.Content
	}
	resp := r.LastResponse()
	if resp == nil || resp.Data == nil {
		t.Fatal("no response recorded")
	}
	return resp.Data.Content
}

func TestRecordStart_RequiresRole(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{}
	rc := newCommands(rec, nil, "recorder-role")
	resp := &mock.InteractionResponder{}

	rc.handleStart(resp, newState(t), interaction("alice", "other-role"))

	if got := lastContent(t, resp); !strings.Contains(got, "recorder role") {
		t.Errorf("response = %q, want role message", got)
	}
	if len(rec.starts) != 0 {
		t.Errorf("Start called %d times, want 0", len(rec.starts))
	}
}

func TestRecordStart_NotInVoice(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{}
	rc := newCommands(rec, nil, "")
	resp := &mock.InteractionResponder{}

	rc.handleStart(resp, newState(t), interaction("dave"))

	if got := lastContent(t, resp); !strings.Contains(got, "voice channel") {
		t.Errorf("response = %q, want voice channel message", got)
	}
	if len(rec.starts) != 0 {
		t.Errorf("Start called %d times, want 0", len(rec.starts))
	}
}

func TestRecordStart_Success(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{}
	rc := newCommands(rec, nil, "recorder-role")
	resp := &mock.InteractionResponder{}

	rc.handleStart(resp, newState(t), interaction("alice", "recorder-role"))

	if len(resp.Responses) != 1 || resp.Responses[0].Type != discordgo.InteractionResponseDeferredChannelMessageWithSource {
		t.Fatalf("expected a single deferred response, got %+v", resp.Responses)
	}
	if len(rec.starts) != 1 {
		t.Fatalf("Start called %d times, want 1", len(rec.starts))
	}

	got := rec.starts[0]
	want := []session.Participant{
		{ID: "alice", DisplayName: "Ali", Username: "alice_u"},
		{ID: "bot", DisplayName: "musicbot", Username: "musicbot", Bot: true},
	}
	if len(got) != len(want) {
		t.Fatalf("participants = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("participant[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}

	content := lastContent(t, resp)
	if !strings.Contains(content, "Recording started") || !strings.Contains(content, "<#voice-1>") {
		t.Errorf("follow-up = %q", content)
	}
	if !strings.Contains(content, "**Participants:** 1") {
		t.Errorf("follow-up = %q, want 1 participant", content)
	}
}

func TestRecordStart_AlreadyActive(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{active: []session.Info{{SessionID: "s1", RoomID: "voice-1"}}}
	rc := newCommands(rec, nil, "")
	resp := &mock.InteractionResponder{}

	rc.handleStart(resp, newState(t), interaction("alice"))

	if got := lastContent(t, resp); !strings.Contains(got, "already being recorded") {
		t.Errorf("response = %q", got)
	}
	if len(rec.starts) != 0 {
		t.Errorf("Start called %d times, want 0", len(rec.starts))
	}
}

func TestRecordStart_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "lost race",
			err:  session.ErrAlreadyActive,
			want: "already being recorded",
		},
		{
			name: "connect failure",
			err:  &session.ConnectionError{RoomID: "voice-1", Kind: session.KindTimeout, Attempt: 3},
			want: "Failed to start recording",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := &fakeRecorder{startErr: tt.err}
			rc := newCommands(rec, nil, "")
			resp := &mock.InteractionResponder{}

			rc.handleStart(resp, newState(t), interaction("alice"))

			if got := lastContent(t, resp); !strings.Contains(got, tt.want) {
				t.Errorf("follow-up = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRecordStartStop_Dashboard(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{stopResult: session.StopResult{SessionID: "s1"}}
	rc := newCommands(rec, nil, "")
	sender := &mock.EmbedSender{}
	rc.sender = sender
	state := newState(t)

	start := interaction("alice")
	start.ChannelID = "text-1"
	rc.handleStart(&mock.InteractionResponder{}, state, start)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if sent, _ := sender.Counts(); sent == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("dashboard embed was not posted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	rc.handleStop(&mock.InteractionResponder{}, state, interaction("alice"))

	if rc.takeDashboard("voice-1") != nil {
		t.Error("dashboard still registered after stop")
	}
	final := sender.LastEdit()
	if final == nil || final.Description != "Recording has stopped." {
		t.Errorf("final embed = %+v", final)
	}
}

func TestRecordStop_CallerChannel(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{
		active: []session.Info{
			{SessionID: "s1", RoomID: "voice-1"},
			{SessionID: "s2", RoomID: "voice-2"},
		},
		stopResult: session.StopResult{SessionID: "s2", Duration: 90 * time.Second},
	}
	rc := newCommands(rec, nil, "")
	resp := &mock.InteractionResponder{}

	rc.handleStop(resp, newState(t), interaction("carol"))

	if len(rec.stops) != 1 || rec.stops[0] != "voice-2" {
		t.Fatalf("stops = %v, want [voice-2]", rec.stops)
	}
	if got := lastContent(t, resp); !strings.Contains(got, "1m30s") {
		t.Errorf("follow-up = %q, want duration", got)
	}
}

func TestRecordStop_SingleActiveFallback(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{active: []session.Info{{SessionID: "s1", RoomID: "voice-1"}}}
	rc := newCommands(rec, nil, "")
	resp := &mock.InteractionResponder{}

	rc.handleStop(resp, newState(t), interaction("dave"))

	if len(rec.stops) != 1 || rec.stops[0] != "voice-1" {
		t.Fatalf("stops = %v, want [voice-1]", rec.stops)
	}
}

func TestRecordStop_Ambiguous(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{active: []session.Info{
		{SessionID: "s1", RoomID: "voice-1"},
		{SessionID: "s2", RoomID: "voice-2"},
	}}
	rc := newCommands(rec, nil, "")
	resp := &mock.InteractionResponder{}

	rc.handleStop(resp, newState(t), interaction("dave"))

	if len(rec.stops) != 0 {
		t.Errorf("stops = %v, want none", rec.stops)
	}
	if got := lastContent(t, resp); !strings.Contains(got, "No active recording") {
		t.Errorf("response = %q", got)
	}
}

func TestRecordStop_RequiresRole(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{active: []session.Info{{SessionID: "s1", RoomID: "voice-1"}}}
	rc := newCommands(rec, nil, "recorder-role")
	resp := &mock.InteractionResponder{}

	rc.handleStop(resp, newState(t), &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{}})

	if len(rec.stops) != 0 {
		t.Errorf("stops = %v, want none", rec.stops)
	}
}

func TestRecordStop_Error(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{
		active:  []session.Info{{SessionID: "s1", RoomID: "voice-1"}},
		stopErr: errors.New("boom"),
	}
	rc := newCommands(rec, nil, "")
	resp := &mock.InteractionResponder{}

	rc.handleStop(resp, newState(t), interaction("alice"))

	if got := lastContent(t, resp); !strings.Contains(got, "boom") {
		t.Errorf("follow-up = %q", got)
	}
}

func TestStopSummary(t *testing.T) {
	t.Parallel()

	base := session.StopResult{
		SessionID:    "s1",
		Dir:          "/rec/s1",
		Duration:     65*time.Second + 300*time.Millisecond,
		Participants: []session.Participant{{ID: "a"}, {ID: "b"}},
		Segments:     make([]segment.Segment, 4),
		Files:        make([]session.CapturedFile, 2),
	}

	tests := []struct {
		name string
		mod  func(*session.StopResult)
		want []string
	}{
		{
			name: "artifact",
			mod: func(r *session.StopResult) {
				r.Artifact = &mixdown.Result{Path: "/rec/s1/mixdown.mp3"}
				r.Timeline = &mixdown.Result{Path: "/rec/s1/timeline.mp3"}
			},
			want: []string{"1m5s", "**Segments:** 4", "**Participants:** 2", "`mixdown.mp3`", "`timeline.mp3`"},
		},
		{
			name: "mixdown error",
			mod: func(r *session.StopResult) {
				r.MixdownErr = mixdown.ErrNoAudioCaptured
			},
			want: []string{"Mixdown failed", "Raw files: 2 in `/rec/s1`"},
		},
		{
			name: "mixdown disabled",
			mod:  func(*session.StopResult) {},
			want: []string{"**Raw files:** 2"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := base
			tt.mod(&res)
			got := stopSummary(res)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("summary missing %q:\n%s", w, got)
				}
			}
		})
	}
}

func TestRecordList(t *testing.T) {
	t.Parallel()

	store := archive.NewMemStore()
	start := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	if err := store.Save(context.Background(), archive.Record{
		SessionID:    "archived-session-id",
		RoomID:       "voice-2",
		StartedAt:    start,
		EndedAt:      start.Add(time.Hour),
		MixdownError: "ffmpeg exited",
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	rec := &fakeRecorder{active: []session.Info{
		{SessionID: "active-session-id", RoomID: "voice-1", StartedAt: time.Now(), Capturing: 2, ConnectionLost: true},
	}}
	rc := newCommands(rec, store, "")
	resp := &mock.InteractionResponder{}

	rc.handleList(resp, interaction("alice"))

	last := resp.LastResponse()
	if last == nil || last.Data == nil || len(last.Data.Embeds) != 1 {
		t.Fatalf("expected one embed response, got %+v", last)
	}
	fields := last.Data.Embeds[0].Fields
	if len(fields) != 2 {
		t.Fatalf("fields = %d, want 2", len(fields))
	}
	if fields[0].Name != "Active: active-s" || !strings.Contains(fields[0].Value, "connection lost") {
		t.Errorf("active field = %+v", fields[0])
	}
	if fields[1].Name != "Recent: archived" || !strings.Contains(fields[1].Value, "1h0m0s") || !strings.Contains(fields[1].Value, "mixdown failed") {
		t.Errorf("recent field = %+v", fields[1])
	}
}

func TestRecordList_Empty(t *testing.T) {
	t.Parallel()

	rc := newCommands(&fakeRecorder{}, nil, "")
	resp := &mock.InteractionResponder{}

	rc.handleList(resp, interaction("alice"))

	fields := resp.LastResponse().Data.Embeds[0].Fields
	if len(fields) != 1 || fields[0].Value != "None" {
		t.Errorf("fields = %+v", fields)
	}
}

func TestDefinition(t *testing.T) {
	t.Parallel()

	rc := &RecordCommands{}
	def := rc.Definition()

	if def.Name != "record" {
		t.Errorf("Name = %q, want %q", def.Name, "record")
	}
	want := []string{"start", "stop", "list"}
	if len(def.Options) != len(want) {
		t.Fatalf("Options count = %d, want %d", len(def.Options), len(want))
	}
	for i, name := range want {
		if def.Options[i].Name != name {
			t.Errorf("subcommand %d = %q, want %q", i, def.Options[i].Name, name)
		}
	}
}

func TestRegister(t *testing.T) {
	t.Parallel()

	router := discord.NewCommandRouter()
	newCommands(&fakeRecorder{}, nil, "").Register(router)

	cmds := router.ApplicationCommands()
	if len(cmds) != 1 || cmds[0].Name != "record" {
		t.Fatalf("ApplicationCommands() = %+v, want [record]", cmds)
	}
}

func TestInteractionUserID(t *testing.T) {
	t.Parallel()

	t.Run("guild context with Member", func(t *testing.T) {
		t.Parallel()
		if got := interactionUserID(interaction("member-123")); got != "member-123" {
			t.Errorf("got %q, want %q", got, "member-123")
		}
	})

	t.Run("DM context with User", func(t *testing.T) {
		t.Parallel()
		i := &discordgo.InteractionCreate{
			Interaction: &discordgo.Interaction{
				User: &discordgo.User{ID: "dm-456"},
			},
		}
		if got := interactionUserID(i); got != "dm-456" {
			t.Errorf("got %q, want %q", got, "dm-456")
		}
	})

	t.Run("no user info returns empty", func(t *testing.T) {
		t.Parallel()
		i := &discordgo.InteractionCreate{
			Interaction: &discordgo.Interaction{},
		}
		if got := interactionUserID(i); got != "" {
			t.Errorf("got %q, want empty", got)
		}
	})
}
