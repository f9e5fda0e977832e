// Package commands implements Discord slash command handlers for Chorus.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/chorus/internal/archive"
	"github.com/MrWong99/chorus/internal/discord"
	"github.com/MrWong99/chorus/internal/session"
)

const (
	// startTimeout covers every connect attempt including retry delays.
	startTimeout = 90 * time.Second
	// stopTimeout covers teardown plus mixdown.
	stopTimeout = 10 * time.Minute

	recentLimit = 5
)

// Recorder starts and stops recordings. It is satisfied by
// *session.Registry.
type Recorder interface {
	Start(ctx context.Context, roomID string, participants []session.Participant) (session.Info, error)
	Stop(ctx context.Context, roomID string) (session.StopResult, error)
	Active() []session.Info
}

var _ Recorder = (*session.Registry)(nil)

// RecordCommands holds the dependencies for /record slash commands.
type RecordCommands struct {
	recorder Recorder
	archive  archive.Store
	perms    *discord.PermissionChecker
	guildID  string

	// sender posts live dashboards; nil disables them.
	sender     discord.EmbedSender
	mu         sync.Mutex
	dashboards map[string]*discord.Dashboard // room ID → dashboard
}

// NewRecordCommands creates a RecordCommands and registers its handlers
// with the bot's router. store may be nil, in which case /record list only
// shows active recordings.
func NewRecordCommands(bot *discord.Bot, recorder Recorder, store archive.Store) *RecordCommands {
	rc := &RecordCommands{
		recorder: recorder,
		archive:  store,
		perms:    bot.Permissions(),
		guildID:  bot.GuildID(),
		sender:   bot.Session(),
	}
	rc.Register(bot.Router())
	return rc
}

// Register registers the /record command group with the router.
func (rc *RecordCommands) Register(router *discord.CommandRouter) {
	router.RegisterCommand("record", rc.Definition(), func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		discord.RespondEphemeral(s, i, "Please use a subcommand: `/record start`, `/record stop` or `/record list`.")
	})
	router.RegisterHandler("record/start", func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		rc.handleStart(s, s.State, i)
	})
	router.RegisterHandler("record/stop", func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		rc.handleStop(s, s.State, i)
	})
	router.RegisterHandler("record/list", func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		rc.handleList(s, i)
	})
}

// Definition returns the ApplicationCommand definition for Discord.
func (rc *RecordCommands) Definition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        "record",
		Description: "Record voice channels",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "start",
				Description: "Start recording your current voice channel",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "stop",
				Description: "Stop the recording of your current voice channel",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "list",
				Description: "List active and recent recordings",
			},
		},
	}
}

// handleStart handles /record start.
func (rc *RecordCommands) handleStart(r discord.Responder, state *discordgo.State, i *discordgo.InteractionCreate) {
	if !rc.perms.IsRecorder(i) {
		discord.RespondEphemeral(r, i, "You need the recorder role to start a recording.")
		return
	}

	userID := interactionUserID(i)
	channelID, err := discord.CallerChannel(state, rc.guildID, userID)
	if err != nil {
		discord.RespondEphemeral(r, i, "You must be in a voice channel to start a recording.")
		return
	}
	if _, ok := rc.activeIn(channelID); ok {
		discord.RespondEphemeral(r, i, fmt.Sprintf("<#%s> is already being recorded.", channelID))
		return
	}

	participants, err := discord.ChannelParticipants(state, rc.guildID, channelID)
	if err != nil {
		discord.RespondError(r, i, err)
		return
	}

	// Connecting may take several attempts.
	discord.DeferReply(r, i)

	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()

	info, err := rc.recorder.Start(ctx, channelID, participants)
	switch {
	case errors.Is(err, session.ErrAlreadyActive):
		discord.FollowUp(r, i, fmt.Sprintf("<#%s> is already being recorded.", channelID))
		return
	case err != nil:
		slog.Warn("discord: start recording failed", "room_id", channelID, "user_id", userID, "err", err)
		discord.FollowUp(r, i, fmt.Sprintf("Failed to start recording: %v", err))
		return
	}

	slog.Info("discord: recording started", "room_id", channelID, "session_id", info.SessionID, "user_id", userID)
	rc.startDashboard(i.ChannelID, channelID)
	discord.FollowUp(r, i, fmt.Sprintf(
		"Recording started!\n**Session ID:** `%s`\n**Channel:** <#%s>\n**Participants:** %d",
		info.SessionID,
		channelID,
		info.Capturing,
	))
}

// handleStop handles /record stop. The caller's voice channel selects the
// recording; a caller outside voice stops the only active recording, if
// there is exactly one.
func (rc *RecordCommands) handleStop(r discord.Responder, state *discordgo.State, i *discordgo.InteractionCreate) {
	if !rc.perms.IsRecorder(i) {
		discord.RespondEphemeral(r, i, "You need the recorder role to stop a recording.")
		return
	}

	roomID, ok := rc.stopTarget(state, interactionUserID(i))
	if !ok {
		discord.RespondEphemeral(r, i, "No active recording to stop.")
		return
	}

	// Mixdown can take a while for long sessions.
	discord.DeferReply(r, i)

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	res, err := rc.recorder.Stop(ctx, roomID)
	dash := rc.takeDashboard(roomID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		discord.FollowUp(r, i, "No active recording to stop.")
		return
	case err != nil:
		discord.FollowUp(r, i, fmt.Sprintf("Failed to stop recording: %v", err))
		return
	}
	if dash != nil {
		dash.Stop(res)
	}
	discord.FollowUp(r, i, stopSummary(res))
}

// startDashboard posts a live status embed for roomID into the text channel
// the command was issued from.
func (rc *RecordCommands) startDashboard(textChannelID, roomID string) {
	if rc.sender == nil || textChannelID == "" {
		return
	}
	d := discord.NewDashboard(discord.DashboardConfig{
		Sender:    rc.sender,
		ChannelID: textChannelID,
		GetData: func() (session.Info, bool) {
			return rc.activeIn(roomID)
		},
	})

	rc.mu.Lock()
	if rc.dashboards == nil {
		rc.dashboards = make(map[string]*discord.Dashboard)
	}
	rc.dashboards[roomID] = d
	rc.mu.Unlock()

	d.Start(context.Background())
}

func (rc *RecordCommands) takeDashboard(roomID string) *discord.Dashboard {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	d := rc.dashboards[roomID]
	delete(rc.dashboards, roomID)
	return d
}

func (rc *RecordCommands) stopTarget(state *discordgo.State, userID string) (string, bool) {
	if channelID, err := discord.CallerChannel(state, rc.guildID, userID); err == nil {
		if _, ok := rc.activeIn(channelID); ok {
			return channelID, true
		}
	}
	active := rc.recorder.Active()
	if len(active) == 1 {
		return active[0].RoomID, true
	}
	return "", false
}

func (rc *RecordCommands) activeIn(roomID string) (session.Info, bool) {
	for _, info := range rc.recorder.Active() {
		if info.RoomID == roomID {
			return info, true
		}
	}
	return session.Info{}, false
}

// stopSummary renders the outcome of a stopped recording.
func stopSummary(res session.StopResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Recording `%s` stopped.\n", res.SessionID)
	fmt.Fprintf(&b, "**Duration:** %s\n", res.Duration.Truncate(time.Second))
	fmt.Fprintf(&b, "**Participants:** %d\n", len(res.Participants))
	fmt.Fprintf(&b, "**Segments:** %d\n", len(res.Segments))
	switch {
	case res.Artifact != nil:
		fmt.Fprintf(&b, "**Mixdown:** `%s`", filepath.Base(res.Artifact.Path))
	case res.MixdownErr != nil:
		fmt.Fprintf(&b, "**Mixdown failed:** %v\nRaw files: %d in `%s`", res.MixdownErr, len(res.Files), res.Dir)
	default:
		fmt.Fprintf(&b, "**Raw files:** %d in `%s`", len(res.Files), res.Dir)
	}
	if res.Timeline != nil {
		fmt.Fprintf(&b, "\n**Timeline:** `%s`", filepath.Base(res.Timeline.Path))
	}
	return b.String()
}

// handleList handles /record list.
func (rc *RecordCommands) handleList(r discord.Responder, i *discordgo.InteractionCreate) {
	embed := &discordgo.MessageEmbed{
		Title: "Recordings",
		Color: 0xE03C3C,
	}

	active := rc.recorder.Active()
	if len(active) == 0 {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  "Active",
			Value: "None",
		})
	}
	for _, info := range active {
		value := fmt.Sprintf("<#%s> since <t:%d:R>, %d capturing, %d events",
			info.RoomID, info.StartedAt.Unix(), info.Capturing, info.Events)
		if info.ConnectionLost {
			value += " (connection lost)"
		}
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  "Active: " + shortID(info.SessionID),
			Value: value,
		})
	}

	if rc.archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		recent, err := rc.archive.List(ctx, "", recentLimit)
		if err != nil {
			slog.Warn("discord: list archived recordings", "err", err)
		}
		for _, rec := range recent {
			embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
				Name:  "Recent: " + shortID(rec.SessionID),
				Value: recordLine(rec),
			})
		}
	}

	discord.RespondEmbed(r, i, embed)
}

func recordLine(rec archive.Record) string {
	line := fmt.Sprintf("<#%s> <t:%d:f>, %s, %d segments",
		rec.RoomID, rec.StartedAt.Unix(), rec.Duration().Truncate(time.Second), len(rec.Segments))
	if rec.MixdownError != "" {
		line += ", mixdown failed"
	}
	return line
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// interactionUserID extracts the user ID from an interaction, handling
// both guild (Member) and DM (User) contexts.
func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}
