package discord

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/chorus/internal/session"
)

// embedColorRecording is the embed sidebar color while a recording runs.
const embedColorRecording = 0xE74C3C

// embedColorDone is the embed sidebar color once the recording stopped.
const embedColorDone = 0x2ECC71

// embedColorDegraded is used when the recording stopped without a mixdown.
const embedColorDegraded = 0xF1C40F

// defaultInterval is the default dashboard update interval.
const defaultInterval = 10 * time.Second

// EmbedSender is the subset of *discordgo.Session used by [Dashboard].
type EmbedSender interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditEmbed(channelID, messageID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

var _ EmbedSender = (*discordgo.Session)(nil)

// Dashboard renders and periodically updates a Discord embed showing the
// state of one recording. The embed is created on Start and edited in place
// every update interval until Stop replaces it with the final summary.
//
// Thread-safe for concurrent use.
type Dashboard struct {
	mu        sync.Mutex
	sender    EmbedSender
	channelID string
	messageID string // embed message; created on first update
	interval  time.Duration
	getData   func() (session.Info, bool)
	started   bool
	done      chan struct{}
	exited    chan struct{}
	stopOnce  sync.Once
}

// DashboardConfig holds dependencies for creating a Dashboard.
type DashboardConfig struct {
	Sender    EmbedSender
	ChannelID string
	Interval  time.Duration // Default: 10 seconds
	// GetData returns the live recording info, or false once the recording
	// is gone.
	GetData func() (session.Info, bool)
}

// NewDashboard creates a Dashboard.
func NewDashboard(cfg DashboardConfig) *Dashboard {
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultInterval
	}
	return &Dashboard{
		sender:    cfg.Sender,
		channelID: cfg.ChannelID,
		interval:  interval,
		getData:   cfg.GetData,
		done:      make(chan struct{}),
		exited:    make(chan struct{}),
	}
}

// Start begins the periodic update loop in a background goroutine.
func (d *Dashboard) Start(ctx context.Context) {
	d.mu.Lock()
	d.started = true
	d.mu.Unlock()
	go d.loop(ctx)
}

// Stop halts the update loop and edits the embed into the final summary.
func (d *Dashboard) Stop(res session.StopResult) {
	d.stopOnce.Do(func() {
		close(d.done)
		d.mu.Lock()
		started := d.started
		d.mu.Unlock()
		if started {
			<-d.exited
		}
		d.postFinalEmbed(res)
	})
}

// loop runs the periodic embed update until Stop is called, ctx is
// cancelled, or the recording disappears.
func (d *Dashboard) loop(ctx context.Context) {
	defer close(d.exited)

	if !d.update() {
		return
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !d.update() {
				return
			}
		}
	}
}

// update builds the embed from current data and creates or edits the
// message. It reports false once the recording is gone.
func (d *Dashboard) update() bool {
	info, ok := d.getData()
	if !ok {
		return false
	}
	embed := buildEmbed(info, time.Now())

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.messageID == "" {
		msg, err := d.sender.ChannelMessageSendEmbed(d.channelID, embed)
		if err != nil {
			slog.Warn("dashboard: failed to create embed message", "channel", d.channelID, "err", err)
			return true
		}
		d.messageID = msg.ID
		slog.Debug("dashboard: created embed message", "message_id", msg.ID, "channel", d.channelID)
		return true
	}
	if _, err := d.sender.ChannelMessageEditEmbed(d.channelID, d.messageID, embed); err != nil {
		slog.Warn("dashboard: failed to edit embed message", "message_id", d.messageID, "err", err)
	}
	return true
}

// postFinalEmbed edits the embed into the stop summary. Without a message
// to edit it posts a new one.
func (d *Dashboard) postFinalEmbed(res session.StopResult) {
	embed := buildEndedEmbed(res)

	d.mu.Lock()
	defer d.mu.Unlock()

	var err error
	if d.messageID == "" {
		_, err = d.sender.ChannelMessageSendEmbed(d.channelID, embed)
	} else {
		_, err = d.sender.ChannelMessageEditEmbed(d.channelID, d.messageID, embed)
	}
	if err != nil {
		slog.Warn("dashboard: failed to post final embed", "channel", d.channelID, "err", err)
	}
}

// buildEmbed creates the live recording embed.
func buildEmbed(info session.Info, now time.Time) *discordgo.MessageEmbed {
	fields := []*discordgo.MessageEmbedField{
		{Name: "Channel", Value: fmt.Sprintf("<#%s>", info.RoomID), Inline: true},
		{Name: "Session ID", Value: fmt.Sprintf("`%s`", info.SessionID), Inline: true},
		{Name: "Duration", Value: formatDuration(now.Sub(info.StartedAt)), Inline: true},
		{Name: "Capturing", Value: fmt.Sprintf("%d", info.Capturing), Inline: true},
		{Name: "Speaking Events", Value: fmt.Sprintf("%d", info.Events), Inline: true},
	}
	footer := "Recording"
	if info.ConnectionLost {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:  "Connection",
			Value: "Lost. Use `/record stop` to save what was captured.",
		})
		footer = "Recording (connection lost)"
	}

	return &discordgo.MessageEmbed{
		Title:  "Recording",
		Color:  embedColorRecording,
		Fields: fields,
		Footer: &discordgo.MessageEmbedFooter{
			Text: footer,
		},
		Timestamp: now.UTC().Format(time.RFC3339),
	}
}

// buildEndedEmbed creates the final "recording stopped" embed.
func buildEndedEmbed(res session.StopResult) *discordgo.MessageEmbed {
	fields := []*discordgo.MessageEmbedField{
		{Name: "Channel", Value: fmt.Sprintf("<#%s>", res.RoomID), Inline: true},
		{Name: "Session ID", Value: fmt.Sprintf("`%s`", res.SessionID), Inline: true},
		{Name: "Duration", Value: formatDuration(res.Duration), Inline: true},
		{Name: "Participants", Value: fmt.Sprintf("%d", len(res.Participants)), Inline: true},
		{Name: "Segments", Value: fmt.Sprintf("%d", len(res.Segments)), Inline: true},
	}

	color := embedColorDone
	switch {
	case res.Artifact != nil:
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:  "Mixdown",
			Value: fmt.Sprintf("`%s` (%s)", filepath.Base(res.Artifact.Path), formatDuration(res.Artifact.Duration)),
		})
	case res.MixdownErr != nil:
		color = embedColorDegraded
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:  "Mixdown failed",
			Value: fmt.Sprintf("%v\n%d raw files kept.", res.MixdownErr, len(res.Files)),
		})
	}

	return &discordgo.MessageEmbed{
		Title:       "Recording",
		Description: "Recording has stopped.",
		Color:       color,
		Fields:      fields,
		Footer: &discordgo.MessageEmbedFooter{
			Text: "Recording stopped",
		},
		Timestamp: res.EndedAt.UTC().Format(time.RFC3339),
	}
}

// formatDuration formats a duration as "Xh Ym Zs".
func formatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
