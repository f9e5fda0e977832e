package discord

import (
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/chorus/internal/session"
)

// ErrNotInVoice is returned by [CallerChannel] when the user is not in a
// voice channel of the guild.
var ErrNotInVoice = errors.New("discord: user not in a voice channel")

// CallerChannel returns the voice channel the user is currently in.
func CallerChannel(state *discordgo.State, guildID, userID string) (string, error) {
	vs, err := state.VoiceState(guildID, userID)
	if err != nil || vs == nil || vs.ChannelID == "" {
		return "", ErrNotInVoice
	}
	return vs.ChannelID, nil
}

// ChannelParticipants lists everyone with a voice state in channelID. Bots
// are included and flagged so the registry can skip them.
func ChannelParticipants(state *discordgo.State, guildID, channelID string) ([]session.Participant, error) {
	g, err := state.Guild(guildID)
	if err != nil {
		return nil, fmt.Errorf("discord: guild %s: %w", guildID, err)
	}

	// Copy the voice states out before resolving members; Member takes the
	// state read lock itself.
	state.RLock()
	var inChannel []discordgo.VoiceState
	for _, vs := range g.VoiceStates {
		if vs != nil && vs.ChannelID == channelID {
			inChannel = append(inChannel, *vs)
		}
	}
	state.RUnlock()

	out := make([]session.Participant, 0, len(inChannel))
	for _, vs := range inChannel {
		m := vs.Member
		if m == nil || m.User == nil {
			m, _ = state.Member(guildID, vs.UserID)
		}
		out = append(out, participantFromMember(vs.UserID, m))
	}
	return out, nil
}

func participantFromMember(userID string, m *discordgo.Member) session.Participant {
	p := session.Participant{ID: userID, DisplayName: userID}
	if m == nil || m.User == nil {
		return p
	}
	p.DisplayName = m.DisplayName()
	p.Username = m.User.Username
	p.Bot = m.User.Bot
	return p
}
