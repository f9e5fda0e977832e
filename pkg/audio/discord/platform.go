// Package discord provides an [audio.Transport] implementation backed by
// Discord voice channels via the bwmarrin/discordgo library, plus a gopus
// based [audio.Decoder] for Discord's Opus packets.
//
// The transport requires an active *discordgo.Session (owned by the bot layer)
// and a guild ID. Each call to [Platform.Connect] starts joining the specified
// voice channel in the background and returns a [Connection] whose signals
// report when the join completes.
package discord

import (
	"context"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/chorus/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Transport = (*Platform)(nil)

// Platform implements [audio.Transport] using discordgo voice connections.
//
// Platform is safe for concurrent use.
type Platform struct {
	session *discordgo.Session
	guildID string
}

// New creates a new Discord Platform for the given session and guild.
func New(session *discordgo.Session, guildID string) *Platform {
	return &Platform{
		session: session,
		guildID: guildID,
	}
}

// Connect starts joining the voice channel identified by roomID and returns
// immediately. The join outcome is reported through [Connection.Signals].
func (p *Platform) Connect(ctx context.Context, roomID string) (audio.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := newConnection(p.session, p.guildID, roomID)
	go c.join()
	return c, nil
}

// DecoderFactory returns a factory for per-participant Opus decoders.
func (p *Platform) DecoderFactory() audio.DecoderFactory {
	return NewOpusDecoder
}
