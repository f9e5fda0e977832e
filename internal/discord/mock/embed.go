package mock

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// EmbedSender records channel embed messages. It satisfies
// discord.EmbedSender.
type EmbedSender struct {
	mu sync.Mutex

	// Sent records every ChannelMessageSendEmbed call.
	Sent []*discordgo.MessageEmbed
	// Edits records every ChannelMessageEditEmbed call.
	Edits []*discordgo.MessageEmbed

	// Err is returned by both methods when non-nil.
	Err error
}

// ChannelMessageSendEmbed records the embed and returns a message with a
// sequential ID.
func (m *EmbedSender) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	m.Sent = append(m.Sent, embed)
	return &discordgo.Message{ID: fmt.Sprintf("msg-%d", len(m.Sent)), ChannelID: channelID}, nil
}

// ChannelMessageEditEmbed records the edit.
func (m *EmbedSender) ChannelMessageEditEmbed(channelID, messageID string, embed *discordgo.MessageEmbed, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	m.Edits = append(m.Edits, embed)
	return &discordgo.Message{ID: messageID, ChannelID: channelID}, nil
}

// Counts returns the number of sends and edits recorded so far.
func (m *EmbedSender) Counts() (sent, edits int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent), len(m.Edits)
}

// LastEdit returns the most recent edit, or nil.
func (m *EmbedSender) LastEdit() *discordgo.MessageEmbed {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Edits) == 0 {
		return nil
	}
	return m.Edits[len(m.Edits)-1]
}
