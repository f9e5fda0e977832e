package discord

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/chorus/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Handle        = (*Connection)(nil)
	_ audio.Receiver      = (*Connection)(nil)
	_ audio.InboundStream = (*inboundStream)(nil)
)

const (
	signalBuffer  = 8
	streamBuffer  = 256
	sweepInterval = 20 * time.Millisecond

	// speakingHold is how long a participant may go without a packet before a
	// speaking end is emitted. Discord clients stop transmitting on silence,
	// so packet gaps are the only end-of-speech signal.
	speakingHold = 100 * time.Millisecond
)

// Connection adapts one Discord voice channel join to [audio.Handle] and
// [audio.Receiver]. Incoming Opus packets are demuxed by SSRC into
// per-participant streams; the SSRC→user mapping is learned from voice
// speaking updates.
//
// Connection is safe for concurrent use.
type Connection struct {
	session   *discordgo.Session
	guildID   string
	channelID string

	signals chan audio.Signal

	mu       sync.Mutex
	vc       *discordgo.VoiceConnection
	ssrcUser map[uint32]string
	streams  map[string]*inboundStream
	speakers map[string]*speakerState
	cb       func(audio.SpeakingNotification)

	done      chan struct{}
	closeOnce sync.Once

	removeHandler func()

	// disconnectVC tears down the voice connection. Defaults to vc.Disconnect;
	// overridden in tests.
	disconnectVC func() error
}

type speakerState struct {
	speaking   bool
	lastPacket time.Time
}

func newConnection(session *discordgo.Session, guildID, channelID string) *Connection {
	return &Connection{
		session:   session,
		guildID:   guildID,
		channelID: channelID,
		signals:   make(chan audio.Signal, signalBuffer),
		ssrcUser:  make(map[uint32]string),
		streams:   make(map[string]*inboundStream),
		speakers:  make(map[string]*speakerState),
		done:      make(chan struct{}),
	}
}

// join runs the blocking voice join and reports the outcome as signals.
func (c *Connection) join() {
	c.emit(audio.SignalConnecting)

	// mute=true: the recorder never transmits. deaf=false: we need inbound audio.
	vc, err := c.session.ChannelVoiceJoin(c.guildID, c.channelID, true, false)
	if err != nil {
		slog.Warn("discord: voice join failed", "guild_id", c.guildID, "channel_id", c.channelID, "err", err)
		c.emit(audio.SignalDestroyed)
		return
	}

	select {
	case <-c.done:
		// Closed while joining; leave right away.
		_ = vc.Disconnect()
		return
	default:
	}

	c.attach(vc)
	c.emit(audio.SignalReady)
}

// attach wires an established voice connection into the receiver loops.
func (c *Connection) attach(vc *discordgo.VoiceConnection) {
	c.mu.Lock()
	c.vc = vc
	if c.disconnectVC == nil {
		c.disconnectVC = vc.Disconnect
	}
	c.mu.Unlock()

	vc.AddHandler(c.handleSpeakingUpdate)
	if c.session != nil && c.session.State != nil {
		c.removeHandler = c.session.AddHandler(c.handleVoiceStateUpdate)
	}

	go c.recvLoop(vc.OpusRecv)
	go c.sweepLoop()
}

// Signals implements [audio.Handle].
func (c *Connection) Signals() <-chan audio.Signal {
	return c.signals
}

// Receiver implements [audio.Handle].
func (c *Connection) Receiver() audio.Receiver {
	return c
}

// Close implements [audio.Handle]. It is safe to call more than once;
// subsequent calls return nil.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		if c.removeHandler != nil {
			c.removeHandler()
		}

		c.mu.Lock()
		disconnect := c.disconnectVC
		streams := c.streams
		c.streams = make(map[string]*inboundStream)
		c.mu.Unlock()

		for _, s := range streams {
			_ = s.Close()
		}
		if disconnect != nil {
			err = disconnect()
		}
		c.emit(audio.SignalDestroyed)
	})
	return err
}

// Subscribe implements [audio.Receiver].
func (c *Connection) Subscribe(participantID string, opts audio.SubscribeOptions) (audio.InboundStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return nil, fmt.Errorf("discord: subscribe %q: connection closed", participantID)
	default:
	}
	if _, ok := c.streams[participantID]; ok {
		return nil, fmt.Errorf("discord: subscribe %q: already subscribed", participantID)
	}
	s := &inboundStream{
		ch:    make(chan []byte, streamBuffer),
		opts:  opts,
		owner: c,
		id:    participantID,
	}
	c.streams[participantID] = s
	return s, nil
}

// OnSpeaking implements [audio.Receiver]. Registering a callback resets the
// speaking state, so each participant's next packet reports a start.
func (c *Connection) OnSpeaking(cb func(audio.SpeakingNotification)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cb = cb
	for _, st := range c.speakers {
		st.speaking = false
	}
}

// recvLoop reads Opus packets, resolves the sender, tracks speaking state,
// and delivers the packet to the participant's stream if subscribed.
func (c *Connection) recvLoop(recv <-chan *discordgo.Packet) {
	for {
		select {
		case <-c.done:
			return
		case pkt, ok := <-recv:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}
			c.handlePacket(pkt, time.Now())
		}
	}
}

func (c *Connection) handlePacket(pkt *discordgo.Packet, now time.Time) {
	c.mu.Lock()
	userID, known := c.ssrcUser[pkt.SSRC]
	if !known {
		c.mu.Unlock()
		return
	}

	st, ok := c.speakers[userID]
	if !ok {
		st = &speakerState{}
		c.speakers[userID] = st
	}
	cb := c.cb
	// Speaking state only advances while a callback is registered.
	started := !st.speaking && cb != nil
	if cb != nil {
		st.speaking = true
	}
	st.lastPacket = now
	stream := c.streams[userID]
	c.mu.Unlock()

	if started && cb != nil {
		cb(audio.SpeakingNotification{ParticipantID: userID, Kind: audio.SpeakingStart, At: now})
	}
	if stream != nil {
		stream.deliver(pkt.Opus)
	}
}

// sweepLoop emits speaking end notifications and closes silence-ended streams.
func (c *Connection) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			c.sweep(now)
		}
	}
}

func (c *Connection) sweep(now time.Time) {
	var ended []audio.SpeakingNotification
	var expired []*inboundStream

	c.mu.Lock()
	for id, st := range c.speakers {
		idle := now.Sub(st.lastPacket)
		if st.speaking && idle >= speakingHold {
			st.speaking = false
			ended = append(ended, audio.SpeakingNotification{
				ParticipantID: id,
				Kind:          audio.SpeakingEnd,
				At:            st.lastPacket.Add(speakingHold),
			})
		}
		if s := c.streams[id]; s != nil && s.opts.End == audio.EndAfterSilence && idle >= s.opts.Silence {
			expired = append(expired, s)
		}
	}
	cb := c.cb
	c.mu.Unlock()

	for _, s := range expired {
		_ = s.Close()
	}
	if cb == nil {
		return
	}
	for _, n := range ended {
		cb(n)
	}
}

// handleSpeakingUpdate learns the SSRC → user ID mapping.
func (c *Connection) handleSpeakingUpdate(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
	if vs == nil || vs.UserID == "" {
		return
	}
	c.mu.Lock()
	c.ssrcUser[uint32(vs.SSRC)] = vs.UserID
	c.mu.Unlock()
}

// handleVoiceStateUpdate reports a disconnect when the bot itself is moved
// out of the channel or kicked.
func (c *Connection) handleVoiceStateUpdate(s *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu.GuildID != c.guildID || s.State == nil || s.State.User == nil {
		return
	}
	if vsu.UserID != s.State.User.ID {
		return
	}
	if vsu.ChannelID != c.channelID {
		slog.Warn("discord: recorder left voice channel", "guild_id", c.guildID, "channel_id", c.channelID)
		c.emit(audio.SignalDisconnected)
	}
}

// emit sends s without blocking; the signal buffer only overflows if nobody
// is listening, in which case the signal is irrelevant.
func (c *Connection) emit(s audio.Signal) {
	select {
	case c.signals <- s:
	default:
		slog.Debug("discord: signal dropped", "signal", s.String())
	}
}

func (c *Connection) forget(id string, s *inboundStream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streams[id] == s {
		delete(c.streams, id)
	}
}

// inboundStream is one participant's Opus packet subscription.
type inboundStream struct {
	id    string
	opts  audio.SubscribeOptions
	owner *Connection

	mu        sync.Mutex
	ch        chan []byte
	closed    bool
	overflows int
}

func (s *inboundStream) Packets() <-chan []byte {
	return s.ch
}

func (s *inboundStream) deliver(pkt []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- pkt:
	default:
		s.overflows++
		if s.overflows == 1 {
			slog.Warn("discord: inbound stream full, dropping packets", "participant_id", s.id)
		}
	}
}

func (s *inboundStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()
	s.owner.forget(s.id, s)
	return nil
}
