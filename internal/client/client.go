package client

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"teamchat/internal/protocol"
)

// ErrStopped is returned by actions submitted after the client stopped.
var ErrStopped = errors.New("client stopped")

// Options tunes a Client. Zero values fall back to defaults.
type Options struct {
	RequestTimeout time.Duration
	TickInterval   time.Duration
	Now            func() time.Time
	// OnChange is called from the processing goroutine after every input.
	OnChange func(State, []Notice)
}

// Client runs the reducer on a single goroutine. Server frames, local actions
// and timer ticks all pass through one queue, so merges never race.
type Client struct {
	log  *zap.Logger
	opts Options

	inputs chan Input
	done   chan struct{}
	once   sync.Once

	mu    sync.RWMutex
	state State
}

// New builds a client for userID. Call Run to connect it to a transport.
func New(userID string, log *zap.Logger, opts Options) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	st := NewState(userID)
	st.RequestTimeout = opts.RequestTimeout
	return &Client{
		log:    log.With(zap.String("user_id", userID)),
		opts:   opts,
		inputs: make(chan Input, 64),
		done:   make(chan struct{}),
		state:  st,
	}
}

// State returns the latest published state. Callers must not mutate it.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Run processes inputs until ctx ends or the transport fails. State survives
// across runs; each run rejoins and resyncs every known channel first.
func (c *Client) Run(ctx context.Context, t Transport) error {
	recvErr := make(chan error, 1)
	frames := make(chan Input, 64)
	go func() {
		for {
			frame, err := t.Recv()
			if err != nil {
				recvErr <- err
				return
			}
			env, err := protocol.Decode(frame)
			if err != nil {
				c.log.Debug("drop malformed frame", zap.Error(err))
				continue
			}
			in, ok, err := FromEnvelope(env)
			if err != nil {
				c.log.Debug("drop undecodable frame", zap.String("event", env.Event), zap.Error(err))
				continue
			}
			if !ok {
				continue
			}
			select {
			case frames <- in:
			case <-ctx.Done():
				return
			}
		}
	}()

	known := make([]string, 0)
	for id := range c.State().Channels {
		known = append(known, id)
	}
	sort.Strings(known)
	for _, id := range known {
		c.step(ctx, t, Join{ChannelID: id})
	}
	if focused := c.State().Focused; focused != "" {
		c.step(ctx, t, Focus{ChannelID: focused})
	}

	ticker := time.NewTicker(c.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-recvErr:
			return err
		case in := <-frames:
			c.step(ctx, t, in)
		case in := <-c.inputs:
			c.step(ctx, t, in)
		case <-ticker.C:
			c.step(ctx, t, Tick{Now: c.opts.Now()})
		}
	}
}

// Stop rejects further actions.
func (c *Client) Stop() {
	c.once.Do(func() { close(c.done) })
}

func (c *Client) step(ctx context.Context, t Transport, in Input) {
	c.mu.RLock()
	current := c.state
	c.mu.RUnlock()

	next, notices, cmds := Reduce(current, in).Drain()

	c.mu.Lock()
	c.state = next
	c.mu.Unlock()

	for _, cmd := range cmds {
		frame, err := protocol.Encode(cmd.Event, cmd.Payload)
		if err != nil {
			c.log.Error("encode command", zap.String("event", cmd.Event), zap.Error(err))
			continue
		}
		// A failed send leaves the intent pending; it times out or a resync settles it.
		if err := t.Send(ctx, frame); err != nil {
			c.log.Warn("send command", zap.String("event", cmd.Event), zap.Error(err))
		}
	}
	for _, n := range notices {
		c.log.Debug("notice", zap.String("op", n.Op), zap.String("code", n.Code), zap.String("request_id", n.RequestID))
	}
	if c.opts.OnChange != nil {
		c.opts.OnChange(next, notices)
	}
}

func (c *Client) submit(ctx context.Context, in Input) error {
	select {
	case <-c.done:
		return ErrStopped
	default:
	}
	select {
	case c.inputs <- in:
		return nil
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewTempID returns a client temp id for an unsent message.
func NewTempID() string { return "tmp-" + uuid.NewString() }

// Send queues a message and returns its temp id.
func (c *Client) Send(ctx context.Context, channelID, content, replyTo string) (string, error) {
	tempID := NewTempID()
	err := c.submit(ctx, Send{ChannelID: channelID, Content: content, ReplyTo: replyTo, TempID: tempID, At: c.opts.Now()})
	return tempID, err
}

func (c *Client) Edit(ctx context.Context, messageID, content string) (string, error) {
	requestID := uuid.NewString()
	return requestID, c.submit(ctx, Edit{MessageID: messageID, Content: content, RequestID: requestID, At: c.opts.Now()})
}

func (c *Client) Delete(ctx context.Context, messageID string) (string, error) {
	requestID := uuid.NewString()
	return requestID, c.submit(ctx, Delete{MessageID: messageID, RequestID: requestID, At: c.opts.Now()})
}

func (c *Client) React(ctx context.Context, messageID, emoji string) (string, error) {
	requestID := uuid.NewString()
	return requestID, c.submit(ctx, React{MessageID: messageID, Emoji: emoji, RequestID: requestID, At: c.opts.Now()})
}

func (c *Client) Join(ctx context.Context, channelID string) error {
	return c.submit(ctx, Join{ChannelID: channelID})
}

func (c *Client) Focus(ctx context.Context, channelID string) error {
	return c.submit(ctx, Focus{ChannelID: channelID})
}

// Resync asks the server for a fresh snapshot of channelID.
func (c *Client) Resync(ctx context.Context, channelID string) error {
	return c.submit(ctx, Resync{ChannelID: channelID})
}

func (c *Client) Typing(ctx context.Context, channelID string, typing bool) error {
	return c.submit(ctx, SetTyping{ChannelID: channelID, Typing: typing})
}
