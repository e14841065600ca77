package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/gookit/color"
	"github.com/olekukonko/tablewriter"

	"teamchat/internal/client"
)

type renderer struct {
	mu     sync.Mutex
	w      io.Writer
	userID string
	seen   map[string]string
}

func newRenderer(w io.Writer, userID string) *renderer {
	return &renderer{w: w, userID: userID, seen: make(map[string]string)}
}

// onChange prints notices and any entry of the focused channel that changed.
func (r *renderer) onChange(s client.State, notices []client.Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, n := range notices {
		line := fmt.Sprintf("! %s %s: %s", n.Op, n.Code, n.Text)
		if n.Rejected != nil {
			line += fmt.Sprintf(" (%q not sent)", n.Rejected.Message.Content)
		}
		fmt.Fprintln(r.w, color.Red.Sprint(line))
	}

	v, ok := s.Channel(s.Focused)
	if !ok {
		return
	}
	for _, e := range v.Entries {
		key := v.ID + "/" + e.Message.ID
		digest := fmt.Sprintf("%s|%s|%d", e.Status, e.Message.Content, len(e.Message.Reactions))
		if r.seen[key] == digest {
			continue
		}
		r.seen[key] = digest
		fmt.Fprintln(r.w, r.line(e))
	}
	if typing := typingUsers(v); typing != "" {
		fmt.Fprintln(r.w, color.Gray.Sprintf("  %s typing...", typing))
	}
}

func (r *renderer) line(e client.Entry) string {
	m := e.Message
	who := m.SenderID
	if who == r.userID {
		who = color.Cyan.Sprint(who)
	} else {
		who = color.Green.Sprint(who)
	}
	body := m.Content
	if m.Edited {
		body += color.Gray.Sprint(" (edited)")
	}
	status := ""
	if e.Status == client.StatusPending {
		status = color.Yellow.Sprint(" [sending]")
	}
	return fmt.Sprintf("%s %s: %s%s", color.Gray.Sprint(shortID(m.ID)), who, body, status)
}

func (r *renderer) table(s client.State, channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := s.Channel(channelID)
	if !ok {
		fmt.Fprintln(r.w, color.Yellow.Sprint("no channel focused"))
		return
	}
	table := tablewriter.NewWriter(r.w)
	table.SetHeader([]string{"ID", "Sender", "Status", "Content", "Reactions"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for _, e := range v.Entries {
		table.Append([]string{e.Message.ID, e.Message.SenderID, string(e.Status), e.Message.Content, reactionSummary(e)})
	}
	table.Render()
}

func (r *renderer) channels(s client.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(s.Channels))
	for id := range s.Channels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	table := tablewriter.NewWriter(r.w)
	table.SetHeader([]string{"Channel", "Messages", "Unread", "Focused"})
	table.SetBorder(false)
	for _, id := range ids {
		v := s.Channels[id]
		focused := ""
		if id == s.Focused {
			focused = "*"
		}
		table.Append([]string{id, fmt.Sprint(len(v.Entries)), fmt.Sprint(v.Unread), focused})
	}
	table.Render()
}

func (r *renderer) warn(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.w, color.Yellow.Sprint(text))
}

func (r *renderer) help() {
	r.mu.Lock()
	defer r.mu.Unlock()
	header := color.New(color.BgBlack, color.FgGreen).Render(" teamchat ")
	fmt.Fprintln(r.w, header, "/join /focus /reply /edit /delete /react /typing /resync /list /channels /quit")
}

func reactionSummary(e client.Entry) string {
	counts := make(map[string]int)
	for _, rc := range e.Message.Reactions {
		counts[rc.Emoji]++
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s %d", k, counts[k]))
	}
	return strings.Join(parts, " ")
}

func typingUsers(v *client.ChannelView) string {
	users := make([]string, 0, len(v.Typing))
	for u := range v.Typing {
		users = append(users, u)
	}
	sort.Strings(users)
	return strings.Join(users, ", ")
}

// shortID keeps the low digits of a server id, which change fastest.
func shortID(id string) string {
	if len(id) > 8 {
		return id[len(id)-8:]
	}
	return id
}
