// Command client is a terminal chat client for the relay.
//
//	client -server http://localhost:8080 -phone +15550100001 [-name Ada]
//
// With -name it registers a new account, otherwise it signs in. Lines typed
// are sent to the open conversation; commands start with a slash, see /help.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/AnshRaj112/peerlink-backend/internal/apperr"
	"github.com/AnshRaj112/peerlink-backend/internal/auth"
	"github.com/AnshRaj112/peerlink-backend/internal/logger"
	"github.com/AnshRaj112/peerlink-backend/internal/models"
	"github.com/AnshRaj112/peerlink-backend/internal/session"
	"github.com/AnshRaj112/peerlink-backend/internal/wsclient"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const help = `commands:
  /chats                 list conversations
  /open <short id>       open the direct conversation with a user
  /group <name> <ids..>  create a group with users by short id and open it
  /older                 load older messages
  /calls                 show the call log
  /me                    show your short id
  /quit                  sign out and exit
anything else is sent to the open conversation`

func main() {
	server := flag.String("server", "http://localhost:8080", "relay base URL")
	phone := flag.String("phone", "", "phone number")
	name := flag.String("name", "", "display name; registers a new account when set")
	device := flag.String("device", defaultDevice(), "device fingerprint")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := "warn"
	if *verbose {
		level = "debug"
	}
	log, err := logger.New(true, level)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	if *phone == "" {
		fmt.Fprintln(os.Stderr, "-phone is required")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log, *server, *phone, *name, *device); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func defaultDevice() string {
	host, _ := os.Hostname()
	return "terminal:" + host + ":" + os.Getenv("USER")
}

func run(ctx context.Context, log *zap.Logger, server, phone, name, device string) error {
	in := bufio.NewScanner(os.Stdin)
	api := wsclient.NewAPI(server)

	code, err := api.RequestCode(ctx, phone)
	if err != nil {
		return err
	}
	if code == "" {
		fmt.Print("verification code: ")
		if !in.Scan() {
			return errors.New("no code entered")
		}
		code = strings.TrimSpace(in.Text())
	}

	var me models.User
	if name != "" {
		me, err = api.Register(ctx, auth.RegisterRequest{DisplayName: name, PhoneNumber: phone, Fingerprint: device, Code: code})
	} else {
		me, err = api.Login(ctx, auth.LoginRequest{PhoneNumber: phone, Fingerprint: device, Code: code})
	}
	if err != nil {
		return err
	}
	fmt.Printf("signed in as %s (%s)\n", me.DisplayName, me.ShortID)

	gw, err := wsclient.Dial(ctx, api.WebsocketURL(), wsclient.Options{Ticket: api.Ticket, Log: log})
	if err != nil {
		return err
	}
	s, err := session.New(ctx, me, gw, nil, log, session.Options{})
	if err != nil {
		gw.Close()
		return err
	}

	t := &terminal{api: api, s: s, me: me, printed: make(map[string]bool), names: map[uuid.UUID]string{me.ID: me.DisplayName}}
	go t.render()

	lines := make(chan string)
	go func() {
		defer close(lines)
		for in.Scan() {
			lines <- in.Text()
		}
	}()

	fmt.Println(help)
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok || strings.TrimSpace(line) == "/quit" {
				break loop
			}
			if err := t.handle(ctx, line); err != nil {
				fmt.Println("!", describe(err))
			}
		}
	}

	s.Close()
	logoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return api.Logout(logoutCtx)
}

type terminal struct {
	api *wsclient.API
	s   *session.Session
	me  models.User

	mu      sync.Mutex
	current uuid.UUID
	printed map[string]bool
	names   map[uuid.UUID]string
}

func (t *terminal) handle(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		conv := t.open()
		if conv == uuid.Nil {
			return apperr.Invalid("no conversation open, use /open <short id>")
		}
		_, err := t.s.SendMessage(conv, line)
		return err
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/help":
		fmt.Println(help)
	case "/me":
		fmt.Printf("you are %s, short id %s\n", t.me.DisplayName, t.me.ShortID)
	case "/chats":
		list, err := t.api.Conversations(ctx)
		if err != nil {
			return err
		}
		for _, c := range list {
			label := c.Name
			if c.Kind == models.ConversationDirect {
				label = "direct"
			}
			last := ""
			if c.LastMessage != nil {
				last = c.LastMessage.Body
			}
			unread := ""
			if c.Unread > 0 {
				unread = fmt.Sprintf("(%d new) ", c.Unread)
			}
			fmt.Printf("  %s  %-10s %s%s\n", c.ID, label, unread, last)
		}
	case "/open":
		if len(fields) != 2 {
			return apperr.Invalid("usage: /open <short id>")
		}
		peer, err := t.api.LookupShortID(ctx, fields[1])
		if err != nil {
			return err
		}
		conv, err := t.api.Direct(ctx, fields[1])
		if err != nil {
			return err
		}
		t.remember(peer)
		return t.switchTo(ctx, conv.ID)
	case "/group":
		if len(fields) < 3 {
			return apperr.Invalid("usage: /group <name> <short id> [short id...]")
		}
		var ids []uuid.UUID
		for _, sid := range fields[2:] {
			u, err := t.api.LookupShortID(ctx, sid)
			if err != nil {
				return err
			}
			t.remember(u)
			ids = append(ids, u.ID)
		}
		conv, err := t.api.CreateGroup(ctx, fields[1], ids)
		if err != nil {
			return err
		}
		return t.switchTo(ctx, conv.ID)
	case "/older":
		conv := t.open()
		if conv == uuid.Nil {
			return apperr.Invalid("no conversation open")
		}
		more, err := t.s.LoadOlder(ctx, conv)
		if err != nil {
			return err
		}
		if !more {
			fmt.Println("  (beginning of conversation)")
		}
	case "/calls":
		calls, err := t.api.Calls(ctx, 20)
		if err != nil {
			return err
		}
		for _, c := range calls {
			fmt.Printf("  %s  %s -> %s  %s %ds\n", c.StartedAt.Local().Format("Jan 2 15:04"), c.CallerShortID, c.ReceiverShortID, c.State, c.DurationSeconds)
		}
	default:
		return apperr.Invalid("unknown command %s", fields[0])
	}
	return nil
}

func (t *terminal) open() uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

func (t *terminal) remember(u models.User) {
	t.mu.Lock()
	t.names[u.ID] = u.DisplayName
	t.mu.Unlock()
	t.s.SeedPresence(u)
}

func (t *terminal) switchTo(ctx context.Context, conv uuid.UUID) error {
	if prev := t.open(); prev != uuid.Nil && prev != conv {
		t.s.CloseConversation(prev)
	}
	t.mu.Lock()
	t.current = conv
	t.mu.Unlock()
	if err := t.s.OpenConversation(ctx, conv); err != nil {
		return err
	}
	fmt.Printf("-- conversation %s --\n", conv)
	return nil
}

// render prints what changed in the open conversation.
func (t *terminal) render() {
	for u := range t.s.Updates() {
		conv := t.open()
		switch u.Kind {
		case session.MessagesChanged:
			if u.ConversationID == conv {
				t.printNew(conv)
			}
		case session.SendFailed:
			fmt.Println("! message not sent:", describe(u.Err))
		case session.TypingChanged:
			if u.ConversationID == conv {
				if who := t.s.TypingUsers(conv); len(who) > 0 {
					fmt.Printf("  %s is typing...\n", t.name(who[0]))
				}
			}
		case session.PresenceChanged:
			if ev, ok := t.s.Presence(u.UserID); ok {
				state := "offline"
				if ev.IsOnline {
					state = "online"
				}
				fmt.Printf("  %s is %s\n", t.name(u.UserID), state)
			}
		case session.IncomingCall:
			if c, ok := t.s.IncomingCall(); ok {
				fmt.Printf("  incoming %s call from %s (this client has no media; ignoring)\n", c.Kind, c.CallerShortID)
			}
		}
	}
}

func (t *terminal) printNew(conv uuid.UUID) {
	for _, m := range t.s.Messages(conv) {
		if m.ID == uuid.Nil {
			continue
		}
		key := m.ID.String()
		if m.Deleted {
			key += ":deleted"
		}
		t.mu.Lock()
		seen := t.printed[key]
		t.printed[key] = true
		t.mu.Unlock()
		if seen {
			continue
		}
		body := m.Body
		if m.Deleted {
			body = "(deleted)"
		}
		fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04"), t.name(m.SenderID), body)
	}
	t.s.MarkRead(conv)
}

func (t *terminal) name(id uuid.UUID) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.names[id]; ok {
		return n
	}
	return id.String()[:8]
}

func describe(err error) string {
	switch {
	case errors.Is(err, apperr.ErrUnauthorized):
		return "not signed in: " + err.Error()
	case errors.Is(err, apperr.ErrTransportFailure):
		return "relay unreachable, retrying: " + err.Error()
	}
	return err.Error()
}
