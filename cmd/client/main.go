package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/Gopher0727/GhostRoom/config"
	logger "github.com/Gopher0727/GhostRoom/middleware/log"
	"github.com/Gopher0727/GhostRoom/pkg/chat"
	"github.com/Gopher0727/GhostRoom/pkg/envelope"
	"github.com/Gopher0727/GhostRoom/pkg/realtime"
)

var (
	meStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#ff8"))
	otherStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#45f"))
	mentionStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#000")).Background(lipgloss.Color("#FFF"))
	systemStyle  = lipgloss.NewStyle().Faint(true)
	replyStyle   = lipgloss.NewStyle().Faint(true).Italic(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#f55"))
)

func main() {
	server := flag.String("server", "http://localhost:9000", "group API base URL")
	link := flag.String("link", "", "invitation link to open")
	name := flag.String("name", "", "display name")
	create := flag.String("create", "", "create a group with this name when no link is given")
	tags := flag.String("tags", "", "comma separated tags for -create")
	logPath := flag.String("log", "", "write logs to this file")
	flag.Parse()

	lg := logger.NewNop()
	if *logPath != "" {
		var err error
		lg, err = logger.NewLogger(&config.LoggingConfig{Level: "info", Format: "json", Output: "file", FilePath: *logPath})
		if err != nil {
			fatal(err)
		}
	}
	defer lg.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	base := strings.TrimRight(*server, "/")
	api := chat.NewAPIClient(base, nil)
	in := bufio.NewScanner(os.Stdin)

	if *link == "" {
		l, err := pickGroup(ctx, api, base, in, *create, *tags)
		if err != nil {
			fatal(err)
		}
		*link = l
	}

	groupID, key, err := chat.ParseInvitation(*link)
	if err != nil {
		fatal(err)
	}

	beacon := chat.NewBeacon(api, lg.Logger)
	var sess *chat.Session
	sess, err = chat.NewSession(chat.Config{
		GroupID:  groupID,
		Broker:   realtime.NewWSBroker(gatewayURL(base), lg.Logger),
		API:      api,
		Leaves:   beacon,
		Log:      lg.Logger,
		OnChange: func(c chat.Change) { render(os.Stdout, sess, c) },
	})
	if err != nil {
		fatal(err)
	}

	if err := sess.OpenInvitation(key); err != nil {
		fatal(err)
	}
	if err := sess.BeginNaming(ctx); err != nil {
		fatal(err)
	}
	if err := chooseName(ctx, sess, in, *name); err != nil {
		shutdown(sess, beacon, lg)
		fatal(err)
	}
	fmt.Println(systemStyle.Render(fmt.Sprintf("joined as %s. /who, /reply <id>, /cancel, /quit", sess.Username())))

	lines := make(chan string)
	go func() {
		defer close(lines)
		for in.Scan() {
			lines <- in.Text()
		}
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok || !handleLine(ctx, sess, line) {
				break loop
			}
		}
		if sess.State() != chat.StateJoined {
			break
		}
	}
	shutdown(sess, beacon, lg)
}

func pickGroup(ctx context.Context, api *chat.APIClient, base string, in *bufio.Scanner, create, tags string) (string, error) {
	if create != "" {
		key, err := envelope.GenerateKey()
		if err != nil {
			return "", err
		}
		exported, err := envelope.Export(key)
		if err != nil {
			return "", err
		}
		var tagList []string
		if tags != "" {
			tagList = strings.Split(tags, ",")
		}
		g, err := api.CreateGroup(ctx, create, tagList, exported)
		if err != nil {
			return "", err
		}
		link := chat.InvitationLink(base, g.ID, exported)
		fmt.Println(systemStyle.Render("invitation link: " + link))
		return link, nil
	}

	groups, err := api.ListGroups(ctx)
	if err != nil {
		return "", err
	}
	if len(groups) == 0 {
		return "", errors.New("no active groups, start with -create <name> or -link <invitation>")
	}
	for i, g := range groups {
		fmt.Printf("%2d) %s [%s] %d online\n", i+1, g.Name, strings.Join(g.Tags, ", "), g.ActiveUserCount)
	}
	for {
		fmt.Print("group number or invitation link: ")
		if !in.Scan() {
			return "", errors.New("no group selected")
		}
		choice := strings.TrimSpace(in.Text())
		if n, err := strconv.Atoi(choice); err == nil && n >= 1 && n <= len(groups) {
			g := groups[n-1]
			return chat.InvitationLink(base, g.ID, g.Key), nil
		}
		if strings.Contains(choice, "#key=") {
			return choice, nil
		}
	}
}

func chooseName(ctx context.Context, sess *chat.Session, in *bufio.Scanner, name string) error {
	for {
		if name == "" {
			fmt.Print("name: ")
			if !in.Scan() {
				return errors.New("no name given")
			}
			name = in.Text()
		}
		err := sess.ChooseName(ctx, name)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, chat.ErrNameTaken), errors.Is(err, chat.ErrNameRequired), errors.Is(err, chat.ErrNameTooLong):
			fmt.Println(errorStyle.Render(err.Error()))
			name = ""
		default:
			return err
		}
	}
}

// handleLine 返回 false 表示退出
func handleLine(ctx context.Context, sess *chat.Session, line string) bool {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return true
	case line == "/quit":
		return false
	case line == "/who":
		fmt.Println(systemStyle.Render(fmt.Sprintf("%d online: %s", sess.ParticipantCount(), strings.Join(sess.Participants(), ", "))))
	case line == "/cancel":
		sess.CancelReply()
	case strings.HasPrefix(line, "/reply "):
		if err := sess.ReplyTo(strings.TrimSpace(strings.TrimPrefix(line, "/reply "))); err != nil {
			fmt.Println(errorStyle.Render(err.Error()))
		} else if ref := sess.ReplyingTo(); ref != nil {
			fmt.Println(replyStyle.Render(fmt.Sprintf("replying to %s: %s", ref.Sender, ref.Text)))
		}
	default:
		if _, err := sess.Send(ctx, line); err != nil {
			fmt.Println(errorStyle.Render(err.Error()))
		}
	}
	return true
}

func render(w io.Writer, sess *chat.Session, c chat.Change) {
	if sess == nil {
		return
	}
	switch c.Kind {
	case chat.ChangeMessage:
		fmt.Fprintln(w, formatMessage(sess, c.Message))
	case chat.ChangePresence:
		if c.Identity == "" || sess.State() != chat.StateJoined {
			return
		}
		verb := "left"
		for _, p := range sess.Participants() {
			if p == c.Identity {
				verb = "joined"
				break
			}
		}
		fmt.Fprintln(w, systemStyle.Render(fmt.Sprintf("* %s %s (%d online)", c.Identity, verb, sess.ParticipantCount())))
	case chat.ChangeTyping:
		if typing := sess.TypingUsers(); len(typing) > 0 {
			fmt.Fprintln(w, systemStyle.Render(strings.Join(typing, ", ") + " typing..."))
		}
	case chat.ChangeRejection:
		if r := sess.Rejection(); r != "" {
			fmt.Fprintln(w, errorStyle.Render(r))
		}
	case chat.ChangeState:
		if sess.State() == chat.StateError {
			fmt.Fprintln(w, errorStyle.Render(fmt.Sprintf("error: %v", sess.Err())))
		}
	}
}

func formatMessage(sess *chat.Session, m *chat.Message) string {
	var b strings.Builder
	if r := m.Content.ReplyTo; r != nil {
		b.WriteString(replyStyle.Render(fmt.Sprintf("  ↳ %s: %s", r.Sender, r.Text)))
		b.WriteByte('\n')
	}

	style := otherStyle
	if m.Sender == sess.Username() {
		style = meStyle
	}
	b.WriteString(systemStyle.Render(fmt.Sprintf("[%s %s] ", m.ID, m.Timestamp.Local().Format("15:04"))))
	b.WriteString(style.Render(m.Sender + ":"))
	b.WriteByte(' ')
	for _, seg := range chat.Highlight(m.Content.Text, sess.Participants()) {
		if seg.Mention {
			b.WriteString(mentionStyle.Render(seg.Text))
		} else {
			b.WriteString(seg.Text)
		}
	}
	return b.String()
}

// gatewayURL http://host -> ws://host/realtime
func gatewayURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/realtime"
}

func shutdown(sess *chat.Session, beacon *chat.Beacon, lg *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.Leave(ctx); err != nil {
		lg.Warn("leave failed", zap.Error(err))
	}
	if err := beacon.Close(ctx); err != nil {
		lg.Warn("leave beacon did not flush", zap.Error(err))
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
	os.Exit(1)
}
