package cli

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"unicode"

	"offgrid/internal/backend"
	"offgrid/internal/content"
	"offgrid/internal/conversation"
	"offgrid/internal/models"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newChatCmd() *cobra.Command {
	var server, username, password, partner string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with another user from the terminal",
		Long: `Chat with another user from the terminal.

Every line is sent as a message and the partner sees you typing.
Commands:
  /file <path>   send a file
  /retry <id>    resend a failed message
  /quit          leave`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" || partner == "" {
				return fmt.Errorf("--user and --partner are required")
			}
			stdin, fd, isTerm := terminal(cmd.InOrStdin())
			in := bufio.NewReader(stdin)
			if password == "" {
				fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
				var err error
				if password, err = readPassword(in, fd, isTerm); err != nil {
					return err
				}
				if isTerm {
					fmt.Fprintln(cmd.ErrOrStderr())
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			client := backend.NewClient(serverURL(server), nil, log)
			if err := client.Login(ctx, username, password); err != nil {
				return fmt.Errorf("login failed: %w", err)
			}
			defer func() { _ = client.Logoff(context.WithoutCancel(ctx)) }()

			partnerID, err := resolveUser(ctx, client, partner)
			if err != nil {
				return err
			}

			if err := client.Connect(ctx, cfg.PresenceTTL/3); err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			conv := conversation.New(client, conversation.Config{
				PartnerID:         partnerID,
				AttachmentsBucket: cfg.AttachmentsBucket,
			}, log)

			out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
			if isTerm {
				state, err := term.MakeRaw(fd)
				if err != nil {
					return fmt.Errorf("failed to enter raw mode: %w", err)
				}
				defer func() { _ = term.Restore(fd, state) }()
				out, errOut = crlfWriter{out}, crlfWriter{errOut}
			}

			p := newPrinter(out, conv)
			conv.Events().Subscribe(p.handle)

			if err := conv.Open(ctx); err != nil {
				return err
			}
			defer func() { _ = conv.Close() }()

			var lines <-chan string
			if isTerm {
				lines = readKeys(ctx, in, &lineEditor{echo: out, keystroke: conv.Keystroke})
			} else {
				lines = readLines(ctx, in)
			}
			return chatLoop(ctx, conv, lines, errOut)
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "server base URL (default from config)")
	cmd.Flags().StringVar(&username, "user", "", "your username")
	cmd.Flags().StringVar(&password, "password", "", "your password (prompted when empty)")
	cmd.Flags().StringVar(&partner, "partner", "", "username or id of the person to chat with")
	return cmd
}

// terminal reports whether r is an interactive terminal.
func terminal(r io.Reader) (io.Reader, int, bool) {
	f, ok := r.(*os.File)
	if !ok {
		return r, -1, false
	}
	fd := int(f.Fd())
	return f, fd, term.IsTerminal(fd)
}

func readPassword(in *bufio.Reader, fd int, isTerm bool) (string, error) {
	if isTerm {
		b, err := term.ReadPassword(fd)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func resolveUser(ctx context.Context, client *backend.Client, nameOrID string) (string, error) {
	users, err := client.Users(ctx)
	if err != nil {
		return "", err
	}
	for _, u := range users {
		if u.ID == nameOrID || u.UserName == nameOrID {
			return u.ID, nil
		}
	}
	return "", fmt.Errorf("user %q: %w", nameOrID, models.ErrNotFound)
}

// chatSession is the part of a conversation the chat loop drives.
type chatSession interface {
	SendText(ctx context.Context, text string) (models.Message, error)
	SendAttachment(ctx context.Context, f conversation.File) (models.Message, error)
	Retry(ctx context.Context, id string) (models.Message, error)
}

// readLines delivers complete input lines when stdin is not a terminal.
func readLines(ctx context.Context, in *bufio.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		for {
			line, err := in.ReadString('\n')
			if line = strings.TrimRight(line, "\r\n"); line != "" {
				select {
				case lines <- line:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return lines
}

// readKeys feeds every key from a raw terminal through ed and delivers the
// lines it completes. The channel closes on end of input or Ctrl-C/Ctrl-D.
func readKeys(ctx context.Context, in *bufio.Reader, ed *lineEditor) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		for {
			r, _, err := in.ReadRune()
			if err != nil {
				return
			}
			line, done, quit := ed.feed(r)
			if quit {
				return
			}
			if !done || line == "" {
				continue
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

const (
	keyCtrlC     = 3
	keyCtrlD     = 4
	keyBackspace = 8
	keyDelete    = 127
)

// lineEditor turns raw terminal keys into lines. Every printable key
// counts as a keystroke of the conversation so the partner sees typing.
type lineEditor struct {
	buf       []rune
	echo      io.Writer
	keystroke func()
}

// feed handles one key. done reports a submitted line; quit reports that
// the user asked to leave.
func (e *lineEditor) feed(r rune) (line string, done, quit bool) {
	switch {
	case r == keyCtrlC || (r == keyCtrlD && len(e.buf) == 0):
		return "", false, true
	case r == '\r' || r == '\n':
		line = strings.TrimSpace(string(e.buf))
		e.buf = e.buf[:0]
		e.write("\r\n")
		return line, true, false
	case r == keyBackspace || r == keyDelete:
		if len(e.buf) > 0 {
			e.buf = e.buf[:len(e.buf)-1]
			e.write("\b \b")
		}
	case unicode.IsPrint(r):
		e.buf = append(e.buf, r)
		e.write(string(r))
		if e.keystroke != nil {
			e.keystroke()
		}
	}
	return "", false, false
}

func (e *lineEditor) write(s string) {
	if e.echo != nil {
		_, _ = io.WriteString(e.echo, s)
	}
}

// crlfWriter restores line starts while the terminal is in raw mode.
type crlfWriter struct {
	w io.Writer
}

func (c crlfWriter) Write(p []byte) (int, error) {
	if _, err := c.w.Write(bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n"))); err != nil {
		return 0, err
	}
	return len(p), nil
}

func chatLoop(ctx context.Context, conv chatSession, lines <-chan string, errOut io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			cmd, arg, _ := strings.Cut(line, " ")
			var err error
			switch cmd {
			case "/quit":
				return nil
			case "/file":
				err = sendFile(ctx, conv, strings.TrimSpace(arg))
			case "/retry":
				_, err = conv.Retry(ctx, strings.TrimSpace(arg))
			default:
				_, err = conv.SendText(ctx, line)
			}
			if err != nil && !errors.Is(err, conversation.ErrSendFailed) {
				fmt.Fprintf(errOut, "error: %v\n", err)
			}
		}
	}
}

func sendFile(ctx context.Context, conv chatSession, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	_, err = conv.SendAttachment(ctx, conversation.File{
		Name:        filepath.Base(path),
		ContentType: content.DetectMIME(head[:n]),
		Size:        info.Size(),
		Body:        f,
	})
	return err
}

// printer renders conversation events as terminal lines. Each message is
// printed once and later status changes get a short follow-up line.
type printer struct {
	mu   sync.Mutex
	out  io.Writer
	conv *conversation.Conversation
	seen map[string]models.MessageStatus
}

func newPrinter(out io.Writer, conv *conversation.Conversation) *printer {
	return &printer{out: out, conv: conv, seen: make(map[string]models.MessageStatus)}
}

func (p *printer) handle(ev conversation.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch e := ev.(type) {
	case conversation.MessagesChanged:
		p.render()
	case conversation.MessageReplaced:
		if status, ok := p.seen[e.OldID]; ok {
			p.seen[e.NewID] = status
			delete(p.seen, e.OldID)
		}
	case conversation.MessageFailed:
		fmt.Fprintf(p.out, "  ! message %s failed, type /retry %s\n", e.ID, e.ID)
	case conversation.Notice:
		fmt.Fprintf(p.out, "  ! %s\n", e.Text)
	case conversation.TypingChanged:
		if e.Typing {
			fmt.Fprintf(p.out, "  %s is typing...\n", p.partnerName())
		}
	case conversation.PresenceChanged:
		fmt.Fprintf(p.out, "  %s is %s\n", p.partnerName(), e.Presence)
	}
}

func (p *printer) render() {
	self := p.conv.Self().ID
	for _, m := range p.conv.Messages() {
		prev, ok := p.seen[m.ID]
		p.seen[m.ID] = m.Status
		switch {
		case !ok:
			p.printMessage(m, self)
		case prev != m.Status && m.SenderID == self:
			fmt.Fprintf(p.out, "  message %s %s\n", short(m.ID), m.Status)
		}
	}
}

func (p *printer) printMessage(m models.Message, self string) {
	name := p.partnerName()
	if m.SenderID == self {
		name = "me"
	}
	stamp := m.CreatedAt.Local().Format("15:04")
	if m.Content != "" {
		fmt.Fprintf(p.out, "[%s] %s: %s", stamp, name, m.Content)
	} else {
		fmt.Fprintf(p.out, "[%s] %s:", stamp, name)
	}
	if m.SenderID == self {
		fmt.Fprintf(p.out, " (%s)", m.Status)
	}
	fmt.Fprintln(p.out)
	for _, a := range m.Attachments {
		fmt.Fprintf(p.out, "    [%s] %s\n", a.Name, a.URL)
	}
}

func (p *printer) partnerName() string {
	partner := p.conv.Partner()
	if partner.DisplayName != "" {
		return partner.DisplayName
	}
	if partner.UserName != "" {
		return partner.UserName
	}
	return "partner"
}

func short(id string) string {
	id = strings.TrimPrefix(id, models.TempIDPrefix)
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
