package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/comigor/anachak-go/internal/agent"
	"github.com/comigor/anachak-go/internal/attachment"
	"github.com/comigor/anachak-go/internal/chat"
	"github.com/comigor/anachak-go/internal/input"
	"github.com/comigor/anachak-go/internal/logger"
	"github.com/comigor/anachak-go/internal/memory"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat in the terminal",
	Long: `Start an interactive chat. Type a message and press enter to send it.

Commands:
  /attach <path>     attach an image, PDF or audio file to the next message
  /detach            drop the pending attachment
  /clear             delete the chat history
  /thinking on|off   toggle extended reasoning
  /signin <id>       sign in to enable long-term memory
  /signout           sign out
  /memory            show what is remembered about you
  /forget            delete your memory
  /quit              exit`,
	RunE: runChat,
}

const prompt = "> "

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	// stdout carries the conversation
	logger.SetOutput(cmd.ErrOrStderr())

	app, err := bootstrap(ctx, "error")
	if err != nil {
		return err
	}
	defer app.store.Close()

	out := cmd.OutOrStdout()
	printer := &streamPrinter{out: out}
	a := app.newAgent(
		agent.WithObserver(printer.observe),
		agent.WithRejectHandler(func(err error) {
			fmt.Fprintf(out, "\n! %s\n%s", rejectMessage(err), prompt)
		}),
	)
	if err := a.Load(ctx); err != nil {
		return err
	}
	printer.replay(a.Transcript())
	if !a.Ready() {
		fmt.Fprintln(out, "! No API key configured: set llm.api_key or ANACHAK_LLM_API_KEY.")
	}

	events := input.NewAdapter(8)
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx, events.Events()) }()

	fmt.Fprint(out, prompt)
	err = readLoop(ctx, cmd.InOrStdin(), out, a, events)
	events.Close()
	if rerr := <-runErr; rerr != nil && !errors.Is(rerr, context.Canceled) {
		err = errors.Join(err, rerr)
	}
	a.Wait()
	return err
}

func readLoop(ctx context.Context, in io.Reader, out io.Writer, a *agent.Agent, events *input.Adapter) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "/") {
			if err := events.SetText(ctx, line); err != nil {
				return err
			}
			if err := events.Send(ctx); err != nil {
				return err
			}
			continue
		}

		cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
		arg = strings.TrimSpace(arg)
		switch cmd {
		case "/quit", "/exit":
			return nil
		case "/attach":
			f, err := readAttachment(arg)
			if err != nil {
				fmt.Fprintf(out, "! %v\n", err)
				break
			}
			if err := events.Attach(ctx, f); err != nil {
				return err
			}
			fmt.Fprintf(out, "attached %s (%s)\n", f.Name, f.MIMEType)
		case "/detach":
			if err := events.Detach(ctx); err != nil {
				return err
			}
		case "/clear":
			if err := a.ClearChat(ctx); err != nil {
				fmt.Fprintf(out, "! %s\n", rejectMessage(err))
			}
		case "/thinking":
			a.SetThinking(arg != "off")
			fmt.Fprintf(out, "thinking %s\n", map[bool]string{true: "on", false: "off"}[a.Thinking()])
		case "/signin":
			if err := a.SignIn(ctx, arg); err != nil {
				fmt.Fprintf(out, "! %v\n", err)
				break
			}
			fmt.Fprintf(out, "signed in as %s\n", arg)
		case "/signout":
			a.SignOut()
			fmt.Fprintln(out, "signed out")
		case "/memory":
			switch p := a.Profile(); {
			case a.User() == "":
				fmt.Fprintln(out, "! sign in first")
			case p == nil:
				fmt.Fprintln(out, "nothing remembered yet")
			default:
				fmt.Fprintln(out, memory.Render(*p))
			}
		case "/forget":
			if err := a.ClearMemory(ctx); err != nil {
				fmt.Fprintf(out, "! %v\n", err)
				break
			}
			fmt.Fprintln(out, "memory cleared")
		default:
			fmt.Fprintf(out, "! unknown command %s\n", cmd)
		}
		fmt.Fprint(out, prompt)
	}
	return scanner.Err()
}

func readAttachment(path string) (attachment.File, error) {
	if path == "" {
		return attachment.File{}, errors.New("usage: /attach <path>")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return attachment.File{}, err
	}
	mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if mt == "" {
		mt = http.DetectContentType(data)
	}
	return attachment.File{Name: filepath.Base(path), MIMEType: mt, Data: data}, nil
}

func rejectMessage(err error) string {
	switch {
	case errors.Is(err, agent.ErrTurnInFlight):
		return "still answering the previous message"
	case errors.Is(err, agent.ErrEmptyInput):
		return "type a message or attach a file first"
	case errors.Is(err, attachment.ErrUnsupportedType),
		errors.Is(err, attachment.ErrMalformedInput):
		return attachment.Reason(err)
	default:
		return err.Error()
	}
}

// streamPrinter writes the growing assistant reply as deltas.
type streamPrinter struct {
	mu      sync.Mutex
	out     io.Writer
	turn    string
	printed int
	done    bool
}

func (p *streamPrinter) observe(msgs []chat.Message) {
	if len(msgs) == 0 {
		return
	}
	last := msgs[len(msgs)-1]
	if last.Role != chat.RoleAssistant {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if last.TurnID != p.turn {
		p.turn, p.printed, p.done = last.TurnID, 0, false
	}
	if p.done {
		return
	}
	switch last.State {
	case chat.StatePending:
		fmt.Fprint(p.out, last.Content[p.printed:])
		p.printed = len(last.Content)
	case chat.StateFailed:
		if p.printed > 0 {
			fmt.Fprintln(p.out)
		}
		fmt.Fprintf(p.out, "! %s\n%s", last.Content, prompt)
		p.done = true
	case chat.StateComplete:
		fmt.Fprintln(p.out, last.Content[min(p.printed, len(last.Content)):])
		printCitations(p.out, last.Citations)
		fmt.Fprint(p.out, prompt)
		p.done = true
	}
}

// replay prints a loaded transcript and marks its last turn as shown.
func (p *streamPrinter) replay(msgs []chat.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		if m.Role == chat.RoleUser {
			fmt.Fprintf(p.out, "%s%s\n", prompt, m.Content)
			continue
		}
		fmt.Fprintln(p.out, m.Content)
		printCitations(p.out, m.Citations)
		p.turn, p.done = m.TurnID, true
	}
}

func printCitations(w io.Writer, cites []chat.Citation) {
	for i, c := range cites {
		title := c.Title
		if title == "" {
			title = c.URI
		}
		fmt.Fprintf(w, "  [%d] %s <%s>\n", i+1, title, c.URI)
	}
}
