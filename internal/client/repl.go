package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"healthchat/internal/models"
)

// REPL is the line-oriented frontend: every entered line is submitted
// on Enter. Blank lines are ignored, and a line submitted while a chat
// request is in flight is rejected by the conversation's loading guard.
type REPL struct {
	gateway      *Gateway
	conversation *Conversation
	login        *Login
	sessionID    int64
	out          io.Writer
}

func NewREPL(gateway *Gateway, out io.Writer) *REPL {
	return &REPL{
		gateway:      gateway,
		conversation: NewConversation(),
		login:        NewLogin(),
		out:          out,
	}
}

// Conversation exposes the transcript, mainly for tests.
func (r *REPL) Conversation() *Conversation {
	return r.conversation
}

// Run reads lines until EOF or the quit command.
func (r *REPL) Run(ctx context.Context, in io.Reader) error {
	fmt.Fprintf(r.out, "Connected to %s\n", r.gateway.BaseURL())
	fmt.Fprintln(r.out, `Type a message and press Enter. Commands: /login, /sos, /quit`)

	scanner := bufio.NewScanner(in)
	r.prompt()
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			r.prompt()
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := r.handleCommand(ctx, line); quit {
				return nil
			}
			r.prompt()
			continue
		}
		r.Submit(ctx, line)
		r.prompt()
	}
	return scanner.Err()
}

// Submit sends one chat message and appends both sides to the transcript.
// It refuses to double-send while a previous request is still pending.
func (r *REPL) Submit(ctx context.Context, message string) {
	message = strings.TrimSpace(message)
	if message == "" {
		return
	}
	if !r.conversation.BeginRequest() {
		fmt.Fprintln(r.out, "(still waiting for the previous reply)")
		return
	}
	defer r.conversation.EndRequest()

	r.conversation.Append(models.RoleUser, message)
	result := r.gateway.Chat(ctx, message, r.sessionID)
	r.conversation.Append(models.RoleBot, result.Reply)
	fmt.Fprintf(r.out, "bot> %s\n", result.Reply)
	if result.Emergency {
		fmt.Fprintln(r.out, "!! emergency recommended: consider /sos")
	}
}

// SOS fires the alert regardless of any chat request in flight.
func (r *REPL) SOS(ctx context.Context) {
	status, ok := r.gateway.SOS(ctx, "")
	if !ok {
		fmt.Fprintf(r.out, "sos failed: %s\n", status)
		return
	}
	fmt.Fprintln(r.out, status)
}

func (r *REPL) handleCommand(ctx context.Context, line string) (quit bool) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/sos":
		r.SOS(ctx)
	case "/login":
		if len(fields) < 2 {
			fmt.Fprintln(r.out, "usage: /login <phone>, then /code <code>")
			return false
		}
		if err := r.login.SubmitPhone(ctx, r.gateway, strings.Join(fields[1:], " ")); err != nil {
			fmt.Fprintf(r.out, "login: %v\n", err)
			return false
		}
		fmt.Fprintf(r.out, "code sent to %s, submit it with /code <code>\n", r.login.Phone())
	case "/code":
		if len(fields) != 2 {
			fmt.Fprintln(r.out, "usage: /code <code>")
			return false
		}
		if err := r.login.SubmitCode(ctx, r.gateway, fields[1]); err != nil {
			fmt.Fprintf(r.out, "login: %v\n", err)
			return false
		}
		account := r.login.Account()
		fmt.Fprintf(r.out, "logged in as %s\n", account.Phone)
		sessionID, err := r.gateway.StartSession(ctx, account.ID, "CLI session")
		if err != nil {
			fmt.Fprintf(r.out, "session: %v (continuing without history)\n", err)
			return false
		}
		r.sessionID = sessionID
	default:
		fmt.Fprintf(r.out, "unknown command %s\n", fields[0])
	}
	return false
}

func (r *REPL) prompt() {
	fmt.Fprint(r.out, "you> ")
}
