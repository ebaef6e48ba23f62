package main

import (
	"chat-ledger/internal/apperr"
	"chat-ledger/internal/client"
	"chat-ledger/internal/mirror"
	chatService "chat-ledger/internal/service/chat"
	"chat-ledger/internal/service/llm"
	"chat-ledger/pkg/validation"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

const tokenKey = "auth:token"

type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return usageError{msg: fmt.Sprintf(format, args...)}
}

type cli struct {
	cache  mirror.Cache
	api    *client.Client
	mirror *mirror.Manager
	out    io.Writer
}

func (c *cli) dispatch(ctx context.Context, argv []string) error {
	cmd, args := argv[0], argv[1:]
	switch cmd {
	case "register", "login":
		return c.authenticate(ctx, cmd, args)
	case "new":
		return c.newConversation(ctx)
	case "list":
		return c.list()
	case "use":
		if len(args) != 1 {
			return usagef("use needs a conversation id")
		}
		return c.mirror.SetActive(ctx, args[0])
	case "show":
		return c.show(ctx, c.target(args))
	case "send":
		return c.send(ctx, args)
	case "rename":
		if len(args) < 2 {
			return usagef("rename needs an id and a title")
		}
		return c.mirror.RenameConversation(ctx, args[0], strings.Join(args[1:], " "))
	case "clear":
		return c.mirror.ClearConversation(ctx, c.target(args))
	case "delete":
		return c.delete(ctx, args)
	case "search":
		return c.search(args)
	case "sync":
		if err := c.mirror.SyncIndex(ctx); err != nil {
			return err
		}
		return c.list()
	case "usage":
		return c.usage(ctx, c.target(args))
	case "export":
		return c.export(args)
	case "import":
		return c.importFile(ctx, args)
	case "credits":
		return c.credits(ctx, args)
	default:
		return usagef("unknown command: %s", cmd)
	}
}

// target returns the first argument or the active conversation.
func (c *cli) target(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return c.mirror.Active()
}

func (c *cli) authenticate(ctx context.Context, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	email := fs.String("email", "", "Account email.")
	password := fs.String("password", "", "Account password.")
	if err := fs.Parse(args); err != nil {
		return usagef("%s: %v", cmd, err)
	}
	if *email == "" || *password == "" {
		return usagef("%s needs -email and -password", cmd)
	}

	var token string
	var err error
	if cmd == "register" {
		token, err = c.api.Register(ctx, *email, *password)
	} else {
		token, err = c.api.Login(ctx, *email, *password)
	}
	if err != nil {
		return err
	}
	if err := c.cache.Set(ctx, tokenKey, []byte(token)); err != nil {
		return fmt.Errorf("saving token: %w", err)
	}
	fmt.Fprintf(c.out, "signed in as %s\n", strings.ToLower(*email))
	return nil
}

func (c *cli) newConversation(ctx context.Context) error {
	id, err := c.mirror.CreateConversation(ctx)
	if err != nil {
		return err
	}
	if err := c.mirror.SetActive(ctx, id); err != nil {
		return err
	}
	fmt.Fprintln(c.out, id)
	return nil
}

func (c *cli) list() error {
	active := c.mirror.Active()
	for _, conv := range c.mirror.List() {
		marker := " "
		if conv.ID == active {
			marker = "*"
		}
		fmt.Fprintf(c.out, "%s %s  %-8s %s  %s\n", marker, conv.ID, conv.State, conv.UpdatedAt.Local().Format(time.DateTime), conv.Title)
	}
	return nil
}

func (c *cli) show(ctx context.Context, id string) error {
	msgs, err := c.mirror.LoadConversation(ctx, id)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		pending := ""
		if msg.Provisional {
			pending = " (pending)"
		}
		fmt.Fprintf(c.out, "[%s]%s %s\n", msg.Role, pending, msg.Content)
	}
	return nil
}

func (c *cli) send(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	model := fs.String("model", "", "Model id; the server default when empty.")
	persona := fs.String("persona", "", "Persona id.")
	if err := fs.Parse(args); err != nil {
		return usagef("send: %v", err)
	}
	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if text == "" {
		return usagef("send needs a message")
	}

	id := c.mirror.Active()
	if _, err := c.mirror.LoadConversation(ctx, id); err != nil {
		return err
	}
	local, err := c.mirror.AppendMessage(ctx, id, mirror.Message{Role: llm.RoleUser, Content: text})
	if err != nil {
		return err
	}

	history := c.mirror.Messages(id)
	inputs := make([]validation.MessageInput, 0, len(history))
	for _, msg := range history {
		inputs = append(inputs, validation.MessageInput{ID: msg.ID, Role: string(msg.Role), Content: msg.Content})
	}

	var usage *chatService.UsagePayload
	var usedModel string
	err = c.api.Send(ctx, client.SendRequest{ID: id, Messages: inputs, Model: *model, PersonaID: *persona}, func(ev chatService.StreamEvent) {
		switch ev.Type {
		case chatService.EventMeta:
			usedModel = ev.Model
		case chatService.EventDelta:
			fmt.Fprint(c.out, ev.Content)
		case chatService.EventUsage:
			usage = ev.Usage
		case chatService.EventError:
			fmt.Fprintf(c.out, "\n[error] %s", ev.Error)
		}
	})
	fmt.Fprintln(c.out)
	if err != nil {
		return err
	}

	if err := c.mirror.Reconcile(ctx, id); err != nil {
		// the reply is on the server; keep the local copy until the next sync
		fmt.Fprintf(c.out, "warning: reconcile failed: %v\n", err)
		if err := c.mirror.Acknowledge(ctx, id, []string{local.ID}); err != nil {
			return err
		}
	}

	if usage != nil {
		fmt.Fprintf(c.out, "tokens: %d prompt + %d completion = %d\n", usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens)
		c.charge(ctx, usedModel, usage.TotalTokens)
	}
	return nil
}

// charge spends local credits when the model has a balance tracked.
func (c *cli) charge(ctx context.Context, model string, tokens int64) {
	if _, tracked := c.mirror.Balances()[model]; !tracked {
		return
	}
	balance, err := c.mirror.Spend(ctx, model, tokens)
	if err != nil {
		fmt.Fprintf(c.out, "warning: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "credits left for %s: %d\n", model, balance)
}

func (c *cli) delete(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usagef("delete needs a conversation id")
	}
	// conversations never sent exist only locally
	if err := c.api.DeleteChat(ctx, args[0]); err != nil && !errors.Is(err, apperr.ErrNotFound) {
		fmt.Fprintf(c.out, "warning: server delete failed: %v\n", err)
	}
	active, err := c.mirror.DeleteConversation(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "active: %s\n", active)
	return nil
}

func (c *cli) search(args []string) error {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	caseSensitive := fs.Bool("case", false, "Match case.")
	wholeWord := fs.Bool("word", false, "Match whole words only.")
	if err := fs.Parse(args); err != nil {
		return usagef("search: %v", err)
	}
	query := strings.Join(fs.Args(), " ")
	opts := mirror.SearchOptions{CaseSensitive: *caseSensitive, WholeWord: *wholeWord}

	for _, r := range c.mirror.Search(query, opts) {
		fmt.Fprintf(c.out, "%s  %s\n", r.Conversation.ID, mirror.Highlight(r.Conversation.Title, query, opts))
		if len(r.MessageIDs) == 0 {
			continue
		}
		wanted := make(map[string]bool, len(r.MessageIDs))
		for _, id := range r.MessageIDs {
			wanted[id] = true
		}
		for _, msg := range c.mirror.Messages(r.Conversation.ID) {
			if wanted[msg.ID] {
				fmt.Fprintf(c.out, "    [%s] %s\n", msg.Role, mirror.Highlight(msg.Content, query, opts))
			}
		}
	}
	return nil
}

func (c *cli) usage(ctx context.Context, id string) error {
	totals, err := c.api.ChatUsage(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "prompt %d, completion %d, total %d\n", totals.PromptTokens, totals.CompletionTokens, totals.TotalTokens)
	return nil
}

func (c *cli) export(args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	output := fs.String("o", "", "Output file; stdout when empty.")
	if err := fs.Parse(args); err != nil {
		return usagef("export: %v", err)
	}

	data, err := c.mirror.Export()
	if err != nil {
		return err
	}
	if *output == "" {
		_, err = fmt.Fprintln(c.out, string(data))
		return err
	}
	return os.WriteFile(*output, data, 0o600)
}

func (c *cli) importFile(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usagef("import needs a file")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	if err := c.mirror.Import(ctx, data); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "imported %d conversations\n", len(c.mirror.List()))
	return nil
}

func (c *cli) credits(ctx context.Context, args []string) error {
	if len(args) == 0 {
		balances := c.mirror.Balances()
		models := make([]string, 0, len(balances))
		for model := range balances {
			models = append(models, model)
		}
		sort.Strings(models)
		for _, model := range models {
			fmt.Fprintf(c.out, "%s: %d\n", model, balances[model])
		}
		return nil
	}
	if args[0] != "add" || len(args) != 3 {
		return usagef("usage: credits [add MODEL N]")
	}
	amount, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return usagef("credits amount must be a number")
	}
	balance, err := c.mirror.AddCredits(ctx, args[1], amount)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s: %d\n", args[1], balance)
	return nil
}
