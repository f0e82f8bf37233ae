// Command relaychat is a line-oriented terminal client for llmrelay.
//
// Type a message and press enter to send it. Commands:
//
//	/providers          list providers and whether they are configured
//	/models             list models for the current provider
//	/use <id> [model]   switch provider (and optionally model)
//	/retry              resend the last failed message
//	/quit               exit
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/howard-nolan/llmrelay/internal/client"
	"github.com/howard-nolan/llmrelay/internal/logging"
	"github.com/rs/zerolog"
)

func main() {
	addr := flag.String("server", "http://localhost:8080", "relay base URL")
	providerID := flag.String("provider", "openai", "provider id")
	model := flag.String("model", "", "model id (provider default when empty)")
	logLevel := flag.String("log-level", "warn", "log level")
	flag.Parse()

	log := logging.NewWithWriter(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}, *logLevel)
	c := client.New(*addr, client.WithLogger(log))

	out := &printer{}
	conv := client.NewConversation(c, *providerID, *model,
		client.OnChange(out.render),
		client.WithConversationLogger(log),
	)
	defer conv.Close()

	fmt.Printf("relaychat: %s via %s (/quit to exit)\n", *providerID, *addr)
	current := *providerID

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		cmd, arg, _ := strings.Cut(line, " ")
		switch cmd {
		case "/quit", "/exit":
			return
		case "/providers":
			listProviders(c)
			continue
		case "/models":
			listModels(c, current)
			continue
		case "/use":
			fields := strings.Fields(arg)
			if len(fields) == 0 {
				fmt.Println("usage: /use <provider> [model]")
				continue
			}
			current = fields[0]
			m := ""
			if len(fields) > 1 {
				m = fields[1]
			}
			conv.SetProvider(current, m)
			fmt.Printf("now using %s\n", current)
			continue
		case "/retry":
			if err := conv.Retry(); err != nil {
				fmt.Println(err)
			}
			continue
		}

		if err := conv.Send(line); err != nil {
			fmt.Println(err)
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "reading input: %v\n", err)
	}
}

func listProviders(c *client.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	providers, err := c.Providers(ctx)
	if err != nil {
		fmt.Printf("providers: %v\n", err)
		return
	}
	for _, p := range providers {
		mark := " "
		if p.Configured {
			mark = "*"
		}
		fmt.Printf(" %s %-10s %s (default %s)\n", mark, p.ID, p.DisplayName, p.DefaultModel)
	}
}

func listModels(c *client.Client, providerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	models, err := c.Models(ctx, providerID)
	if err != nil {
		fmt.Printf("models: %v\n", err)
		return
	}
	for _, m := range models {
		fmt.Printf("   %-32s %s\n", m.ID, m.DisplayName)
	}
}

// printer writes the newest assistant bubble incrementally: only the text
// added since the last change is printed.
type printer struct {
	mu      sync.Mutex
	bubble  int
	printed int
	ended   bool
}

func (p *printer) render(bubbles []client.Bubble) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := len(bubbles) - 1
	if idx < 0 {
		return
	}
	b := bubbles[idx]
	if b.Role != client.RoleAssistant {
		return
	}

	// A retry reuses the index of the bubble it replaces.
	if idx != p.bubble || (p.ended && b.Typing) {
		if !p.ended && p.printed > 0 {
			fmt.Println()
		}
		p.bubble, p.printed, p.ended = idx, 0, false
	}
	if p.ended {
		return
	}

	if len(b.Content) > p.printed {
		fmt.Print(b.Content[p.printed:])
		p.printed = len(b.Content)
	}

	switch {
	case b.Error != "":
		if p.printed > 0 {
			fmt.Println()
		}
		fmt.Printf("[error] %s (/retry to resend)\n", b.Error)
		p.ended = true
	case !b.Typing:
		fmt.Println()
		p.ended = true
	}
}
