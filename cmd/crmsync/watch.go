package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	chatsync "github.com/rppbarbosa/whatsapp-crm-sub002"
)

var watchBackfill int

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().IntVar(&watchBackfill, "backfill", 0, "older pages to load per conversation at start")
}

var watchCmd = &cobra.Command{
	Use:   "watch <conversation-id>...",
	Short: "Follow conversations live",
	Long: "Keep the given conversations in sync through the local cache, periodic fetches\n" +
		"and the push channel, printing messages as they arrive.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		engine, err := newEngine(ctx, cfg, cliLogger(cfg))
		if err != nil {
			return err
		}
		defer engine.Destroy()

		p := &viewPrinter{engine: engine, seen: make(map[string]map[chatsync.Identity]bool)}
		engine.On(chatsync.EventViewUpdated, func(_ string, payload any) {
			p.print(payload.(chatsync.ViewUpdate).ConversationID)
		})
		engine.On(chatsync.EventConnectionState, func(_ string, payload any) {
			c := payload.(chatsync.StateChange)
			fmt.Fprintf(os.Stderr, "* push channel %s -> %s\n", c.From, c.To)
		})
		engine.On(chatsync.EventConnectionLost, func(_ string, payload any) {
			fmt.Fprintf(os.Stderr, "* disconnected: %v (polling continues)\n", payload)
		})
		engine.On(chatsync.EventChannelStatus, func(_ string, payload any) {
			fmt.Fprintf(os.Stderr, "* channel %s\n", payload.(chatsync.ChannelStatusEvent).State)
		})

		if err := engine.Start(ctx); err != nil {
			return err
		}
		for _, conv := range args {
			if err := engine.OpenConversation(ctx, conv); err != nil && ctx.Err() == nil {
				fmt.Fprintf(os.Stderr, "* %s: initial sync failed: %v\n", conv, err)
			}
			for i := 0; i < watchBackfill && engine.HasMoreHistory(conv); i++ {
				if _, err := engine.LoadOlder(ctx, conv, "", 0); err != nil {
					if !errors.Is(err, chatsync.ErrAnchorNotFound) {
						fmt.Fprintf(os.Stderr, "* %s: backfill failed: %v\n", conv, err)
					}
					break
				}
			}
			p.print(conv)
		}

		<-ctx.Done()
		return nil
	},
}

// viewPrinter prints the messages of a view that were not printed before.
// Backfilled history is printed as it lands, so output is not strictly
// chronological across pages.
type viewPrinter struct {
	engine *chatsync.Engine

	mu   sync.Mutex
	seen map[string]map[chatsync.Identity]bool
}

func (p *viewPrinter) print(conversationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	seen, ok := p.seen[conversationID]
	if !ok {
		seen = make(map[chatsync.Identity]bool)
		p.seen[conversationID] = seen
	}
	for _, m := range p.engine.View(conversationID) {
		if seen[m.Identity()] {
			continue
		}
		seen[m.Identity()] = true
		fmt.Printf("%s ", conversationID)
		printMessage(m)
	}
}
