package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/rppbarbosa/whatsapp-crm-sub002"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	jsonOutput bool

	// history
	historyBefore string
	historyLimit  int

	// conversations
	conversationsUnread bool

	// send
	sendMediaURL  string
	sendMediaType string
	sendFilename  string
)

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Fetch one page of conversation history",
	Long:  "Fetch the newest page of a conversation, or the page older than --before.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client, err := newClient(cfg, cliLogger(cfg))
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		page, err := client.FetchMessages(ctx, args[0], historyLimit, historyBefore)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonOutput {
			return printJSON(page)
		}

		if len(page.Messages) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, m := range page.Messages {
			printMessage(m)
		}
		if page.HasMore {
			fmt.Printf("\n%d of %d messages. Older: crmsync history %s --before %s\n",
				len(page.Messages), page.KnownTotal, args[0], page.Messages[0].ID)
		}
		return nil
	},
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client, err := newClient(cfg, cliLogger(cfg))
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		list, err := client.ListConversations(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if conversationsUnread {
			filtered := list[:0]
			for _, c := range list {
				if c.UnreadCount > 0 {
					filtered = append(filtered, c)
				}
			}
			list = filtered
		}
		if jsonOutput {
			return printJSON(list)
		}

		if len(list) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		for _, c := range list {
			last := ""
			if c.LastMessage != nil {
				last = c.LastMessage.Body
				if len(last) > 60 {
					last = last[:57] + "..."
				}
			}
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" [%d unread]", c.UnreadCount)
			}
			fmt.Printf("%-28s%s  %s\n", c.ConversationID, unread, last)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <body>",
	Short: "Send a message to a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client, err := newClient(cfg, cliLogger(cfg))
		if err != nil {
			return err
		}

		var opts *chatsync.SendOptions
		if sendMediaURL != "" {
			opts = &chatsync.SendOptions{
				Type: chatsync.TypeMedia,
				Attachment: &chatsync.AttachmentMeta{
					Type:     sendMediaType,
					URL:      sendMediaURL,
					Filename: sendFilename,
				},
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		res, err := client.Send(ctx, args[0], args[1], opts)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonOutput {
			return printJSON(res)
		}
		fmt.Printf("Message sent (id: %s)\n", res.MessageID)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON")

	historyCmd.Flags().StringVar(&historyBefore, "before", "", "message id to page back from")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", chatsync.DefaultPageLimit, "maximum messages")

	conversationsCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "only conversations with unread messages")

	sendCmd.Flags().StringVar(&sendMediaURL, "media-url", "", "attach media by URL")
	sendCmd.Flags().StringVar(&sendMediaType, "media-type", "", "MIME type of the attachment")
	sendCmd.Flags().StringVar(&sendFilename, "filename", "", "attachment file name")

	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(sendCmd)
}
