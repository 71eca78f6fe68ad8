package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"convohub/internal/conversation"
	"convohub/internal/stream"
	"convohub/internal/types"
)

var replayJSON bool

var replayCmd = &cobra.Command{
	Use:   "replay <stream-file>",
	Short: "Rebuild a conversation from a recorded stream-json log",
	Long: `Feeds a file of assistant stream-json lines ("-" for stdin) through the same
accumulator the server uses and prints the resulting conversation. Useful for checking
how a captured session would have been stored.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().BoolVar(&replayJSON, "json", false, "Print the conversation as JSON")
}

// replayStats summarizes a replay.
type replayStats struct {
	Events    int
	Mutations int
	Orphans   int
	Pending   []string
	SessionID string
}

func runReplay(cmd *cobra.Command, args []string) error {
	var in io.Reader = cmd.InOrStdin()
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	conv, stats, err := replay(in)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if replayJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(conv)
	}
	if err := printConversation(out, conv, true); err != nil {
		return err
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, dimStyle.Render(fmt.Sprintf("%d events, %d mutations, %d orphan tool results, %d unanswered tool calls, session %q",
		stats.Events, stats.Mutations, stats.Orphans, len(stats.Pending), stats.SessionID)))
	return nil
}

func replay(r io.Reader) (*types.Conversation, replayStats, error) {
	now := types.Now()
	acc := conversation.New(&types.Conversation{
		ID:        uuid.NewString(),
		Messages:  []types.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	})

	var stats replayStats
	p := stream.NewParser(r)
	for {
		ev, err := p.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, stats, fmt.Errorf("failed to read stream: %w", err)
		}
		stats.Events++
		if id := stream.SessionID(ev); id != "" {
			stats.SessionID = id
		}
		stats.Mutations += len(acc.Apply(ev))
	}
	stats.Mutations += len(acc.Finish())
	stats.Orphans = acc.Orphans()
	stats.Pending = acc.Pending()

	conv := acc.Snapshot()
	conv.ExternalSessionID = stats.SessionID
	conv.EnsureTitle()
	return conv, stats, nil
}
