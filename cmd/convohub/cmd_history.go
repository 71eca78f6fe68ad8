package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"convohub/internal/types"
)

var (
	historyProject string
	showRaw        bool
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	activeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	roleStyles  = map[types.Role]lipgloss.Style{
		types.RoleUser:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("33")),
		types.RoleAssistant: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("170")),
		types.RoleSystem:    lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("214")),
	}
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect stored conversations",
	Long: `Reads the history store directly; the server does not need to be running.

Subcommands:
  list        - List conversations of a project
  show <id>   - Print one conversation`,
	RunE: runHistoryList,
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations of a project",
	RunE:  runHistoryList,
}

var historyShowCmd = &cobra.Command{
	Use:   "show <conversation-id>",
	Short: "Print one conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryShow,
}

func init() {
	historyCmd.PersistentFlags().StringVarP(&historyProject, "project", "p", "", "Project directory (default: workspace)")
	historyShowCmd.Flags().BoolVar(&showRaw, "raw", false, "Print plain text instead of rendered markdown")

	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyShowCmd)
}

func resolveProject() (string, error) {
	if historyProject != "" {
		return resolveAbs(historyProject)
	}
	return cfg.WorkspacePath()
}

// resolveAbs matches the server's project key: absolute, clean, symlinks kept.
func resolveAbs(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("invalid project path %q: %w", path, err)
	}
	return filepath.Clean(abs), nil
}

func runHistoryList(cmd *cobra.Command, args []string) error {
	project, err := resolveProject()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	list, err := st.List(cmd.Context(), project)
	if err != nil {
		return fmt.Errorf("failed to list conversations: %w", err)
	}
	printHistoryList(cmd.OutOrStdout(), project, list)
	return nil
}

func printHistoryList(w io.Writer, project string, list []types.ConversationSummary) {
	if len(list) == 0 {
		fmt.Fprintf(w, "No conversations for %s\n", project)
		return
	}

	fmt.Fprintln(w, titleStyle.Render("Conversations in "+project))
	fmt.Fprintln(w, strings.Repeat("─", 60))
	for _, c := range list {
		marker := "  "
		if c.Active {
			marker = activeStyle.Render("● ")
		}
		title := c.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(w, "%s%s  %s\n", marker, title,
			dimStyle.Render(fmt.Sprintf("%s · %d messages · %s", c.ID, c.MessageCount, c.UpdatedAt.Local().Format(time.DateTime))))
	}
	fmt.Fprintln(w, strings.Repeat("─", 60))
	fmt.Fprintf(w, "Total: %d conversations\n", len(list))
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	project, err := resolveProject()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	conv, err := st.Load(cmd.Context(), project, args[0])
	if err != nil {
		return fmt.Errorf("failed to load conversation %s: %w", args[0], err)
	}
	return printConversation(cmd.OutOrStdout(), conv, !showRaw)
}

// printConversation writes each message under a role header. Assistant markdown is rendered
// with glamour unless render is false.
func printConversation(w io.Writer, conv *types.Conversation, render bool) error {
	var r *glamour.TermRenderer
	if render {
		var err error
		r, err = glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
		if err != nil {
			return fmt.Errorf("failed to create renderer: %w", err)
		}
	}

	if conv.Title != "" {
		fmt.Fprintln(w, titleStyle.Render(conv.Title))
	}
	for _, m := range conv.Messages {
		header := string(m.Role)
		if m.SenderNickname != "" {
			header += " (" + m.SenderNickname + ")"
		}
		if m.Streaming {
			header += " [incomplete]"
		}
		fmt.Fprintf(w, "\n%s %s\n", roleStyles[m.Role].Render(header), dimStyle.Render(m.Timestamp.Local().Format(time.DateTime)))

		body := m.Content
		if body == "" && len(m.ContentBlocks) > 0 {
			body = types.FlattenBlocks(m.ContentBlocks)
		}
		if r != nil && m.Role == types.RoleAssistant {
			out, err := r.Render(body)
			if err == nil {
				body = out
			}
		}
		fmt.Fprintln(w, strings.TrimRight(body, "\n"))
	}
	return nil
}
