package main

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"convohub/cmd/convohub/attach"
)

var (
	attachURL      string
	attachProject  string
	attachNickname string
)

var attachCmd = &cobra.Command{
	Use:   "attach",
	Short: "Join a session from the terminal",
	Long: `Connects to a running server and opens an interactive view of the project's session.
Messages typed here are seen by every other client of the session.

  convohub attach -p ./myproject --nickname ana`,
	RunE: runAttach,
}

func init() {
	attachCmd.Flags().StringVar(&attachURL, "url", "", "WebSocket URL (default: derived from server.addr and server.ws_path)")
	attachCmd.Flags().StringVarP(&attachProject, "project", "p", "", "Project directory (default: server workspace)")
	attachCmd.Flags().StringVar(&attachNickname, "nickname", os.Getenv("USER"), "Nickname shown to other participants (empty to stay anonymous)")
}

func runAttach(cmd *cobra.Command, args []string) error {
	url := attachURL
	if url == "" {
		url = defaultWSURL(cfg.Server.Addr, cfg.Server.WSPath)
	}
	project := attachProject
	if project != "" {
		abs, err := resolveAbs(project)
		if err != nil {
			return err
		}
		project = abs
	}
	return attach.Run(cmd.Context(), url, attach.Options{Project: project, Nickname: attachNickname})
}

// defaultWSURL turns a listen address into a dialable URL; wildcard hosts become loopback.
func defaultWSURL(addr, path string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("ws://%s%s", addr, path)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "ws://" + net.JoinHostPort(host, port) + path
}
