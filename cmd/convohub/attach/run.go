package attach

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

// Run dials the server and runs the interactive client until the user quits or the
// connection drops.
func Run(ctx context.Context, wsURL string, opts Options) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, err := Dial(dialCtx, wsURL, opts.Project)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close()

	p := tea.NewProgram(New(conn, opts), tea.WithAltScreen(), tea.WithContext(ctx))
	final, err := p.Run()
	if err != nil {
		return err
	}
	if m, ok := final.(Model); ok && m.Err() != nil &&
		!websocket.IsCloseError(m.Err(), websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return m.Err()
	}
	return nil
}
