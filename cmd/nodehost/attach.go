package main

import (
	"bufio"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/codekingibk/nodehost/internal/termline"
	"github.com/codekingibk/nodehost/internal/termstream"
	"pkt.systems/pslog"
)

func newAttachCmd() *cobra.Command {
	var server string
	var account string
	cmd := &cobra.Command{
		Use:   "attach <instance-id>",
		Short: "Attach to an instance terminal",
		Long: `Attach connects to an instance's terminal stream and relays stdin.
Plain lines are sent as terminal input. Lines starting with a slash are
control commands: /start [command], /stop, /install.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			wsURL, err := terminalURL(server, args[0])
			if err != nil {
				return err
			}
			header := http.Header{}
			header.Set("X-Account", account)
			conn, resp, err := websocket.DefaultDialer.DialContext(cmd.Context(), wsURL, header)
			if err != nil {
				if resp != nil {
					return fmt.Errorf("attach failed: %s", resp.Status)
				}
				return err
			}
			defer conn.Close()
			logger.Info("terminal attached", "instance", args[0])

			go relayStdin(conn, logger)

			out := cmd.OutOrStdout()
			rec := termline.New()
			for {
				var ev termstream.Event
				if err := conn.ReadJSON(&ev); err != nil {
					if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
						return nil
					}
					return err
				}
				switch ev.Kind {
				case termstream.KindOutput:
					rec.Feed(ev.Output)
					for _, line := range rec.Drain() {
						fmt.Fprintln(out, line.Text)
					}
				case termstream.KindStatus:
					fmt.Fprintf(out, "-- status: %s\n", ev.Status)
				case termstream.KindGate:
					if ev.Gate != nil {
						fmt.Fprintf(out, "-- %s\n", ev.Gate.Message)
					}
				case termstream.KindError:
					fmt.Fprintf(cmd.ErrOrStderr(), "!! %s\n", ev.Error)
				}
			}
		},
	}
	cmd.Flags().StringVarP(&server, "server", "s", "http://127.0.0.1:8720", "server base URL")
	cmd.Flags().StringVarP(&account, "account", "a", "", "account id")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func terminalURL(server, instanceID string) (string, error) {
	parsed, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch parsed.Scheme {
	case "http", "ws":
		parsed.Scheme = "ws"
	case "https", "wss":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid server url scheme %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/api/instances/" + instanceID + "/terminal"
	return parsed.String(), nil
}

func relayStdin(conn *websocket.Conn, logger pslog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		var msg map[string]string
		switch {
		case line == "/stop":
			msg = map[string]string{"type": "stop-server"}
		case line == "/install":
			msg = map[string]string{"type": "install-deps"}
		case line == "/start" || strings.HasPrefix(line, "/start "):
			msg = map[string]string{
				"type":          "start-server",
				"start_command": strings.TrimSpace(strings.TrimPrefix(line, "/start")),
			}
		default:
			msg = map[string]string{"type": "input", "data": line + "\n"}
		}
		if err := conn.WriteJSON(msg); err != nil {
			logger.Warn("terminal input relay failed", "err", err)
			return
		}
	}
	// stdin closed; a close frame lets the server detach promptly.
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
