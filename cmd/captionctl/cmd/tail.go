package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-captions/internal/protocol"
)

var (
	tailSession string
	tailInterim bool
)

var tailCmd = &cobra.Command{
	Use:   "tail <feed-id>",
	Short: "Follow a feed over the viewer websocket",
	Long: `Connects to /ws/<feed-id> like a viewer, prints the replayed history
and then live captions until interrupted. Pass --session to resume an
earlier session without replaying what it already saw.`,
	Args: cobra.ExactArgs(1),
	RunE: runTail,
}

func init() {
	tailCmd.Flags().StringVar(&tailSession, "session", "", "Session token to resume")
	tailCmd.Flags().BoolVar(&tailInterim, "interim", false, "Print interim captions")
	rootCmd.AddCommand(tailCmd)
}

func runTail(cmd *cobra.Command, args []string) error {
	u, err := url.Parse(baseURL())
	if err != nil {
		return err
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/ws/" + args[0]
	if tailSession != "" {
		u.RawQuery = url.Values{"session": {tailSession}}.Encode()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(cmd.Context(), u.String(), nil)
	if err != nil {
		printError("connect", err)
		return err
	}
	defer conn.Close()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)
	go func() {
		<-stop
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}()

	out := cmd.OutOrStdout()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				if closeErr.Code == websocket.CloseNormalClosure {
					return nil
				}
				return fmt.Errorf("server closed connection: %d %s", closeErr.Code, closeErr.Text)
			}
			return nil
		}
		switch string(data) {
		case protocol.Ping:
			if err := conn.WriteMessage(websocket.TextMessage, []byte(protocol.Pong)); err != nil {
				return err
			}
			continue
		case protocol.Pong:
			continue
		}

		var c protocol.Caption
		if err := json.Unmarshal(data, &c); err != nil {
			continue
		}
		switch c.Type {
		case protocol.TypeSession:
			var info protocol.SessionInfo
			_ = json.Unmarshal(data, &info)
			fmt.Fprintf(out, "# session %s on %s\n", info.Session, info.FeedID)
		case protocol.TypeHistoryStart:
			var hs protocol.HistoryStart
			_ = json.Unmarshal(data, &hs)
			fmt.Fprintf(out, "# replaying %d captions\n", hs.Count)
		case protocol.TypeHistoryEnd:
			fmt.Fprintln(out, "# live")
		case protocol.TypeCaption:
			if !c.IsFinal && !tailInterim {
				continue
			}
			marker := " "
			if !c.IsFinal {
				marker = "~"
			}
			fmt.Fprintf(out, "[%s]%s%s\n", c.Timestamp.Local().Format("15:04:05"), marker, c.Text)
		case protocol.TypeError:
			var e protocol.ErrorMessage
			_ = json.Unmarshal(data, &e)
			fmt.Fprintf(os.Stderr, "server error: %s\n", e.Message)
		}
	}
}
