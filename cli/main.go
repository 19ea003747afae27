// Package main provides a simple CLI client for the relay WebSocket server.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/protocol"
)

// Client represents a WebSocket client.
type Client struct {
	conn         *websocket.Conn
	connectionID string
	out          io.Writer
	terminal     chan string
	done         chan struct{}
}

// NewClient connects to addr, authenticating the handshake with token, and
// waits for the connected frame.
func NewClient(addr, token string, out io.Writer) (*Client, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(addr, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("dial: credential rejected")
		}
		return nil, fmt.Errorf("dial: %w", err)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read connected: %w", err)
	}
	var connected protocol.ConnectedMessage
	if err := json.Unmarshal(data, &connected); err != nil || connected.Type != protocol.TypeConnected {
		conn.Close()
		return nil, fmt.Errorf("expected connected frame, got: %s", data)
	}

	return &Client{
		conn:         conn,
		connectionID: connected.ConnectionID,
		out:          out,
		terminal:     make(chan string, 16),
		done:         make(chan struct{}),
	}, nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	close(c.done)
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}

// SendUserMessage starts a run on the server.
func (c *Client) SendUserMessage(threadID, agent, content string) error {
	return c.conn.WriteJSON(protocol.UserMessage{
		Type:      protocol.TypeUserMessage,
		ThreadID:  threadID,
		Message:   content,
		Agent:     agent,
		Timestamp: protocol.FormatTimestamp(time.Now()),
	})
}

// SendCancel asks the server to cancel one of our runs.
func (c *Client) SendCancel(runID string) error {
	return c.conn.WriteJSON(protocol.CancelRunMessage{Type: protocol.TypeCancelRun, RunID: runID})
}

// ReadMessages reads and prints frames until the connection closes.
func (c *Client) ReadMessages() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					slog.Error("read error", "error", err)
				}
			}
			close(c.terminal)
			return
		}

		var evt protocol.ReceivedEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Warn("unmarshal error", "error", err)
			continue
		}
		c.print(evt, data)
		if domain.EventType(evt.Type).IsTerminal() {
			select {
			case c.terminal <- evt.RunID:
			default:
			}
		}
	}
}

func (c *Client) print(evt protocol.ReceivedEvent, raw []byte) {
	switch domain.EventType(evt.Type) {
	case domain.EventTypeAgentStarted:
		fmt.Fprintf(c.out, "[%d] %s started (%s)\n", evt.Sequence, evt.Agent, evt.RunID)
	case domain.EventTypeAgentThinking:
		fmt.Fprintf(c.out, "[%d] thinking: %s\n", evt.Sequence, evt.Thought)
	case domain.EventTypeToolExecuting:
		fmt.Fprintf(c.out, "[%d] calling %s\n", evt.Sequence, evt.Tool)
	case domain.EventTypeToolCompleted:
		fmt.Fprintf(c.out, "[%d] %s %s\n", evt.Sequence, evt.Tool, evt.Status)
	case domain.EventTypeAgentCompleted:
		fmt.Fprintf(c.out, "[%d] %s\n", evt.Sequence, evt.Response)
	case domain.EventTypeAgentError:
		var msg string
		_ = json.Unmarshal(evt.Error, &msg)
		fmt.Fprintf(c.out, "[%d] error (%s): %s\n", evt.Sequence, evt.ErrorCode, msg)
		if evt.RecoverySuggestion != "" {
			fmt.Fprintf(c.out, "    hint: %s\n", evt.RecoverySuggestion)
		}
	case protocol.TypeError:
		var errMsg protocol.ErrorMessage
		_ = json.Unmarshal(raw, &errMsg)
		fmt.Fprintf(c.out, "server error (%s): %s\n", errMsg.Code, errMsg.Message)
	case protocol.TypeRunAccepted:
		fmt.Fprintf(c.out, "run accepted: %s\n", evt.RunID)
	default:
		var pretty map[string]any
		_ = json.Unmarshal(raw, &pretty)
		formatted, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Fprintf(c.out, "[%s]\n%s\n", evt.Type, formatted)
	}
}

func main() {
	var (
		addr     string
		token    string
		threadID string
		agent    string
		message  string
	)

	cmd := &cobra.Command{
		Use:          "gogo-cli",
		Short:        "Chat with the relay over WebSocket",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if token == "" {
				token = os.Getenv("GOGO_TOKEN")
			}
			if threadID == "" {
				threadID = "th_" + uuid.NewString()
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Connecting to %s...\n", addr)
			client, err := NewClient(addr, token, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer client.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "Connected as %s, thread %s\n", client.connectionID, threadID)

			go client.ReadMessages()

			if message != "" {
				if err := client.SendUserMessage(threadID, agent, message); err != nil {
					return err
				}
				<-client.terminal
				return nil
			}
			return interactive(cmd, client, threadID, agent)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "ws://localhost:8090/ws", "WebSocket server address")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token or API key (or set GOGO_TOKEN)")
	cmd.Flags().StringVar(&threadID, "thread", "", "Thread ID (random when empty)")
	cmd.Flags().StringVar(&agent, "agent", "", "Agent to run (server default when empty)")
	cmd.Flags().StringVarP(&message, "message", "m", "", "Send one message, print its events and exit")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func interactive(cmd *cobra.Command, client *Client, threadID, agent string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "\nType a message and press Enter to send.")
	fmt.Fprintln(out, "Commands: /cancel <run_id>, /quit to exit")

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		fmt.Fprint(out, "> ")
		select {
		case <-interrupt:
			fmt.Fprintln(out, "\nInterrupted")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			input := strings.TrimSpace(line)
			switch {
			case input == "":
				continue
			case input == "/quit":
				fmt.Fprintln(out, "Bye!")
				return nil
			case strings.HasPrefix(input, "/cancel "):
				if err := client.SendCancel(strings.TrimSpace(strings.TrimPrefix(input, "/cancel "))); err != nil {
					slog.Error("send error", "error", err)
				}
			default:
				if err := client.SendUserMessage(threadID, agent, input); err != nil {
					slog.Error("send error", "error", err)
				}
			}
		}
	}
}
