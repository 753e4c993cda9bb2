package main

import (
	"bufio"
	"context"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"sharechannel/internal/core/domain"
	"sharechannel/internal/core/services"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

type chatOptions struct {
	name        string
	downloadDir string
}

func newHostCmd(opts *options) *cobra.Command {
	chat := &chatOptions{}
	cmd := &cobra.Command{
		Use:   "host [channel-id]",
		Short: "host a channel and chat with whoever joins",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			channelID := ""
			if len(args) == 1 {
				channelID = args[0]
			}
			return runChat(cmd, opts, chat, func(ctx context.Context, s *services.SessionService) error {
				return s.HostChannel(ctx, channelID)
			})
		},
	}
	chatFlags(cmd, chat)
	return cmd
}

func newJoinCmd(opts *options) *cobra.Command {
	chat := &chatOptions{}
	cmd := &cobra.Command{
		Use:   "join channel-id",
		Short: "join a hosted channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, opts, chat, func(ctx context.Context, s *services.SessionService) error {
				return s.JoinChannel(ctx, args[0])
			})
		},
	}
	chatFlags(cmd, chat)
	return cmd
}

func chatFlags(cmd *cobra.Command, chat *chatOptions) {
	cmd.Flags().StringVarP(&chat.name, "name", "n", "", "display name for this session (default: the saved name)")
	cmd.Flags().StringVarP(&chat.downloadDir, "download-dir", "d", "", "save received files here")
}

func runChat(cmd *cobra.Command, opts *options, chat *chatOptions, start func(context.Context, *services.SessionService) error) error {
	a, err := newApp(opts, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session := a.newSession(ctx, opts.webrtcDebug, chat.name)
	printer := &messagePrinter{app: a, downloadDir: chat.downloadDir, session: session}
	session.OnMessage(printer.print)

	if err := start(ctx, session); err != nil {
		return fmt.Errorf("%s", services.ClassifyError(err))
	}
	state := session.State()
	fmt.Fprintf(a.out, "In channel %s as %s (%s). Type /help for commands.\n", state.ChannelID, state.UserName, state.LocalPeerID)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return session.Disconnect(context.Background())
		case line, ok := <-lines:
			if !ok {
				return session.Disconnect(context.Background())
			}
			quit, err := handleLine(ctx, a, session, line)
			if err != nil {
				fmt.Fprintf(a.out, "! %v\n", err)
			}
			if quit {
				return session.Disconnect(context.Background())
			}
		}
	}
}

// handleLine runs one line of user input. It reports whether the user
// asked to leave.
func handleLine(ctx context.Context, a *app, session *services.SessionService, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, session.SendText(ctx, line)
	}

	command, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch command {
	case "/quit", "/leave":
		return true, nil
	case "/help":
		fmt.Fprintln(a.out, "/file <path>  send a file\n/peers        list connected peers\n/name <name>  change your display name\n/quit         leave the channel")
	case "/peers":
		state := session.State()
		if state.PeerCount() == 0 {
			fmt.Fprintln(a.out, "No peers connected.")
		}
		for _, id := range state.ConnectedPeers {
			name, _ := session.PeerName(ctx, id)
			fmt.Fprintf(a.out, "  %s %s\n", id, name)
		}
	case "/name":
		return false, session.SetUserName(ctx, arg)
	case "/file":
		return false, sendFile(ctx, session, arg)
	default:
		return false, fmt.Errorf("unknown command %s", command)
	}
	return false, nil
}

func sendFile(ctx context.Context, session *services.SessionService, path string) error {
	if path == "" {
		return fmt.Errorf("usage: /file <path>")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return session.SendFile(ctx, filepath.Base(path), mimeTypeFor(path), data)
}

func mimeTypeFor(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "application/octet-stream"
}

type messagePrinter struct {
	app         *app
	session     *services.SessionService
	downloadDir string
}

// print runs on the session loop.
func (p *messagePrinter) print(m domain.Message) {
	out := p.app.out
	stamp := m.Timestamp.Format("15:04")
	switch {
	case m.IsSystem():
		fmt.Fprintf(out, "[%s] -- %s\n", stamp, m.Content)
	case m.FileInfo != nil:
		fmt.Fprintf(out, "[%s] %s sent %s (%s)\n", stamp, m.SenderName, m.FileInfo.Name, humanize.Bytes(uint64(m.FileInfo.Size)))
		if domain.PeerID(m.SenderID) != p.session.State().LocalPeerID {
			p.save(m.FileInfo)
		}
	default:
		fmt.Fprintf(out, "[%s] %s: %s\n", stamp, m.SenderName, m.Content)
	}
}

func (p *messagePrinter) save(info *domain.FileInfo) {
	if p.downloadDir == "" || len(info.Payload) == 0 {
		return
	}
	path := filepath.Join(p.downloadDir, filepath.Base(info.Name))
	if err := os.WriteFile(path, info.Payload, 0o644); err != nil {
		p.app.logger.Warnw("failed to save received file", "path", path, "error", err)
		return
	}
	fmt.Fprintf(p.app.out, "   saved to %s\n", path)
}
