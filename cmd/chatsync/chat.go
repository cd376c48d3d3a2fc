package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/whisper/chat-sync/internal/chat"
	"github.com/whisper/chat-sync/internal/history"
	"github.com/whisper/chat-sync/internal/live"
	"github.com/whisper/chat-sync/internal/messaging"
	"github.com/whisper/chat-sync/internal/metrics"
	"github.com/whisper/chat-sync/internal/outbound"
	"github.com/whisper/chat-sync/internal/protocol"
	"github.com/whisper/chat-sync/internal/reconcile"
	"github.com/whisper/chat-sync/internal/render"
)

const chatHelp = `commands:
  /open <id|name>   open a conversation
  /contacts         list contacts
  /reconnect        reconnect the live channel
  /quit             exit
anything else is sent to the open conversation`

var errQuit = errors.New("quit")

func newChatCmd() *cobra.Command {
	var email, password, contact string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open an interactive chat session",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()

			if err := authenticate(cmd.Context(), e, email, password); err != nil {
				return err
			}
			return runChat(cmd.Context(), e, contact, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	addCredentialFlags(cmd, &email, &password)
	cmd.Flags().StringVar(&contact, "contact", "", "conversation to open on start (id or username)")
	return cmd
}

func runChat(ctx context.Context, e *env, contact string, in io.Reader, out io.Writer) error {
	logger := e.logger
	loader := history.NewLoader(e.cfg.HistoryLoader(), e.session, e.http, logger)
	channel := live.New(e.cfg.LiveChannel(), e.session, logger)
	defer channel.Close()

	surfaces := []render.Surface{render.NewTextSurface(out), render.NewLogSurface(logger)}
	if e.cfg.NATS.Enabled {
		nc, err := messaging.NewNATSClient(e.cfg.NATSClient(), logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		surfaces = append(surfaces, render.NewNATSSurface(nc, logger))
	}

	r := reconcile.New(loader, e.session, outbound.NewDispatcher(channel, logger), render.Multi(surfaces...), logger)

	g, gctx := errgroup.WithContext(ctx)

	events := make(chan live.Event)
	lostCh := make(chan struct{}, 1)
	g.Go(func() error {
		return r.Run(gctx, events)
	})
	g.Go(func() error {
		relay(gctx, channel.Events(), events, lostCh)
		return nil
	})
	g.Go(func() error {
		return superviseChannel(gctx, channel, lostCh, logger)
	})
	if addr := e.cfg.Metrics.Addr; addr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, addr, logger)
		})
	}
	g.Go(func() error {
		if err := start(gctx, r, contact); err != nil {
			if errors.Is(err, chat.ErrSessionExpired) {
				return err
			}
			fmt.Fprintln(out, "!", err)
		}
		fmt.Fprintln(out, chatHelp)
		return readInput(gctx, r, channel, lostCh, in, out)
	})

	err := g.Wait()
	if errors.Is(err, errQuit) || errors.Is(err, context.Canceled) {
		return nil
	}
	if errors.Is(err, chat.ErrSessionExpired) {
		return fmt.Errorf("session expired, log in again: %w", err)
	}
	return err
}

// relay forwards channel events to the reconciler and signals lost when the
// transport drops.
func relay(ctx context.Context, in <-chan live.Event, out chan<- live.Event, lost chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				close(out)
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Type == protocol.TypeError && ev.Code == protocol.CodeDisconnected {
				notify(lost)
			}
		}
	}
}

// superviseChannel makes the initial connection and reconnects whenever lost
// fires. A rejected credential ends the session.
func superviseChannel(ctx context.Context, channel *live.Channel, lost <-chan struct{}, logger zerolog.Logger) error {
	if err := channel.Connect(ctx); err != nil {
		if errors.Is(err, chat.ErrSessionExpired) {
			return err
		}
		logger.Warn().Err(err).Msg("initial connect failed, retrying")
		if err := channel.Reconnect(ctx); err != nil && errors.Is(err, chat.ErrSessionExpired) {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-lost:
			if channel.State() == live.Joined {
				continue
			}
			if err := channel.Reconnect(ctx); err != nil {
				if errors.Is(err, chat.ErrSessionExpired) {
					return err
				}
				if ctx.Err() != nil {
					return nil
				}
				logger.Error().Err(err).Msg("giving up on the live channel, use /reconnect to retry")
			}
		}
	}
}

func start(ctx context.Context, r *reconcile.Reconciler, contact string) error {
	// Other load failures already show as a notice.
	if err := r.LoadContacts(ctx); errors.Is(err, chat.ErrSessionExpired) {
		return err
	}
	if contact == "" {
		return nil
	}
	return openByName(ctx, r, contact)
}

func readInput(ctx context.Context, r *reconcile.Reconciler, channel *live.Channel, lost chan<- struct{}, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return errQuit
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}

		var err error
		switch cmd, arg, _ := strings.Cut(line, " "); cmd {
		case "/quit":
			return errQuit
		case "/help":
			fmt.Fprintln(out, chatHelp)
		case "/open":
			err = openByName(ctx, r, strings.TrimSpace(arg))
		case "/contacts":
			err = listContacts(ctx, r, out)
		case "/reconnect":
			if channel.State() == live.Failed {
				err = chat.ErrSessionExpired
			} else {
				notify(lost)
			}
		default:
			err = r.SendMessage(ctx, line)
		}

		switch {
		case err == nil:
		case errors.Is(err, chat.ErrSessionExpired):
			return err
		case errors.Is(err, chat.ErrValidation):
			fmt.Fprintln(out, "!", err)
		default:
			// Send and load failures surface as notices in the view.
		}
	}
}

func openByName(ctx context.Context, r *reconcile.Reconciler, name string) error {
	if name == "" {
		return fmt.Errorf("open: %w: a contact id or name is required", chat.ErrValidation)
	}
	v, err := r.View(ctx)
	if err != nil {
		return err
	}
	c, ok := findContact(v.Contacts, name)
	if !ok {
		return fmt.Errorf("open: %w: no contact %q", chat.ErrValidation, name)
	}
	return r.OpenConversation(ctx, c)
}

func findContact(contacts []chat.Contact, name string) (chat.Contact, bool) {
	if id, err := strconv.ParseInt(name, 10, 64); err == nil {
		for _, c := range contacts {
			if c.ID == chat.UserID(id) {
				return c, true
			}
		}
		return chat.Contact{}, false
	}
	for _, c := range contacts {
		if strings.EqualFold(c.Username, name) {
			return c, true
		}
	}
	return chat.Contact{}, false
}

func listContacts(ctx context.Context, r *reconcile.Reconciler, out io.Writer) error {
	if err := r.LoadContacts(ctx); err != nil {
		return err
	}
	v, err := r.View(ctx)
	if err != nil {
		return err
	}
	for _, c := range v.Contacts {
		unread := ""
		if n := v.Unread[c.ID]; n > 0 {
			unread = fmt.Sprintf("  (%d unread)", n)
		}
		fmt.Fprintf(out, "%6s  %s%s\n", c.ID, c.Username, unread)
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	srv := &http.Server{Addr: addr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info().Str("addr", addr).Msg("metrics endpoint listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func notify(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
