package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/whisper/chat-sync/internal/chat"
	"github.com/whisper/chat-sync/internal/messaging"
	"github.com/whisper/chat-sync/internal/render"
)

// newWatchCmd follows the views another chatsync process publishes to NATS.
func newWatchCmd() *cobra.Command {
	var user int64
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Mirror a running chat session's view from NATS",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()

			nc, err := messaging.NewNATSClient(e.cfg.NATSClient(), e.logger)
			if err != nil {
				return err
			}
			defer nc.Close()

			text := render.NewTextSurface(cmd.OutOrStdout())
			id := chat.UserID(user)
			if err := nc.SubscribeView(id, func(data []byte) {
				if err := printView(text, data); err != nil {
					e.logger.Warn().Err(err).Msg("bad view payload")
				}
			}); err != nil {
				return err
			}
			defer nc.UnsubscribeView(id)

			fmt.Fprintf(cmd.OutOrStdout(), "watching %s\n", messaging.ViewSubject(id))
			<-cmd.Context().Done()
			return nil
		},
	}
	cmd.Flags().Int64Var(&user, "user", 0, "local user id of the session to watch")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func printView(s render.Surface, data []byte) error {
	var v render.View
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("decode view: %w", err)
	}
	s.Render(v)
	return nil
}
