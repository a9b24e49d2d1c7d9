package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/duocall/duocall/internal/config"
)

func newListenCmd(flags *rootFlags) *cobra.Command {
	var autoAnswer bool
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Wait for incoming calls",
		Long: `Connect to the relay, print the identity it assigns and wait for calls.
Invites are declined unless --auto-answer is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClient(flags.clientOptions(autoAnswer))
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			s, err := openSession(ctx, cfg, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer s.close()
			fmt.Fprintf(cmd.OutOrStdout(), "waiting for calls, share your id: %s\n", s.id)
			return s.wait(ctx, nil)
		},
	}
	cmd.Flags().BoolVar(&autoAnswer, "auto-answer", false, "accept every incoming call")
	return cmd
}

func newCallCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <id>",
		Short: "Call another client by its relay identity",
		Long: `Connect to the relay and invite the client with the given identity. The
command exits when the call ends or on interrupt.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClient(flags.clientOptions(false))
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			s, err := openSession(ctx, cfg, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.ctrl.CallUser(args[0]); err != nil {
				return fmt.Errorf("call %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "calling %s\n", args[0])
			if err := s.wait(ctx, s.view.ended); err != nil {
				return err
			}
			return s.view.err()
		},
	}
	return cmd
}
