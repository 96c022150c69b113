package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var channelCmd = &cobra.Command{
	Use:   "channel",
	Short: "Manage channels",
}

var channelAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			ch, err := a.catalog.CreateChannel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", SuccessStyle.Render("Created channel"), ch.Name, ch.ID)
			return nil
		})
	},
}

var channelListCmd = &cobra.Command{
	Use:   "list",
	Short: "List channels",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			channels, err := a.catalog.ListChannels(cmd.Context())
			if err != nil {
				return err
			}
			renderChannels(cmd.OutOrStdout(), channels)
			return nil
		})
	},
}

var channelDeleteCmd = &cobra.Command{
	Use:   "delete <channel>",
	Short: "Delete a channel with its sources and cached items",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			ch, err := a.channel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := a.service.DeleteChannel(cmd.Context(), ch.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", SuccessStyle.Render("Deleted channel"), ch.Name)
			return nil
		})
	},
}

var sourceCmd = &cobra.Command{
	Use:   "source",
	Short: "Manage the feed sources of a channel",
}

var sourceAddCmd = &cobra.Command{
	Use:   "add <channel> <url>",
	Short: "Register a feed, or a page that links to one, in a channel",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			ch, err := a.channel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			src, err := a.service.AddSource(cmd.Context(), ch.ID, args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", SuccessStyle.Render("Added"), src.Name, src.URL)
			return nil
		})
	},
}

var sourceListCmd = &cobra.Command{
	Use:   "list <channel>",
	Short: "List the sources of a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			ch, err := a.channel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			sources, err := a.catalog.ListSources(cmd.Context(), ch.ID)
			if err != nil {
				return err
			}
			renderSources(cmd.OutOrStdout(), sources, time.Now())
			return nil
		})
	},
}

var sourceDeleteCmd = &cobra.Command{
	Use:   "delete <source-id>",
	Short: "Remove a source and its cached items",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			if err := a.service.DeleteSource(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("Deleted source"))
			return nil
		})
	},
}

func init() {
	channelCmd.AddCommand(channelAddCmd, channelListCmd, channelDeleteCmd)
	sourceCmd.AddCommand(sourceAddCmd, sourceListCmd, sourceDeleteCmd)
}
