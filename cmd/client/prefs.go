package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/omochice/multichat/internal/prefs"
)

func prefsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prefs",
		Short: "Manage saved servers and channels",
	}
	cmd.AddCommand(prefsImportCmd(opts), prefsExportCmd(opts), prefsListCmd(opts))
	return cmd
}

func openPrefs(opts *rootOptions) (*prefs.Store, error) {
	cfg, _, err := opts.load()
	if err != nil {
		return nil, err
	}
	if cfg.Storage.Path == "" {
		return nil, fmt.Errorf("no storage path configured, use --storage")
	}
	return prefs.Open(cfg.Storage.Path)
}

func prefsImportCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import servers and channels from a YAML seed file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			store, err := openPrefs(opts)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.Import(f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d servers\n", n)
			return nil
		},
	}
}

func prefsExportCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Write saved servers and channels as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openPrefs(opts)
			if err != nil {
				return err
			}
			defer store.Close()
			return store.Export(cmd.OutOrStdout())
		},
	}
}

func prefsListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved servers, most recently connected first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openPrefs(opts)
			if err != nil {
				return err
			}
			defer store.Close()

			servers, err := store.Servers()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, srv := range servers {
				fmt.Fprintf(out, "%s:%d as %s (last connected %s)\n",
					srv.Name, srv.Port, srv.Nick, srv.LastConnected.Format("2006-01-02 15:04"))
				channels, err := store.Channels(srv.Name)
				if err != nil {
					return err
				}
				for _, ch := range channels {
					fmt.Fprintf(out, "  %s auto-join=%t\n", ch.Name, ch.AutoJoin)
				}
			}
			return nil
		},
	}
}
