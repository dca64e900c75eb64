package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ligun0805/pharos-autobot/internal/logx"
	"github.com/ligun0805/pharos-autobot/internal/wallet"
)

func newWalletsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "wallets",
		Short: "Print the address derived from every key in the key file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			keys, err := wallet.LoadKeys(a.cfg.KeysFile)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for i, k := range keys {
				w, err := wallet.FromHex(k)
				if err != nil {
					fmt.Fprintf(out, "%3d  %-42s  %s\n", i+1, "invalid key: "+err.Error(), logx.MaskHex(k))
					continue
				}
				fmt.Fprintf(out, "%3d  %s  %s\n", i+1, w.Address.Hex(), logx.MaskHex(k))
			}
			return nil
		},
	}
}
