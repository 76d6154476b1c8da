package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tastythames/aedwt-runner/internal/secrets"
)

func newSealCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "seal",
		Short: "Seal a secret read from stdin for use as `sealed:` in a workflow",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 64*1024))
			if err != nil {
				return err
			}
			plain := strings.TrimRight(string(b), "\r\n")
			if plain == "" {
				return errors.New("no secret on stdin")
			}

			box, err := secrets.LoadOrCreateKey(a.cfg.KeyPath())
			if err != nil {
				return fmt.Errorf("load secret key: %w", err)
			}
			sealed, err := box.Seal(plain)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	}
}
