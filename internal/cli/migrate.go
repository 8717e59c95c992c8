package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/payledger/internal/store"
)

// MigrateOutput is the result of the migrate command.
type MigrateOutput struct {
	Database      string `json:"database" yaml:"database"`
	SchemaVersion int    `json:"schema_version" yaml:"schema_version"`
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the ledger database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.formatter(cmd)
			ctx, cancel := commandContext(cmd)
			defer cancel()

			cfg, log, err := loadConfig(opts)
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.Database.Path)
			if err != nil {
				return out.Fail(ExitCommandError, "failed to open database", err)
			}
			defer st.Close()

			version, err := st.SchemaVersion(ctx)
			if err != nil {
				return out.Fail(ExitFailure, "cannot read schema version", err)
			}
			log.Info().Str("database", cfg.Database.Path).Int("schema_version", version).Msg("schema up to date")

			result := MigrateOutput{Database: cfg.Database.Path, SchemaVersion: version}
			return out.Success(result, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s: schema version %d\n", result.Database, result.SchemaVersion)
				return err
			})
		},
	}
}
