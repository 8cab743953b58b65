package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/V4T54L/invoice-router/internal/adapter/repository/postgres"
	"github.com/V4T54L/invoice-router/internal/domain"
	"github.com/V4T54L/invoice-router/internal/usecase"
)

// directoryFile is the import format:
//
//	counterparties:
//	  - identifier: acme.com
//	    display_name: Acme Ltd
//	    active: true
//	    enrichment:
//	      department_code: OPS
type directoryFile struct {
	Counterparties []domain.CounterpartyRecord `yaml:"counterparties"`
}

func parseDirectoryFile(r io.Reader) ([]domain.CounterpartyRecord, error) {
	var f directoryFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("parse directory file: %w", err)
	}
	return f.Counterparties, nil
}

func directoryCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "directory",
		Short: "Maintain the counterparty directory",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "import [file.yaml]",
		Short: "Upsert counterparties from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			recs, err := parseDirectoryFile(f)
			if err != nil {
				return err
			}

			e, err := connect(cmd, flags, true, false)
			if err != nil {
				return err
			}
			defer e.Close()
			if err := postgres.Migrate(cmd.Context(), e.db); err != nil {
				return err
			}

			dir := postgres.NewDirectoryRepository(e.db, 0, nil, e.logger)
			res, err := usecase.NewDirectoryUseCase(dir, e.logger).Import(cmd.Context(), recs)
			if err != nil {
				return err
			}
			if e.json {
				return e.printJSON(res)
			}
			fmt.Fprintf(e.out, "upserted %d counterparties\n", res.Upserted)
			for _, s := range res.Skipped {
				fmt.Fprintf(e.out, "skipped %q: identifier is empty after normalization\n", s)
			}
			return nil
		},
	})
	return cmd
}
