package main

import (
	"cmp"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/skyrange/server/internal/query"
)

func (c *cli) newTopFieldsCommand() *cobra.Command {
	var (
		skymapID  int64
		telescope string
		n         int
	)
	cmd := &cobra.Command{
		Use:   "top-fields",
		Short: "Rank the fields of a telescope by contained probability",
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := c.svc.TopFields(cmd.Context(), skymapID, telescope, n)
			if err != nil {
				return err
			}
			return printRanked(c.stdout, "FIELD", "PROBABILITY", rows)
		},
	}
	flags := cmd.Flags()
	flags.Int64Var(&skymapID, "skymap", 0, "sky map id")
	flags.StringVar(&telescope, "telescope", "", "telescope name")
	flags.IntVarP(&n, "n", "n", 0, "number of rows; 0 for the default, negative for all")
	cmd.MarkFlagRequired("skymap")
	cmd.MarkFlagRequired("telescope")
	return cmd
}

func (c *cli) newTopGalaxiesCommand() *cobra.Command {
	var (
		skymapID int64
		n        int
	)
	cmd := &cobra.Command{
		Use:   "top-galaxies",
		Short: "Rank galaxies by the probability density at their position",
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := c.svc.TopGalaxies(cmd.Context(), skymapID, n)
			if err != nil {
				return err
			}
			return printRanked(c.stdout, "GALAXY", "DENSITY", rows)
		},
	}
	flags := cmd.Flags()
	flags.Int64Var(&skymapID, "skymap", 0, "sky map id")
	flags.IntVarP(&n, "n", "n", 0, "number of rows; 0 for the default, negative for all")
	cmd.MarkFlagRequired("skymap")
	return cmd
}

func (c *cli) newFieldGalaxyCountsCommand() *cobra.Command {
	var (
		telescope string
		n         int
	)
	cmd := &cobra.Command{
		Use:   "field-galaxy-counts",
		Short: "Rank the fields of a telescope by the number of galaxies they contain",
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := c.svc.FieldGalaxyCounts(cmd.Context(), telescope, n)
			if err != nil {
				return err
			}
			return printRanked(c.stdout, "FIELD", "GALAXIES", rows)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&telescope, "telescope", "", "telescope name")
	flags.IntVarP(&n, "n", "n", 0, "number of rows; 0 for the default, negative for all")
	cmd.MarkFlagRequired("telescope")
	return cmd
}

func printRanked[K cmp.Ordered](w io.Writer, idHeader, scoreHeader string, rows []query.Ranked[K]) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "RANK\t%s\t%s\n", idHeader, scoreHeader)
	for i, r := range rows {
		fmt.Fprintf(tw, "%d\t%v\t%.6g\n", i+1, r.ID, r.Score)
	}
	return tw.Flush()
}
