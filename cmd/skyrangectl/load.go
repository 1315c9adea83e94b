package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skyrange/server/internal/geometry"
	"github.com/skyrange/server/internal/ingest"
	"github.com/skyrange/server/internal/skyerr"
)

func (c *cli) newInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.store.EnsureSchema(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(c.stdout, "schema ready")
			return nil
		},
	}
}

func (c *cli) newLoadSkymapCommand() *cobra.Command {
	var name, file string
	cmd := &cobra.Command{
		Use:   "load-skymap",
		Short: "Load a multi-order probability table as a sky map",
		Long: `
Reads a CSV table of UNIQ,PROBDENSITY rows. Use --file - to read stdin.
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := c.openFile(file)
			if err != nil {
				return err
			}
			defer f.Close()
			rows, err := ingest.ProbabilityTable(f)
			if err != nil {
				return err
			}
			sm, err := c.svc.CreateSkymap(cmd.Context(), name, rows)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.stdout, "sky map %d %q: %d tiles\n", sm.ID, sm.Name, sm.TileCount)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&name, "name", "", "sky map name")
	flags.StringVar(&file, "file", "", "probability table path")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("file")
	return cmd
}

func (c *cli) newLoadFieldsCommand() *cobra.Command {
	var (
		telescope, file string
		fp              geometry.Footprint
	)
	cmd := &cobra.Command{
		Use:   "load-fields",
		Short: "Create a telescope from a grid of field centres",
		Long: `
Reads whitespace separated "id ra dec" lines. --shape ztf and --shape decam
select the built-in footprints.
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch fp.Shape {
			case "ztf":
				fp = geometry.ZTF
			case "decam":
				fp = geometry.DECam
			case geometry.ShapeRectangle, geometry.ShapeCone:
			default:
				return skyerr.Malformed("unknown shape %q", fp.Shape)
			}

			f, err := c.openFile(file)
			if err != nil {
				return err
			}
			defer f.Close()
			centres, err := ingest.FieldCentres(f)
			if err != nil {
				return err
			}
			t, err := c.svc.CreateTelescope(cmd.Context(), telescope, fp, centres)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.stdout, "telescope %q: %d fields\n", t.Name, len(centres))
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&telescope, "telescope", "", "telescope name")
	flags.StringVar(&file, "file", "", "field centre table path")
	flags.StringVar(&fp.Shape, "shape", geometry.ShapeRectangle, "footprint shape: rectangle, cone, ztf or decam")
	flags.Float64Var(&fp.Width, "width", 0, "rectangle width in degrees")
	flags.Float64Var(&fp.Height, "height", 0, "rectangle height in degrees")
	flags.Float64Var(&fp.Radius, "radius", 0, "cone radius in degrees")
	cmd.MarkFlagRequired("telescope")
	cmd.MarkFlagRequired("file")
	return cmd
}

func (c *cli) newLoadGalaxiesCommand() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "load-galaxies",
		Short: "Load a galaxy catalog",
		Long: `
Reads a CSV catalog of name,ra,dec rows. Galaxies are replaced by name.
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := c.openFile(file)
			if err != nil {
				return err
			}
			defer f.Close()
			rows, err := ingest.Galaxies(f)
			if err != nil {
				return err
			}
			n, err := c.svc.AddGalaxies(cmd.Context(), rows)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.stdout, "loaded %d galaxies\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "catalog path")
	cmd.MarkFlagRequired("file")
	return cmd
}
