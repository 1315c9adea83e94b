package main

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/skyrange/server/internal/cache"
	"github.com/skyrange/server/internal/config"
	"github.com/skyrange/server/internal/logger"
	"github.com/skyrange/server/internal/render"
	"github.com/skyrange/server/internal/service"
	"github.com/skyrange/server/internal/store"
)

// cli holds the state shared by every subcommand.
type cli struct {
	configPath string
	stdin      io.Reader
	stdout     io.Writer
	stderr     io.Writer

	log   *zap.Logger
	store store.Store
	cache *cache.Manager
	svc   *service.SkyService
}

// NewRootCommand returns the skyrangectl command tree.
func NewRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	c := &cli{stdin: stdin, stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "skyrangectl",
		Short: "Load sky maps, fields and galaxies and rank them",
		Long: `
skyrangectl works directly on the database configured for the SkyRange
server. Sky maps are multi-order probability tables; telescopes are grids of
field centres sharing one footprint.
`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			return c.open(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return c.close()
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "config/server.yaml", "path to configuration file")

	root.AddCommand(
		c.newInitCommand(),
		c.newLoadSkymapCommand(),
		c.newLoadFieldsCommand(),
		c.newLoadGalaxiesCommand(),
		c.newTopFieldsCommand(),
		c.newTopGalaxiesCommand(),
		c.newFieldGalaxyCountsCommand(),
	)
	return root
}

// open wires the store and a small in-process cache. The CLI never talks
// to Redis so it cannot serve stale snapshots to itself.
func (c *cli) open(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if os.Getenv("LOG_FORMAT") == "" {
		cfg.Log.Format = "console"
	}
	if c.log, err = logger.New(cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}

	c.store, err = store.Open(ctx, store.Options{
		Driver:      cfg.Storage.Driver,
		SQLitePath:  cfg.Storage.SQLitePath,
		PostgresDSN: cfg.Storage.PostgresDSN,
		MaxConns:    cfg.Storage.MaxConns,
	})
	if err != nil {
		return err
	}

	c.cache, err = cache.NewManager(cache.Config{
		ImageCacheSizeMB: 8,
		ImageTTL:         time.Minute,
		RegionCacheSize:  4,
		QueryCacheSize:   16,
		QueryTTL:         time.Minute,
	})
	if err != nil {
		return err
	}

	c.svc, err = service.NewSkyService(service.Config{
		Store: c.store,
		Cache: c.cache,
		Renderer: render.NewSkymapRenderer(render.Config{
			Width:           cfg.Render.Width,
			Height:          cfg.Render.Height,
			DefaultColormap: cfg.Render.DefaultColormap,
		}),
		Logger:   c.log,
		MaxDepth: cfg.Coverage.MaxDepth,
	})
	return err
}

func (c *cli) close() error {
	if c.cache != nil {
		c.cache.Close()
	}
	if c.log != nil {
		c.log.Sync()
	}
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

// openFile returns stdin for "-".
func (c *cli) openFile(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(c.stdin), nil
	}
	return os.Open(path)
}
