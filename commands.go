package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/onnwee/streamfarm/assemble"
	"github.com/onnwee/streamfarm/claim"
	"github.com/onnwee/streamfarm/db"
	"github.com/onnwee/streamfarm/resolver"
)

func newResolveCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve",
		Short: "Resolve the live URL feed once and rewrite the monitored identities file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			results, err := newResolveLoop(cfg).Pass(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(results))
			for _, r := range results {
				rows = append(rows, []string{r.Identity, r.RoomID, r.Target})
			}
			writeTable(cmd.OutOrStdout(), []column{left("Identity"), left("Room"), left("Page")}, rows,
				fmt.Sprintf("%d identities written to %s", len(results), cfg.MonitoredFile()))
			return nil
		},
	}
}

func newLookupCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <room-id>...",
		Short: "Classify rooms through the room info endpoint",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			pool, err := resolver.LoadPool(cfg.ProxiesFile(), cfg.RequestTimeout)
			if err != nil {
				return err
			}
			defer pool.CloseIdle()
			rooms := resolver.NewRoomResolver(cfg.RoomInfoURL, pool)
			rows := make([][]string, 0, len(args))
			for _, id := range args {
				info, err := rooms.Lookup(cmd.Context(), id)
				if err != nil {
					rows = append(rows, []string{id, "error", "", err.Error()})
					continue
				}
				rows = append(rows, []string{id, info.State.String(), info.DisplayName, info.URL})
			}
			writeTable(cmd.OutOrStdout(), []column{left("Room"), left("State"), left("Name"), left("URL")}, rows, "")
			return nil
		},
	}
}

func newAssembleCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "assemble <identity> <instance-id>",
		Short: "Assemble the segments of one broadcast into an artifact",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			a := &assemble.Assembler{
				SegmentsDir: cfg.SegmentsDir,
				OutputDir:   cfg.OutputDir,
				Format:      cfg.Format,
				FFmpeg:      cfg.FFmpegPath,
			}
			res, err := a.Assemble(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s, %d segments, %s)\n", res.Path, res.Mode, len(res.Segments),
				humanize.Bytes(uint64(res.Bytes)))
			return nil
		},
	}
}

func newClaimsCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "claims",
		Short: "List held claims",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			store, err := claim.Open(cfg.ClaimsDir)
			if err != nil {
				return err
			}
			infos, err := store.List()
			if err != nil {
				return err
			}
			writeClaims(cmd.OutOrStdout(), infos, time.Now())
			return nil
		},
	}
}

func writeClaims(w io.Writer, infos []claim.Info, now time.Time) {
	if len(infos) == 0 {
		fmt.Fprintln(w, "no claims held")
		return
	}
	rows := make([][]string, 0, len(infos))
	for _, in := range infos {
		rows = append(rows, []string{in.Identity, in.Since.Format(time.DateTime), humanize.RelTime(in.Since, now, "ago", "from now")})
	}
	writeTable(w, []column{left("Identity"), left("Since"), right("Age")}, rows, fmt.Sprintf("%d claims held", len(infos)))
}

func newSweepCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove stale claims when no farm is using the claims directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			store, err := claim.Open(cfg.ClaimsDir)
			if err != nil {
				return err
			}
			defer store.Close()
			swept, err := store.Acquire(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d stale claims\n", swept)
			return nil
		},
	}
}

func newCatalogCommand(c *cli) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Show recent captures from the database catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			if cfg.DBDsn == "" {
				return errors.New("catalog requires DB_DSN")
			}
			database, err := db.Connect(cmd.Context(), cfg.DBDsn)
			if err != nil {
				return err
			}
			defer database.Close()
			recs, err := (&db.Catalog{DB: database}).Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			writeCatalog(cmd.OutOrStdout(), recs)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of captures to show")
	return cmd
}

func writeCatalog(w io.Writer, recs []db.Record) {
	rows := make([][]string, 0, len(recs))
	for _, r := range recs {
		dur := "-"
		if !r.Ended.IsZero() {
			dur = r.Ended.Sub(r.Started).Round(time.Second).String()
		}
		rows = append(rows, []string{
			r.Identity, r.InstanceID, r.State, r.Started.Format(time.DateTime), dur,
			strconv.Itoa(r.Segments), humanize.Bytes(uint64(r.ArtifactBytes)),
		})
	}
	cols := []column{left("Identity"), left("Instance"), left("State"), left("Started"),
		right("Duration"), right("Segments"), right("Size")}
	writeTable(w, cols, rows, fmt.Sprintf("%d captures", len(recs)))
}

func newMigrateCommand(c *cli) *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply (or roll back one of) the catalog migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			if cfg.DBDsn == "" {
				return errors.New("migrate requires DB_DSN")
			}
			return migrate(cmd.Context(), cmd.OutOrStdout(), cfg.DBDsn, down)
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "Roll back the most recent migration")
	return cmd
}

func migrate(ctx context.Context, w io.Writer, dsn string, down bool) error {
	database, err := db.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer database.Close()
	if down {
		err = db.MigrateDown(database)
	} else {
		err = db.RunMigrations(database)
	}
	if err != nil {
		return err
	}
	v, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "schema version %d (dirty=%v)\n", v, dirty)
	return nil
}
