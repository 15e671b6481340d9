package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/FranksOps/instaharvest/internal/db/records"
	"github.com/FranksOps/instaharvest/internal/pipeline"
	"github.com/FranksOps/instaharvest/internal/report"
	"github.com/FranksOps/instaharvest/internal/resource"
)

var reportFormat string

var getCmd = &cobra.Command{
	Use:   "get <category> <key>",
	Short: "Fetch, store and extract a single identifier",
	Args:  cobra.ExactArgs(2),
	RunE:  runGet,
}

var runCmd = &cobra.Command{
	Use:   "run <category>",
	Short: "Fetch discovered identifiers, then extract retrieved ones",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPass(cmd, args[0], pipeline.ModeRun)
	},
}

var updateCmd = &cobra.Command{
	Use:   "update <category>",
	Short: "Refetch every known identifier and extract the new captures",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPass(cmd, args[0], pipeline.ModeUpdate)
	},
}

var discoverCmd = &cobra.Command{
	Use:   "discover <category> <key>...",
	Short: "Register identifiers so the next run fetches them",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runDiscover,
}

func init() {
	for _, c := range []*cobra.Command{runCmd, updateCmd} {
		c.Flags().StringVar(&reportFormat, "format", "text", "summary format (text, json, html)")
	}
}

func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			logger.Warn("shutdown", "err", err)
		}
	}()
	return fn(ctx, a)
}

func runGet(cmd *cobra.Command, args []string) error {
	category, err := resource.ParseCategory(args[0])
	if err != nil {
		return err
	}
	key := args[1]
	if err := category.ValidateKey(key); err != nil {
		return err
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		// get works on identifiers nobody discovered yet too.
		tbl, err := a.tables.For(category)
		if err != nil {
			return err
		}
		if _, err := tbl.PutIfAbsent(ctx, key, time.Now().UTC()); err != nil {
			return fmt.Errorf("registering %s %s: %w", category, key, err)
		}

		att, err := a.runner.Get(ctx, category, key)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s (status %d, %d attempt(s), %d bytes)\n",
			category, key, att.Outcome, att.StatusCode, att.Attempts, att.Bytes)
		return nil
	})
}

func runPass(cmd *cobra.Command, name string, mode pipeline.Mode) error {
	category, err := resource.ParseCategory(name)
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app) error {
		s, err := a.runner.Run(ctx, category, mode)
		if werr := report.Write(cmd.OutOrStdout(), reportFormat, s); werr != nil {
			a.logger.Error("writing summary", "err", werr)
		}
		return err
	})
}

func runDiscover(cmd *cobra.Command, args []string) error {
	category, err := resource.ParseCategory(args[0])
	if err != nil {
		return err
	}
	keys := args[1:]
	for _, k := range keys {
		if err := category.ValidateKey(k); err != nil {
			return err
		}
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	tables, err := openTables(ctx, cfg)
	if err != nil {
		return err
	}
	tbl, err := tables.For(category)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	var inserted, known int
	var errs []error
	for _, k := range keys {
		res, err := tbl.PutIfAbsent(ctx, k, now)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", k, err))
		case res == records.Inserted:
			inserted++
		default:
			known++
		}
	}
	logger.Info("discover finished", "category", category, "inserted", inserted, "known", known, "failed", len(errs))
	fmt.Fprintf(cmd.OutOrStdout(), "%d inserted, %d already known\n", inserted, known)
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
