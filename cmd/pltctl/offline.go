package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"

	"pltd/internal/store"
	"pltd/internal/table"
)

// runFsck opens a table directly, runs its recovery pass and reports every
// surviving key with the size of its current value.
func runFsck(args []string, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("fsck", flag.ContinueOnError)
	flags.SetOutput(stderr)
	root := flags.String("root", "", "table root directory or database file")
	backend := flags.String("backend", store.BackendFS, "table backend: fs or bolt")
	if err := flags.Parse(args); err != nil {
		return usageError(err.Error())
	}
	if *root == "" {
		return usageError("-root is required")
	}
	if _, err := os.Stat(*root); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s does not exist", *root)
	}

	tbl, err := store.Open(*backend, *root, store.Options{})
	if err != nil {
		return err
	}
	defer tbl.Close()
	if err := tbl.Init(); err != nil {
		return err
	}

	keys, err := tbl.GetUsedKeys()
	if err != nil {
		return err
	}
	live := 0
	sortKeys(keys)
	for _, key := range keys {
		v, err := tbl.GetValue(key)
		switch {
		case errors.Is(err, table.ErrKeyNotFound):
			_, _ = fmt.Fprintf(stdout, "%d\tempty\n", key)
		case err != nil:
			_, _ = fmt.Fprintf(stdout, "%d\terror: %v\n", key, err)
		default:
			live++
			_, _ = fmt.Fprintf(stdout, "%d\t%d bytes\n", key, len(v))
		}
	}
	_, err = fmt.Fprintf(stdout, "%d keys, %d with a value\n", len(keys), live)
	return err
}

// runMigrate copies the live keys of one table into another, possibly of a
// different backend.
func runMigrate(args []string, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("migrate", flag.ContinueOnError)
	flags.SetOutput(stderr)
	from := flags.String("from", "", "source table, BACKEND:PATH")
	to := flags.String("to", "", "destination table, BACKEND:PATH")
	if err := flags.Parse(args); err != nil {
		return usageError(err.Error())
	}
	if *from == "" || *to == "" {
		return usageError("-from and -to are required")
	}

	srcBackend, srcPath, err := store.ParseLocation(*from)
	if err != nil {
		return usageError(err.Error())
	}
	dstBackend, dstPath, err := store.ParseLocation(*to)
	if err != nil {
		return usageError(err.Error())
	}
	if filepath.Clean(srcPath) == filepath.Clean(dstPath) {
		return usageError("source and destination are the same")
	}
	if _, err := os.Stat(srcPath); err != nil {
		return fmt.Errorf("source: %w", err)
	}

	src, err := store.Open(srcBackend, srcPath, store.Options{})
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}
	defer src.Close()
	if err := src.Init(); err != nil {
		return fmt.Errorf("source: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dstPath), table.DefaultDirMode); err != nil {
		return fmt.Errorf("destination: %w", err)
	}
	dst, err := store.Open(dstBackend, dstPath, store.Options{})
	if err != nil {
		return fmt.Errorf("destination: %w", err)
	}
	defer dst.Close()
	if err := dst.Init(); err != nil {
		return fmt.Errorf("destination: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	n, err := store.Copy(ctx, dst, src)
	if err != nil {
		return fmt.Errorf("copied %d keys before failing: %w", n, err)
	}
	_, err = fmt.Fprintf(stdout, "copied %d keys from %s to %s\n", n, *from, *to)
	return err
}
