package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"golang.org/x/term"

	"pltd/internal/config"
	"pltd/internal/logging"
	"pltd/internal/server"
	"pltd/internal/table"
)

const usage = `usage: pltctl [-config FILE] [-socket PATH] [-timeout D] <command> [args]

daemon commands:
  get KEY                 print the current value of KEY
  store KEY VALUE         store VALUE ("-" reads stdin) as the next version of KEY
  remove KEY              delete KEY
  exists KEY              print whether any version of KEY is stored
  keys                    list stored keys
  counter create KEY      start a counter at zero
  counter incr KEY        increment a counter
  counter read KEY        print a counter
  counter rm KEY          delete a counter
  counter list            list counters

offline commands (daemon must be stopped):
  fsck -root DIR [-backend fs|bolt]
  migrate -from BACKEND:PATH -to BACKEND:PATH
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// run executes one pltctl invocation and returns the process exit code.
func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("pltctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { _, _ = fmt.Fprint(stderr, usage) }
	configPath := fs.String("config", "", "path to config file")
	socket := fs.String("socket", "", "daemon socket (overrides config)")
	timeout := fs.Duration("timeout", 10*time.Second, "request timeout")
	logLevel := fs.String("log-level", "warn", "log level for offline commands")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}
	logging.InitWriter(stderr, *logLevel, "text")

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	var err error
	switch cmd {
	case "fsck":
		err = runFsck(rest, stdout, stderr)
	case "migrate":
		err = runMigrate(rest, stdout, stderr)
	case "get", "store", "remove", "exists", "keys", "counter":
		err = runClient(cmd, rest, *configPath, *socket, *timeout, stdin, stdout)
	default:
		fs.Usage()
		return 2
	}

	var ue usageError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &ue):
		_, _ = fmt.Fprintf(stderr, "pltctl %s: %v\n", cmd, err)
		return 2
	case errors.Is(err, table.ErrKeyNotFound):
		_, _ = fmt.Fprintln(stderr, "not found")
		return 1
	default:
		_, _ = fmt.Fprintf(stderr, "pltctl %s: %v\n", cmd, err)
		return 1
	}
}

type usageError string

func (e usageError) Error() string { return string(e) }

func runClient(cmd string, args []string, configPath, socket string, timeout time.Duration, stdin io.Reader, stdout io.Writer) error {
	if socket == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		socket = cfg.SocketPath()
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	c, err := server.Dial(ctx, socket)
	if err != nil {
		return err
	}
	defer c.Close()

	switch cmd {
	case "get":
		key, err := keyArg(args)
		if err != nil {
			return err
		}
		v, err := c.GetValue(ctx, key)
		if err != nil {
			return err
		}
		return printValue(stdout, v)
	case "store":
		if len(args) != 2 {
			return usageError("expected KEY VALUE")
		}
		key, err := parseKey(args[0])
		if err != nil {
			return err
		}
		value := []byte(args[1])
		if args[1] == "-" {
			if value, err = io.ReadAll(stdin); err != nil {
				return fmt.Errorf("reading stdin: %w", err)
			}
		}
		return c.StoreValue(ctx, key, value)
	case "remove":
		key, err := keyArg(args)
		if err != nil {
			return err
		}
		return c.RemoveKey(ctx, key)
	case "exists":
		key, err := keyArg(args)
		if err != nil {
			return err
		}
		ok, err := c.KeyExists(ctx, key)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(stdout, ok)
		return err
	case "keys":
		if len(args) != 0 {
			return usageError("keys takes no arguments")
		}
		keys, err := c.GetUsedKeys(ctx)
		if err != nil {
			return err
		}
		return printKeys(stdout, keys)
	case "counter":
		return runCounter(ctx, c, args, stdout)
	}
	return nil
}

func runCounter(ctx context.Context, c *server.Client, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return usageError("expected create|incr|read|rm|list")
	}
	sub, args := args[0], args[1:]
	if sub == "list" {
		keys, err := c.ListCounters(ctx)
		if err != nil {
			return err
		}
		return printKeys(stdout, keys)
	}

	key, err := keyArg(args)
	if err != nil {
		return err
	}
	var v uint64
	switch sub {
	case "create":
		v, err = c.CreateCounter(ctx, key)
	case "incr":
		v, err = c.IncrementCounter(ctx, key)
	case "read":
		v, err = c.ReadCounter(ctx, key)
	case "rm":
		return c.RemoveCounter(ctx, key)
	default:
		return usageError(fmt.Sprintf("unknown counter command %q", sub))
	}
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, v)
	return err
}

func keyArg(args []string) (uint64, error) {
	if len(args) != 1 {
		return 0, usageError("expected KEY")
	}
	return parseKey(args[0])
}

func parseKey(s string) (uint64, error) {
	k, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, usageError(fmt.Sprintf("invalid key %q", s))
	}
	return k, nil
}

// printValue writes v quoted when w is a terminal and raw otherwise, so
// that binary values survive redirection.
func printValue(w io.Writer, v []byte) error {
	if isTerminal(w) {
		_, err := fmt.Fprintf(w, "%q\n", v)
		return err
	}
	_, err := w.Write(v)
	return err
}

func sortKeys(keys []uint64) {
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
}

func printKeys(w io.Writer, keys []uint64) error {
	sortKeys(keys)
	for _, k := range keys {
		if _, err := fmt.Fprintln(w, k); err != nil {
			return err
		}
	}
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
