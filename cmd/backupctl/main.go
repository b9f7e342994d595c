// Command backupctl is a command line client for the backupd API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"
)

const usage = `usage: backupctl [-addr host:port] [-token T] <command> [args]

commands:
  volumes                              list volumes
  backups                              list backups
  backup full|incremental [-name N] VOL...
                                       create backups now
  cleanup [-days N] [-policy VOL=DAYS]...
                                       delete expired backups
  delete BACKUP                        delete one backup
  status BACKUP                        show one backup
  restore [-volume VOL] [-name N] BACKUP
                                       restore a backup
  export BACKUP                        print the export record
  import SERVICE URL                   import an export record
  schedules                            list schedules
  schedule create -time HH:MM [-type full|incremental] [-weekly 1,3] [-name N] VOL...
  schedule delete|toggle ID
  schedule add-volumes|remove-volumes ID VOL...
  history [-limit N]                   show recent runs
  info                                 show volume and backup totals
  health                               check the daemon and provider
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("backupctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }

	addr := fs.String("addr", envOr("BACKUPD_ADDR", "127.0.0.1:8080"), "backupd API address")
	token := fs.String("token", os.Getenv("BACKUPD_TOKEN"), "API bearer token")
	timeout := fs.Duration("timeout", 10*time.Minute, "request timeout")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cli := &cli{api: newClient(*addr, *token, *timeout), out: stdout}
	err := cli.dispatch(ctx, fs.Arg(0), fs.Args()[1:])
	var ue usageError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &ue):
		fmt.Fprintln(stderr, "backupctl:", err)
		fmt.Fprint(stderr, usage)
		return 2
	default:
		fmt.Fprintln(stderr, "backupctl:", err)
		return 1
	}
}

type usageError string

func (e usageError) Error() string { return string(e) }

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
