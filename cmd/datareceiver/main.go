package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kjk/datareceiver/config"
	"github.com/kjk/datareceiver/httputil"
	"github.com/kjk/datareceiver/jsonstore"
	"github.com/kjk/datareceiver/log"
	"github.com/kjk/datareceiver/receiver"
	"github.com/spf13/cobra"
)

var version = "dev"

var (
	flgConfig string
	flgConf   = config.Default()
)

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	c, err := config.Load(flgConfig)
	if err != nil {
		return nil, err
	}
	// flags given explicitly win over the config file
	flags := cmd.Flags()
	if flags.Changed("addr") {
		c.Addr = flgConf.Addr
	}
	if flags.Changed("store") {
		c.StorePath = flgConf.StorePath
	}
	if flags.Changed("log-dir") {
		c.LogDir = flgConf.LogDir
	}
	if flags.Changed("verbose") {
		c.Verbose = flgConf.Verbose
	}
	if flags.Changed("lock-timeout") {
		c.LockTimeout = flgConf.LockTimeout
	}
	if flags.Changed("file-lock") {
		c.FileLock = flgConf.FileLock
	}
	if flags.Changed("compact") {
		c.Compact = flgConf.Compact
	}
	if flags.Changed("max-body-bytes") {
		c.MaxBodyBytes = flgConf.MaxBodyBytes
	}
	return c, c.Validate()
}

func serve(cmd *cobra.Command, args []string) error {
	c, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log.Init(&log.Config{Dir: c.LogDir, Verbose: c.Verbose})
	defer log.Close()

	store, err := jsonstore.Open(c.StorePath, &jsonstore.Options{
		LockTimeout: c.LockTimeout,
		FileLock:    c.FileLock,
		Compact:     c.Compact,
	})
	if err != nil {
		return err
	}
	defer store.Close()
	n, err := store.Count()
	if err != nil {
		// don't refuse to start, appends will fail and get logged
		log.Errorf("store '%s' is not readable: %s", store.Path, err)
	}

	handler := receiver.NewRouter(&receiver.Server{
		Store:        store,
		MaxBodyBytes: c.MaxBodyBytes,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt /* SIGINT */, syscall.SIGTERM)
	defer stop()
	opts := httputil.ServerOptions{
		Addr:    c.Addr,
		Handler: handler,
		OnListen: func(addr string) {
			log.Logf("datareceiver %s listening on http://%s, store: '%s' (%d entries)\n", version, addr, store.Path, n)
		},
	}
	err = httputil.RunServer(ctx, opts)
	log.Logf("datareceiver stopped\n")
	return err
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "datareceiver",
		Short:         "Receives JSON payloads over HTTP and appends them to a JSON file",
		Args:          cobra.NoArgs,
		RunE:          serve,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	f := cmd.Flags()
	f.StringVarP(&flgConfig, "config", "c", "", "path of YAML config file")
	f.StringVar(&flgConf.Addr, "addr", flgConf.Addr, "address to listen on")
	f.StringVar(&flgConf.StorePath, "store", flgConf.StorePath, "path of the JSON store file")
	f.StringVar(&flgConf.LogDir, "log-dir", "", "directory for log files, stdout only if empty")
	f.BoolVarP(&flgConf.Verbose, "verbose", "v", false, "verbose logging")
	f.DurationVar(&flgConf.LockTimeout, "lock-timeout", 0, "max wait for exclusive access to the store, 0 is forever")
	f.BoolVar(&flgConf.FileLock, "file-lock", flgConf.FileLock, "lock the store file for multi-process safety")
	f.BoolVar(&flgConf.Compact, "compact", false, "write the store without indentation")
	f.Int64Var(&flgConf.MaxBodyBytes, "max-body-bytes", flgConf.MaxBodyBytes, "max size of request body")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})
	return cmd
}

func main() {
	err := newRootCmd().Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}
