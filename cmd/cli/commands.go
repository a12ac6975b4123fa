package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/jaywantadh/DisktroDrop/config"
	"github.com/jaywantadh/DisktroDrop/internal/datagram"
	"github.com/jaywantadh/DisktroDrop/internal/metadata"
	"github.com/jaywantadh/DisktroDrop/internal/storage"
	"github.com/jaywantadh/DisktroDrop/internal/stream"
	"github.com/jaywantadh/DisktroDrop/internal/transfer"
	"github.com/jaywantadh/DisktroDrop/pkg/httpserver"
	"github.com/jaywantadh/DisktroDrop/pkg/logging"
)

// applyFlags overlays command-line flags on a copy of the loaded configuration.
func applyFlags(c *cli.Context, base *config.AppConfig) (*config.AppConfig, error) {
	cfg := *base
	if c.IsSet("transport") {
		cfg.Transport = c.String("transport")
	}
	if c.IsSet("mode") {
		cfg.Mode = c.String("mode")
	}
	if c.IsSet("port") {
		cfg.Port = c.Int("port")
	}
	if c.IsSet("chunk-size") {
		cfg.ChunkSize = c.Int("chunk-size")
	}
	if c.IsSet("host") {
		cfg.Host = c.String("host")
	}
	if c.IsSet("dir") {
		cfg.StoragePath = c.String("dir")
	}
	if c.IsSet("reply") {
		cfg.ReplyPath = c.String("reply")
	}
	if c.IsSet("out") {
		cfg.OutputPath = c.String("out")
	}
	if c.IsSet("compress") {
		cfg.Compress = c.Bool("compress")
	}
	if c.IsSet("status-addr") {
		cfg.StatusAddr = c.String("status-addr")
	}
	return &cfg, cfg.Validate()
}

func runServe(c *cli.Context) error {
	cfg, err := applyFlags(c, config.Config)
	if err != nil {
		return err
	}
	tr, _ := transfer.ParseTransport(cfg.Transport)
	mode, _ := transfer.ParseMode(cfg.Mode)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewLocalStorage(cfg.StoragePath)
	if err != nil {
		return err
	}

	var recorder metadata.Recorder
	var history httpserver.History
	if cfg.MetadataPath != "" {
		meta, err := metadata.OpenMetadataStore(cfg.MetadataPath)
		if err != nil {
			return err
		}
		defer meta.Close()
		recorder, history = meta, meta
	}

	progress := transfer.NewProgressTracker()
	go progress.MonitorProgress(ctx, 5*time.Second)

	if cfg.StatusAddr != "" {
		status := httpserver.New(cfg.StatusAddr, progress, history)
		if _, err := status.Start(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = status.Shutdown(shutdownCtx)
		}()
	}

	reply := transfer.FileReply{Path: cfg.ReplyPath, MaxSize: cfg.ReplyMaxSize}
	listenAddr := fmt.Sprintf(":%d", cfg.Port)

	logging.Log.WithFields(logrus.Fields{
		"transport": tr,
		"mode":      mode,
		"address":   listenAddr,
		"dir":       cfg.StoragePath,
	}).Info("Starting receiver")

	switch tr {
	case transfer.TransportDatagram:
		conn, lerr := net.ListenPacket("udp", listenAddr)
		if lerr != nil {
			return lerr
		}
		defer conn.Close()
		receiver := &datagram.Receiver{
			Storage:        store,
			Reply:          reply,
			Mode:           mode,
			ChunkSize:      cfg.ChunkSize,
			SessionTimeout: cfg.SessionTimeout,
			Metadata:       recorder,
			Progress:       progress,
		}
		err = receiver.Serve(ctx, conn)
	default:
		ln, lerr := net.Listen("tcp", listenAddr)
		if lerr != nil {
			return lerr
		}
		receiver := &stream.Receiver{
			Storage:   store,
			Reply:     reply,
			Mode:      mode,
			ChunkSize: cfg.ChunkSize,
			Timeout:   cfg.SessionTimeout,
			Metadata:  recorder,
			Progress:  progress,
		}
		err = receiver.Serve(ctx, ln)
	}

	if errors.Is(err, context.Canceled) {
		logging.Log.Info("Receiver stopped")
		return nil
	}
	return err
}

func runSend(c *cli.Context) error {
	cfg, err := applyFlags(c, config.Config)
	if err != nil {
		return err
	}
	tr, _ := transfer.ParseTransport(cfg.Transport)
	mode, _ := transfer.ParseMode(cfg.Mode)

	path := c.Args().First()
	if path == "" {
		if path, err = promptFileName(os.Stdin, c.App.Writer); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		sess  *transfer.Session
		reply []byte
	)
	switch tr {
	case transfer.TransportDatagram:
		sender := &datagram.Sender{
			Mode:              mode,
			ChunkSize:         cfg.ChunkSize,
			ReplyMaxSize:      cfg.ReplyMaxSize,
			RetransmitTimeout: cfg.RetransmitTimeout,
			MaxRetries:        cfg.MaxRetries,
			Timeout:           cfg.SessionTimeout,
		}
		sess, reply, err = sender.SendFile(ctx, cfg.Address(), path)
	default:
		sender := &stream.Sender{
			Mode:         mode,
			ChunkSize:    cfg.ChunkSize,
			Compress:     cfg.Compress,
			ReplyMaxSize: cfg.ReplyMaxSize,
			Timeout:      cfg.SessionTimeout,
			NameSettle:   cfg.NameSettle,
		}
		sess, reply, err = sender.SendFile(ctx, cfg.Address(), path)
	}
	if err != nil {
		return err
	}

	if err := os.WriteFile(cfg.OutputPath, reply, 0o644); err != nil {
		return transfer.Wrap(transfer.ErrIO, "write reply", err)
	}
	fmt.Fprintf(c.App.Writer, "Sent %s (%d bytes). Reply saved as %s.\n", sess.FileName, sess.BytesTransferred, cfg.OutputPath)
	return nil
}

// promptFileName asks for the file to send on r.
func promptFileName(r io.Reader, w io.Writer) (string, error) {
	fmt.Fprint(w, "Enter the file name to send (e.g., test.jpg): ")
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	name := strings.TrimSpace(line)
	if name == "" {
		return "", transfer.ErrEmptyFileName
	}
	return name, nil
}

func runHistory(c *cli.Context) error {
	meta, err := metadata.OpenMetadataStore(config.Config.MetadataPath)
	if err != nil {
		return err
	}
	defer meta.Close()

	records, err := meta.ListTransfers()
	if err != nil {
		return err
	}
	return printHistory(c.App.Writer, records)
}

func printHistory(w io.Writer, records []metadata.TransferRecord) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "COMPLETED\tFILE\tSIZE\tTRANSPORT\tMODE\tREMOTE\tCHECKSUM")
	for _, rec := range records {
		sum := rec.Checksum
		if len(sum) > 12 {
			sum = sum[:12]
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			time.Unix(rec.CompletedAt, 0).Format(time.RFC3339),
			rec.FileName, rec.FileSize, rec.Transport, rec.Mode, rec.Remote, sum)
	}
	return tw.Flush()
}
