// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ManuGH/dctd/internal/daemon"
	xglog "github.com/ManuGH/dctd/internal/log"
	"github.com/ManuGH/dctd/internal/tuning"
	"github.com/google/renameio/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type tuneFlags struct {
	channel    string
	frequency  int64
	modulation string
	program    int
	output     string
	duration   time.Duration
	lineup     string
}

func (f tuneFlags) request() (tuning.TuneRequest, error) {
	req := tuning.TuneRequest{
		Channel:    f.channel,
		Frequency:  f.frequency,
		Modulation: f.modulation,
		Program:    f.program,
	}
	if err := req.Validate(); err != nil {
		return tuning.TuneRequest{}, err
	}
	return req, nil
}

func newTuneCmd(opts *rootOptions) *cobra.Command {
	var flags tuneFlags
	cmd := &cobra.Command{
		Use:   "tune",
		Short: "Tune a channel or frequency and write the transport stream",
		Example: `  dctd tune --channel 702 --output capture.ts --duration 30s
  dctd tune --frequency 573000 --modulation qam256 --program 3 > capture.ts`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := flags.request()
			if err != nil {
				return err
			}
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			if flags.lineup != "" {
				cfg.Device.Lineup = flags.lineup
			}
			ctx := cmd.Context()
			if flags.duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, flags.duration)
				defer cancel()
			}

			tuner, err := daemon.OpenTuner(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = tuner.Close(context.WithoutCancel(ctx)) }()

			return runTune(ctx, tuner, req, flags.output, cmd.OutOrStdout())
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&flags.channel, "channel", "", "virtual channel number")
	fs.Int64Var(&flags.frequency, "frequency", 0, "carrier frequency in kHz")
	fs.StringVar(&flags.modulation, "modulation", "", "modulation, e.g. qam256")
	fs.IntVar(&flags.program, "program", 0, "MPEG program number")
	fs.StringVarP(&flags.output, "output", "o", "", "write the stream to this file instead of stdout")
	fs.DurationVar(&flags.duration, "duration", 0, "stop after this long; zero runs until interrupted")
	fs.StringVar(&flags.lineup, "lineup", "", "tuner lineup.xml URL or file; a ClearQAM lineup selects QAM mode")
	cmd.MarkFlagsMutuallyExclusive("channel", "frequency")
	return cmd
}

func runTune(ctx context.Context, tuner *daemon.Tuner, req tuning.TuneRequest, output string, stdout io.Writer) error {
	logger := xglog.WithComponent("tune")
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return tuner.Serve(gctx) })

	res := tuner.Orchestrator.Tune(gctx, req)
	if !res.OK() {
		stop()
		_ = g.Wait()
		return fmt.Errorf("%s: %w", res.Outcome, res.Err)
	}
	logger.Info().
		Str(xglog.FieldSessionID, res.Session.ID).
		Str(xglog.FieldURL, res.Session.StreamURI).
		Int(xglog.FieldStreamPort, res.Session.LocalPort).
		Str("pcr_lock", res.Session.PCRLock).
		Str("pids", tuning.FormatPIDList(res.Session.PIDs)).
		Bool("qam_mode", res.Session.QAMMode()).
		Msg("streaming")

	src := tuner.Orchestrator.Reader()
	if src == nil {
		fmt.Fprintln(stdout, res.Session.StreamURI)
		<-gctx.Done()
		tuner.Orchestrator.Stop(context.WithoutCancel(ctx))
		return g.Wait()
	}

	g.Go(func() error {
		<-gctx.Done()
		tuner.Orchestrator.Stop(context.WithoutCancel(ctx))
		return nil
	})
	g.Go(func() error {
		defer stop()
		return copyStream(ctx, src, output, stdout)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// copyStream copies src until EOF. A file target is only replaced once the
// copy finished.
func copyStream(ctx context.Context, src io.Reader, output string, stdout io.Writer) error {
	if output == "" || output == "-" {
		_, err := io.Copy(stdout, src)
		return err
	}
	pending, err := renameio.NewPendingFile(output, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("create pending output: %w", err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			logger := xglog.WithComponentFromContext(ctx, "tune")
			logger.Debug().Err(err).Msg("cleanup pending output")
		}
	}()
	n, err := io.Copy(pending, src)
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace %s: %w", output, err)
	}
	fmt.Fprintf(os.Stderr, "wrote %d bytes to %s\n", n, output)
	return nil
}
