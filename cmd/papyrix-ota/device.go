package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bigbag/papyrix-ota/internal/boot"
	"github.com/bigbag/papyrix-ota/internal/hal/slotdir"
	"github.com/bigbag/papyrix-ota/internal/httpapi"
	"github.com/bigbag/papyrix-ota/internal/receiver"
	"github.com/bigbag/papyrix-ota/internal/serial"
	"github.com/bigbag/papyrix-ota/internal/updater"
)

// updateFlags are the per-update settings shared by apply and send.
type updateFlags struct {
	commitTimeout     int
	ignoreSameVersion bool
}

func (f *updateFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.commitTimeout, "commit-timeout", -1, "Seconds to wait for commit after first boot (default from config)")
	cmd.Flags().BoolVar(&f.ignoreSameVersion, "ignore-same-version", false, "Skip a package matching the running build")
}

func (a *app) resolve(cmd *cobra.Command, f *updateFlags) (time.Duration, bool) {
	commitTimeout := a.cfg.CommitTimeout()
	if f.commitTimeout >= 0 {
		commitTimeout = time.Duration(f.commitTimeout) * time.Second
	}
	ignore := a.cfg.Update.IgnoreSameVersion
	if cmd.Flags().Changed("ignore-same-version") {
		ignore = f.ignoreSameVersion
	}
	return commitTimeout, ignore
}

func (a *app) bootManager(restart func()) *boot.Manager {
	loader := slotdir.NewLoader(a.cfg.Slots.Dir, a.cfg.Slots.Count)
	opts := []boot.Option{boot.WithLogger(a.logger)}
	if restart != nil {
		opts = append(opts, boot.WithRestart(restart))
	}
	return boot.NewManager(loader, a.cfg.StateFile(), opts...)
}

func (a *app) engine(bm *boot.Manager) *updater.Engine {
	return updater.New(
		slotdir.Factory(a.cfg.Slots.Dir, a.cfg.Slots.Count, slotdir.WithLogger(a.logger)),
		bm,
		updater.WithFirmware(a.cfg.Firmware()),
		updater.WithTimeout(a.cfg.Timeout()),
		updater.WithMaxManifestSize(a.cfg.Update.MaxManifestSize),
		updater.WithLogger(a.logger),
		updater.WithEventCallback(a.logEvent),
	)
}

func (a *app) logEvent(ev updater.Event) bool {
	switch ev.Type {
	case updater.EventBegin:
		a.logger.Info("installing package", "manifest", ev.Manifest.String())
	case updater.EventEnd:
		a.logger.Debug("update event", "type", ev.Type.String(), "code", ev.Result.Code)
	}
	return true
}

func (a *app) applyCommand() *cobra.Command {
	var (
		uf        updateFlags
		chunkSize int
	)
	cmd := &cobra.Command{
		Use:   "apply <package>",
		Short: "Install a package into the inactive slot",
		Long: `Install an update package into the inactive slot of the local slot
directory. The package may be a file path or an http(s)://, s3:// or
file:// URL. The new slot boots uncommitted; run "commit" once it is good.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			commitTimeout, ignore := a.resolve(cmd, &uf)
			return a.runApply(cmd.Context(), args[0], commitTimeout, ignore, chunkSize)
		},
	}
	uf.register(cmd)
	cmd.Flags().IntVar(&chunkSize, "chunk-size", updater.DefaultChunkSize, "Read size in bytes")
	return cmd
}

func (a *app) runApply(ctx context.Context, src string, commitTimeout time.Duration, ignore bool, chunkSize int) error {
	bm := a.bootManager(nil)
	c, err := a.engine(bm).Create()
	if err != nil {
		return err
	}
	defer c.Free()
	c.SetCommitTimeout(commitTimeout)
	c.SetIgnoreSameVersion(ignore)

	blob, err := a.fetcher().Open(ctx, src)
	if err != nil {
		c.Abort(err.Error())
		return err
	}
	defer blob.Close()
	c.AttachConn(blob)

	bar := newProgress(blob.Size, "Applying")
	res := updater.Stream(c, blob, chunkSize, bar.Add)
	bar.Finish()

	if !res.OK() {
		return fmt.Errorf("update failed (%d): %s", res.Code, res.Message)
	}
	fmt.Println(res.Message)

	if c.NeedsReboot() {
		st, err := bm.State()
		if err != nil {
			return err
		}
		fmt.Printf("Slot %d staged (revert slot %d). Restart into it, then run commit.\n", st.ActiveSlot, st.RevertSlot)
	}
	return nil
}

func (a *app) serveCommand() *cobra.Command {
	var (
		listen string
		port   string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve updates over HTTP (and optionally a serial port)",
		Long: `Run the device-side update service. On start the boot is finished:
a first boot after an update is committed right away or, with a pending
commit timeout, reverted unless "commit" arrives in time.

A restart request (after an update or a revert) stops the service so the
supervisor can start the new slot.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen == "" {
				listen = a.cfg.HTTP.Listen
			}
			if port == "" {
				port = a.cfg.Serial.Port
			}
			return a.runDevice(cmd.Context(), listen, port)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "HTTP listen address (default from config)")
	cmd.Flags().StringVarP(&port, "port", "p", "", "Also accept updates on this serial port")
	return cmd
}

func (a *app) receiveCommand() *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Accept updates on a serial port",
		RunE: func(cmd *cobra.Command, args []string) error {
			if port == "" {
				port = a.cfg.Serial.Port
			}
			if port == "" {
				return errors.New("a serial port is required (--port or serial.port)")
			}
			return a.runDevice(cmd.Context(), "", port)
		},
	}
	cmd.Flags().StringVarP(&port, "port", "p", "", "Serial port (default from config)")
	return cmd
}

// runDevice serves HTTP on listen and the serial receiver on port; either
// may be empty.
func (a *app) runDevice(parent context.Context, listen, port string) error {
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	restart := func() {
		a.logger.Warn("restart requested, stopping")
		cancel()
	}
	bm := a.bootManager(restart)
	if err := bm.BootFinish(true, bm.FirstBoot()); err != nil {
		return fmt.Errorf("finish boot: %w", err)
	}
	eng := a.engine(bm)

	errCh := make(chan error, 2)
	running := 0

	if listen != "" {
		srv := httpapi.New(eng, bm,
			httpapi.WithLogger(a.logger),
			httpapi.WithRestart(restart),
			httpapi.WithOpener(a.fetcher()),
			httpapi.WithDefaults(a.cfg.CommitTimeout(), a.cfg.Update.IgnoreSameVersion),
		)
		running++
		go func() { errCh <- srv.ListenAndServe(ctx, listen) }()
	}

	if port != "" {
		p, err := serial.Open(port, a.cfg.Serial.Baud)
		if err != nil {
			cancel()
			return err
		}
		defer p.Close()

		rx := receiver.New(p, eng, bm,
			receiver.WithLogger(a.logger),
			receiver.WithRestart(restart),
		)
		a.logger.Info("serial receiver listening", "port", port, "baud", a.cfg.Serial.Baud)
		running++
		go func() { errCh <- rx.Serve(ctx) }()
	}

	if running == 0 {
		return errors.New("nothing to serve: set an HTTP listen address or a serial port")
	}

	var firstErr error
	for i := 0; i < running; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
			cancel()
		}
	}
	return firstErr
}

func (a *app) commitCommand() *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Mark the running slot as good",
		RunE: func(cmd *cobra.Command, args []string) error {
			if port != "" {
				return a.remote(port, func(r *remote) error { return r.f.Commit() })
			}
			ok, err := a.bootManager(nil).Commit()
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("nothing to commit")
			}
			fmt.Println("Committed")
			return nil
		},
	}
	cmd.Flags().StringVarP(&port, "port", "p", "", "Commit a device on this serial port instead of the local slots")
	return cmd
}

func (a *app) revertCommand() *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "revert",
		Short: "Switch back to the previous slot of an uncommitted update",
		RunE: func(cmd *cobra.Command, args []string) error {
			if port != "" {
				return a.remote(port, func(r *remote) error { return r.f.Revert() })
			}
			ok, err := a.bootManager(nil).Revert(false)
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("nothing to revert")
			}
			fmt.Println("Reverted")
			return nil
		},
	}
	cmd.Flags().StringVarP(&port, "port", "p", "", "Revert a device on this serial port instead of the local slots")
	return cmd
}

func (a *app) bootStateCommand() *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "boot-state",
		Short: "Show the boot state",
		RunE: func(cmd *cobra.Command, args []string) error {
			if port != "" {
				return a.remote(port, func(r *remote) error {
					st, err := r.f.BootState()
					if err != nil {
						return err
					}
					printBootState(int(st.ActiveSlot), int(st.RevertSlot), st.IsCommitted, int(st.CommitTimeout))
					return nil
				})
			}

			st, err := a.bootManager(nil).State()
			if err != nil {
				return err
			}
			printBootState(st.ActiveSlot, st.RevertSlot, st.IsCommitted, st.CommitTimeout)
			if m, err := slotdir.ReadManifest(a.cfg.Slots.Dir, st.ActiveSlot); err == nil {
				fmt.Printf("  Package:        %s\n", m)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&port, "port", "p", "", "Query a device on this serial port instead of the local slots")
	return cmd
}

func printBootState(active, revert int, committed bool, commitTimeout int) {
	fmt.Printf("  Active slot:    %d\n", active)
	fmt.Printf("  Committed:      %t\n", committed)
	fmt.Printf("  Revert slot:    %d\n", revert)
	if commitTimeout > 0 {
		fmt.Printf("  Commit timeout: %ds\n", commitTimeout)
	}
}
