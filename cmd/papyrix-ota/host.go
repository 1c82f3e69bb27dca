package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bigbag/papyrix-ota/internal/detect"
	"github.com/bigbag/papyrix-ota/internal/flasher"
	"github.com/bigbag/papyrix-ota/internal/pack"
	"github.com/bigbag/papyrix-ota/internal/serial"
)

// remote is an open, synced serial link to a device.
type remote struct {
	port *serial.Port
	f    *flasher.Flasher
}

func (a *app) connect(portName string, blockSize int) (*remote, error) {
	if portName == "" {
		portName = a.cfg.Serial.Port
	}
	if portName == "" {
		fmt.Println("Detecting device...")
		result, err := detect.DetectDevice(a.cfg.Serial.Baud, a.logger)
		if err != nil {
			return nil, fmt.Errorf("device detection failed: %w", err)
		}
		portName = result.Port
		fmt.Printf("Found device on %s\n", result.Port)
	}

	port, err := serial.Open(portName, a.cfg.Serial.Baud)
	if err != nil {
		return nil, err
	}
	fmt.Printf("Port: %s @ %d baud\n", portName, a.cfg.Serial.Baud)

	f := flasher.New(port, flasher.WithLogger(a.logger), flasher.WithBlockSize(blockSize))
	if err := f.Connect(); err != nil {
		port.Close()
		return nil, err
	}
	return &remote{port: port, f: f}, nil
}

// remote runs fn against the device on portName.
func (a *app) remote(portName string, fn func(r *remote) error) error {
	r, err := a.connect(portName, 0)
	if err != nil {
		return err
	}
	defer r.port.Close()
	return fn(r)
}

func (a *app) sendCommand() *cobra.Command {
	var (
		uf        updateFlags
		portName  string
		blockSize int
		noReboot  bool
	)
	cmd := &cobra.Command{
		Use:   "send <package>",
		Short: "Send a package to a device over a serial port",
		Long: `Send an update package to a device running "receive" (or "serve
--port"). The package may be a file path or an http(s)://, s3:// or
file:// URL. The port is auto-detected when not given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			commitTimeout, ignore := a.resolve(cmd, &uf)

			blob, err := a.fetcher().Open(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer blob.Close()

			r, err := a.connect(portName, blockSize)
			if err != nil {
				return err
			}
			defer r.port.Close()
			fmt.Println("Connected!")

			bar := newProgress(blob.Size, "Sending")
			r.f.SetProgressCallback(func(current, total int64) {
				bar.Set(current)
			})

			res, err := r.f.Send(blob, blob.Size, flasher.SendOptions{
				CommitTimeout:     commitTimeout,
				IgnoreSameVersion: ignore,
				Reboot:            !noReboot,
			})
			bar.Finish()
			if err != nil {
				return fmt.Errorf("update failed (%d): %w", res.Code, err)
			}

			fmt.Println(res.Message)
			return nil
		},
	}
	uf.register(cmd)
	cmd.Flags().StringVarP(&portName, "port", "p", "", "Serial port (auto-detect if not specified)")
	cmd.Flags().IntVar(&blockSize, "block-size", 0, "OTA_DATA block size in bytes")
	cmd.Flags().BoolVar(&noReboot, "no-reboot", false, "Do not restart the device after installing")
	return cmd
}

func (a *app) infoCommand() *cobra.Command {
	var portName string
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show connected devices",
		Long:  "Detect devices answering the OTA sync and show their boot state.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if portName != "" {
				result, err := detect.DetectOnPort(portName, a.cfg.Serial.Baud, a.logger)
				if err != nil {
					return fmt.Errorf("failed to detect device on %s: %w", portName, err)
				}
				printDeviceInfo(result)
				return nil
			}

			fmt.Println("Scanning for devices...")
			devices, err := detect.ListDevices(a.cfg.Serial.Baud, a.logger)
			if err != nil {
				return err
			}

			if len(devices) == 0 {
				fmt.Println("No devices found")
				return nil
			}

			fmt.Printf("Found %d device(s):\n\n", len(devices))
			for i, d := range devices {
				fmt.Printf("Device %d:\n", i+1)
				printDeviceInfo(&d)
				fmt.Println()
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&portName, "port", "p", "", "Serial port (scan all if not specified)")
	return cmd
}

func printDeviceInfo(d *detect.Result) {
	fmt.Printf("  Port:           %s\n", d.Port)
	if d.BootState != nil {
		st := d.BootState
		printBootState(int(st.ActiveSlot), int(st.RevertSlot), st.IsCommitted, int(st.CommitTimeout))
	}
}

func (a *app) packCommand() *cobra.Command {
	var (
		info   pack.Info
		parts  []string
		output string
		upload string
	)
	cmd := &cobra.Command{
		Use:   "pack",
		Short: "Build an update package",
		Long: `Build an update package: manifest.json first, then one stored entry per
part. Parts are given as name=path, e.g. --part fw=firmware.bin.

With --upload the package is also published to an s3://bucket/key URL.`,
		Example: `  papyrix-ota pack --version 1.2.0 --build-id 42 --part fw=firmware.bin -o update.zip`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if info.Platform == "" {
				info.Platform = a.cfg.Device.Platform
			}

			b := pack.NewBuilder(info)
			for _, p := range parts {
				name, path, ok := strings.Cut(p, "=")
				if !ok || name == "" || path == "" {
					return fmt.Errorf("invalid part %q, want name=path", p)
				}
				b.AddFile(name, path)
			}

			m, err := b.WriteFile(output)
			if err != nil {
				return err
			}
			fmt.Printf("Wrote %s: %s\n", output, m)

			if upload == "" {
				return nil
			}
			err = a.fetcher().Upload(cmd.Context(), output, upload, map[string]string{
				"platform": m.Platform,
				"version":  m.Version,
				"build-id": m.BuildID,
				"packed":   time.Now().UTC().Format(time.RFC3339),
			})
			if err != nil {
				return err
			}
			fmt.Printf("Uploaded to %s\n", upload)
			return nil
		},
	}
	cmd.Flags().StringVar(&info.Name, "name", "firmware", "Package name")
	cmd.Flags().StringVar(&info.Platform, "platform", "", "Target platform (default from config)")
	cmd.Flags().StringVar(&info.Version, "version", "", "Firmware version")
	cmd.Flags().StringVar(&info.BuildID, "build-id", "", "Firmware build id")
	cmd.Flags().StringArrayVar(&parts, "part", nil, "Part as name=path (repeatable)")
	cmd.Flags().StringVarP(&output, "output", "o", "update.zip", "Output file")
	cmd.Flags().StringVar(&upload, "upload", "", "Also upload to this s3:// URL")
	cmd.MarkFlagRequired("version")
	cmd.MarkFlagRequired("build-id")
	return cmd
}
