package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bigbag/iap-flasher/embedded"
	"github.com/bigbag/iap-flasher/internal/detect"
	"github.com/bigbag/iap-flasher/internal/firmware"
	"github.com/bigbag/iap-flasher/internal/flash"
	"github.com/bigbag/iap-flasher/internal/flasher"
	"github.com/bigbag/iap-flasher/internal/logging"
	"github.com/bigbag/iap-flasher/internal/protocol"
	"github.com/bigbag/iap-flasher/internal/serial"
	"github.com/bigbag/iap-flasher/internal/sim"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	portFlag      string
	baudFlag      int
	fwVersionFlag uint32
	chunkFlag     int
	retriesFlag   int
	timeoutFlag   time.Duration
	layoutFlag    string
	flashFileFlag string
	hexOutFlag    string
	sizeFlag      int
	verboseFlag   bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "iap-flasher",
		Short: "Update STM32F4 application firmware over UART",
		Long: `IAP Flasher uploads application images to an STM32F4 device running
the in-application update agent.

The image is staged in a separate flash region and committed by the
first-stage loader on the next reset, so an interrupted transfer never
leaves the device without a working application.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Verbose logging")
	rootCmd.PersistentFlags().StringVar(&layoutFlag, "layout", "", "Flash layout JSON (default: embedded STM32F407)")

	// Flash command
	flashCmd := &cobra.Command{
		Use:   "flash <firmware.bin|firmware.hex>",
		Short: "Upload firmware to device",
		Long: `Upload an application image to the device.

The device erases its staging region, receives the image in chunks,
verifies the CRC-32 and resets. The loader then copies the image into
the execution region and starts it.`,
		Args: cobra.ExactArgs(1),
		RunE: runFlash,
	}
	addPortFlags(flashCmd)
	addTransferFlags(flashCmd)

	// Info command
	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show device info",
		Long:  "Detect update agents and show their identification and firmware version.",
		RunE:  runInfo,
	}
	addPortFlags(infoCmd)

	// List command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}

	// Inspect command
	inspectCmd := &cobra.Command{
		Use:   "inspect <firmware.bin|firmware.hex>",
		Short: "Check an image against the flash layout",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	}
	inspectCmd.Flags().StringVar(&hexOutFlag, "hex-out", "", "Write the image as Intel HEX")

	// Simulate command
	simulateCmd := &cobra.Command{
		Use:   "simulate [firmware.bin|firmware.hex]",
		Short: "Run a full update against a simulated device",
		Long: `Run the whole update cycle on a simulated board: boot, upload,
reset, commit and start of the new application.

Without a firmware file a synthetic image is generated. With --flash-file
the simulated flash is loaded from and saved to a file, so repeated runs
behave like power cycles of the same board.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runSimulate,
	}
	addTransferFlags(simulateCmd)
	simulateCmd.Flags().StringVar(&flashFileFlag, "flash-file", "", "Persist the simulated flash in this file")
	simulateCmd.Flags().IntVar(&sizeFlag, "size", 4096, "Size of the synthetic image")

	// Version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("iap-flasher %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	rootCmd.AddCommand(flashCmd, infoCmd, listCmd, inspectCmd, simulateCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func addPortFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (auto-detect if not specified)")
	cmd.Flags().IntVarP(&baudFlag, "baud", "b", protocol.DefaultBaudRate, "Baud rate")
}

func addTransferFlags(cmd *cobra.Command) {
	cmd.Flags().Uint32Var(&fwVersionFlag, "fw-version", 1, "Version recorded with the image")
	cmd.Flags().IntVar(&chunkFlag, "chunk", flasher.DefaultChunkSize, "Data chunk size in bytes (multiple of 4)")
	cmd.Flags().IntVar(&retriesFlag, "retries", flasher.DefaultRetries, "Attempts per frame")
	cmd.Flags().DurationVar(&timeoutFlag, "timeout", flasher.DefaultAckTimeout, "Reply timeout per frame")
}

func newLogger() *logrus.Logger {
	return logging.New(os.Stderr, verboseFlag)
}

func loadLayout() (flash.Layout, error) {
	data := embedded.Layout()
	if layoutFlag != "" {
		var err error
		if data, err = os.ReadFile(layoutFlag); err != nil {
			return flash.Layout{}, fmt.Errorf("failed to read layout: %w", err)
		}
	}
	layout, err := flash.ParseLayout(data)
	if err != nil {
		return flash.Layout{}, fmt.Errorf("invalid layout: %w", err)
	}
	return layout, nil
}

func loadImage(path string, layout flash.Layout) (*firmware.Image, error) {
	img, err := firmware.Load(path, layout.Execution.Start)
	if err != nil {
		return nil, fmt.Errorf("failed to read firmware file: %w", err)
	}
	rep, err := img.Check(layout)
	if err != nil {
		return nil, err
	}
	fmt.Printf("Firmware: %s (%s, %d bytes, CRC32 0x%08X)\n", path, img.Format, rep.Size, rep.CRC)
	for _, w := range rep.Warnings {
		fmt.Printf("Warning: %s\n", w)
	}
	return img, nil
}

func transferOptions(log logrus.FieldLogger) []flasher.Option {
	return []flasher.Option{
		flasher.WithChunkSize(chunkFlag),
		flasher.WithRetries(retriesFlag),
		flasher.WithAckTimeout(timeoutFlag),
		flasher.WithLogger(log),
	}
}

// upload runs the handshake and the transfer with a progress bar.
func upload(f *flasher.Flasher, img *firmware.Image) error {
	fmt.Println("Connecting to update agent...")
	ident, err := f.Connect()
	if err != nil {
		return err
	}
	fmt.Printf("Connected: %s\n", ident)

	var bar *progressbar.ProgressBar
	f.SetProgressCallback(func(current, total int) {
		if bar == nil {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetDescription("Uploading"),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowBytes(false),
				progressbar.OptionSetPredictTime(true),
				progressbar.OptionThrottle(100),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)
		}
		bar.Set(current)
	})

	fmt.Printf("Uploading version %d...\n", fwVersionFlag)
	if err := f.Update(img.Data, fwVersionFlag); err != nil {
		return err
	}
	if bar != nil {
		bar.Finish()
	}
	fmt.Println("\nUpload complete!")
	return nil
}

func runFlash(cmd *cobra.Command, args []string) error {
	layout, err := loadLayout()
	if err != nil {
		return err
	}
	img, err := loadImage(args[0], layout)
	if err != nil {
		return err
	}

	// Find or use specified port
	portName := portFlag
	if portName == "" {
		fmt.Println("Detecting device...")
		result, err := detect.DetectDevice(baudFlag)
		if err != nil {
			return fmt.Errorf("device detection failed: %w", err)
		}
		portName = result.Port
		fmt.Printf("Found %s on %s\n", result.Ident, result.Port)
	}

	port, err := serial.Open(portName, baudFlag)
	if err != nil {
		return fmt.Errorf("failed to open port: %w", err)
	}
	defer port.Close()

	fmt.Printf("Port: %s @ %d baud\n", portName, baudFlag)

	f := flasher.New(port, transferOptions(newLogger())...)
	if err := upload(f, img); err != nil {
		return err
	}

	fmt.Println("The device verifies the image and resets to install it.")
	fmt.Println("Done!")
	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	if portFlag != "" {
		result, err := detect.DetectOnPort(portFlag, baudFlag)
		if err != nil {
			return fmt.Errorf("failed to detect device on %s: %w", portFlag, err)
		}
		printDeviceInfo(result)
		return nil
	}

	fmt.Println("Scanning for update agents...")
	devices, err := detect.ListDevices(baudFlag)
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
}

func printDeviceInfo(d *detect.Result) {
	fmt.Printf("  Port:     %s\n", d.Port)
	fmt.Printf("  Ident:    %s\n", d.Ident)
	if d.HasVersion {
		fmt.Printf("  Version:  %d\n", d.Version)
	}
	if d.PortInfo.IsUSB {
		fmt.Printf("  USB:      %s:%s\n", d.PortInfo.VID, d.PortInfo.PID)
	}
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := serial.ListPortDetails()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		fmt.Printf("  %s\n", p)
	}

	return nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	layout, err := loadLayout()
	if err != nil {
		return err
	}
	img, err := firmware.Load(args[0], layout.Execution.Start)
	if err != nil {
		return fmt.Errorf("failed to read firmware file: %w", err)
	}

	fmt.Printf("Image:    %s (%s)\n", img.Name, img.Format)
	fmt.Printf("Base:     0x%08X\n", img.Base)
	rep, err := img.Check(layout)
	if rep != nil {
		fmt.Printf("Size:     %d bytes\n", rep.Size)
		fmt.Printf("CRC32:    0x%08X\n", rep.CRC)
		fmt.Printf("SP:       0x%08X\n", rep.SP)
		fmt.Printf("Entry:    0x%08X\n", rep.Entry)
		for _, w := range rep.Warnings {
			fmt.Printf("Warning:  %s\n", w)
		}
	}
	if err != nil {
		return err
	}
	fmt.Printf("Layout:   %s (execution 0x%08X, %d bytes)\n", layout.Name, layout.Execution.Start, layout.Execution.Size)

	if hexOutFlag != "" {
		out, err := os.Create(hexOutFlag)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", hexOutFlag, err)
		}
		defer out.Close()
		if err := img.WriteHex(out); err != nil {
			return fmt.Errorf("failed to write %s: %w", hexOutFlag, err)
		}
		fmt.Printf("Wrote %s\n", hexOutFlag)
	}
	return nil
}

// syntheticImage builds an image with a valid vector table for the layout.
func syntheticImage(layout flash.Layout, size int) (*firmware.Image, error) {
	if size < 2*flash.WordSize {
		return nil, fmt.Errorf("synthetic image needs at least %d bytes", 2*flash.WordSize)
	}
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	binary.LittleEndian.PutUint32(data[0:], layout.RAM.End())
	binary.LittleEndian.PutUint32(data[4:], layout.Execution.Start+0x101)

	img := &firmware.Image{Name: "synthetic", Format: firmware.FormatBinary, Base: layout.Execution.Start, Data: data}
	if _, err := img.Check(layout); err != nil {
		return nil, err
	}
	return img, nil
}

func runSimulate(cmd *cobra.Command, args []string) error {
	layout, err := loadLayout()
	if err != nil {
		return err
	}

	var img *firmware.Image
	if len(args) == 1 {
		img, err = loadImage(args[0], layout)
	} else {
		img, err = syntheticImage(layout, sizeFlag)
		if err == nil {
			fmt.Printf("Firmware: synthetic (%d bytes, CRC32 0x%08X)\n", img.Size(), img.CRC())
		}
	}
	if err != nil {
		return err
	}

	mem := flash.NewMemory(layout)
	if flashFileFlag != "" {
		if mem, err = sim.LoadFlash(flashFileFlag, layout); err != nil {
			return fmt.Errorf("failed to load flash file: %w", err)
		}
	}

	log := newLogger()
	dev := sim.New(mem, sim.WithLogger(log))
	defer dev.Close()

	seeded, err := dev.SeedApplication()
	if err != nil {
		return fmt.Errorf("failed to seed application: %w", err)
	}
	if seeded {
		fmt.Println("Empty execution region: factory application installed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := bootDevice(ctx, dev); err != nil {
		return err
	}
	link, err := dev.Link()
	if err != nil {
		return err
	}

	f := flasher.New(link, transferOptions(log)...)
	if err := upload(f, img); err != nil {
		return err
	}

	fmt.Println("Waiting for device reset...")
	waitCtx, waitCancel := context.WithTimeout(ctx, 10*time.Second)
	defer waitCancel()
	if err := dev.WaitReset(waitCtx); err != nil {
		return fmt.Errorf("device did not reset: %w", err)
	}

	if err := bootDevice(ctx, dev); err != nil {
		return err
	}
	meta, err := dev.Store().ReadMeta()
	if err != nil {
		return err
	}
	fmt.Printf("Metadata: %s, version %d, %d bytes, CRC32 0x%08X\n",
		meta.Flag, meta.Version, meta.ImageSize, meta.ImageCRC)
	stats := mem.Stats()
	fmt.Printf("Flash:    %d sector erases, %d word programs\n", stats.Erases, stats.Programs)

	if flashFileFlag != "" {
		if err := sim.SaveFlash(flashFileFlag, mem); err != nil {
			return fmt.Errorf("failed to save flash file: %w", err)
		}
		fmt.Printf("Saved flash to %s\n", flashFileFlag)
	}
	fmt.Println("Done!")
	return nil
}

func bootDevice(ctx context.Context, dev *sim.Device) error {
	res := dev.Boot(ctx)
	fmt.Printf("Boot %d: %s\n", dev.Boots(), res.Outcome)
	if !res.Started() {
		return fmt.Errorf("device did not start an application: %w", res.Err)
	}
	fmt.Printf("  Application started at 0x%08X (SP 0x%08X)\n", res.Entry, res.SP)
	return nil
}
