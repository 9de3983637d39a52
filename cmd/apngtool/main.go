// Command apngtool inspects and renders Animated PNG files from the
// command line.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/apngcore/apng"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "apngtool",
		Short: "Inspect and render Animated PNG files",
	}

	root.PersistentFlags().Bool("skip-checksum", false, "skip CRC-32 verification of chunks")
	root.PersistentFlags().Bool("unlimited-frames", false, "disable the frame-count ceiling")
	root.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	viper.BindPFlag("skip_checksum", root.PersistentFlags().Lookup("skip-checksum"))
	viper.BindPFlag("unlimited_frames", root.PersistentFlags().Lookup("unlimited-frames"))
	viper.BindPFlag("log_level", root.PersistentFlags().Lookup("log-level"))
	viper.SetEnvPrefix("APNGTOOL")
	viper.AutomaticEnv()

	root.AddCommand(newInfoCmd(), newRenderCmd(), newPlayCmd())
	return root
}

func newLogger() *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(viper.GetString("log_level")); err == nil {
		cfg.Level = lvl
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return logger.Sugar()
}

func openDecoder(path string) (*apng.Decoder, error) {
	var opts []apng.DecodeOption
	if viper.GetBool("skip_checksum") {
		opts = append(opts, apng.WithSkipChecksumVerify())
	}
	if viper.GetBool("unlimited_frames") {
		opts = append(opts, apng.WithUnlimitedFrameCount())
	}
	opts = append(opts, apng.WithLogger(newLogger()))
	return apng.Open(path, opts...)
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <file.png>",
		Short: "Print animation metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDecoder(args[0])
			if err != nil {
				return err
			}
			defer d.Close()

			size := d.IntrinsicSize()
			fmt.Printf("canvas: %dx%d\n", size.X, size.Y)
			fmt.Printf("frames: %d\n", d.NumFrames())
			plays := d.NumPlays()
			if plays == 0 {
				fmt.Println("plays: infinite")
			} else {
				fmt.Printf("plays: %d\n", plays)
			}
			return nil
		},
	}
}

func newRenderCmd() *cobra.Command {
	var index int
	var out string
	cmd := &cobra.Command{
		Use:   "render <file.png>",
		Short: "Write one frame out as a standalone PNG",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDecoder(args[0])
			if err != nil {
				return err
			}
			defer d.Close()

			data, err := d.FrameBytes(index)
			if err != nil {
				return err
			}
			if out == "" {
				out = fmt.Sprintf("frame-%d.png", index)
			}
			return os.WriteFile(out, data, 0o644)
		},
	}
	cmd.Flags().IntVar(&index, "frame", 0, "frame index to render")
	cmd.Flags().StringVar(&out, "out", "", "output path (default frame-<index>.png)")
	return cmd
}

func newPlayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "play <file.png>",
		Short: "Decode every frame in order and print each frame's index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDecoder(args[0])
			if err != nil {
				return err
			}
			defer d.Close()

			fmt.Printf("frame 0\n")
			for i := 1; i < d.NumFrames(); i++ {
				if _, err := d.RenderNextSync(); err != nil {
					return fmt.Errorf("frame %d: %w", i, err)
				}
				fmt.Printf("frame %d\n", i)
			}
			return nil
		},
	}
}
