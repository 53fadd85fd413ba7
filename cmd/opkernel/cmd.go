package main

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/born-ml/opkernel/internal/backend/emulator"
	"github.com/born-ml/opkernel/internal/backend/webgpu"
	"github.com/born-ml/opkernel/internal/config"
	"github.com/born-ml/opkernel/internal/engine"
	"github.com/born-ml/opkernel/internal/kernel"
	"github.com/born-ml/opkernel/internal/layer"
	"github.com/born-ml/opkernel/internal/tensor"
)

// NewCLI returns the root command.
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	var shutdown func(context.Context) error

	rootCmd := &cobra.Command{
		Use:           "opkernel",
		Short:         "Run convolution, pooling and fully-connected kernels",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			zerolog.SetGlobalLevel(cfg.LogLevel)

			if trace, _ := cmd.Flags().GetBool("trace"); trace {
				shutdown, err = initTracer()
				if err != nil {
					return fmt.Errorf("init tracer: %w", err)
				}
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if shutdown == nil {
				return nil
			}
			return shutdown(cmd.Context())
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("device", "", "Backend device: cpu, emulator or webgpu (env OPKERNEL_DEVICE)")
	flags.Bool("parallel", true, "Run CPU kernels with the parallel-for (env OPKERNEL_PARALLEL)")
	flags.Int("workers", 0, "Maximum concurrently running goroutines (env OPKERNEL_WORKERS)")
	flags.Int("max-workgroup", 0, "Override the device work-group limit (env OPKERNEL_MAX_WORKGROUP)")
	flags.CountP("debug", "d", "Debug logging; repeat for trace (env OPKERNEL_DEBUG)")
	flags.Bool("trace", false, "Print OpenTelemetry spans to stdout")

	for _, cmd := range []*cobra.Command{
		newRunCmd(),
		newCompareCmd(),
		newDevicesCmd(),
		newEnvCmd(),
		newVersionCmd(),
	} {
		rootCmd.AddCommand(cmd)
	}
	return rootCmd
}

// loadConfig reads the environment and applies the flags the user set.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Load()
	flags := cmd.Flags()
	if flags.Changed("device") {
		cfg.Device, _ = flags.GetString("device")
	}
	if flags.Changed("parallel") {
		cfg.Parallel, _ = flags.GetBool("parallel")
	}
	if flags.Changed("workers") {
		cfg.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("max-workgroup") {
		cfg.MaxWorkGroup, _ = flags.GetInt("max-workgroup")
	}
	if n, _ := flags.GetCount("debug"); n > 0 {
		cfg.LogLevel = zerolog.DebugLevel
		if n > 1 {
			cfg.LogLevel = zerolog.TraceLevel
		}
	}
	return cfg, cfg.Validate()
}

func openEngine(cmd *cobra.Command) (*engine.Engine, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return engine.New(cfg, log.Logger.Level(cfg.LogLevel))
}

func addLayerFlags(cmd *cobra.Command) {
	cmd.Flags().String("in", "8x8x3", "Input shape WxHxD for conv and pool layers")
	cmd.Flags().Int("window", 3, "Convolution window or pooling size")
	cmd.Flags().Int("stride", 1, "Window stride")
	cmd.Flags().Int("out-depth", 4, "Convolution output channels")
	cmd.Flags().Int("in-size", 64, "Fully-connected input size")
	cmd.Flags().Int("out-size", 32, "Fully-connected output size")
	cmd.Flags().Bool("bias", true, "Give the layer a bias")
	cmd.Flags().Int("batch", 4, "Number of samples")
	cmd.Flags().Int64("seed", 1, "Seed of the synthetic data")
}

var layerNames = []string{"conv", "pool", "fc"}

// parseShape parses WxHxD.
func parseShape(s string) (tensor.Shape3D, error) {
	var w, h, d int
	if _, err := fmt.Sscanf(strings.ToLower(s), "%dx%dx%d", &w, &h, &d); err != nil {
		return tensor.Shape3D{}, fmt.Errorf("shape %q: want WxHxD", s)
	}
	shape := tensor.NewShape3D(w, h, d)
	return shape, shape.Validate()
}

// layerFromFlags builds the layer named by the first argument.
func layerFromFlags(cmd *cobra.Command, name string) (layer.Layer, error) {
	flags := cmd.Flags()
	window, _ := flags.GetInt("window")
	stride, _ := flags.GetInt("stride")
	bias, _ := flags.GetBool("bias")

	switch name {
	case "conv", "pool":
		s, _ := flags.GetString("in")
		in, err := parseShape(s)
		if err != nil {
			return nil, err
		}
		if name == "pool" {
			return layer.NewAvgPool(layer.PoolParams{In: in, PoolW: window, PoolH: window, Stride: stride})
		}
		outDepth, _ := flags.GetInt("out-depth")
		return layer.NewConv(layer.ConvParams{
			In: in, WindowW: window, WindowH: window, Stride: stride, OutDepth: outDepth, HasBias: bias,
		})
	case "fc":
		inSize, _ := flags.GetInt("in-size")
		outSize, _ := flags.GetInt("out-size")
		return layer.NewFully(layer.FullyParams{InSize: inSize, OutSize: outSize, HasBias: bias})
	default:
		return nil, fmt.Errorf("unknown layer %q (want %s)", name, strings.Join(layerNames, ", "))
	}
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "run LAYER",
		Short:     "Run a layer forward (and backward) on synthetic data",
		Args:      cobra.ExactArgs(1),
		ValidArgs: layerNames,
		RunE:      RunHandler,
	}
	addLayerFlags(cmd)
	cmd.Flags().Bool("backward", false, "Also run the backward pass")
	return cmd
}

// RunHandler runs one layer on the configured device.
func RunHandler(cmd *cobra.Command, args []string) error {
	l, err := layerFromFlags(cmd, args[0])
	if err != nil {
		return err
	}
	e, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	inst, err := e.Bind(l)
	if err != nil {
		return err
	}

	batch, _ := cmd.Flags().GetInt("batch")
	seed, _ := cmd.Flags().GetInt64("seed")
	s := engine.SyntheticSlots(l, batch, seed)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LAYER\tOP\tBACKEND\tDEVICE\tBATCH\tSUM\tTOOK")

	start := time.Now()
	if err := inst.Forward(cmd.Context(), s); err != nil {
		return err
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%g\t%s\n", l.Kind(), kernel.Forward, inst.Backend(), e.DeviceName(), batch, sum(s.Out), time.Since(start))

	if backward, _ := cmd.Flags().GetBool("backward"); backward {
		start = time.Now()
		err := inst.Backward(cmd.Context(), s)
		if err != nil && !errors.Is(err, kernel.ErrNotImplemented) {
			return err
		}
		if err != nil {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t-\n", l.Kind(), kernel.Backward, inst.Backend(), e.DeviceName(), batch, "not implemented")
		} else {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%g\t%s\n", l.Kind(), kernel.Backward, inst.Backend(), e.DeviceName(), batch, sum(s.InGrad), time.Since(start))
		}
	}
	return w.Flush()
}

func sum(t tensor.Tensor) float64 {
	var total float64
	for _, v := range t {
		for _, x := range v {
			total += float64(x)
		}
	}
	return total
}

func newCompareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "compare [LAYER...]",
		Short:     "Compare accelerator and CPU forward results",
		ValidArgs: layerNames,
		RunE:      CompareHandler,
	}
	addLayerFlags(cmd)
	cmd.Flags().Float64("tolerance", 1e-5, "Largest accepted relative error")
	return cmd
}

// CompareHandler runs each named layer (all of them by default) on both
// backends and fails when any result differs by more than the tolerance.
func CompareHandler(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		args = layerNames
	}
	layers := make([]layer.Layer, 0, len(args))
	for _, name := range args {
		l, err := layerFromFlags(cmd, name)
		if err != nil {
			return err
		}
		layers = append(layers, l)
	}

	e, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer e.Close()
	if e.Device() == nil {
		return fmt.Errorf("%w: compare needs an accelerator device (--device emulator or webgpu)", kernel.ErrNotCompiled)
	}

	batch, _ := cmd.Flags().GetInt("batch")
	seed, _ := cmd.Flags().GetInt64("seed")
	tolerance, _ := cmd.Flags().GetFloat64("tolerance")

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LAYER\tDEVICE\tBATCH\tMAX REL ERROR\tCPU\tACCELERATOR\tRESULT")
	var failed []string
	for _, l := range layers {
		c, err := e.Compare(cmd.Context(), l, batch, seed)
		if err != nil {
			return err
		}
		result := "ok"
		if c.MaxRelError > tolerance {
			result = "MISMATCH"
			failed = append(failed, c.Layer)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%.3g\t%s\t%s\t%s\n", c.Layer, c.Device, c.Batch, c.MaxRelError, c.CPU, c.Accelerator, result)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if len(failed) > 0 {
		return fmt.Errorf("results differ beyond %g: %s", tolerance, strings.Join(failed, ", "))
	}
	return nil
}

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List the available devices",
		Args:  cobra.NoArgs,
		RunE:  DevicesHandler,
	}
}

// DevicesHandler prints every device the engine can open.
func DevicesHandler(cmd *cobra.Command, _ []string) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tNAME\tMAX WORKGROUP\tSTATUS")
	fmt.Fprintf(w, "%s\t%s\t-\t%d cpus\n", config.DeviceCPU, runtime.GOARCH, runtime.NumCPU())
	fmt.Fprintf(w, "%s\t%s\t%d\tavailable\n", config.DeviceEmulator, emulator.Name, emulator.DefaultMaxWorkGroupSize)

	adapters, err := webgpu.Adapters()
	switch {
	case err != nil:
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", config.DeviceWebGPU, "-", webgpu.DefaultMaxWorkGroupSize, err)
	default:
		for _, name := range adapters {
			fmt.Fprintf(w, "%s\t%s\t%d\tavailable\n", config.DeviceWebGPU, name, webgpu.DefaultMaxWorkGroupSize)
		}
	}
	return w.Flush()
}

func newEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Show the environment configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			vars := config.AsMap()
			keys := make([]string, 0, len(vars))
			for k := range vars {
				keys = append(keys, k)
			}
			slices.Sort(keys)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			for _, k := range keys {
				fmt.Fprintf(w, "%s\t%v\t%s\n", k, vars[k].Value, vars[k].Description)
			}
			return w.Flush()
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "opkernel %s\n", version)
		},
	}
}
