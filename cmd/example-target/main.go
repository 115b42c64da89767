// Command example-target is a demonstration program linking gdbstub
// against a tiny in-memory RV32 register/memory model. It plays the role
// of the teacher's cgo-backed emulator binary, minus the actual CPU core:
// load an image, listen for a debugger, and serve the protocol.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/aykevl/gdbstub"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "example-target <memory-image-path>",
		Short: "Run a tiny in-memory RV32 target behind a gdbstub debug server",
		Args:  cobra.ExactArgs(1),
		RunE:  runExample,
	}
	cmd.Flags().Int("ram", 1024, "memory size in kB")
	cmd.Flags().String("listen", "127.0.0.1:7333", "address gdbstub listens on (dotted-quad:port or socket path)")
	cmd.Flags().String("loglevel", "info", "error, warn, info, debug")
	cmd.PersistentFlags().String("config", "", "optional config file (yaml/json/toml)")
	return cmd
}

func runExample(cmd *cobra.Command, args []string) error {
	v := viper.New()
	v.SetEnvPrefix("EXAMPLE_TARGET")
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if cfgFile, _ := cmd.Flags().GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("example-target: read config: %w", err)
		}
	}

	logger, err := newLogger(v.GetString("loglevel"))
	if err != nil {
		return err
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	imagePath := args[0]
	image, err := os.ReadFile(imagePath)
	if err != nil {
		return fmt.Errorf("example-target: read image: %w", err)
	}

	ramBytes := v.GetInt("ram") * 1024
	if ramBytes < len(image) {
		return fmt.Errorf("example-target: image (%d bytes) does not fit in %d bytes of RAM", len(image), ramBytes)
	}

	m := newMachine(ramBytes)
	m.load(image)
	m.reset()

	arch := gdbstub.ArchInfo{
		TargetXML: `<target version="1.0"><architecture>riscv:rv32</architecture></target>`,
		SMP:       1,
		RegNum:    regCount,
	}

	addr := v.GetString("listen")
	sugar.Infow("starting gdbstub", "addr", addr, "ram_bytes", ramBytes, "image", imagePath)

	eng, err := gdbstub.Init(m.ops(), arch, addr, gdbstub.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("example-target: init: %w", err)
	}
	defer eng.Close()

	sugar.Infow("debugger attached, serving", "addr", eng.Addr())
	eng.Run(nil)
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("example-target: invalid loglevel %q: %w", level, err)
	}
	return cfg.Build()
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
