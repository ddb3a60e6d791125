package cmds

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/whiteboard/tmon/config"
	"github.com/whiteboard/tmon/log"
	"github.com/whiteboard/tmon/tracee"
)

const tmonCommandLongDesc = `tmon is a minimal monitor for native Linux x86-64 programs.

It launches the program under ptrace, stops at the function, and then single-steps
the function while reporting the source line changes.

The program should be built with the debug info (-g) to see the source locations.`

var (
	// configPath is the path to the config file.
	configPath string
	// logLevel is one of trace, debug, error and none.
	logLevel string

	breakFunction string
	breakpointID  int
	printInsts    bool

	conf *config.Config
)

// New returns an initialized command tree.
func New() *cobra.Command {
	rootCommand := &cobra.Command{
		Use:           "tmon",
		Short:         "tmon is a minimal process monitor.",
		Long:          tmonCommandLongDesc,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd.Flags())
		},
	}
	rootCommand.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Path to the config file.")
	rootCommand.PersistentFlags().StringVar(&logLevel, "log-level", "none", "Log level: trace, debug, error or none.")

	runCommand := &cobra.Command{
		Use:   "run <executable> [args...]",
		Short: "Run the program and report the source locations executed in the function.",
		Long: `Run the program under the monitor.

The program stops at the beginning of the function specified by --break. The function is
then executed instruction by instruction until it returns, and the source location is
reported each time it changes. The rest of the program runs without stepping.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(cmd.ErrOrStderr())
			m := monitor{
				out:          cmd.OutOrStdout(),
				function:     breakFunction,
				breakpointID: breakpointID,
				printInsts:   printInsts,
				substitute:   conf.SubstitutePath.Substitute,
				logger:       logger,
			}
			return m.run(args[0], args[1:])
		},
	}
	addRunFlags(runCommand.Flags())
	runCommand.Flags().SetInterspersed(false)
	rootCommand.AddCommand(runCommand)

	functionsCommand := &cobra.Command{
		Use:   "functions <executable>",
		Short: "List the functions and their file offsets.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			binary, err := tracee.NewBinary(args[0], newLogger(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			return printFunctions(cmd.OutOrStdout(), binary.Functions())
		},
	}
	rootCommand.AddCommand(functionsCommand)

	linesCommand := &cobra.Command{
		Use:   "lines <executable>",
		Short: "Dump the line table, keyed by file offsets.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			binary, err := tracee.NewBinary(args[0], newLogger(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			return printLines(cmd.OutOrStdout(), binary.Lines(), conf.SubstitutePath.Substitute)
		},
	}
	rootCommand.AddCommand(linesCommand)

	mapsCommand := &cobra.Command{
		Use:   "maps <pid>",
		Short: "Print the memory mappings of the process.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid pid: %v", err)
			}

			var maps tracee.MemoryMaps
			if err := maps.Load(pid); err != nil {
				return err
			}
			if path, err := tracee.FindProgramPath(pid); err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", path)
			}
			for _, mapping := range maps.Mappings() {
				fmt.Fprintln(cmd.OutOrStdout(), mapping)
			}
			return nil
		},
	}
	rootCommand.AddCommand(mapsCommand)

	return rootCommand
}

func addRunFlags(flags *pflag.FlagSet) {
	flags.StringVar(&breakFunction, "break", "main", "The function to stop at and step through.")
	flags.IntVar(&breakpointID, "id", 77, "The id of the breakpoint.")
	flags.BoolVar(&printInsts, "step", false, "Print every instruction executed in the function.")
}

// loadConfig reads the config file. The flags given explicitly override the config.
func loadConfig(flags *pflag.FlagSet) error {
	var err error
	conf, err = config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	if !flags.Changed("log-level") {
		logLevel = conf.LogLevel
	}
	if f := flags.Lookup("break"); f != nil && !f.Changed && conf.BreakFunction != "" {
		breakFunction = conf.BreakFunction
	}

	if _, err := log.ParseLevel(logLevel); err != nil {
		return err
	}
	return nil
}

func newLogger(out io.Writer) *log.Logger {
	// validated in loadConfig
	level, _ := log.ParseLevel(logLevel)
	return log.New(level, out)
}

func printFunctions(out io.Writer, functions []tracee.Function) error {
	w := tabwriter.NewWriter(out, 0, 8, 1, ' ', 0)
	for _, function := range functions {
		fmt.Fprintf(w, "%#08x\t%s\n", function.Offset, function.Name)
	}
	return w.Flush()
}

func printLines(out io.Writer, lines []tracee.LineInfo, substitute func(string) string) error {
	w := tabwriter.NewWriter(out, 0, 8, 1, ' ', 0)
	for _, line := range lines {
		location := tracee.SourceLocation{File: substitute(line.Location.File), Line: line.Location.Line}
		fmt.Fprintf(w, "%#08x\t%#08x\t%v\n", line.Start, line.End, location)
	}
	return w.Flush()
}
