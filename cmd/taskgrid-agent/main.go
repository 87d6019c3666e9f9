package main

import (
    "os"

    "github.com/spf13/cobra"
)

func main() {
    var opts Options
    root := &cobra.Command{
        Use:           "taskgrid-agent",
        Short:         "Compute agent maintaining a persistent coordinator session",
        SilenceUsage:  true,
        SilenceErrors: true,
        RunE: func(cmd *cobra.Command, args []string) error {
            os.Exit(run(opts))
            return nil
        },
    }
    root.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "Path to YAML config file")
    root.Flags().BoolVar(&opts.ListenMode, "listen", false, "Serve the HTTP ingress instead of dialing the coordinator")
    if err := root.Execute(); err != nil {
        _, _ = os.Stderr.WriteString(err.Error() + "\n")
        os.Exit(1)
    }
}
