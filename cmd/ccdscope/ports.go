package main

import (
	"fmt"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MrWong99/ccdscope/pkg/serial"
)

func newPortsCmd(root *rootOptions) *cobra.Command {
	var simulate bool
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "List serial ports and the one auto-detect would pick",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			slog.SetDefault(newLogger(slogLevel(cfg.LogLevel)))

			var d serial.Driver = serial.Hardware{BaudRate: cfg.Serial.BaudRate, ReadTimeout: cfg.Serial.ReadTimeout}
			if simulate || cfg.Serial.Simulate {
				d = &serial.Simulator{}
			}
			ports, err := d.Ports(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(ports) == 0 {
				fmt.Fprintln(out, "No ports found")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PORT\tDESCRIPTION\tVID:PID\tSERIAL")
			for _, p := range ports {
				ids := "-"
				if p.IsUSB {
					ids = p.VID + ":" + p.PID
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Name, dash(p.Description), ids, dash(p.SerialNumber))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if name, err := serial.SelectPort(ports); err == nil {
				fmt.Fprintf(out, "\nAuto-detect: %s\n", name)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&simulate, "simulate", false, "list the simulator instead of hardware ports")
	return cmd
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
