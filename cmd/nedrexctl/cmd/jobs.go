package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/repotrial/nedrexapi-v2d/internal/client"
)

func submitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <jobType> [request.json]",
		Short: "Submit a job and print its uid",
		Long: `Submit a job request. The JSON body is read from the file argument,
or from stdin when it is missing or "-". BiCoN jobs take an expression file
through --expression instead.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(cmd)
			jobType := args[0]

			var (
				uid uuid.UUID
				err error
			)
			if jobType == "bicon" {
				uid, err = submitBicon(cmd, c)
			} else {
				var request json.RawMessage
				request, err = readRequest(cmd, args[1:])
				if err != nil {
					return err
				}
				uid, err = c.Submit(cmd.Context(), jobType, request)
			}
			if err != nil {
				return err
			}

			wait, _ := cmd.Flags().GetBool("wait")
			if !wait {
				fmt.Fprintln(cmd.OutOrStdout(), uid)
				return nil
			}
			family, _ := cmd.Flags().GetString("family")
			if family == "" {
				family = jobType
			}
			record, err := c.Wait(cmd.Context(), family, uid)
			if record != nil {
				if perr := printJSON(cmd.OutOrStdout(), record); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	cmd.Flags().Bool("wait", false, "Wait for the job to finish and print its record")
	cmd.Flags().String("family", "", "Status route family when waiting, e.g. validation")
	cmd.Flags().String("expression", "", "BiCoN expression file")
	cmd.Flags().Int("lg-min", 0, "BiCoN lg_min (server default when 0)")
	cmd.Flags().Int("lg-max", 0, "BiCoN lg_max (server default when 0)")
	cmd.Flags().String("network", "", "BiCoN network (server default when empty)")
	return cmd
}

func readRequest(cmd *cobra.Command, args []string) (json.RawMessage, error) {
	var r io.Reader = cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read request: %w", err)
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("request is not valid JSON")
	}
	return raw, nil
}

func submitBicon(cmd *cobra.Command, c *client.HTTPClient) (uuid.UUID, error) {
	flags := cmd.Flags()
	path, _ := flags.GetString("expression")
	if path == "" {
		return uuid.Nil, fmt.Errorf("--expression is required for BiCoN jobs")
	}
	f, err := os.Open(path)
	if err != nil {
		return uuid.Nil, err
	}
	defer f.Close()

	lgMin, _ := flags.GetInt("lg-min")
	lgMax, _ := flags.GetInt("lg-max")
	network, _ := flags.GetString("network")
	return c.SubmitBicon(cmd.Context(), f, client.BiconRequest{
		Filename: filepath.Base(path),
		LgMin:    lgMin,
		LgMax:    lgMax,
		Network:  network,
	})
}

func parseJobArgs(args []string) (string, uuid.UUID, error) {
	uid, err := uuid.Parse(args[1])
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("invalid uid %q: %w", args[1], err)
	}
	return args[0], uid, nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <family> <uid>",
		Short: "Print the record of a job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			family, uid, err := parseJobArgs(args)
			if err != nil {
				return err
			}
			record, err := newClient(cmd).Status(cmd.Context(), family, uid)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), record)
		},
	}
}

func waitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wait <family> <uid>",
		Short: "Wait for a job to finish and print its record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			family, uid, err := parseJobArgs(args)
			if err != nil {
				return err
			}
			record, err := newClient(cmd).Wait(cmd.Context(), family, uid)
			if record != nil {
				if perr := printJSON(cmd.OutOrStdout(), record); perr != nil {
					return perr
				}
			}
			return err
		},
	}
}

func downloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download <family> <uid>",
		Short: "Download the result file of a completed job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			family, uid, err := parseJobArgs(args)
			if err != nil {
				return err
			}
			path := "/" + family + "/download"
			if clustermap, _ := cmd.Flags().GetBool("clustermap"); clustermap {
				path = "/bicon/clustermap"
			}

			out := cmd.OutOrStdout()
			if name, _ := cmd.Flags().GetString("output"); name != "" && name != "-" {
				f, err := os.Create(name)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			return newClient(cmd).Download(cmd.Context(), path, uid, out)
		},
	}
	cmd.Flags().StringP("output", "o", "", "Write to this file instead of stdout")
	cmd.Flags().Bool("clustermap", false, "Download the clustermap image of a BiCoN job")
	return cmd
}

func resubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resubmit <family> <uid>",
		Short: "Rerun a finished job (admin key required)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			family, uid, err := parseJobArgs(args)
			if err != nil {
				return err
			}
			wait, _ := cmd.Flags().GetBool("server-wait")
			got, err := newClient(cmd).Resubmit(cmd.Context(), family, uid, wait)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), got)
			return nil
		},
	}
	cmd.Flags().Bool("server-wait", false, "Have the server log when the rerun finishes")
	return cmd
}
