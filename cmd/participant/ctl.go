package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newCtlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ctl <method> <path>",
		Short: "Send an authenticated request to the coordinator and print the result",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			api, err := cfg.Client()
			if err != nil {
				return err
			}

			var body []byte
			if path, _ := cmd.Flags().GetString("data"); path != "" {
				if body, err = os.ReadFile(path); err != nil {
					return fmt.Errorf("read request body:\n%w", err)
				}
			}

			result, err := api.Do(cmd.Context(), strings.ToUpper(args[0]), args[1], body)
			if err != nil {
				return err
			}

			var out bytes.Buffer
			if err := json.Indent(&out, result, "", "  "); err != nil {
				out.Reset()
				out.Write(result)
			}

			out.WriteByte('\n')
			_, err = out.WriteTo(cmd.OutOrStdout())

			return err
		},
	}

	cmd.Flags().String("data", "", "File sent as the JSON request body")

	return cmd
}

func newHTTPAuthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "http-auth <method> <path>",
		Short: "Print the Authorization header for a request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			signer, err := cfg.Signer()
			if err != nil {
				return err
			}

			header, err := signer.Authorization(strings.ToUpper(args[0]), args[1])
			if err != nil {
				return err
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), header)

			return err
		},
	}
}
