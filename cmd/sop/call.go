package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/artpar/sop/core/client"
	"github.com/artpar/sop/core/formatter"
)

var (
	callKwds    string
	callID      string
	callHeaders []string
)

var callCmd = &cobra.Command{
	Use:   "call <type> <method> [args-json]",
	Short: "Call a method on a running server",
	Long: `Call a class or instance method through the rpc endpoint of a running
server. Positional arguments are a JSON array, keyword arguments a JSON
object.

Examples:
  sop call Widget getAll
  sop call Widget getById '["1"]'
  sop call Widget create --kwds '{"name":"a"}'
  sop call Widget grow '[2]' --id 1
  sop call User me -H "Authorization: Bearer <token>"`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runCall,
}

func init() {
	rootCmd.AddCommand(callCmd)

	callCmd.Flags().StringVar(&callKwds, "kwds", "", "keyword arguments as a JSON object")
	callCmd.Flags().StringVar(&callID, "id", "", "call an instance method on this id")
	callCmd.Flags().StringArrayVarP(&callHeaders, "header", "H", nil, "extra request header (Name: value)")
}

func runCall(cmd *cobra.Command, args []string) error {
	f, err := formatter.Lookup(outputFormat)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var pos []any
	if len(args) == 3 {
		if err := decodeJSON(args[2], &pos); err != nil {
			return fmt.Errorf("args must be a JSON array: %w", err)
		}
	}
	var kwds map[string]any
	if callKwds != "" {
		if err := decodeJSON(callKwds, &kwds); err != nil {
			return fmt.Errorf("--kwds must be a JSON object: %w", err)
		}
	}

	root := client.NewRoot(client.NewTransport(client.Config{
		BaseURL: cfg.Client.BaseURL,
		Timeout: cfg.Client.Timeout,
	}), cfg.App.Prefix)
	for k, v := range cfg.Client.Headers {
		root.SetHeader(k, v)
	}
	for _, h := range callHeaders {
		k, v, ok := strings.Cut(h, ":")
		if !ok {
			return fmt.Errorf("header %q must be Name: value", h)
		}
		root.SetHeader(strings.TrimSpace(k), strings.TrimSpace(v))
	}

	proxy, err := client.NewTypeProxy(root, args[0])
	if err != nil {
		return err
	}
	var res any
	if callID != "" {
		res, err = proxy.Instance(callID).Call(cmd.Context(), args[1], pos, kwds)
	} else {
		res, err = proxy.Call(cmd.Context(), args[1], pos, kwds)
	}
	if err != nil {
		f.FormatError(cmd.ErrOrStderr(), err)
		return err
	}
	return formatter.Write(cmd.OutOrStdout(), f, formatter.View{Name: args[0]}, res, formatter.FormatOptions{})
}

func decodeJSON(s string, v any) error {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	return dec.Decode(v)
}
