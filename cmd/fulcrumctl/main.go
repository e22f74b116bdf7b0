// Command fulcrumctl is the operator console for the fulcrum registry:
// environment inspection backed by the document store, and shutdown
// intent control against a running registry's admin API. Built with
// cobra the way the pack's own CLI tool structures subcommands, since the
// teacher never shipped a console of its own.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/galeforge/fulcrum-registry/internal/docstore"
	"github.com/galeforge/fulcrum-registry/internal/model"
)

// argumentError marks a usage problem (bad flag combination, missing id)
// distinct from a command that ran but failed, per the registry's exit
// code contract: 0 success, 1 unknown subcommand or runtime failure, 2
// argument error.
type argumentError struct{ msg string }

func (e *argumentError) Error() string { return e.msg }

func argErrf(format string, args ...interface{}) error {
	return &argumentError{msg: fmt.Sprintf(format, args...)}
}

var (
	docstoreHost  string
	docstoreToken string
	adminAddr     string
)

func main() {
	root := &cobra.Command{Use: "fulcrumctl", Short: "operator console for the fulcrum registry"}
	root.PersistentFlags().StringVar(&docstoreHost, "docstore-host", "documents.internal", "document store host")
	root.PersistentFlags().StringVar(&docstoreToken, "docstore-token", "", "document store bearer token")
	root.PersistentFlags().StringVar(&adminAddr, "admin-addr", "http://127.0.0.1:8089", "registry admin API base URL")

	root.AddCommand(newEnvironmentCmd())
	root.AddCommand(newShutdownCmd())
	root.SilenceUsage = true
	root.SilenceErrors = true

	_, err := root.ExecuteC()
	if err == nil {
		os.Exit(0)
	}

	fmt.Fprintln(os.Stderr, err)
	var argErr *argumentError
	if errors.As(err, &argErr) {
		os.Exit(2)
	}
	if strings.Contains(err.Error(), "unknown command") {
		os.Exit(1)
	}
	os.Exit(1)
}

func docstoreClient() *docstore.Client {
	return docstore.NewClient(docstoreToken, docstoreHost)
}

func newEnvironmentCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "environment", Short: "inspect network environments"}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "list every known network environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			envs, err := docstoreClient().ListEnvironments(cmd.Context())
			if err != nil {
				return err
			}
			for _, e := range envs {
				fmt.Printf("%s\t%s\t%d-%d players\n", e.ID, e.Tag, e.MinPlayers, e.MaxPlayers)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "show one network environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return argErrf("show requires exactly one environment id")
			}
			env, err := docstoreClient().GetEnvironment(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(env)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "refresh <id>",
		Short: "force a re-fetch of one network environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return argErrf("refresh requires exactly one environment id")
			}
			env, err := docstoreClient().RefreshEnvironment(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(env)
		},
	})

	return cmd
}

var (
	shutdownTargets   []string
	shutdownCountdown int
	shutdownReason    string
	shutdownFallback  string
	shutdownForce     bool
	shutdownOperator  string
)

func newShutdownCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "shutdown", Short: "control fleet-wide shutdown intents"}

	create := &cobra.Command{
		Use:   "create",
		Short: "create a shutdown intent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(shutdownTargets) == 0 {
				return argErrf("create requires at least one --target serviceId:type")
			}
			targets := make([]model.ShutdownTarget, 0, len(shutdownTargets))
			for _, raw := range shutdownTargets {
				serviceID, typ, ok := strings.Cut(raw, ":")
				if !ok || (typ != string(model.TargetBackend) && typ != string(model.TargetProxy)) {
					return argErrf("invalid --target %q, expected serviceId:BACKEND or serviceId:PROXY", raw)
				}
				targets = append(targets, model.ShutdownTarget{ServiceID: serviceID, Type: model.TargetType(typ)})
			}
			if shutdownCountdown <= 0 {
				return argErrf("--countdown must be a positive number of seconds")
			}

			body, _ := json.Marshal(map[string]interface{}{
				"targets": targets, "countdownSeconds": shutdownCountdown,
				"reason": shutdownReason, "fallbackFamily": shutdownFallback, "force": shutdownForce,
			})
			res, err := http.Post(adminAddr+"/admin/shutdown", "application/json", bytes.NewReader(body))
			if err != nil {
				return err
			}
			defer res.Body.Close()
			if res.StatusCode >= 300 {
				return fmt.Errorf("registry returned status %d", res.StatusCode)
			}
			var intent model.ShutdownIntent
			if err := json.NewDecoder(res.Body).Decode(&intent); err != nil {
				return err
			}
			fmt.Println(intent.ID)
			return nil
		},
	}
	create.Flags().StringArrayVar(&shutdownTargets, "target", nil, "serviceId:BACKEND or serviceId:PROXY, repeatable")
	create.Flags().IntVar(&shutdownCountdown, "countdown", 0, "countdown in seconds before shutdown")
	create.Flags().StringVar(&shutdownReason, "reason", "", "operator-supplied reason")
	create.Flags().StringVar(&shutdownFallback, "fallback-family", "", "family fallback ticket for evacuated players")
	create.Flags().BoolVar(&shutdownForce, "force", false, "force-clear blocked/recent slot history for evacuated players")

	cancel := &cobra.Command{
		Use:   "cancel <id>",
		Short: "cancel a shutdown intent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return argErrf("cancel requires exactly one intent id")
			}
			body, _ := json.Marshal(map[string]string{"operator": shutdownOperator})
			res, err := http.Post(adminAddr+"/admin/shutdown/"+args[0]+"/cancel", "application/json", bytes.NewReader(body))
			if err != nil {
				return err
			}
			defer res.Body.Close()
			if res.StatusCode >= 300 {
				return fmt.Errorf("registry returned status %d", res.StatusCode)
			}
			return nil
		},
	}
	cancel.Flags().StringVar(&shutdownOperator, "operator", "", "operator performing the cancellation")

	cmd.AddCommand(create, cancel)
	return cmd
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
