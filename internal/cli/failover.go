package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/FairForge/bastion/internal/config"
)

func newFailoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "failover",
		Short: "Inspect and trigger failover",
	}
	cmd.AddCommand(newFailoverStatusCmd())
	cmd.AddCommand(newFailoverTriggerCmd())
	cmd.AddCommand(newFailoverPromoteCmd())
	return cmd
}

// adminGet queries the running daemon's admin surface. Failover state lives
// in the daemon; these commands have no offline mode.
func adminGet(path string, out any) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get("http://" + hostport(cfg.Server.Addr) + path)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s (is bastion serve running?): %w", cfg.Server.Addr, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon answered %d for %s", resp.StatusCode, path)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func hostport(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "127.0.0.1" + addr
	}
	return addr
}

func newFailoverStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show both failover state machines",
		RunE: func(cmd *cobra.Command, args []string) error {
			var status json.RawMessage
			if err := adminGet("/v1/failover/status", &status); err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(status)
		},
	}
}

// adminPost issues one of the daemon's operator mutations.
func adminPost(path string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post("http://"+hostport(cfg.Server.Addr)+path, "application/json", nil)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", cfg.Server.Addr, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body := struct {
			Error string `json:"error"`
		}{}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return fmt.Errorf("refused: %s", body.Error)
	}
	return nil
}

func newFailoverTriggerCmd() *cobra.Command {
	var manual bool
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Request a manual deployment failover",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !manual {
				return fmt.Errorf("automatic failover runs in the daemon; pass --manual to force a switch")
			}
			if err := adminPost("/v1/failover/trigger"); err != nil {
				return err
			}
			fmt.Println("failover complete")
			return nil
		},
	}
	cmd.Flags().BoolVar(&manual, "manual", false, "confirm the manual switch")
	return cmd
}

func newFailoverPromoteCmd() *cobra.Command {
	var manual bool
	cmd := &cobra.Command{
		Use:   "promote",
		Short: "Promote the database replica to primary",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !manual {
				return fmt.Errorf("promotion is irreversible; pass --manual to confirm")
			}
			if err := adminPost("/v1/database/promote"); err != nil {
				return err
			}
			fmt.Println("replica promoted")
			return nil
		},
	}
	cmd.Flags().BoolVar(&manual, "manual", false, "confirm the promotion")
	return cmd
}

func newSchedulerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Inspect the scheduler",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the schedule table",
		RunE: func(cmd *cobra.Command, args []string) error {
			var status json.RawMessage
			if err := adminGet("/v1/scheduler/status", &status); err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(status)
		},
	})
	return cmd
}
