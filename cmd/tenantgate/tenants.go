package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/coachpo/tenantgate/internal/domain/tenant"
	"github.com/coachpo/tenantgate/internal/infra/config"
)

func newTenantsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenants",
		Short: "Inspect the configured tenant catalog",
	}
	cmd.AddCommand(newTenantsListCommand(opts), newTenantsResolveCommand(opts))
	return cmd
}

type tenantListing struct {
	DefaultTenant string           `json:"defaultTenant"`
	Tenants       []tenantRow      `json:"tenants"`
	Skipped       []config.Skipped `json:"skipped,omitempty"`
}

type tenantRow struct {
	Identifier       string `json:"identifier"`
	DisplayName      string `json:"displayName"`
	Active           bool   `json:"active"`
	Security         string `json:"security"`
	ConnectionString string `json:"connectionString"`
}

func newTenantsListCommand(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List resolved tenants with redacted connection strings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			gw, err := bootstrap(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer func() { _ = gw.logger.Sync() }()

			listing := tenantListing{DefaultTenant: gw.manager.DefaultTenant(), Skipped: gw.skipped}
			for _, cfg := range gw.manager.Tenants() {
				listing.Tenants = append(listing.Tenants, toRow(cfg))
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), listing)
			}
			return writeTenantTable(cmd.OutOrStdout(), listing)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON instead of a table")
	return cmd
}

func newTenantsResolveCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <id>",
		Short: "Show which tenant serves an identifier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gw, err := bootstrap(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer func() { _ = gw.logger.Sync() }()

			res, err := gw.manager.Resolve(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "requested: %s\n", res.Requested)
			_, _ = fmt.Fprintf(out, "tenant:    %s (%s)\n", res.Tenant.Identifier, res.Tenant.DisplayName)
			_, _ = fmt.Fprintf(out, "fallback:  %t\n", res.Fallback)
			_, _ = fmt.Fprintf(out, "security:  %s\n", securityName(res.Tenant.Security))
			return nil
		},
	}
}

func toRow(cfg tenant.Config) tenantRow {
	return tenantRow{
		Identifier:       cfg.Identifier,
		DisplayName:      cfg.DisplayName,
		Active:           cfg.Active,
		Security:         securityName(cfg.Security),
		ConnectionString: tenant.RedactDSN(cfg.ConnectionString),
	}
}

func securityName(mode tenant.SecurityMode) string {
	if mode == "" {
		return string(tenant.SecurityDefault)
	}
	return string(mode)
}

func writeTenantTable(w io.Writer, listing tenantListing) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "IDENTIFIER\tNAME\tACTIVE\tSECURITY\tCONNECTION\tDEFAULT")
	for _, row := range listing.Tenants {
		marker := ""
		if row.Identifier == listing.DefaultTenant {
			marker = "*"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\t%s\n",
			row.Identifier, row.DisplayName, row.Active, row.Security, row.ConnectionString, marker)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, skip := range listing.Skipped {
		_, _ = fmt.Fprintf(w, "skipped %s: %s\n", skip.Identifier, skip.Reason)
	}
	return nil
}

func writeJSON(w io.Writer, payload any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}
