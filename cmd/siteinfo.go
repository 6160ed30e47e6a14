package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/aardwiki/internal/siteinfo"
)

// newSiteInfoCmd creates the 'siteinfo' subcommand.
func newSiteInfoCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "siteinfo",
		Short: "Fetches and caches the siteinfo of the wiki",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			cfg := e.cfg
			fetcher := siteinfo.NewFetcher(siteinfo.Config{
				BaseURL:   cfg.SiteInfo.BaseURL,
				UserAgent: cfg.SiteInfo.UserAgent,
				Timeout:   time.Duration(cfg.SiteInfo.TimeoutSeconds) * time.Second,
			})
			e.logger.Info("fetching siteinfo", zap.String("url", fetcher.URL(cfg.Wiki.Lang)))
			info, err := fetcher.Fetch(cmd.Context(), cfg.Wiki.Lang)
			if err != nil {
				return fmt.Errorf("fetch siteinfo: %w", err)
			}
			path, err := siteinfo.Save(cfg.Wiki.DataDir, cfg.Wiki.Lang, info)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s (%s) saved to %s\n",
				info.General.SiteName, info.General.Lang, path)
			return nil
		},
	}
	cmd.Flags().String("base-url", "", `wiki root, "%s" is replaced by the language`)
	cmd.Flags().String("user-agent", "", "HTTP user agent")
	bindFlags(v, cmd.Flags(), map[string]string{
		"siteinfo.base_url":   "base-url",
		"siteinfo.user_agent": "user-agent",
	})
	return cmd
}
