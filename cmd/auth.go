package cmd

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the OAuth token used for the SDM API",
}

var authURLCmd = &cobra.Command{
	Use:     "url",
	Short:   "Print the consent page URL that starts authorization",
	PreRunE: checkAPIFlags,

	RunE: func(cmd *cobra.Command, args []string) error {
		session, err := newSession()
		if err != nil {
			return err
		}

		fmt.Println(session.AuthorizationURL(uuid.New().String()))
		return nil
	},
}

var authExchangeCmd = &cobra.Command{
	Use:     "exchange <redirect-url|code>",
	Short:   "Exchange the consent page redirect for a token",
	Args:    cobra.ExactArgs(1),
	PreRunE: checkAPIFlags,

	RunE: func(cmd *cobra.Command, args []string) error {
		session, err := newSession()
		if err != nil {
			return err
		}

		t, err := session.ExchangeCode(context.Background(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Authorized, access token valid until %s\n", t.Expiry)
		return nil
	},
}

var authRefreshCmd = &cobra.Command{
	Use:     "refresh",
	Short:   "Refresh the stored access token",
	PreRunE: checkAPIFlags,

	RunE: func(cmd *cobra.Command, args []string) error {
		session, err := newSession()
		if err != nil {
			return err
		}

		t, err := session.Refresh(context.Background())
		if err != nil {
			return err
		}

		fmt.Printf("Refreshed, access token valid until %s\n", t.Expiry)
		return nil
	},
}

func init() {
	authCmd.AddCommand(authURLCmd, authExchangeCmd, authRefreshCmd)
	rootCmd.AddCommand(authCmd)
}
