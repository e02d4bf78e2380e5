package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jake-scott/nest-sdm/internal/pkg/logging"
	"github.com/jake-scott/nest-sdm/internal/pkg/sdmapi"
	"github.com/jake-scott/nest-sdm/internal/pkg/sdmauth"
)

var _rootCmdOpts struct {
	cfgFile          string
	debug            bool
	sdmProjectID     string
	clientID         string
	clientSecret     string
	redirectURL      string
	tokenFile        string
	googleapiTimeout time.Duration
}

var rootCmd = &cobra.Command{
	Use:          "nest-sdm",
	Short:        "Google Smart Device Management client",
	SilenceUsage: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _rootCmdOpts.debug {
			logrus.SetLevel(logrus.DebugLevel)
		}

		return logging.Configure(viper.GetViper())
	},
}

// Execute runs the command selected on the command line
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	viper.SetDefault("google.oauth.token-file", "~/.nest-sdm-token.json")
	viper.SetDefault("google.oauth.redirect-url", "https://www.google.com")

	rootCmd.PersistentFlags().StringVar(&_rootCmdOpts.cfgFile, "config", "", "config file (default is $HOME/.nest-sdm.yaml)")
	rootCmd.PersistentFlags().BoolVar(&_rootCmdOpts.debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&_rootCmdOpts.sdmProjectID, "sdm-project", "", "Google Smart Device project ID from Device Access console")
	rootCmd.PersistentFlags().StringVar(&_rootCmdOpts.clientID, "client-id", "", "Google OAuth client ID")
	rootCmd.PersistentFlags().StringVar(&_rootCmdOpts.clientSecret, "client-secret", "", "Google OAuth client secret")
	rootCmd.PersistentFlags().StringVar(&_rootCmdOpts.redirectURL, "redirect-url", "", "OAuth redirect URL registered for the client")
	rootCmd.PersistentFlags().StringVar(&_rootCmdOpts.tokenFile, "token-file", "", "file the OAuth token is kept in")
	rootCmd.PersistentFlags().DurationVar(&_rootCmdOpts.googleapiTimeout, "googleapi-timeout", time.Second*15, "maximum duration of a Google API call, eg. 1m or 10s")

	errPanic(viper.GetViper().BindPFlag("google.device-access.project", rootCmd.PersistentFlags().Lookup("sdm-project")))
	errPanic(viper.GetViper().BindPFlag("google.oauth.client-id", rootCmd.PersistentFlags().Lookup("client-id")))
	errPanic(viper.GetViper().BindPFlag("google.oauth.client-secret", rootCmd.PersistentFlags().Lookup("client-secret")))
	errPanic(viper.GetViper().BindPFlag("google.oauth.redirect-url", rootCmd.PersistentFlags().Lookup("redirect-url")))
	errPanic(viper.GetViper().BindPFlag("google.oauth.token-file", rootCmd.PersistentFlags().Lookup("token-file")))
	errPanic(viper.GetViper().BindPFlag("google.device-access.api-timeout", rootCmd.PersistentFlags().Lookup("googleapi-timeout")))
}

func initConfig() {
	if _rootCmdOpts.cfgFile != "" {
		viper.SetConfigFile(_rootCmdOpts.cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		viper.AddConfigPath(home)
		viper.SetConfigName(".nest-sdm")
	}

	viper.SetEnvPrefix("NEST_SDM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		logging.Logger(nil).Debugf("Using config file: %s", viper.ConfigFileUsed())
	}
}

func errPanic(err error) {
	if err != nil {
		panic(err)
	}
}

func checkRequiredFlags(needFlags ...string) error {
	missingFlags := []string{}

	for _, f := range needFlags {
		if !viper.IsSet(f) {
			missingFlags = append(missingFlags, f)
		}
	}

	if len(missingFlags) > 0 {
		itemPlural := "item"
		if len(missingFlags) > 1 {
			itemPlural = "items"
		}
		return fmt.Errorf("required config %s `%s` not set", itemPlural, strings.Join(missingFlags, "`, `"))
	}

	return nil
}

// checkAPIFlags is the PreRunE of every command that talks to the SDM API
func checkAPIFlags(cmd *cobra.Command, args []string) error {
	return checkRequiredFlags("google.device-access.project", "google.oauth.client-id", "google.oauth.client-secret")
}

func newSession() (*sdmauth.Session, error) {
	store, err := sdmauth.NewFileStore(viper.GetString("google.oauth.token-file"))
	if err != nil {
		return nil, err
	}

	cfg := sdmauth.Config{
		ProjectID:    viper.GetString("google.device-access.project"),
		ClientID:     viper.GetString("google.oauth.client-id"),
		ClientSecret: viper.GetString("google.oauth.client-secret"),
		RedirectURL:  viper.GetString("google.oauth.redirect-url"),
	}

	session, err := sdmauth.NewSession(cfg, store)
	if err != nil {
		return nil, err
	}

	return session.WithTokenUpdater(func(t *sdmauth.Token) {
		logging.Logger(nil).Infof("OAuth token updated in %s, expires %s", store.FileName(), t.Expiry)
	}), nil
}

func newClient() (*sdmapi.Client, error) {
	session, err := newSession()
	if err != nil {
		return nil, err
	}

	return sdmapi.NewClient(viper.GetString("google.device-access.project"), session).
		WithTimeout(viper.GetDuration("google.device-access.api-timeout")), nil
}
