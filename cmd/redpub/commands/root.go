package commands

import (
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/howeyc/gopass"
	"github.com/joho/godotenv"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgDir  string
	askPass bool
	log     = logrus.New()
)

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "redpub",
	Short: "Redis publish/subscribe client",
	Long: `redpub publishes to and subscribes to redis channels.

The demo, publish and subscribe commands exercise a redis instance directly,
and relay bridges websockets onto redis channels.`,
	SilenceErrors:     true,
	SilenceUsage:      true,
	DisableAutoGenTag: true,
	PersistentPreRunE: setupLog,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := RootCmd.PersistentFlags()
	pf.StringVar(&cfgDir, "config", "", "config directory (default is $HOME/.config/redpub)")
	pf.String("host", "127.0.0.1", "host of the redis instance")
	viper.BindPFlag("redis.host", pf.Lookup("host"))
	pf.IntP("port", "p", 6379, "port of the redis instance")
	viper.BindPFlag("redis.port", pf.Lookup("port"))
	pf.String("user", "", "user to authenticate as (redis 6 ACLs)")
	viper.BindPFlag("redis.user", pf.Lookup("user"))
	pf.String("password", "", "password to authenticate with")
	viper.BindPFlag("redis.password", pf.Lookup("password"))
	pf.BoolVar(&askPass, "ask-pass", false, "prompt for the password")
	pf.Int("db", 0, "database to select")
	viper.BindPFlag("redis.db", pf.Lookup("db"))
	pf.Bool("tls", false, "connect over TLS")
	viper.BindPFlag("redis.tls", pf.Lookup("tls"))
	pf.Bool("persistent", false, "reconnect and resubscribe when the subscription connection fails")
	viper.BindPFlag("redis.persistent", pf.Lookup("persistent"))
	pf.Duration("connect-timeout", defaultConnectTimeout, "how long connecting may take")
	viper.BindPFlag("redis.connectTimeout", pf.Lookup("connect-timeout"))
	pf.String("log-level", "warn", "one of debug, info, warn, error")
	viper.BindPFlag("log.level", pf.Lookup("log-level"))

	viper.SetDefault("redis.maxChannels", 100)
}

// initConfig reads in the config file, .env and ENV variables if set.
func initConfig() {
	if cfgDir == "" {
		home, err := homedir.Dir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfgDir = path.Join(home, ".config", "redpub")
	}

	if err := loadDotEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading .env: %s\n", err)
		os.Exit(1)
	}

	viper.SetEnvPrefix("redpub")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.AddConfigPath(cfgDir)
	viper.SetConfigName("redpub")

	// The config file is optional, flags and the environment are enough.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error loading config file: %s\n", err)
			os.Exit(1)
		}
	}
}

// loadDotEnv loads environment variables from path. Missing files are ignored.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func setupLog(cmd *cobra.Command, args []string) error {
	log.Out = os.Stderr
	log.Formatter = new(logrus.TextFormatter)
	level, err := logrus.ParseLevel(viper.GetString("log.level"))
	if err != nil {
		return errors.Wrap(err, "log-level")
	}
	log.Level = level
	return nil
}

// loadSettings reads the settings from viper, prompting for the password if
// --ask-pass was given.
func loadSettings() (settings, error) {
	s, err := settingsFrom(viper.GetViper())
	if err != nil {
		return s, err
	}
	if askPass {
		fmt.Fprint(os.Stderr, "Password: ")
		pass, err := gopass.GetPasswd()
		if err != nil {
			return s, errors.Wrap(err, "reading password")
		}
		s.Redis.Password = string(pass)
	}
	return s, nil
}
