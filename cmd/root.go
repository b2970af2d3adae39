package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/yamiyamiorg/CookieProfile/cookieprofile"
)

var (
	cfg        = cookieprofile.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "cookieprofile [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", cookieprofile.DefaultDatabase)
	viper.SetDefault("database_type", cookieprofile.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		cookieprofile.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		cookieprofile.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", cookieprofile.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", cookieprofile.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", cookieprofile.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault(
		"discord.log_level",
		cookieprofile.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		cookieprofile.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		int(cookieprofile.DefaultDiscordGatewayIntents),
	)

	// Rate limit windows
	viper.SetDefault("rate_limit.modal_save", cookieprofile.DefaultModalSaveWindow)
	viper.SetDefault("rate_limit.state_change", cookieprofile.DefaultStateChangeWindow)
	viper.SetDefault("rate_limit.post_confirm", cookieprofile.DefaultPostConfirmWindow)
	viper.SetDefault("rate_limit.post", cookieprofile.DefaultPostWindow)
	viper.SetDefault("rate_limit.panel_bump", cookieprofile.DefaultPanelBumpWindow)

	// Autopost config
	viper.SetDefault(
		"autopost.global_cooldown",
		cookieprofile.DefaultAutopostGlobalCooldown,
	)
	viper.SetDefault(
		"autopost.channel_cooldown",
		cookieprofile.DefaultAutopostChannelCooldown,
	)
	viper.SetDefault("autopost.delay", cookieprofile.DefaultAutopostDelay)

	// Scheduled delete worker
	viper.SetDefault(
		"scheduled_delete.poll_interval",
		cookieprofile.DefaultDeletePollInterval,
	)
	viper.SetDefault(
		"scheduled_delete.batch_size",
		cookieprofile.DefaultDeleteBatchSize,
	)
	viper.SetDefault(
		"scheduled_delete.max_attempts",
		cookieprofile.DefaultDeleteMaxAttempts,
	)
	viper.SetDefault(
		"scheduled_delete.max_deletes_per_second",
		cookieprofile.DefaultMaxDeletesPerSecond,
	)
	viper.SetDefault(
		"scheduled_delete.transient_message_ttl",
		cookieprofile.DefaultTransientMessageTTL,
	)

	// Profile config
	defaultStates := cookieprofile.DefaultStateSet()
	states := make([]string, 0, len(defaultStates.States))
	for _, s := range defaultStates.States {
		states = append(states, s.String())
	}
	viper.SetDefault("profile.states", states)
	viper.SetDefault("profile.default_state", defaultStates.Default.String())
	limits := cookieprofile.DefaultFieldLimits()
	viper.SetDefault("profile.field_limits.name", limits.Name)
	viper.SetDefault("profile.field_limits.condition", limits.Condition)
	viper.SetDefault("profile.field_limits.hobby", limits.Hobby)
	viper.SetDefault("profile.field_limits.care", limits.Care)
	viper.SetDefault("profile.field_limits.one", limits.One)

	// Status API
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", cookieprofile.DefaultAPIListen)
	viper.SetDefault("api.log_level", cookieprofile.DefaultAPILogLevel.String())

	envPrefix := os.Getenv(cookieprofile.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = cookieprofile.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	viper.Set(
		"profile.states",
		viper.GetStringSlice("profile.states"),
	)

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"api.log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(strings.ToUpper(lvl)))
	return level, err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
