package config

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type Config struct {
	ServerPort    string `mapstructure:"server_port"`
	ServerTimeout int    `mapstructure:"server_timeout"`

	AnalysisBaseUrl               string `mapstructure:"analysis_base_url"               validate:"required"`
	AnalysisAPIKey                string `mapstructure:"analysis_api_key"`
	AnalysisModel                 string `mapstructure:"analysis_model"                  validate:"required"`
	AnalysisTimeout               int    `mapstructure:"analysis_timeout"`
	AnalysisRetryMaxAttempts      uint   `mapstructure:"analysis_retry_max_attempts"`
	AnalysisRetryMinBackoff       int    `mapstructure:"analysis_retry_min_backoff"`
	AnalysisRetryMaxBackoff       int    `mapstructure:"analysis_retry_max_backoff"`
	AnalysisIntervalCB            uint32 `mapstructure:"analysis_interval_cb"`
	AnalysisConsecutiveFailuresCB uint32 `mapstructure:"analysis_consecutive_failures_cb"`

	PostgresHost            string `mapstructure:"postgres_host"              validate:"required"`
	PostgresUsername        string `mapstructure:"postgres_username"          validate:"required"`
	PostgresPassword        string `mapstructure:"postgres_password"          validate:"required"`
	PostgresPort            string `mapstructure:"postgres_port"              validate:"required"`
	PostgresDatabase        string `mapstructure:"postgres_database"          validate:"required"`
	DBIntervalCB            uint32 `mapstructure:"db_interval_cb"`
	DBConsecutiveFailuresCB uint32 `mapstructure:"db_consecutive_failures_cb"`

	TelephonyBaseUrl               string `mapstructure:"telephony_base_url"                validate:"required"`
	TelephonyAPIKey                string `mapstructure:"telephony_api_key"                 validate:"required"`
	TelephonyTimeout               int    `mapstructure:"telephony_timeout"`
	TelephonyRetryMaxAttempts      uint   `mapstructure:"telephony_retry_max_attempts"`
	TelephonyRetryMinBackoff       int    `mapstructure:"telephony_retry_min_backoff"`
	TelephonyRetryMaxBackoff       int    `mapstructure:"telephony_retry_max_backoff"`
	TelephonyIntervalCB            uint32 `mapstructure:"telephony_interval_cb"`
	TelephonyConsecutiveFailuresCB uint32 `mapstructure:"telephony_consecutive_failures_cb"`

	SMSBaseUrl            string `mapstructure:"sms_base_url"             validate:"required"`
	SMSAPIKey             string `mapstructure:"sms_api_key"              validate:"required"`
	SMSMessagingProfileID string `mapstructure:"sms_messaging_profile_id" validate:"required"`

	WispPhone         string `mapstructure:"wisp_phone" validate:"required"`
	TerminateFarewell string `mapstructure:"terminate_farewell"`

	WebhookSecret         string `mapstructure:"webhook_secret"`
	WebhookToleranceSecs  int    `mapstructure:"webhook_tolerance_seconds"`
	WebhookPermissiveMode bool   `mapstructure:"webhook_permissive_mode"`

	EventRetentionHours int `mapstructure:"event_retention_hours"`

	ActionPoolSize        int `mapstructure:"action_pool_size"`
	ReconcilePoolSize     int `mapstructure:"reconcile_pool_size"`
	ReconcileGraceSecs    int `mapstructure:"reconcile_grace_seconds"`
	ReconcileIntervalSecs int `mapstructure:"reconcile_interval_seconds"`
	ReconcileBatchLimit   int `mapstructure:"reconcile_batch_limit"`

	LogLevel    string `mapstructure:"log_level"`
	LogFilePath string `mapstructure:"log_file_path"`

	HealthCheckerMonitorInterval int `mapstructure:"health_checker_monitor_interval"`

	PrometheusPort    string `mapstructure:"prometheus_port"`
	PrometheusTimeout int    `mapstructure:"prometheus_timeout"`
}

var Conf Config

func init() {
	err := loadEnvConfig(&Conf)
	if err != nil {
		zap.NewExample().Fatal("failed to load config", zap.String("error", err.Error()))
	}
}

func loadEnvConfig(cfg *Config) error {
	viper.AutomaticEnv()
	viper.AllowEmptyEnv(true)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setupDefaults()

	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")

	err := viper.ReadInConfig()
	if err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError

		ok := errors.As(err, &configFileNotFoundError)
		if !ok {
			return err
		}
	}

	err = viper.Unmarshal(cfg)
	if err != nil {
		return err
	}

	err = validator.New().Struct(cfg)
	if err != nil {
		// an incomplete environment is reported but not fatal here; the
		// app fails at dependency construction, tests fill Conf directly
		zap.NewExample().Warn("config validation failed", zap.String("error", err.Error()))
	}

	return nil
}

func setupDefaults() {
	confType := reflect.TypeOf(Conf)
	for i := range confType.NumField() {
		field := confType.Field(i)
		viper.SetDefault(field.Tag.Get("mapstructure"), "")
	}

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("SERVER_TIMEOUT", "30")
	viper.SetDefault("ANALYSIS_TIMEOUT", "30")
	viper.SetDefault("ANALYSIS_RETRY_MAX_ATTEMPTS", "3")
	viper.SetDefault("ANALYSIS_RETRY_MIN_BACKOFF", "1")
	viper.SetDefault("ANALYSIS_RETRY_MAX_BACKOFF", "10")
	viper.SetDefault("ANALYSIS_INTERVAL_CB", "30")
	viper.SetDefault("ANALYSIS_CONSECUTIVE_FAILURES_CB", "3")
	viper.SetDefault("DB_INTERVAL_CB", "30")
	viper.SetDefault("DB_CONSECUTIVE_FAILURES_CB", "3")
	viper.SetDefault("TELEPHONY_TIMEOUT", "10")
	viper.SetDefault("TELEPHONY_RETRY_MAX_ATTEMPTS", "3")
	viper.SetDefault("TELEPHONY_RETRY_MIN_BACKOFF", "1")
	viper.SetDefault("TELEPHONY_RETRY_MAX_BACKOFF", "10")
	viper.SetDefault("TELEPHONY_INTERVAL_CB", "30")
	viper.SetDefault("TELEPHONY_CONSECUTIVE_FAILURES_CB", "3")
	viper.SetDefault("TERMINATE_FAREWELL",
		"This call has been blocked. Please remove this number from your call list. Goodbye.")
	viper.SetDefault("WEBHOOK_TOLERANCE_SECONDS", "300")
	viper.SetDefault("WEBHOOK_PERMISSIVE_MODE", "false")
	viper.SetDefault("EVENT_RETENTION_HOURS", "72")
	viper.SetDefault("ACTION_POOL_SIZE", "10")
	viper.SetDefault("RECONCILE_POOL_SIZE", "3")
	viper.SetDefault("RECONCILE_GRACE_SECONDS", "120")
	viper.SetDefault("RECONCILE_INTERVAL_SECONDS", "60")
	viper.SetDefault("RECONCILE_BATCH_LIMIT", "100")
	viper.SetDefault("LOG_LEVEL", "INFO")
	viper.SetDefault("LOG_FILE_PATH", "./access.log")
	viper.SetDefault("HEALTH_CHECKER_MONITOR_INTERVAL", "60")
	viper.SetDefault("PROMETHEUS_PORT", "2112")
	viper.SetDefault("PROMETHEUS_TIMEOUT", "60")
}
