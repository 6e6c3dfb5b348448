package core

import (
	"log"
	"net"
	"net/mail"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Conf is the process configuration, loaded once on startup.
var Conf = NewConfig()

type (
	Config struct {
		AppName          string
		Env              string // DEV (local; default), TEST, QA, PROD
		Build            string
		Debug            bool
		TestMode         bool
		SecretKey        string
		WorkDir          string
		FrontendBaseURL  string
		RollbarToken     string
		SendgridApiKey   string
		defaultFromEmail string

		Server    ServerConfig
		Database  DatabaseConfig
		Realtime  RealtimeConfig
		Messaging MessagingConfig
	}

	ServerConfig struct {
		Host                      string
		Port                      int
		DebugHost                 string
		DisableReqLogs            bool
		ShutdownTimeout           time.Duration
		JWTExpirationDelta        time.Duration
		JWTRefreshExpirationDelta time.Duration
	}

	DatabaseConfig struct {
		Engine        string
		Host          string
		Port          int
		Name          string
		User          string
		Password      string
		AdminUser     string
		AdminPassword string
		DisableTLS    bool
	}

	RealtimeConfig struct {
		Broker               string // local | postgres | redis
		RedisURL             string
		RedisChannel         string
		NotifyChannel        string
		SubscriberBuffer     int
		MinReconnectInterval time.Duration
		MaxReconnectInterval time.Duration
	}

	MessagingConfig struct {
		MaxContentLength   int
		SendRate           float64 // messages per second, per user
		SendBurst          int
		EmailNotifications bool
	}
)

// Realtime brokers
const (
	BrokerLocal    = "local"
	BrokerPostgres = "postgres"
	BrokerRedis    = "redis"
)

func (c *Config) DefaultFromEmail() mail.Address {
	return mail.Address{Name: c.AppName, Address: c.defaultFromEmail}
}

func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

func (db DatabaseConfig) Address() string {
	return net.JoinHostPort(db.Host, strconv.Itoa(db.Port))
}

// NewConfig reads the configuration from the environment, prefixed with the ENV name
// (e.g. DEV_DATABASE_NAME), after loading config/.env.<env> if it exists.
func NewConfig() *Config {
	v := viper.New()

	// defaults
	v.SetTypeByDefaultValue(true)
	v.SetDefault("appName", "Masomo")
	v.SetDefault("build", "develop")
	v.SetDefault("debug", true)
	v.SetDefault("testMode", false)
	v.SetDefault("secretKey", "poq5-wer)enb$+57=dz&uoxh2(h!x)#*c2(#yg4h^$cegm2emy")
	v.SetDefault("frontendBaseURL", "http://localhost:3000")
	v.SetDefault("rollbarToken", "")
	v.SetDefault("sendgridApiKey", "")
	v.SetDefault("defaultFromEmail", "noreply@localhost")

	v.SetDefault("server_host", "")
	v.SetDefault("server_port", 8000)
	v.SetDefault("server_debugHost", "localhost:4000")
	v.SetDefault("server_disableReqLogs", false)
	v.SetDefault("server_shutdownTimeout", 5*time.Second)
	v.SetDefault("server_jwtExpirationDelta", 7*24*time.Hour)
	v.SetDefault("server_jwtRefreshExpirationDelta", 4*time.Hour)

	v.SetDefault("database_engine", "postgres")
	v.SetDefault("database_host", "localhost")
	v.SetDefault("database_port", 5432)
	v.SetDefault("database_name", "masomo")
	v.SetDefault("database_user", "masomo")
	v.SetDefault("database_password", "masomo")
	v.SetDefault("database_adminUser", "postgres")
	v.SetDefault("database_adminPassword", "postgres")
	v.SetDefault("database_disableTLS", true)

	v.SetDefault("realtime_broker", BrokerLocal)
	v.SetDefault("realtime_redisURL", "redis://localhost:6379/0")
	v.SetDefault("realtime_redisChannel", "masomo:messages")
	v.SetDefault("realtime_notifyChannel", "message_inserted")
	v.SetDefault("realtime_subscriberBuffer", 64)
	v.SetDefault("realtime_minReconnectInterval", 10*time.Second)
	v.SetDefault("realtime_maxReconnectInterval", time.Minute)

	v.SetDefault("messaging_maxContentLength", 4000)
	v.SetDefault("messaging_sendRate", 5.0)
	v.SetDefault("messaging_sendBurst", 10)
	v.SetDefault("messaging_emailNotifications", false)

	env := strings.ToUpper(os.Getenv("ENV"))
	switch env {
	case "":
		env = "DEV"
	case "TEST":
		v.SetDefault("testMode", true)
		v.SetDefault("database_name", "masomo_test")
	}
	v.SetEnvPrefix(env)

	workDir := Getwd()

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join(workDir, "config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	v.AutomaticEnv()

	return &Config{
		AppName:          v.GetString("appName"),
		Env:              env,
		Build:            v.GetString("build"),
		Debug:            v.GetBool("debug"),
		TestMode:         v.GetBool("testMode"),
		SecretKey:        v.GetString("secretKey"),
		WorkDir:          workDir,
		FrontendBaseURL:  v.GetString("frontendBaseURL"),
		RollbarToken:     v.GetString("rollbarToken"),
		SendgridApiKey:   v.GetString("sendgridApiKey"),
		defaultFromEmail: v.GetString("defaultFromEmail"),
		Server: ServerConfig{
			Host:                      v.GetString("server_host"),
			Port:                      v.GetInt("server_port"),
			DebugHost:                 v.GetString("server_debugHost"),
			DisableReqLogs:            v.GetBool("server_disableReqLogs"),
			ShutdownTimeout:           v.GetDuration("server_shutdownTimeout"),
			JWTExpirationDelta:        v.GetDuration("server_jwtExpirationDelta"),
			JWTRefreshExpirationDelta: v.GetDuration("server_jwtRefreshExpirationDelta"),
		},
		Database: DatabaseConfig{
			Engine:        v.GetString("database_engine"),
			Host:          v.GetString("database_host"),
			Port:          v.GetInt("database_port"),
			Name:          v.GetString("database_name"),
			User:          v.GetString("database_user"),
			Password:      v.GetString("database_password"),
			AdminUser:     v.GetString("database_adminUser"),
			AdminPassword: v.GetString("database_adminPassword"),
			DisableTLS:    v.GetBool("database_disableTLS"),
		},
		Realtime: RealtimeConfig{
			Broker:               strings.ToLower(v.GetString("realtime_broker")),
			RedisURL:             v.GetString("realtime_redisURL"),
			RedisChannel:         v.GetString("realtime_redisChannel"),
			NotifyChannel:        v.GetString("realtime_notifyChannel"),
			SubscriberBuffer:     v.GetInt("realtime_subscriberBuffer"),
			MinReconnectInterval: v.GetDuration("realtime_minReconnectInterval"),
			MaxReconnectInterval: v.GetDuration("realtime_maxReconnectInterval"),
		},
		Messaging: MessagingConfig{
			MaxContentLength:   v.GetInt("messaging_maxContentLength"),
			SendRate:           v.GetFloat64("messaging_sendRate"),
			SendBurst:          v.GetInt("messaging_sendBurst"),
			EmailNotifications: v.GetBool("messaging_emailNotifications"),
		},
	}
}

// GetConfig returns the process configuration (for dependency containers).
func GetConfig() *Config { return Conf }
