package core

import (
	"fmt"
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

type (
	ServerConfig struct {
		Host                      string
		DebugHost                 string
		ShutdownTimeout           time.Duration
		JWTExpirationDelta        time.Duration
		JWTRefreshExpirationDelta time.Duration
		DisableReqLogs            bool
	}

	StoreConfig struct {
		Engine        string // memory | redis | postgres
		TxMaxAttempts int
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

	RedisConfig struct {
		Addr     string
		Password string
		DB       int
		Prefix   string
	}

	MediaConfig struct {
		Engine        string // disk | b2
		MaxBatchBytes int64
		DiskDir       string
		DiskBaseURL   string
		B2KeyID       string
		B2AppKey      string
		B2Bucket      string
	}

	Config struct {
		Env             string
		Build           string
		Debug           bool
		TestMode        bool
		AppName         string
		SecretKey       string
		WorkDir         string
		FrontendBaseURL string
		RollbarToken    string
		SendgridApiKey  string

		Server   ServerConfig
		Store    StoreConfig
		Database DatabaseConfig
		Redis    RedisConfig
		Media    MediaConfig

		defaultFromEmail string
	}
)

// Address returns the database "host:port".
func (db DatabaseConfig) Address() string {
	return net.JoinHostPort(db.Host, strconv.Itoa(db.Port))
}

func (c *Config) DefaultFromEmail() mail.Address {
	return mail.Address{Name: c.AppName, Address: c.defaultFromEmail}
}

func setDefaults(v *viper.Viper) {
	v.SetTypeByDefaultValue(true)
	v.SetDefault("debug", true)
	v.SetDefault("build", "dev")
	v.SetDefault("appName", "LectureLog")
	v.SetDefault("secretKey", "9c&x!ea2-lq)w+ry$v7(0hd#=k^bsm4t@nyz1u8f_pjo6gi3")
	v.SetDefault("frontendBaseURL", "http://localhost:3000")
	v.SetDefault("defaultFromEmail", "noreply@localhost")
	v.SetDefault("rollbarToken", "")
	v.SetDefault("sendgridApiKey", "")

	v.SetDefault("server.host", ":8080")
	v.SetDefault("server.debugHost", ":4000")
	v.SetDefault("server.shutdownTimeout", 5*time.Second)
	v.SetDefault("server.jwtExpirationDelta", 7*24*time.Hour)
	v.SetDefault("server.jwtRefreshExpirationDelta", 4*time.Hour)
	v.SetDefault("server.disableReqLogs", false)

	v.SetDefault("store.engine", "memory")
	v.SetDefault("store.txMaxAttempts", 5)

	v.SetDefault("database.engine", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "lecturelog")
	v.SetDefault("database.user", "lecturelog")
	v.SetDefault("database.password", "")
	v.SetDefault("database.adminUser", "")
	v.SetDefault("database.adminPassword", "")
	v.SetDefault("database.disableTLS", true)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "lecturelog")

	v.SetDefault("media.engine", "disk")
	v.SetDefault("media.maxBatchBytes", int64(10<<20))
	v.SetDefault("media.diskDir", "media")
	v.SetDefault("media.diskBaseURL", "http://localhost:8080/media")
	v.SetDefault("media.b2KeyID", "")
	v.SetDefault("media.b2AppKey", "")
	v.SetDefault("media.b2Bucket", "")
}

// NewConfig loads the configuration for the current ENV (DEV (local; default), TEST, QA, PROD).
// Values are read from defaults, then `config/.env.<env>` (if it exists), then the environment,
// e.g. DEV_STORE_ENGINE=redis.
func NewConfig() *Config {
	v := viper.New()
	setDefaults(v)

	env := strings.ToUpper(os.Getenv("ENV"))
	switch env {
	case "":
		env = "DEV"
	case "TEST":
		v.SetDefault("testMode", true)
	}
	v.SetEnvPrefix(env)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

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

	conf := &Config{
		Env:              env,
		Build:            v.GetString("build"),
		Debug:            v.GetBool("debug"),
		TestMode:         v.GetBool("testMode"),
		AppName:          v.GetString("appName"),
		SecretKey:        v.GetString("secretKey"),
		WorkDir:          workDir,
		FrontendBaseURL:  v.GetString("frontendBaseURL"),
		RollbarToken:     v.GetString("rollbarToken"),
		SendgridApiKey:   v.GetString("sendgridApiKey"),
		defaultFromEmail: v.GetString("defaultFromEmail"),
		Server: ServerConfig{
			Host:                      v.GetString("server.host"),
			DebugHost:                 v.GetString("server.debugHost"),
			ShutdownTimeout:           v.GetDuration("server.shutdownTimeout"),
			JWTExpirationDelta:        v.GetDuration("server.jwtExpirationDelta"),
			JWTRefreshExpirationDelta: v.GetDuration("server.jwtRefreshExpirationDelta"),
			DisableReqLogs:            v.GetBool("server.disableReqLogs"),
		},
		Store: StoreConfig{
			Engine:        strings.ToLower(v.GetString("store.engine")),
			TxMaxAttempts: v.GetInt("store.txMaxAttempts"),
		},
		Database: DatabaseConfig{
			Engine:        v.GetString("database.engine"),
			Host:          v.GetString("database.host"),
			Port:          v.GetInt("database.port"),
			Name:          v.GetString("database.name"),
			User:          v.GetString("database.user"),
			Password:      v.GetString("database.password"),
			AdminUser:     v.GetString("database.adminUser"),
			AdminPassword: v.GetString("database.adminPassword"),
			DisableTLS:    v.GetBool("database.disableTLS"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			Prefix:   v.GetString("redis.prefix"),
		},
		Media: MediaConfig{
			Engine:        strings.ToLower(v.GetString("media.engine")),
			MaxBatchBytes: v.GetInt64("media.maxBatchBytes"),
			DiskDir:       v.GetString("media.diskDir"),
			DiskBaseURL:   v.GetString("media.diskBaseURL"),
			B2KeyID:       v.GetString("media.b2KeyID"),
			B2AppKey:      v.GetString("media.b2AppKey"),
			B2Bucket:      v.GetString("media.b2Bucket"),
		},
	}
	if !filepath.IsAbs(conf.Media.DiskDir) {
		conf.Media.DiskDir = filepath.Join(workDir, conf.Media.DiskDir)
	}
	return conf
}

// NewTestConfig returns a config suitable for unit tests; nothing is read from the environment.
func NewTestConfig() *Config {
	v := viper.New()
	setDefaults(v)
	return &Config{
		Env:              "TEST",
		Build:            "test",
		Debug:            false,
		TestMode:         true,
		AppName:          v.GetString("appName"),
		SecretKey:        "secret",
		WorkDir:          os.TempDir(),
		FrontendBaseURL:  v.GetString("frontendBaseURL"),
		defaultFromEmail: v.GetString("defaultFromEmail"),
		Server: ServerConfig{
			Host:                      v.GetString("server.host"),
			ShutdownTimeout:           v.GetDuration("server.shutdownTimeout"),
			JWTExpirationDelta:        10 * time.Minute,
			JWTRefreshExpirationDelta: v.GetDuration("server.jwtRefreshExpirationDelta"),
			DisableReqLogs:            true,
		},
		Store: StoreConfig{Engine: "memory", TxMaxAttempts: v.GetInt("store.txMaxAttempts")},
		Media: MediaConfig{
			Engine:        "disk",
			MaxBatchBytes: v.GetInt64("media.maxBatchBytes"),
			DiskDir:       filepath.Join(os.TempDir(), "lecturelog-media"),
			DiskBaseURL:   v.GetString("media.diskBaseURL"),
		},
	}
}

func (c *Config) String() string {
	return fmt.Sprintf("%s[%s] store=%s media=%s", c.AppName, c.Env, c.Store.Engine, c.Media.Engine)
}
