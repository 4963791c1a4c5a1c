package config

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/clearlabs/credits-backend/internal/models"
)

// Setup wires viper to the .env file and environment, binds every key the
// service reads and sets development defaults. Call once at process start.
func Setup() {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()
	viper.ReadInConfig()

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")
	viper.BindEnv("database.migrations", "DATABASE_MIGRATIONS")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")

	viper.BindEnv("ledger.soft_limit", "LEDGER_SOFT_LIMIT")
	viper.BindEnv("ledger.signup_bonus", "LEDGER_SIGNUP_BONUS")
	viper.BindEnv("ledger.unmetered_accounts", "LEDGER_UNMETERED_ACCOUNTS")

	viper.BindEnv("payment.provider", "PAYMENT_PROVIDER")
	viper.BindEnv("payment.result_url", "PAYMENT_RESULT_URL")
	viper.BindEnv("payment.robokassa.login", "ROBOKASSA_LOGIN")
	viper.BindEnv("payment.robokassa.password1", "ROBOKASSA_PASSWORD1")
	viper.BindEnv("payment.robokassa.password2", "ROBOKASSA_PASSWORD2")
	viper.BindEnv("payment.robokassa.test_mode", "ROBOKASSA_TEST_MODE")
	viper.BindEnv("payment.freekassa.merchant_id", "FREEKASSA_MERCHANT_ID")
	viper.BindEnv("payment.freekassa.secret1", "FREEKASSA_SECRET1")
	viper.BindEnv("payment.freekassa.secret2", "FREEKASSA_SECRET2")

	viper.BindEnv("webhook.allowed_ips", "WEBHOOK_ALLOWED_IPS")
	viper.BindEnv("admin.emails", "ADMIN_EMAILS")

	viper.BindEnv("rate_limit.requests", "RATE_LIMIT_REQUESTS")
	viper.BindEnv("rate_limit.window_seconds", "RATE_LIMIT_WINDOW_SECONDS")

	viper.SetDefault("ledger.soft_limit", -5.00)
	viper.SetDefault("ledger.signup_bonus", 10.00)
	viper.SetDefault("payment.provider", "robokassa")
	viper.SetDefault("rate_limit.requests", 30)
	viper.SetDefault("rate_limit.window_seconds", 60)
}

// SplitList parses an operator-configured comma-separated list, trimming
// whitespace and dropping empty items.
func SplitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// CreditPackages returns the purchasable top-up catalog. Operators may
// override it via payment.packages; otherwise the built-in catalog applies.
func CreditPackages() []models.CreditPackage {
	if viper.IsSet("payment.packages") {
		var pkgs []models.CreditPackage
		if err := viper.UnmarshalKey("payment.packages", &pkgs); err == nil && len(pkgs) > 0 {
			return pkgs
		}
	}
	return []models.CreditPackage{
		{ID: "starter", Units: 50, Price: 190, Description: "Starter pack, 50 credits"},
		{ID: "standard", Units: 150, Price: 490, Description: "Standard pack, 150 credits"},
		{ID: "pro", Units: 400, Price: 990, Description: "Pro pack, 400 credits"},
	}
}
