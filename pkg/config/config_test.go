package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestFromViperDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	cfg := fromViper(v)
	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.Equal(t, "/api/v1", cfg.APIPrefix)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 5, cfg.Audit.RetryMax)
	assert.Equal(t, 2*time.Second, cfg.Audit.RetryDelay)
	assert.Equal(t, 500, cfg.Bulk.MaxItems)
	assert.True(t, cfg.Database.AutoMigrate)
	assert.Nil(t, cfg.CORS.AllowedOrigins)
	assert.Nil(t, cfg.TrustedProxies)
}

func TestFromViperOverrides(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.Set("CACHE_TTL", "bogus")
	v.Set("ALLOWED_ORIGINS", " https://a.example , ,https://b.example")
	v.Set("BULK_MAX_ITEMS", 10)
	v.Set("TRUSTED_PROXIES", "10.0.0.0/8, 192.168.1.2")

	cfg := fromViper(v)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
	assert.Equal(t, 10, cfg.Bulk.MaxItems)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.1.2"}, cfg.TrustedProxies)
}
