package infra

import (
	"time"

	"github.com/imroc/req/v3"

	"revita/clinic/dispatch-queue-server/pkg/config"
)

func ProvideHttpClient(cfg *config.Config) *req.Client {
	client := req.C(). // Use C() to create a client and set with chainable client settings.
				SetTimeout(10*time.Second).
				SetCommonRetryCount(3).
				SetCommonRetryFixedInterval(time.Second).
				SetCommonHeader("Accept", "application/json")

	if cfg.MainServerHost != "" {
		client.SetBaseURL(cfg.MainServerHost)
	}
	if cfg.MainServerApiKey != "" {
		client.SetCommonHeader("jtoken", cfg.MainServerApiKey)
	}
	return client
}
