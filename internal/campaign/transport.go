package campaign

import (
	"log/slog"

	"github.com/foxzi/mailrun/internal/config"
	"github.com/foxzi/mailrun/internal/email"
	"github.com/foxzi/mailrun/internal/envfile"
	"github.com/foxzi/mailrun/internal/sandbox"
	"github.com/foxzi/mailrun/internal/smtp"
)

// TransportFactory creates the transport for one run or test send.
type TransportFactory func(campaignID string, creds *envfile.Credentials) Transport

// NewTransportFactory returns relay transports, or sandbox transports
// capturing into storage when the sandbox is enabled.
func NewTransportFactory(cfg *config.Config, builder *email.Builder, storage *sandbox.Storage, logger *slog.Logger) TransportFactory {
	return func(campaignID string, creds *envfile.Credentials) Transport {
		if cfg.Sandbox.Enabled && storage != nil {
			return sandbox.NewTransport(sandbox.TransportOptions{
				Storage:    storage,
				Builder:    builder,
				CampaignID: campaignID,
				FailRate:   cfg.Sandbox.FailRate,
				BlockAfter: cfg.Sandbox.BlockAfter,
				Logger:     logger.With("campaign_id", campaignID),
			})
		}
		return smtp.NewTransport(smtp.TransportOptions{
			Relay:    cfg.Relay,
			Hostname: cfg.Server.Hostname,
			Username: creds.Username,
			Password: creds.Password,
			Builder:  builder,
			Logger:   logger.With("campaign_id", campaignID),
		})
	}
}
