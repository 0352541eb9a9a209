package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"

	jwt "github.com/AlvaroZev/rimont-inbox/auth"
	"github.com/AlvaroZev/rimont-inbox/config"
	whats "github.com/AlvaroZev/rimont-inbox/connection"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newGatewayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Manage Evolution gateway instances",
	}
	cmd.AddCommand(newGatewayStatusCmd(), newGatewayWebhookCmd(), newGatewayQRCmd())
	return cmd
}

func gatewayClient(cfg *config.Config) (*whats.GatewayClient, error) {
	if cfg.GatewayURL == "" {
		return nil, errors.New("RIMONT_GATEWAY_URL is not set")
	}
	return whats.NewGatewayClient(cfg.GatewayURL, cfg.GatewayAPIKey, &http.Client{Timeout: cfg.UpstreamTimeout}), nil
}

func newGatewayStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <instance>",
		Short: "Show the connection state of an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			client, err := gatewayClient(cfg)
			if err != nil {
				return err
			}
			state, err := client.InstanceStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (connected=%t)\n", args[0], state.State, state.Connected())
			return nil
		},
	}
}

// gatewayWebhookURL appends the source marker and a signed instance token.
func gatewayWebhookURL(base, instance string, secret []byte) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", errors.Wrap(err, "parse public webhook url")
	}
	q := u.Query()
	q.Set("source", "evolution")
	if len(secret) > 0 {
		token, err := jwt.CreateToken(instance, secret)
		if err != nil {
			return "", err
		}
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func newGatewayWebhookCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "webhook <instance>",
		Short: "Point an instance's webhook at this service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.PublicWebhookURL == "" {
				return errors.New("RIMONT_PUBLIC_WEBHOOK_URL is not set")
			}
			client, err := gatewayClient(cfg)
			if err != nil {
				return err
			}
			target, err := gatewayWebhookURL(cfg.PublicWebhookURL, args[0], []byte(cfg.GatewayWebhookSecret))
			if err != nil {
				return err
			}
			settings, err := client.SetWebhook(cmd.Context(), args[0], target)
			if err != nil {
				return err
			}
			log.WithFields(logrus.Fields{"instance": args[0], "events": settings.Events}).Info("webhook registered")
			return nil
		},
	}
}

func newGatewayQRCmd() *cobra.Command {
	var pngPath string
	cmd := &cobra.Command{
		Use:   "qr <instance>",
		Short: "Print the pairing QR code of an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			client, err := gatewayClient(cfg)
			if err != nil {
				return err
			}
			code, err := client.Connect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if code.Code == "" {
				log.WithField("instance", args[0]).Info("instance already paired")
				return nil
			}
			whats.RenderQR(code.Code, cmd.OutOrStdout())
			if code.PairingCode != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "pairing code: %s\n", code.PairingCode)
			}
			if pngPath == "" {
				return nil
			}
			png, err := whats.QRPNG(code.Code, 256)
			if err != nil {
				return err
			}
			return errors.Wrap(os.WriteFile(pngPath, png, 0o644), "write qr png")
		},
	}
	cmd.Flags().StringVar(&pngPath, "png", "", "also write the QR code to this PNG file")
	return cmd
}
