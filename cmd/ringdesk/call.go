package main

import (
	"github.com/harunnryd/ringdesk/pkg/config"
	"github.com/harunnryd/ringdesk/pkg/redact"
	"github.com/harunnryd/ringdesk/pkg/telephony/twilio"
	"github.com/spf13/cobra"
)

// callCmd places an outbound call that is answered by the voice webhooks,
// which is how operators smoke-test a business number end to end.
func callCmd(configPath *string) *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "call",
		Short: "Place an outbound call through Twilio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			ts, err := cfg.Integrations.TwilioSettings()
			if err != nil {
				return err
			}
			sid, err := twilio.NewDialer(ts, cfg.Server.PublicURL).Dial(cmd.Context(), to, from)
			if err != nil {
				return err
			}
			cmd.Printf("call %s queued to %s\n", sid, redact.Phone(to))
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "destination number in E.164")
	cmd.Flags().StringVar(&from, "from", "", "business number to call from; defaults to integrations.twilio.settings.phone_number")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}
