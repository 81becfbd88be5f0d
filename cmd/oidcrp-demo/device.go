package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/dexidp/oidcrp"
)

type deviceOptions struct {
	clientID     string
	clientSecret string
	discoveryURL string
	scopes       []string
	timeout      time.Duration
}

// commandDevice runs the Device-Code flow: print the user code and
// verification URL, then poll until the user completes authentication
// elsewhere.
func commandDevice() *cobra.Command {
	opts := deviceOptions{}

	cmd := &cobra.Command{
		Use:   "device",
		Short: "Run a device-code login against an OpenID Provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevice(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.clientID, "client-id", "", "OAuth2 client ID")
	flags.StringVar(&opts.clientSecret, "client-secret", "", "OAuth2 client secret")
	flags.StringVar(&opts.discoveryURL, "issuer", "", "OpenID Provider issuer URL")
	flags.StringSliceVar(&opts.scopes, "scope", []string{"openid", "profile"}, "Requested scopes")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Minute, "How long to poll before giving up")

	return cmd
}

func runDevice(ctx context.Context, opts deviceOptions) error {
	client, err := oidcrp.New(ctx, oidcrp.Config{
		ClientID:     opts.clientID,
		ClientSecret: opts.clientSecret,
		RedirectURI:  "urn:ietf:wg:oauth:2.0:oob",
		DiscoveryURL: opts.discoveryURL,
		GrantType:    oidcrp.DeviceCode,
		Scopes:       opts.scopes,
	})
	if err != nil {
		return errors.Wrap(err, "build client")
	}

	device, err := client.StartDeviceAuthorization(ctx)
	if err != nil {
		return errors.Wrap(err, "start device authorization")
	}

	correlationID := uuid.New().String()
	fmt.Fprintf(os.Stdout, "[%s] go to %s and enter code: %s\n", correlationID, device.VerificationURI, device.UserCode)
	if device.VerificationURIComplete != "" {
		fmt.Fprintf(os.Stdout, "[%s] or open directly: %s\n", correlationID, device.VerificationURIComplete)
	}

	set, err := client.PollDeviceToken(ctx, device.DeviceCode, device.Interval, opts.timeout)
	if err != nil {
		return errors.Wrapf(err, "[%s] poll device token", correlationID)
	}

	fmt.Fprintf(os.Stdout, "[%s] login succeeded, access token expires %s\n", correlationID, set.Expiry)
	return nil
}
