package commands

import (
	"crypto/tls"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/gohpfeeds/pkg/client"
)

// feedFlags holds the connection flags shared by publish and subscribe.
type feedFlags struct {
	addr     string
	ident    string
	secret   string
	useTLS   bool
	insecure bool
}

func (f *feedFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.addr, "addr", "127.0.0.1:10000", "broker address (host:port)")
	cmd.Flags().StringVar(&f.ident, "ident", "", "user identity")
	cmd.Flags().StringVar(&f.secret, "secret", "", "user secret")
	cmd.Flags().BoolVar(&f.useTLS, "tls", false, "connect with TLS")
	cmd.Flags().BoolVar(&f.insecure, "insecure", false, "skip TLS certificate verification")
	_ = cmd.MarkFlagRequired("ident")
	_ = cmd.MarkFlagRequired("secret")
}

// dial connects and authenticates using the shared flags.
func (f *feedFlags) dial(cmd *cobra.Command) (*client.Client, error) {
	var opts []client.Option
	if f.useTLS || f.insecure {
		opts = append(opts, client.WithTLSConfig(&tls.Config{
			InsecureSkipVerify: f.insecure, //nolint:gosec // operator opt-in via --insecure
			MinVersion:         tls.VersionTLS12,
		}))
	}
	return client.Dial(cmd.Context(), f.addr, f.ident, f.secret, opts...)
}

func publishCmd() *cobra.Command {
	var flags feedFlags

	cmd := &cobra.Command{
		Use:   "publish <channel> [payload]",
		Short: "Publish one message to a channel",
		Long: "Publish sends a single message to the given channel. The payload " +
			"is taken from the argument, or from stdin when omitted.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload []byte
			if len(args) == 2 {
				payload = []byte(args[1])
			} else {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("read payload from stdin: %w", err)
				}
				payload = data
			}

			c, err := flags.dial(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			return c.Publish(args[0], payload)
		},
	}
	flags.register(cmd)
	return cmd
}

func subscribeCmd() *cobra.Command {
	var flags feedFlags
	var count int

	cmd := &cobra.Command{
		Use:   "subscribe <channel>",
		Short: "Subscribe to a channel and print deliveries",
		Long: "Subscribe attaches to the given channel and prints each delivery " +
			"as 'ident channel N bytes' followed by the payload on its own line, " +
			"until interrupted or --count is reached.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.dial(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.Subscribe(args[0]); err != nil {
				return err
			}

			for received := 0; count == 0 || received < count; received++ {
				msg, err := c.ReadMessage()
				if err != nil {
					return err
				}
				fmt.Printf("%s %s %d bytes\n%s\n", msg.Ident, msg.Channel, len(msg.Payload), msg.Payload)
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&count, "count", 0, "exit after N messages (0 = run forever)")
	return cmd
}
