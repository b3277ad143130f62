// Command make_call places a single outbound call through the configured
// telephony provider without starting the bridge server. Useful for
// verifying provider credentials and webhook reachability.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/harunnryd/callbridge/pkg/callbridge"
	"github.com/harunnryd/callbridge/pkg/telephony"
)

func main() {
	configPath := flag.String("config", "examples/agentcall/config.local.yaml", "")
	to := flag.String("to", "", "")
	from := flag.String("from", "", "")
	webhookURL := flag.String("webhook_url", "", "")
	opening := flag.String("opening", "This is a connectivity test call.", "")
	flag.Parse()

	cfg, err := callbridge.LoadConfig(*configPath)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}
	if *to == "" {
		*to = cfg.Phone.UserNumber
	}
	if *from == "" {
		*from = cfg.Phone.SystemNumber
	}
	if *to == "" || *from == "" {
		fmt.Println("usage: make_call -to=+123 -from=+456 [-config=...]")
		os.Exit(1)
	}

	if *webhookURL == "" {
		*webhookURL = "https://" + strings.TrimSuffix(strings.TrimPrefix(cfg.Server.PublicURL, "https://"), "/") + cfg.Server.WebhookPath
	}

	provider, err := callbridge.BuildTelephonyProvider(cfg.Provider)
	if err != nil {
		fmt.Println("provider error:", err)
		os.Exit(1)
	}

	providerCallID, err := provider.Dial(context.Background(), telephony.DialRequest{
		To:             *to,
		From:           *from,
		WebhookURL:     *webhookURL,
		OpeningMessage: *opening,
	})
	if err != nil {
		fmt.Println("call error:", err)
		os.Exit(1)
	}
	fmt.Println("provider_call_id:", providerCallID)
}
