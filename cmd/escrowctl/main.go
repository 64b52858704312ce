// escrowctl is escrowd's admin/operator command-line client, the
// counterpart to cmd/lncli for this system's JSON/HTTP boundary rather
// than a generated gRPC client.
package main

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli"
)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[escrowctl] %v\n", err)
	os.Exit(1)
}

// client wraps http.Client with the daemon's base URL and TLS trust
// root, mirroring getClientConn's role in cmd/lncli but over JSON/HTTP
// instead of a grpc.ClientConn.
type client struct {
	baseURL string
	http    *http.Client
}

func newClient(ctx *cli.Context) *client {
	baseURL := strings.TrimRight(ctx.GlobalString("rpcserver"), "/")

	httpClient := &http.Client{Timeout: 30 * time.Second}
	if !ctx.GlobalBool("insecure") {
		certPath := ctx.GlobalString("tlscertpath")
		pool := x509.NewCertPool()
		pem, err := os.ReadFile(certPath)
		if err != nil {
			fatal(fmt.Errorf("reading TLS cert: %w", err))
		}
		if !pool.AppendCertsFromPEM(pem) {
			fatal(fmt.Errorf("no certificates found in %s", certPath))
		}
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: pool},
		}
	}

	return &client{baseURL: "https://" + baseURL, http: httpClient}
}

// call issues method against path with body (may be empty) and prints
// the response body to stdout, matching escrowctl's role as a thin,
// mostly pass-through wrapper over rpcserver's JSON boundary.
func (c *client) call(method, path, body string) error {
	url := c.baseURL + path

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, respBody, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(respBody))
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("escrowd returned status %d", resp.StatusCode)
	}
	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = "escrowctl"
	app.Version = "0.1.0"
	app.Usage = "control plane for escrowd"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "rpcserver",
			Value: "localhost:8080",
			Usage: "host:port of the escrowd JSON/HTTP boundary",
		},
		cli.StringFlag{
			Name:  "tlscertpath",
			Value: "tls.cert",
			Usage: "path to escrowd's TLS certificate",
		},
		cli.BoolFlag{
			Name:  "insecure",
			Usage: "skip TLS certificate verification (development only)",
		},
	}
	app.Commands = []cli.Command{
		postLoanCommand,
		commitLenderCommand,
		registerKeyCommand,
		deriveAddressCommand,
		declareFundingCommand,
		submitSignatureCommand,
		declareRepaidCommand,
		declareFiatConfirmedCommand,
		triggerOutcomeCommand,
		requestRecoveryCommand,
		adminDecideCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}
