// Command ssecat streams server-sent events to stdout.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/tonkeeper/ssestream"
	"github.com/tonkeeper/ssestream/internal/config"
	"golang.org/x/term"
)

var (
	baseURL   string
	data      string
	dataRaw   string
	headers   []string
	method    string
	listen    []string
	debug     bool
	raw       bool
	field     string
	verbose   bool
	noCookies bool
)

var rootCmd = &cobra.Command{
	Use:   "ssecat [url]",
	Short: "Print a server-sent events stream",
	Long: `ssecat sends one request and prints every event of the streamed
response until the server sends [DONE], closes the stream, or the
command is interrupted.`,
	Args: cobra.ExactArgs(1),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		config.LoadConfig()
	},
	RunE: run,
}

func init() {
	rootCmd.Flags().StringVar(&baseURL, "base-url", "", "Base URL prepended to the url argument (default $SSE_BASE_URL)")
	rootCmd.Flags().StringVarP(&data, "data", "d", "", "JSON request body")
	rootCmd.Flags().StringVar(&dataRaw, "data-raw", "", "Request body sent as is")
	rootCmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "Request header as 'Key: value' (repeatable)")
	rootCmd.Flags().StringVarP(&method, "request", "X", "", "HTTP method (default POST with a body, GET otherwise)")
	rootCmd.Flags().StringSliceVar(&listen, "listen", nil, "Event types to print (default message)")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "Log every received line")
	rootCmd.Flags().BoolVar(&raw, "raw", false, "Print data without a trailing newline")
	rootCmd.Flags().StringVar(&field, "field", "", "Print only this top-level field of JSON data")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print event type and id with every message")
	rootCmd.Flags().BoolVar(&noCookies, "no-credentials", false, "Do not send cookies")
	rootCmd.MarkFlagsMutuallyExclusive("data", "data-raw")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	header, err := parseHeaders(headers)
	if err != nil {
		return err
	}
	body, err := requestBody(data, dataRaw)
	if err != nil {
		return err
	}
	if baseURL == "" {
		baseURL = config.Config.SseBaseURL
	}

	stderr := cmd.ErrOrStderr()
	s, err := ssestream.New(ssestream.Options{
		BaseURL:         baseURL,
		URL:             args[0],
		Data:            body,
		Headers:         header,
		Method:          method,
		WithCredentials: !noCookies,
		Debug:           debug || config.Config.SseDebug,
		Listen:          listen,
		OnConnect: func(resp *http.Response) {
			log.WithField("status", resp.StatusCode).Debug("connected")
		},
		OnError: func(text string, resp *http.Response) {
			if resp != nil {
				fmt.Fprintf(stderr, "error: %s: %s\n", resp.Status, text)
				return
			}
			fmt.Fprintf(stderr, "error: %s\n", text)
		},
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := printer{out: cmd.OutOrStdout(), field: field, raw: raw, verbose: verbose}
	for m := range s.All(ctx) {
		if err := p.print(m); err != nil {
			log.WithField("prefix", "ssecat").Warn(err)
		}
	}
	if raw && term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Fprintln(cmd.OutOrStdout())
	}

	if resp := s.Response(); resp != nil && verbose {
		fmt.Fprintf(stderr, "status: %s\n", resp.Status)
	}
	return s.Err()
}

// requestBody decodes --data so it is sent as JSON, or passes --data-raw
// through.
func requestBody(data, dataRaw string) (interface{}, error) {
	if dataRaw != "" {
		return dataRaw, nil
	}
	if data == "" {
		return nil, nil
	}
	var v interface{}
	if err := sonic.UnmarshalString(data, &v); err != nil {
		return nil, fmt.Errorf("--data is not valid JSON: %w", err)
	}
	return v, nil
}
