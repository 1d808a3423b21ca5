package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/CedrosPay/x402-gateway/pkg/x402"
	"github.com/CedrosPay/x402-gateway/pkg/x402/client"
	"github.com/CedrosPay/x402-gateway/pkg/x402/evm"
)

func main() {
	var (
		target    = flag.String("url", "", "resource URL to pay for")
		method    = flag.String("method", http.MethodGet, "HTTP method")
		data      = flag.String("data", "", "request body")
		keyHex    = flag.String("key", "", "hex private key of the payer (default $X402_PRIVATE_KEY)")
		maxAmount = flag.String("max", "", "refuse to pay more than this many atomic units")
		sigType   = flag.String("signature-type", "", "force eip712 or eip191")
		network   = flag.String("network", x402.DefaultNetwork, "extra network name to sign for")
		chainID   = flag.Int64("chain-id", x402.DefaultChainID, "chain id of -network")
		timeout   = flag.Duration("timeout", 90*time.Second, "overall request timeout")
		envFile   = flag.String("env", ".env", "optional dotenv file")
		verbose   = flag.Bool("v", false, "log payment details to stderr")
	)
	flag.Parse()

	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if !*verbose {
		log.Logger = log.Logger.Level(zerolog.WarnLevel)
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatal().Err(err).Msg("load env file")
	}
	if *target == "" {
		log.Fatal().Msg("url flag is required")
	}
	if *keyHex == "" {
		*keyHex = os.Getenv("X402_PRIVATE_KEY")
	}
	if *keyHex == "" {
		log.Fatal().Msg("key flag or X402_PRIVATE_KEY is required")
	}

	signer, err := evm.NewSigner(*keyHex)
	if err != nil {
		log.Fatal().Err(err).Msg("load key")
	}

	opts := []client.Option{
		client.WithHTTPClient(&http.Client{Timeout: *timeout}),
		client.WithNetworks(evm.DefaultNetworks().With(*network, *chainID)),
		client.WithLogger(log.Logger),
	}
	if *maxAmount != "" {
		limit, err := x402.ParseAmount(*maxAmount)
		if err != nil {
			log.Fatal().Err(err).Msg("parse max amount")
		}
		opts = append(opts, client.WithMaxAmount(limit))
	}
	if *sigType != "" {
		t := x402.SignatureType(*sigType)
		if !t.Valid() {
			log.Fatal().Str("signature_type", *sigType).Msg("signature type must be eip712 or eip191")
		}
		opts = append(opts, client.WithSignatureType(t))
	}
	payer := client.New(signer, opts...)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var body io.Reader
	if *data != "" {
		body = strings.NewReader(*data)
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(*method), *target, body)
	if err != nil {
		log.Fatal().Err(err).Msg("build request")
	}

	log.Info().Str("payer", payer.Address()).Str("url", *target).Msg("requesting resource")
	resp, err := payer.Do(req)
	if err != nil {
		var rejected *client.ChallengeError
		if errors.As(err, &rejected) {
			log.Fatal().
				Str("reason", rejected.Challenge.Error).
				Str("message", rejected.Challenge.Message).
				Msg("payment rejected")
		}
		log.Fatal().Err(err).Msg("request failed")
	}
	defer resp.Body.Close()

	receipt, paid, err := client.ReceiptFrom(resp)
	if err != nil {
		log.Warn().Err(err).Msg("malformed payment receipt")
	}
	if paid {
		fmt.Fprintf(os.Stderr, "paid: tx=%s network=%s\n", receipt.TxHash, receipt.NetworkID)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		fmt.Fprintf(os.Stderr, "status: %s\n", resp.Status)
	}

	if _, err := io.Copy(os.Stdout, resp.Body); err != nil {
		log.Fatal().Err(err).Msg("read response")
	}
	if resp.StatusCode >= http.StatusBadRequest {
		os.Exit(1)
	}
}
