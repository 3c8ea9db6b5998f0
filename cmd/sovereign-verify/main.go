// Command sovereign-verify is a stand-alone CLI that fetches a running
// sovereign's attestation document over HTTP(S) and checks it against the
// pinned AWS Nitro root certificate, printing the measurements it finds.
//
// Grounded on original_source/sovereign/verify/src/main.rs. That CLI also
// fetched two public keys (GET /public_key) and exercised a signing round
// trip (POST /sign) against enclave HTTP routes — routes the enclave's own
// main.rs never implements (its serve_attestation handler only answers
// GET /, and the verify CLI file carries its own
// "TODO: update this with changes to enclave!!!" admitting the drift). This
// CLI only exercises the route that actually exists.
package main

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/sovereign-tee/sovereign/internal/attestation"
)

// httpClient builds a client tolerant of the sovereign's self-signed
// attestation TLS certificate when asked, since the whole point of
// fetching the attestation document is to establish trust independently
// of the TLS chain.
func httpClient(insecureSkipVerify bool) *http.Client {
	if !insecureSkipVerify {
		return http.DefaultClient
	}
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
}

func main() {
	baseURL := flag.String("url", "", "Base URL of the sovereign's attestation endpoint, e.g. https://10.0.0.5:8003")
	nonceHex := flag.String("nonce", "", "Hex-encoded nonce to embed in the attestation request, checked against the response")
	rootCAPath := flag.String("root-ca", "", "Path to a PEM root CA to verify against (defaults to the embedded AWS Nitro root)")
	insecure := flag.Bool("insecure-skip-tls-verify", false, "Skip TLS certificate verification when fetching over HTTPS (the sovereign's cert is self-signed)")
	flag.Parse()

	if *baseURL == "" {
		flag.Usage()
		os.Exit(2)
	}

	rootCAPEM := attestation.AWSNitroRootCAPEM
	if *rootCAPath != "" {
		data, err := os.ReadFile(*rootCAPath)
		if err != nil {
			log.Fatalf("read root CA: %v", err)
		}
		rootCAPEM = string(data)
	}

	var nonce []byte
	if *nonceHex != "" {
		decoded, err := hex.DecodeString(*nonceHex)
		if err != nil {
			log.Fatalf("invalid --nonce: %v", err)
		}
		nonce = decoded
	}

	doc, err := fetchAttestation(*baseURL, nonce, *insecure)
	if err != nil {
		log.Fatalf("fetch attestation: %v", err)
	}

	parsed, err := attestation.FromCOSE(doc, rootCAPEM)
	if err != nil {
		log.Fatalf("verify attestation: %v", err)
	}

	if nonce != nil {
		if err := parsed.Verify(nonce, nil, nil, nil); err != nil {
			log.Fatalf("nonce mismatch: %v", err)
		}
	}

	fmt.Printf("Attestation OK.\n")
	fmt.Printf("  module_id: %s\n", parsed.ModuleID)
	fmt.Printf("  code measurement: %s\n", parsed.CodeMeasurement())
	fmt.Printf("  instance measurement: %s\n", parsed.InstanceMeasurement())
	if len(parsed.PublicKeyValue) > 0 {
		fmt.Printf("  public_key: %s\n", hex.EncodeToString(parsed.PublicKeyValue))
	}
	if len(parsed.UserDataValue) > 0 {
		fmt.Printf("  user_data: %s\n", hex.EncodeToString(parsed.UserDataValue))
	}
}

func fetchAttestation(baseURL string, nonce []byte, insecureSkipVerify bool) ([]byte, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("encoding", "binary")
	if nonce != nil {
		q.Set("nonce", hex.EncodeToString(nonce))
	}
	u.RawQuery = q.Encode()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}

	client := httpClient(insecureSkipVerify)
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, body)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}
