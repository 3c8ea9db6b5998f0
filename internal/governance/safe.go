package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/sovereign-tee/sovereign/infrastructure/ratelimit"
	"github.com/sovereign-tee/sovereign/infrastructure/resilience"
	"github.com/sovereign-tee/sovereign/infrastructure/utils"
)

// httpDoer is satisfied by both *http.Client and a rate-limited wrapper
// around one.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// SafeConfig configures how a sovereign looks up authorized measurements on
// a Safe (Ethereum multisig wallet) Transaction Service endpoint.
type SafeConfig struct {
	WalletAddress    string `yaml:"wallet-address" json:"wallet-address"`
	Threshold        int    `yaml:"threshold" json:"threshold"`
	HTTPEndpoint     string `yaml:"http-endpoint" json:"http-endpoint"`
	HTTPEndpointPort uint32 `yaml:"http-endpoint-port" json:"http-endpoint-port"`
	ChainID          uint64 `yaml:"chain-id" json:"chain-id"`
}

// safeMessageConfirmation is one owner's signature over a proposed message.
type safeMessageConfirmation struct {
	Owner         string `json:"owner"`
	Signature     string `json:"signature"`
	SignatureType string `json:"signatureType"`
	CreatedAt     string `json:"created"`
	ModifiedAt    string `json:"modified"`
}

// safeMessage is a Safe Transaction Service "message" resource.
type safeMessage struct {
	Created         string                     `json:"created"`
	Modified        string                     `json:"modified"`
	Safe            string                     `json:"safe"`
	MessageHash     string                     `json:"messageHash"`
	Message         string                     `json:"message"`
	ProposedBy      string                     `json:"proposedBy"`
	SafeAppID       *string                    `json:"safeAppId"`
	Confirmations   []safeMessageConfirmation  `json:"confirmations"`
	PreparedSig     string                     `json:"preparedSignature"`
	Origin          string                     `json:"origin"`
}

// SafeAuthorizer fetches and validates messages from a Safe Transaction
// Service endpoint, with a circuit breaker around the outbound HTTP calls
// so a misbehaving or unreachable Safe endpoint cannot hang key-sync
// indefinitely.
type SafeAuthorizer struct {
	HTTPClient httpDoer
	Breaker    *resilience.CircuitBreaker
}

// NewSafeAuthorizer builds a SafeAuthorizer with sensible defaults. Outbound
// calls to the Safe Transaction Service are rate-limited: a single Authorize
// call issues up to two lookups (revoke check, then the message itself), and
// key-sync can call Authorize once per candidate peer.
func NewSafeAuthorizer(client *http.Client) *SafeAuthorizer {
	if client == nil {
		client = http.DefaultClient
	}
	return &SafeAuthorizer{
		HTTPClient: ratelimit.NewRateLimitedClient(client, ratelimit.DefaultConfig()),
		Breaker:    resilience.New(resilience.DefaultConfig()),
	}
}

// Authorize checks that message is a confirmed, non-revoked entry on the
// configured Safe wallet. A "REVOKE: {message}" entry found on the wallet
// takes precedence and always denies authorization.
func (a *SafeAuthorizer) Authorize(ctx context.Context, cfg SafeConfig, message string) error {
	revokeHash, err := safeMessageHash(cfg.ChainID, cfg.WalletAddress, "REVOKE: "+message)
	if err != nil {
		return err
	}
	if _, found, err := a.fetchMessage(ctx, cfg, revokeHash); err != nil {
		return err
	} else if found {
		return fmt.Errorf("message has been revoked")
	}

	messageHash, err := safeMessageHash(cfg.ChainID, cfg.WalletAddress, message)
	if err != nil {
		return err
	}
	msg, found, err := a.fetchMessage(ctx, cfg, messageHash)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("message not found")
	}
	if msg.Safe != cfg.WalletAddress {
		return fmt.Errorf("safe address mismatch")
	}
	if len(msg.Confirmations) < cfg.Threshold {
		return fmt.Errorf("not enough confirmations")
	}
	return nil
}

func (a *SafeAuthorizer) fetchMessage(ctx context.Context, cfg SafeConfig, messageHash string) (*safeMessage, bool, error) {
	reqURL := utils.BuildURL(cfg.HTTPEndpoint, messageHash+"/", nil)

	origin, err := requestOrigin(reqURL)
	if err != nil {
		return nil, false, err
	}

	var msg *safeMessage
	var found bool
	err = a.Breaker.Execute(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Origin", origin)

		resp, err := a.HTTPClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
			var decoded safeMessage
			if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
				return fmt.Errorf("decode safe message: %w", err)
			}
			msg = &decoded
			found = true
			return nil
		case http.StatusNotFound:
			found = false
			return nil
		default:
			return fmt.Errorf("invalid response status: %s", resp.Status)
		}
	})
	if err != nil {
		return nil, false, err
	}
	return msg, found, nil
}

// requestOrigin derives the "scheme://host" Origin header value for a Safe
// Transaction Service request, matching the original enclave's use of the
// request URI's scheme and authority host (port excluded).
func requestOrigin(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse safe endpoint url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Hostname() == "" {
		return "", fmt.Errorf("safe endpoint url %q missing scheme or host", rawURL)
	}
	return parsed.Scheme + "://" + parsed.Hostname(), nil
}
