// Package http is an oracle.Client talking to a remote decryption oracle over
// HTTP. The oracle answers later by posting to the engine's callback endpoint.
package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	nhttp "net/http"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	json "github.com/nikkolasg/hexjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/xerrors"

	"github.com/drand/sealed/common/log"
	"github.com/drand/sealed/ledger"
	"github.com/drand/sealed/metrics"
	"github.com/drand/sealed/oracle"
)

var errClientClosed = xerrors.New("client closed")

const defaultClientExec = "unknown"
const defaultHTTPTimeout = 30 * time.Second

// maxResponseSize bounds the body read from the oracle.
const maxResponseSize = 1 << 20

// DecryptRequest is the body posted to <root>/decrypt.
type DecryptRequest struct {
	Record      ledger.RecordID    `json:"record"`
	Ciphertexts ledger.Ciphertexts `json:"ciphertexts"`
}

// DecryptResponse is the body the oracle replies with.
type DecryptResponse struct {
	RequestID ledger.RequestID `json:"request_id"`
}

// Client implements oracle.Client through http requests.
type Client struct {
	root   string
	client *nhttp.Client
	Agent  string
	l      log.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a client for the oracle rooted at url.
func New(l log.Logger, url string, transport nhttp.RoundTripper) *Client {
	if transport == nil {
		transport = nhttp.DefaultTransport
	}
	if !strings.HasSuffix(url, "/") {
		url += "/"
	}
	pn, err := os.Executable()
	if err != nil {
		pn = defaultClientExec
	}
	return &Client{
		root:   url,
		client: instrumentClient(url, transport),
		Agent:  fmt.Sprintf("sealed-%s/1.0", path.Base(pn)),
		l:      l.Named("oracle"),
		done:   make(chan struct{}),
	}
}

// Instruments an HTTP client around a transport
func instrumentClient(url string, transport nhttp.RoundTripper) *nhttp.Client {
	hc := nhttp.Client{}
	hc.Timeout = defaultHTTPTimeout
	urlLabel := prometheus.Labels{"url": url}

	transport = promhttp.InstrumentRoundTripperInFlight(metrics.OracleInFlight.With(urlLabel),
		promhttp.InstrumentRoundTripperCounter(metrics.OracleRequests.MustCurryWith(urlLabel),
			promhttp.InstrumentRoundTripperDuration(metrics.OracleLatency.MustCurryWith(urlLabel),
				transport)))

	hc.Transport = transport
	return &hc
}

// String returns the name of this client.
func (c *Client) String() string {
	return fmt.Sprintf("HTTP(%q)", c.root)
}

// Issue implements oracle.Client.
func (c *Client) Issue(ctx context.Context, r oracle.Request) (ledger.RequestID, error) {
	select {
	case <-c.done:
		return "", errClientClosed
	default:
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	body, err := json.Marshal(&DecryptRequest{Record: r.Record, Ciphertexts: r.Ciphertexts})
	if err != nil {
		return "", xerrors.Errorf("encoding request: %w", err)
	}
	req, err := nhttp.NewRequestWithContext(ctx, nhttp.MethodPost, c.root+"decrypt", bytes.NewReader(body))
	if err != nil {
		return "", xerrors.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", c.Agent)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", xerrors.Errorf("doing request: %w", err)
	}
	defer resp.Body.Close()

	buff, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", xerrors.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != nhttp.StatusOK && resp.StatusCode != nhttp.StatusAccepted {
		return "", xerrors.Errorf("oracle replied %d: %s", resp.StatusCode, strings.TrimSpace(string(buff)))
	}

	var out DecryptResponse
	if err := json.Unmarshal(buff, &out); err != nil {
		return "", xerrors.Errorf("decoding response: %w", err)
	}
	c.l.Debugw("request accepted", "record", r.Record, "request", out.RequestID)
	return out.RequestID, nil
}

// Close aborts in-flight requests and refuses new ones.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}
