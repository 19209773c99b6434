package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/meridian-obs/meridian/internal/errors"
	"github.com/spf13/viper"
)

// controlClient talks to a running daemon's control plane and renders the
// JSON responses for the terminal.
type controlClient struct {
	base string
	hc   *http.Client
	out  io.Writer
}

func newControlClient() *controlClient {
	return &controlClient{
		base: strings.TrimRight(viper.GetString("control_url"), "/"),
		hc:   &http.Client{Timeout: 10 * time.Second},
		out:  os.Stdout,
	}
}

func (c *controlClient) get(path string) error {
	req, err := http.NewRequest(http.MethodGet, c.base+path, nil)
	if err != nil {
		return fail(err)
	}
	return c.send(req)
}

func (c *controlClient) post(path string, body any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fail(err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(http.MethodPost, c.base+path, rd)
	if err != nil {
		return fail(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req)
}

// send performs the request, pretty-prints a successful JSON response, and
// maps the API error envelope onto the command error (cobra prints it to
// stderr).
func (c *controlClient) send(req *http.Request) error {
	resp, err := c.hc.Do(req)
	if err != nil {
		if isConnectionError(err) {
			return unreachable(fmt.Errorf("control plane at %s unreachable: %w", c.base, err))
		}
		return fail(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fail(fmt.Errorf("reading response: %w", err))
	}

	if resp.StatusCode >= 400 {
		return fail(apiError(resp.StatusCode, payload))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, payload, "", "  "); err != nil {
		// Not JSON; print whatever came back
		fmt.Fprintln(c.out, strings.TrimSpace(string(payload)))
		return nil
	}
	fmt.Fprintln(c.out, pretty.String())
	return nil
}

// apiError turns the control plane's error envelope into a terminal-friendly
// error, falling back to the bare HTTP status when the body isn't one.
func apiError(status int, payload []byte) error {
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(payload, &envelope) == nil && envelope.Error.Code != "" {
		return fmt.Errorf("%s: %s", envelope.Error.Code, envelope.Error.Message)
	}
	return fmt.Errorf("control plane returned HTTP %d", status)
}

// isConnectionError reports whether err means the daemon could not be
// reached at all, as opposed to the daemon answering with an error.
func isConnectionError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH)
}
