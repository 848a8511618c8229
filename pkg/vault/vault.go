// Package vault wraps the external password-vault CLI binary. Every call
// shells out to the binary with a bounded deadline; the child is killed and
// awaited on every error path so no subprocess outlives its call.
package vault

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/mcpfleet/mcpfleet/pkg/errors"
)

// DefaultTimeout bounds a single vault binary invocation.
const DefaultTimeout = 30 * time.Second

// Client invokes the vault binary. The unlock handle returned by login is
// passed back on item reads via the BW_SESSION environment variable and is
// never written to disk or argv.
type Client struct {
	binary  string
	timeout time.Duration
}

// NewClient returns a client for the given binary path. Empty binary falls
// back to "bw" on PATH; non-positive timeout falls back to DefaultTimeout.
func NewClient(binary string, timeout time.Duration) *Client {
	if binary == "" {
		binary = "bw"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{binary: binary, timeout: timeout}
}

// LoginWithPassword performs an email + master password login and returns
// the unlock handle.
func (c *Client) LoginWithPassword(ctx context.Context, email, masterPassword string) (string, error) {
	out, err := c.run(ctx, []string{"BW_PASSWORD=" + masterPassword},
		"login", email, "--passwordenv", "BW_PASSWORD", "--raw")
	if err != nil {
		return "", err
	}
	return handleFrom(out)
}

// LoginWithAPIKey authenticates with client credentials and then unlocks
// with the master password. The vault binary keeps the two steps separate:
// an API-key login authenticates the client but leaves the vault locked, so
// the master password is still required to obtain an unlock handle.
func (c *Client) LoginWithAPIKey(ctx context.Context, clientID, clientSecret, masterPassword string) (string, error) {
	env := []string{
		"BW_CLIENTID=" + clientID,
		"BW_CLIENTSECRET=" + clientSecret,
	}
	if _, err := c.run(ctx, env, "login", "--apikey"); err != nil {
		return "", err
	}

	out, err := c.run(ctx, []string{"BW_PASSWORD=" + masterPassword},
		"unlock", "--passwordenv", "BW_PASSWORD", "--raw")
	if err != nil {
		return "", err
	}
	return handleFrom(out)
}

// Sync probes the handle by forcing a vault sync. A handle the binary will
// not sync with is unusable and treated by callers as an auth failure.
func (c *Client) Sync(ctx context.Context, handle string) error {
	_, err := c.run(ctx, []string{"BW_SESSION=" + handle}, "sync")
	return err
}

// Lock locks the vault, invalidating outstanding unlock handles.
func (c *Client) Lock(ctx context.Context) error {
	_, err := c.run(ctx, nil, "lock")
	return err
}

// GetItem fetches a vault item by id using the unlock handle.
func (c *Client) GetItem(ctx context.Context, handle, itemID string) (Item, error) {
	out, err := c.run(ctx, []string{"BW_SESSION=" + handle}, "get", "item", itemID)
	if err != nil {
		return Item{}, err
	}
	if !gjson.ValidBytes(out) {
		return Item{}, errors.NewAuthError("vault binary returned malformed JSON", nil)
	}
	return ParseItem(out), nil
}

// run executes the binary with a deadline, returning stdout. Failures of any
// shape (non-zero exit, timeout, spawn error) collapse into a single auth
// error carrying the child's stderr.
func (c *Client) run(ctx context.Context, env []string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.Env = append(os.Environ(), env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// CommandContext kills the child when the deadline fires, and Run does
	// not return until the child has been reaped.
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.NewAuthError(
				fmt.Sprintf("vault binary timed out after %s: %s", c.timeout, detail), err)
		}
		return nil, errors.NewAuthError(fmt.Sprintf("vault binary failed: %s", detail), err)
	}
	return stdout.Bytes(), nil
}

func handleFrom(out []byte) (string, error) {
	handle := strings.TrimSpace(string(out))
	if handle == "" {
		return "", errors.NewAuthError("vault binary returned an empty unlock handle", nil)
	}
	return handle, nil
}
