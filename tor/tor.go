// Package tor routes outbound peer connections through a SOCKS5 proxy,
// typically a local Tor daemon.
package tor

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// Config holds Tor configuration parameters.
type Config struct {
	Enabled   bool
	ProxyAddr string
}

// Client dials peers directly or through the proxy.
type Client struct {
	config Config
	dialer proxy.Dialer
}

// NewClient creates a client.  When Tor is enabled the proxy must be
// reachable; the daemon itself is managed outside this process.
func NewClient(config Config, logger logrus.FieldLogger) (*Client, error) {
	if !config.Enabled {
		return &Client{config: config, dialer: proxy.Direct}, nil
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	dialer, err := proxy.SOCKS5("tcp", config.ProxyAddr, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	c := &Client{config: config, dialer: dialer}
	if err := c.testConnection(5 * time.Second); err != nil {
		return nil, err
	}
	logger.WithField("proxy", config.ProxyAddr).Info("Routing peer connections through Tor")
	return c, nil
}

// DialTimeout connects to an address with a timeout.
func (c *Client) DialTimeout(network, address string, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return c.DialContext(ctx, network, address)
}

// DialContext connects to an address, honoring ctx.
func (c *Client) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !c.config.Enabled {
		var d net.Dialer
		return d.DialContext(ctx, network, address)
	}
	if cd, ok := c.dialer.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, network, address)
	}

	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := c.dialer.Dial(network, address)
		ch <- result{conn, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	case res := <-ch:
		return res.conn, res.err
	}
}

// testConnection checks that the proxy accepts TCP connections.
func (c *Client) testConnection(timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", c.config.ProxyAddr, timeout)
	if err != nil {
		return fmt.Errorf("cannot connect to Tor proxy at %s: %w", c.config.ProxyAddr, err)
	}
	return conn.Close()
}

// IsEnabled returns whether Tor is enabled.
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// ProxyAddr returns the Tor proxy address.
func (c *Client) ProxyAddr() string {
	return c.config.ProxyAddr
}
