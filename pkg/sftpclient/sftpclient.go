// Package sftpclient dials SFTP sessions over SSH for the uploader and the
// remote-file ingestor.
package sftpclient

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	defaultPort    = 22
	dialTimeout    = 30 * time.Second
	maxDialRetries = 2
)

// Config describes one SSH endpoint. Exactly one of HostKey or KnownHostsFile
// must be set; connections without host key verification are refused.
type Config struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port,omitempty"`
	User           string `yaml:"user"`
	Password       string `yaml:"password,omitempty"`
	PrivateKeyFile string `yaml:"privateKeyFile,omitempty"`
	// HostKey is a base64 encoded SSH public key.
	HostKey        string `yaml:"hostKey,omitempty"`
	KnownHostsFile string `yaml:"knownHostsFile,omitempty"`
}

// Addr returns host:port.
func (c Config) Addr() string {
	port := c.Port
	if port <= 0 {
		port = defaultPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// Validate checks that the endpoint can be dialed.
func (c Config) Validate() error {
	if c.Host == "" {
		return errors.New("sftp: host is required")
	}
	if c.User == "" {
		return errors.New("sftp: user is required")
	}
	if c.Password == "" && c.PrivateKeyFile == "" {
		return errors.New("sftp: password or privateKeyFile is required")
	}
	if c.HostKey == "" && c.KnownHostsFile == "" {
		return errors.New("sftp: host key verification required; provide hostKey or knownHostsFile")
	}
	return nil
}

// hostKeyCallback prefers the pinned HostKey over the known_hosts file.
func (c Config) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if c.HostKey != "" {
		raw, err := base64.StdEncoding.DecodeString(c.HostKey)
		if err != nil {
			return nil, fmt.Errorf("sftp: failed to decode host key: %w", err)
		}
		key, err := ssh.ParsePublicKey(raw)
		if err != nil {
			return nil, fmt.Errorf("sftp: failed to parse host key: %w", err)
		}
		return ssh.FixedHostKey(key), nil
	}
	callback, err := knownhosts.New(c.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("sftp: failed to parse known_hosts: %w", err)
	}
	return callback, nil
}

func (c Config) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if c.PrivateKeyFile != "" {
		pem, err := os.ReadFile(c.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("sftp: failed to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("sftp: failed to parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		methods = append(methods, ssh.Password(c.Password))
	}
	return methods, nil
}

// Client is an SFTP session together with the SSH connection carrying it.
type Client struct {
	*sftp.Client
	conn *ssh.Client
}

// Close ends the SFTP session and the SSH connection.
func (c *Client) Close() error {
	err := c.Client.Close()
	if c.conn != nil {
		if cerr := c.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Wrap adopts an existing SFTP session that has no SSH connection of its own.
func Wrap(c *sftp.Client) *Client {
	return &Client{Client: c}
}

// Dial connects and opens an SFTP session. Network failures are retried with
// exponential backoff; configuration and authentication failures are not.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	hostKeyCallback, err := cfg.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	auth, err := cfg.authMethods()
	if err != nil {
		return nil, err
	}
	sshConfig := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         dialTimeout,
	}

	addr := cfg.Addr()
	var client *Client
	op := func() error {
		dialer := net.Dialer{Timeout: dialTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("sftp: failed to connect to %s: %w", addr, err)
		}
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
		if err != nil {
			conn.Close()
			return backoff.Permanent(fmt.Errorf("sftp: SSH handshake with %s failed: %w", addr, err))
		}
		sshClient := ssh.NewClient(c, chans, reqs)
		sc, err := sftp.NewClient(sshClient)
		if err != nil {
			sshClient.Close()
			return backoff.Permanent(fmt.Errorf("sftp: failed to start subsystem on %s: %w", addr, err))
		}
		client = &Client{Client: sc, conn: sshClient}
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxDialRetries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return client, nil
}
